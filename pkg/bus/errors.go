package bus

import (
	"errors"
	"fmt"

	"github.com/harun/agentcore/pkg/errcore"
)

var (
	ErrInvalidMessage   = errors.New("invalid message")
	ErrMissingField     = errors.New("missing required field")
	ErrContentTooLarge  = errors.New("content exceeds size limit")
	ErrMetadataTooLarge = errors.New("metadata exceeds size limit")
	ErrRateLimited      = errors.New("sender rate limit exceeded")
	ErrPatternMismatch  = errors.New("content does not match pattern")
	ErrMissingMetadata  = errors.New("missing required metadata")

	// ErrQueueFull is returned by Send when the processing queue is full
	ErrQueueFull = errors.New("message queue is full")
)

// ValidationError reports why a message was refused
type ValidationError struct {
	MessageID string
	Sender    string
	Err       error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("message %s from %s rejected: %v", e.MessageID, e.Sender, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func (e *ValidationError) Severity() errcore.Severity { return errcore.SeverityLow }
func (e *ValidationError) Kind() errcore.Kind         { return errcore.KindInput }

// HandlerError wraps a failure raised by a message handler
type HandlerError struct {
	MessageID string
	Type      MessageType
	Err       error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler for %s message %s failed: %v", e.Type, e.MessageID, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}
