package bus

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MessageType selects the handlers a message is dispatched to
type MessageType int

const (
	TypeUnknown MessageType = iota
	TypeCommand
	TypeRequest
	TypeResponse
	TypeBroadcast
	TypeStatus
	TypeError
	TypeDebug
)

var messageTypeNames = map[MessageType]string{
	TypeUnknown:   "unknown",
	TypeCommand:   "command",
	TypeRequest:   "request",
	TypeResponse:  "response",
	TypeBroadcast: "broadcast",
	TypeStatus:    "status",
	TypeError:     "error",
	TypeDebug:     "debug",
}

func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(%d)", int(t))
}

// MarshalText encodes the type by name
func (t MessageType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText decodes a type name; unrecognised names become TypeUnknown
func (t *MessageType) UnmarshalText(text []byte) error {
	parsed, _ := ParseMessageType(string(text))
	*t = parsed
	return nil
}

// ParseMessageType resolves a type name, case-insensitively
func ParseMessageType(s string) (MessageType, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for t, n := range messageTypeNames {
		if n == name {
			return t, nil
		}
	}
	return TypeUnknown, fmt.Errorf("%w: message type %q", ErrInvalidMessage, s)
}

// Priority is advisory; the bus dispatches in arrival order
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

var priorityNames = []string{"low", "normal", "high", "critical"}

func (p Priority) String() string {
	if p >= 0 && int(p) < len(priorityNames) {
		return priorityNames[p]
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// MarshalText encodes the priority by name
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes a priority name
func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParsePriority resolves a priority name. An empty name is Normal.
func ParsePriority(s string) (Priority, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "" {
		return PriorityNormal, nil
	}
	for i, n := range priorityNames {
		if n == name {
			return Priority(i), nil
		}
	}
	return PriorityNormal, fmt.Errorf("%w: priority %q", ErrInvalidMessage, s)
}

// Message is an envelope exchanged between endpoints. Treat it as immutable;
// WithRecipient returns a copy.
type Message struct {
	ID        string                 `json:"id"`
	Type      MessageType            `json:"type"`
	Priority  Priority               `json:"priority"`
	Sender    string                 `json:"sender"`
	Recipient string                 `json:"recipient"`
	Content   string                 `json:"content"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// NewMessage creates a Normal priority message with a fresh id
func NewMessage(msgType MessageType, sender, recipient, content string) Message {
	return Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Priority:  PriorityNormal,
		Sender:    sender,
		Recipient: recipient,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

// WithRecipient returns a copy addressed to recipient. The id is kept.
func (m Message) WithRecipient(recipient string) Message {
	clone := m
	clone.Recipient = recipient
	if m.Metadata != nil {
		clone.Metadata = make(map[string]interface{}, len(m.Metadata))
		for k, v := range m.Metadata {
			clone.Metadata[k] = v
		}
	}
	return clone
}

// WithMetadata returns a copy with key set
func (m Message) WithMetadata(key string, value interface{}) Message {
	clone := m.WithRecipient(m.Recipient)
	if clone.Metadata == nil {
		clone.Metadata = make(map[string]interface{})
	}
	clone.Metadata[key] = value
	return clone
}
