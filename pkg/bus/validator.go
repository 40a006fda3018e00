package bus

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"
)

const (
	DefaultMaxContentBytes  = 1 << 20
	DefaultMaxMetadataBytes = 1 << 10
)

// ValidatorConfig holds validation limits
type ValidatorConfig struct {
	MaxContentBytes  int
	MaxMetadataBytes int
	RateLimit        int
	RateWindow       time.Duration
}

// Validator checks messages before they are queued
type Validator struct {
	maxContent  int
	maxMetadata int
	limiter     *RateLimiter

	mu       sync.RWMutex
	patterns map[MessageType]*regexp.Regexp
	required map[MessageType][]string
}

// NewValidator creates a validator; zero values use the defaults
func NewValidator(cfg ValidatorConfig) *Validator {
	if cfg.MaxContentBytes <= 0 {
		cfg.MaxContentBytes = DefaultMaxContentBytes
	}
	if cfg.MaxMetadataBytes <= 0 {
		cfg.MaxMetadataBytes = DefaultMaxMetadataBytes
	}

	return &Validator{
		maxContent:  cfg.MaxContentBytes,
		maxMetadata: cfg.MaxMetadataBytes,
		limiter:     NewRateLimiter(cfg.RateLimit, cfg.RateWindow),
		patterns:    make(map[MessageType]*regexp.Regexp),
		required:    make(map[MessageType][]string),
	}
}

// RateLimiter exposes the sender limiter
func (v *Validator) RateLimiter() *RateLimiter {
	return v.limiter
}

// SetContentPattern requires content of msgType to match pattern.
// An empty pattern removes the rule.
func (v *Validator) SetContentPattern(msgType MessageType, pattern string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if pattern == "" {
		delete(v.patterns, msgType)
		return nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("invalid content pattern for %s: %w", msgType, err)
	}
	v.patterns[msgType] = re
	return nil
}

// SetRequiredMetadata requires fields to be present in messages of msgType
func (v *Validator) SetRequiredMetadata(msgType MessageType, fields ...string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if len(fields) == 0 {
		delete(v.required, msgType)
		return
	}
	v.required[msgType] = append([]string(nil), fields...)
}

// Validate returns nil when msg may be queued. The rate limit is checked last
// so refused messages do not use up the sender's quota.
func (v *Validator) Validate(msg Message) error {
	if err := v.check(msg); err != nil {
		return &ValidationError{MessageID: msg.ID, Sender: msg.Sender, Err: err}
	}
	if !v.limiter.Allow(msg.Sender) {
		return &ValidationError{MessageID: msg.ID, Sender: msg.Sender, Err: ErrRateLimited}
	}
	return nil
}

func (v *Validator) check(msg Message) error {
	switch {
	case msg.ID == "":
		return fmt.Errorf("%w: id", ErrMissingField)
	case msg.Type == TypeUnknown:
		return fmt.Errorf("%w: type", ErrMissingField)
	case msg.Sender == "":
		return fmt.Errorf("%w: sender", ErrMissingField)
	case msg.Recipient == "":
		return fmt.Errorf("%w: recipient", ErrMissingField)
	}

	if len(msg.Content) > v.maxContent {
		return fmt.Errorf("%w: %d > %d bytes", ErrContentTooLarge, len(msg.Content), v.maxContent)
	}

	if len(msg.Metadata) > 0 {
		encoded, err := json.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("%w: metadata is not serializable: %v", ErrInvalidMessage, err)
		}
		if len(encoded) > v.maxMetadata {
			return fmt.Errorf("%w: %d > %d bytes", ErrMetadataTooLarge, len(encoded), v.maxMetadata)
		}
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	if re, ok := v.patterns[msg.Type]; ok && !re.MatchString(msg.Content) {
		return fmt.Errorf("%w: %s", ErrPatternMismatch, re.String())
	}
	for _, field := range v.required[msg.Type] {
		if _, ok := msg.Metadata[field]; !ok {
			return fmt.Errorf("%w: %s", ErrMissingMetadata, field)
		}
	}
	return nil
}
