package tracing

import (
	"context"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// EntityIDKey is the context key for the entity being worked on
	EntityIDKey ContextKey = "entity_id"
	// MessageIDKey is the context key for the bus message being handled
	MessageIDKey ContextKey = "message_id"
	// IterationIDKey is the context key for a runner iteration
	IterationIDKey ContextKey = "iteration_id"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID     string
	EntityID    string
	MessageID   string
	IterationID string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewIterationID generates a short iteration ID
func NewIterationID() string {
	id, err := gonanoid.New(12)
	if err != nil {
		return uuid.New().String()
	}
	return id
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithEntityID adds an entity ID to the context
func WithEntityID(ctx context.Context, entityID string) context.Context {
	return context.WithValue(ctx, EntityIDKey, entityID)
}

// WithMessageID adds a message ID to the context
func WithMessageID(ctx context.Context, messageID string) context.Context {
	return context.WithValue(ctx, MessageIDKey, messageID)
}

// WithIterationID adds an iteration ID to the context
func WithIterationID(ctx context.Context, iterationID string) context.Context {
	return context.WithValue(ctx, IterationIDKey, iterationID)
}

func getString(ctx context.Context, key ContextKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	return getString(ctx, TraceIDKey)
}

// GetEntityID retrieves the entity ID from the context
func GetEntityID(ctx context.Context) string {
	return getString(ctx, EntityIDKey)
}

// GetMessageID retrieves the message ID from the context
func GetMessageID(ctx context.Context) string {
	return getString(ctx, MessageIDKey)
}

// GetIterationID retrieves the iteration ID from the context
func GetIterationID(ctx context.Context) string {
	return getString(ctx, IterationIDKey)
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:     GetTraceID(ctx),
		EntityID:    GetEntityID(ctx),
		MessageID:   GetMessageID(ctx),
		IterationID: GetIterationID(ctx),
	}
}

// NewContext creates a new context with tracing information
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.EntityID != "" {
		ctx = WithEntityID(ctx, tc.EntityID)
	}
	if tc.MessageID != "" {
		ctx = WithMessageID(ctx, tc.MessageID)
	}
	if tc.IterationID != "" {
		ctx = WithIterationID(ctx, tc.IterationID)
	}
	return ctx
}

// NewIterationContext creates a context for one runner iteration.
// The trace ID is kept when present so iterations of one run share it.
func NewIterationContext(ctx context.Context, entityID string) context.Context {
	if GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, NewTraceID())
	}
	ctx = WithIterationID(ctx, NewIterationID())
	return WithEntityID(ctx, entityID)
}

// NewMessageContext creates a context for handling one bus message
func NewMessageContext(ctx context.Context, messageID, sender string) context.Context {
	if GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, NewTraceID())
	}
	ctx = WithMessageID(ctx, messageID)
	if sender != "" {
		ctx = WithEntityID(ctx, sender)
	}
	return ctx
}
