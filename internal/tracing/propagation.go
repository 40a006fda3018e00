package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// PropagateToLogger adds tracing context to a zerolog logger
func PropagateToLogger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)

	if tc.TraceID != "" {
		logger = logger.With().Str("trace_id", tc.TraceID).Logger()
	}
	if tc.EntityID != "" {
		logger = logger.With().Str("entity_id", tc.EntityID).Logger()
	}
	if tc.MessageID != "" {
		logger = logger.With().Str("message_id", tc.MessageID).Logger()
	}
	if tc.IterationID != "" {
		logger = logger.With().Str("iteration_id", tc.IterationID).Logger()
	}

	return logger
}

// LoggerFromContext creates a logger with tracing context from the given context
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	return PropagateToLogger(ctx, baseLogger)
}

// MergeContext copies tracing values from source that target does not already carry
func MergeContext(target, source context.Context) context.Context {
	tc := FromContext(source)

	if tc.TraceID != "" && GetTraceID(target) == "" {
		target = WithTraceID(target, tc.TraceID)
	}
	if tc.EntityID != "" && GetEntityID(target) == "" {
		target = WithEntityID(target, tc.EntityID)
	}
	if tc.MessageID != "" && GetMessageID(target) == "" {
		target = WithMessageID(target, tc.MessageID)
	}
	if tc.IterationID != "" && GetIterationID(target) == "" {
		target = WithIterationID(target, tc.IterationID)
	}

	return target
}

// Detach returns a background context carrying ctx's tracing values.
// Used for work that must outlive the caller, such as queued bus delivery.
func Detach(ctx context.Context) context.Context {
	return NewContext(context.Background(), FromContext(ctx))
}
