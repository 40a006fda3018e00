package runner

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/agentcore/pkg/errcore"
)

type timeoutResult[T any] struct {
	value T
	err   error
}

// RunWithTimeout runs op under a deadline and never propagates its failure.
// A timeout is logged as a warning, any other error (or panic) as an error,
// and both return ok == false. op keeps running in the background if it
// ignores its context.
func RunWithTimeout[T any](ctx context.Context, logger zerolog.Logger, name string, timeout time.Duration, op func(ctx context.Context) (T, error)) (T, bool) {
	var zero T

	runCtx := ctx
	cancel := func() {}
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	done := make(chan timeoutResult[T], 1)
	go func() {
		var res timeoutResult[T]
		defer func() {
			if r := recover(); r != nil {
				res.err = &errcore.PanicError{Value: r}
			}
			done <- res
		}()
		res.value, res.err = op(runCtx)
	}()

	select {
	case res := <-done:
		if res.err == nil {
			return res.value, true
		}
		if errors.Is(res.err, context.DeadlineExceeded) && runCtx.Err() != nil && ctx.Err() == nil {
			logger.Warn().Str("operation", name).Dur("timeout", timeout).Msg("Operation timed out")
			return zero, false
		}
		logger.Error().Err(res.err).Str("operation", name).Msg("Operation failed")
		return zero, false
	case <-runCtx.Done():
		if ctx.Err() != nil {
			logger.Debug().Str("operation", name).Msg("Operation cancelled")
			return zero, false
		}
		logger.Warn().Str("operation", name).Dur("timeout", timeout).Msg("Operation timed out")
		return zero, false
	}
}
