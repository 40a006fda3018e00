package runner

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestRunWithTimeout(t *testing.T) {
	t.Run("returns the value", func(t *testing.T) {
		v, ok := RunWithTimeout(context.Background(), zerolog.Nop(), "op", time.Second, func(ctx context.Context) (int, error) {
			return 7, nil
		})
		assert.True(t, ok)
		assert.Equal(t, 7, v)
	})

	t.Run("timeout logs a warning", func(t *testing.T) {
		var buf bytes.Buffer
		logger := zerolog.New(&buf)

		v, ok := RunWithTimeout(context.Background(), logger, "slow", 20*time.Millisecond, func(ctx context.Context) (string, error) {
			<-ctx.Done()
			return "late", ctx.Err()
		})

		assert.False(t, ok)
		assert.Empty(t, v)
		assert.Contains(t, buf.String(), `"level":"warn"`)
		assert.Contains(t, buf.String(), "timed out")
	})

	t.Run("operation ignoring its context still times out", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)

		start := time.Now()
		_, ok := RunWithTimeout(context.Background(), zerolog.Nop(), "stubborn", 20*time.Millisecond, func(ctx context.Context) (int, error) {
			<-release
			return 1, nil
		})

		assert.False(t, ok)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("failure logs an error", func(t *testing.T) {
		var buf bytes.Buffer
		logger := zerolog.New(&buf)

		_, ok := RunWithTimeout(context.Background(), logger, "broken", time.Second, func(ctx context.Context) (int, error) {
			return 0, errors.New("exit 2")
		})

		assert.False(t, ok)
		assert.Contains(t, buf.String(), `"level":"error"`)
	})

	t.Run("panic is contained", func(t *testing.T) {
		_, ok := RunWithTimeout(context.Background(), zerolog.Nop(), "panics", time.Second, func(ctx context.Context) (int, error) {
			panic("boom")
		})
		assert.False(t, ok)
	})
}
