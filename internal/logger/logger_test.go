package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("writes json to output", func(t *testing.T) {
		var buf bytes.Buffer
		l, err := New(Config{Level: "debug", Output: &buf})
		require.NoError(t, err)
		defer l.Close()

		zl := l.Zerolog()
		zl.Debug().Str("entity", "agent-1").Msg("hello")

		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "hello", entry["message"])
		assert.Equal(t, "agent-1", entry["entity"])
		assert.Contains(t, entry, "time")
	})

	t.Run("invalid level falls back to info", func(t *testing.T) {
		l, err := New(Config{Level: "loud", Output: &bytes.Buffer{}})
		require.NoError(t, err)
		assert.Equal(t, zerolog.InfoLevel, l.Level())
	})

	t.Run("installs global logger", func(t *testing.T) {
		var buf bytes.Buffer
		_, err := New(Config{Level: "info", Output: &buf})
		require.NoError(t, err)

		log.Info().Msg("global")
		assert.Contains(t, buf.String(), "global")
	})

	t.Run("plain file", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "logs", "agentcore.log")
		l, err := New(Config{Level: "info", File: logFile})
		require.NoError(t, err)

		zl := l.Zerolog()
		zl.Info().Msg("to file")
		require.NoError(t, l.Close())

		data, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(data), "to file")
	})

	t.Run("rotating file when max size set", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "agentcore.log")
		l, err := New(Config{Level: "info", File: logFile, MaxSize: 1})
		require.NoError(t, err)
		defer l.Close()

		_, ok := l.closer.(*RotatingWriter)
		assert.True(t, ok)
	})
}

func TestSetLevel(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Level: "info", Output: &buf})
	require.NoError(t, err)

	before := l.Zerolog()
	before.Debug().Msg("hidden")
	assert.Empty(t, buf.String())

	require.NoError(t, l.SetLevel("debug"))
	after := l.Zerolog()
	after.Debug().Msg("shown")
	assert.Contains(t, buf.String(), "shown")

	assert.Error(t, l.SetLevel("chatty"))
	assert.Equal(t, zerolog.DebugLevel, l.Level())
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Level: "info", Output: &buf})
	require.NoError(t, err)

	c := l.Component("bus")
	c.Info().Msg("started")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "bus", entry["component"])
}

func TestRedactionEnabled(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Level: "info", Output: &buf, Redaction: true})
	require.NoError(t, err)
	require.NotNil(t, l.Redactor())

	zl := l.Zerolog()
	zl.Info().Str("url", "/ws?endpoint=ui&token=abc123").Msg("connect")

	assert.NotContains(t, buf.String(), "abc123")
	assert.Contains(t, buf.String(), "[REDACTED]")
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.True(t, cfg.Redaction)
	assert.Equal(t, 100, cfg.MaxSize)
}
