package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/agentcore/internal/config"
)

func TestConfigShow(t *testing.T) {
	path, dir := writeTestConfig(t, `, "bus": {"rate_limit": {"max": 9, "window": 3}}`)

	output, err := executeCommand(t, "config", "show", "--config", path)
	require.NoError(t, err)

	var cfg config.Config
	require.NoError(t, json.Unmarshal([]byte(output), &cfg))
	assert.Equal(t, 9, cfg.Bus.RateLimit.Max)
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, filepath.Join(dir, "state"), cfg.State.Dir)
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "agentcore.json")

	output, err := executeCommand(t, "config", "init", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, output, path)
	assert.FileExists(t, path)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig().Runner.MaxWorkers, cfg.Runner.MaxWorkers)

	_, err = executeCommand(t, "config", "init", "--config", path)
	assert.Error(t, err)

	_, err = executeCommand(t, "config", "init", "--config", path, "--force")
	assert.NoError(t, err)
}

func TestConfigValidate(t *testing.T) {
	path, _ := writeTestConfig(t, "")
	output, err := executeCommand(t, "config", "validate", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, output, "valid")

	bad := filepath.Join(t.TempDir(), "agentcore.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"retry": {"strategy": "quadratic"}}`), 0644))
	_, err = executeCommand(t, "config", "validate", "--config", bad)
	assert.Error(t, err)
}
