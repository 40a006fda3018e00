package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resetFlags restores every flag in the tree; cobra keeps values between Execute calls
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := GetRootCmd()
	resetFlags(cmd)
	t.Cleanup(func() { resetFlags(cmd) })

	output := &bytes.Buffer{}
	cmd.SetOut(output)
	cmd.SetErr(output)
	cmd.SetArgs(args)

	err := cmd.Execute()
	return output.String(), err
}

// writeTestConfig writes a config file rooted in a temp data dir
func writeTestConfig(t *testing.T, extra string) (string, string) {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "agentcore.json")
	content := `{"data_dir": "` + filepath.ToSlash(dir) + `"` + extra + `}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path, dir
}

func TestRootCommand(t *testing.T) {
	t.Run("version flag", func(t *testing.T) {
		output, err := executeCommand(t, "--version")
		require.NoError(t, err)

		assert.Contains(t, output, "agentcore version")
		assert.Contains(t, output, GetVersion())
	})

	t.Run("help flag", func(t *testing.T) {
		output, err := executeCommand(t, "--help")
		require.NoError(t, err)

		assert.Contains(t, output, "orchestration kernel")
		for _, name := range []string{"start", "stop", "status", "config", "state"} {
			assert.Contains(t, output, name)
		}
	})

	t.Run("global flags", func(t *testing.T) {
		cmd := GetRootCmd()

		configFlag := cmd.PersistentFlags().Lookup("config")
		require.NotNil(t, configFlag)
		assert.Equal(t, "", configFlag.DefValue)

		logLevelFlag := cmd.PersistentFlags().Lookup("log-level")
		require.NotNil(t, logLevelFlag)
		assert.Equal(t, "info", logLevelFlag.DefValue)
	})

	t.Run("subcommands registered", func(t *testing.T) {
		names := make(map[string]bool)
		for _, c := range GetRootCmd().Commands() {
			names[c.Name()] = true
		}
		for _, name := range []string{"start", "stop", "status", "config", "state"} {
			assert.True(t, names[name], "%s command should exist", name)
		}
	})
}

func TestLoadConfig_LogLevelFlag(t *testing.T) {
	path, _ := writeTestConfig(t, "")

	output, err := executeCommand(t, "config", "show", "--config", path, "--log-level", "debug")
	require.NoError(t, err)
	assert.Contains(t, output, `"level": "debug"`)

	_, err = executeCommand(t, "config", "show", "--config", path, "--log-level", "loud")
	assert.Error(t, err)
}

func TestStatusAndStop_NotRunning(t *testing.T) {
	path, _ := writeTestConfig(t, "")

	output, err := executeCommand(t, "status", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, output, "Status: stopped")

	output, err = executeCommand(t, "stop", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, output, "not running")
}

func TestStatus_Running(t *testing.T) {
	path, dir := writeTestConfig(t, "")
	// The test process stands in for the daemon
	require.NoError(t, os.WriteFile(filepath.Join(dir, "agentcore.pid"), []byte(strconv.Itoa(os.Getpid())), 0644))

	output, err := executeCommand(t, "status", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, output, "Status: running")
	assert.Contains(t, output, "PID: "+strconv.Itoa(os.Getpid()))
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"42s", "42s"},
		{"3m5s", "3m5s"},
		{"2h0m7s", "2h0m7s"},
	}
	for _, tt := range tests {
		d, err := time.ParseDuration(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, formatDuration(d))
	}
}
