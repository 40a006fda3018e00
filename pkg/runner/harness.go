package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrEmptyCommand is returned when a harness has no command to run
	ErrEmptyCommand = errors.New("harness command is empty")
	// ErrExecutionTimeout is returned when the process outlives its deadline
	ErrExecutionTimeout = errors.New("execution timed out")
)

// ExecResult is the outcome of one harness invocation
type ExecResult struct {
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"duration"`
}

// Failed reports a non-zero exit
func (r ExecResult) Failed() bool {
	return r.ExitCode != 0
}

// Executor runs a test suite or a subset of it. No args runs everything.
type Executor interface {
	Run(ctx context.Context, args ...string) (ExecResult, error)
}

// HarnessConfig configures a process harness
type HarnessConfig struct {
	// Command is the program and its fixed arguments, e.g. go test -v ./...
	Command []string
	WorkDir string
	Env     map[string]string
	Logger  *zerolog.Logger
}

// Harness executes an external test command
type Harness struct {
	command []string
	workDir string
	env     map[string]string
	logger  zerolog.Logger
}

// NewHarness creates a harness for cfg.Command
func NewHarness(cfg HarnessConfig) (*Harness, error) {
	if len(cfg.Command) == 0 || cfg.Command[0] == "" {
		return nil, ErrEmptyCommand
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Harness{
		command: append([]string(nil), cfg.Command...),
		workDir: cfg.WorkDir,
		env:     cfg.Env,
		logger:  logger.With().Str("component", "harness").Logger(),
	}, nil
}

// Run executes the command with args appended. A non-zero exit is reported
// in ExecResult, not as an error; errors mean the process could not run to
// completion.
func (h *Harness) Run(ctx context.Context, args ...string) (ExecResult, error) {
	argv := append(append([]string(nil), h.command[1:]...), args...)
	cmd := exec.CommandContext(ctx, h.command[0], argv...)
	if h.workDir != "" {
		cmd.Dir = h.workDir
	}
	cmd.Env = h.buildEnvironment()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	result := ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: duration,
	}

	if ctx.Err() == context.DeadlineExceeded {
		result.ExitCode = -1
		return result, ErrExecutionTimeout
	}
	if ctx.Err() != nil {
		result.ExitCode = -1
		return result, ctx.Err()
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return result, fmt.Errorf("run %s: %w", h.command[0], err)
		}
		result.ExitCode = exitErr.ExitCode()
	}

	h.logger.Debug().
		Str("command", h.command[0]).
		Strs("args", argv).
		Int("exitCode", result.ExitCode).
		Dur("duration", duration).
		Msg("Harness command executed")

	return result, nil
}

func (h *Harness) buildEnvironment() []string {
	env := os.Environ()
	for key, value := range h.env {
		env = append(env, fmt.Sprintf("%s=%s", key, value))
	}
	return env
}
