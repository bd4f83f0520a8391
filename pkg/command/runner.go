// Package command runs external command-line utilities and captures their
// exit code and output. It backs the simulator provisioning tools
// (xcrun simctl) and the worker's UI automation backend (idb).
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/billm/simpilot/internal/config"
	"github.com/billm/simpilot/internal/logger"
	"github.com/billm/simpilot/pkg/types"
)

// Executor runs a command with extra arguments appended to a fixed prefix
type Executor interface {
	Run(ctx context.Context, args ...string) (*Result, error)
}

// Result holds the outcome of a finished command
type Result struct {
	// ExitCode is the process exit status. Non-zero exits are not errors.
	ExitCode int `json:"exit_code"`

	// Stdout contains the standard output
	Stdout string `json:"stdout"`

	// Stderr contains the standard error output
	Stderr string `json:"stderr"`

	// Duration is how long the command ran
	Duration time.Duration `json:"-"`
}

// Success reports whether the command exited with status 0
func (r *Result) Success() bool {
	return r.ExitCode == 0
}

// Runner executes one external binary with a fixed argument prefix
type Runner struct {
	name     string
	baseArgs []string
	timeout  time.Duration
	logger   *logger.Logger
}

// NewRunner creates a runner from a command configuration
func NewRunner(cfg config.CommandConfig, log *logger.Logger) (*Runner, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "command cannot be empty")
	}
	log = logger.OrDefault(log)

	return &Runner{
		name:     cfg.Command,
		baseArgs: append([]string(nil), cfg.Args...),
		timeout:  cfg.Timeout,
		logger:   log.With("component", "command", "command", cfg.Command),
	}, nil
}

// Name returns the binary this runner invokes
func (r *Runner) Name() string {
	return r.name
}

// Run executes the command with args appended to the base arguments.
// A non-zero exit status is reported in the Result, not as an error;
// errors are reserved for commands that could not be started or timed out.
func (r *Runner) Run(ctx context.Context, args ...string) (*Result, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	fullArgs := make([]string, 0, len(r.baseArgs)+len(args))
	fullArgs = append(fullArgs, r.baseArgs...)
	fullArgs = append(fullArgs, args...)

	cmd := exec.CommandContext(ctx, r.name, fullArgs...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Debug("Running command", "args", fullArgs)

	start := time.Now()
	err := cmd.Run()
	result := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return result, types.WrapError(types.ErrCodeTimeout,
				fmt.Sprintf("%s timed out after %s", r.name, r.timeout), ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			r.logger.Debug("Command exited with non-zero status",
				"args", fullArgs,
				"exit_code", result.ExitCode,
				"duration", result.Duration)
			return result, nil
		}
		return nil, types.WrapError(types.ErrCodeCommandFailed,
			fmt.Sprintf("failed to run %s", r.name), err)
	}

	r.logger.Debug("Command completed", "args", fullArgs, "duration", result.Duration)
	return result, nil
}

// Available reports whether the runner's binary can be found on PATH
func (r *Runner) Available() error {
	if _, err := exec.LookPath(r.name); err != nil {
		return types.WrapError(types.ErrCodeNotFound,
			fmt.Sprintf("%s not found on PATH", r.name), err)
	}
	return nil
}
