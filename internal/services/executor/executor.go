// Package executor runs commands on the local host or through a remote session.
package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/CTMS/AutoSanVanilla/internal/models"
)

// Executor defines the interface for running a single command.
type Executor interface {
	Run(ctx context.Context, cmd models.Command) (*models.CommandResult, error)
}

// ErrSessionUnavailable is returned when the remote session is closed or its transport died.
var ErrSessionUnavailable = errors.New("session unavailable")

// ProcessLaunchError indicates a local command could not be started.
type ProcessLaunchError struct {
	Command string
	Err     error
}

func (e *ProcessLaunchError) Error() string {
	return fmt.Sprintf("failed to launch %q: %v", e.Command, e.Err)
}

func (e *ProcessLaunchError) Unwrap() error {
	return e.Err
}

// Func adapts a function to the Executor interface.
type Func func(ctx context.Context, cmd models.Command) (*models.CommandResult, error)

// Run calls f.
func (f Func) Run(ctx context.Context, cmd models.Command) (*models.CommandResult, error) {
	return f(ctx, cmd)
}

// RunChecked runs a non-interactive command and converts a non-zero exit into an error.
func RunChecked(ctx context.Context, exec Executor, text string) (*models.CommandResult, error) {
	result, err := exec.Run(ctx, models.Command{Text: text})
	if err != nil {
		return result, err
	}
	if !result.Succeeded() {
		return result, &ExitError{Command: text, ExitCode: result.ExitCode, Stderr: result.Stderr}
	}
	return result, nil
}

// ExitError wraps a command that ran but exited non-zero.
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("command failed (exit=%d): %s: %s", e.ExitCode, e.Command, e.Stderr)
	}
	return fmt.Sprintf("command failed (exit=%d): %s", e.ExitCode, e.Command)
}
