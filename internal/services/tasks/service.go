// Package tasks runs dependent task scripts through the detected interpreter.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/CTMS/AutoSanVanilla/internal/models"
	"github.com/CTMS/AutoSanVanilla/internal/services/executor"
	"github.com/rs/zerolog"
)

// ErrNoScript is returned for a task without a script path.
var ErrNoScript = errors.New("task has no script")

// Service runs task scripts.
type Service struct {
	logger zerolog.Logger
}

// New creates a task runner.
func New(logger zerolog.Logger) *Service {
	return &Service{logger: logger}
}

// Command builds `<interpreter> <dir>/<script>`. Relative scripts keep their manifest path under dir.
func Command(interpreter, dir string, task models.TaskScript) (models.Command, error) {
	if task.Script == "" {
		return models.Command{}, fmt.Errorf("%w: %s", ErrNoScript, task.Name)
	}
	script := task.Script
	if !path.IsAbs(script) && dir != "" {
		script = path.Join(dir, script)
	}
	return models.Command{
		Text:        executor.Quote(interpreter) + " " + executor.Quote(script),
		Interactive: task.Interactive,
	}, nil
}

// Run executes task on exec. The transcript is opaque; only the exit code is inspected.
func (s *Service) Run(ctx context.Context, exec executor.Executor, interpreter, dir string, task models.TaskScript) (*models.CommandResult, error) {
	cmd, err := Command(interpreter, dir, task)
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("task", task.Name).
		Str("command", cmd.Text).
		Bool("interactive", cmd.Interactive).
		Msg("running task script")

	result, err := exec.Run(ctx, cmd)
	if err != nil {
		return result, fmt.Errorf("task %s: %w", task.Name, err)
	}
	if !result.Succeeded() {
		return result, &executor.ExitError{Command: cmd.Text, ExitCode: result.ExitCode, Stderr: result.Stderr}
	}

	s.logger.Info().
		Str("task", task.Name).
		Dur("duration", result.Duration).
		Msg("task script completed")
	return result, nil
}
