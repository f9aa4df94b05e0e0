package executor

import (
	"context"
	"fmt"
	"os"

	"github.com/CTMS/AutoSanVanilla/internal/models"
)

// WithEnvOverride sets key to value in the process environment for the duration of fn.
// The previous value, or its absence, is restored on every exit path including panics.
func WithEnvOverride(key, value string, fn func() error) error {
	prev, had := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	defer func() {
		if had {
			_ = os.Setenv(key, prev)
		} else {
			_ = os.Unsetenv(key)
		}
	}()

	return fn()
}

// WithEnv returns an executor that adds env to every command it runs.
func WithEnv(exec Executor, env ...string) Executor {
	return Func(func(ctx context.Context, cmd models.Command) (*models.CommandResult, error) {
		merged := make([]string, 0, len(cmd.Env)+len(env))
		merged = append(merged, cmd.Env...)
		merged = append(merged, env...)
		cmd.Env = merged
		return exec.Run(ctx, cmd)
	})
}
