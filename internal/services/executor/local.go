package executor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/CTMS/AutoSanVanilla/internal/models"
	"github.com/CTMS/AutoSanVanilla/internal/services/interactive"
	"github.com/creack/pty"
	"github.com/rs/zerolog"
)

// PTYStarter starts a command attached to a pseudo-terminal.
type PTYStarter interface {
	Start(cmd *exec.Cmd) (*os.File, error)
}

// DefaultPTYStarter uses creack/pty.
type DefaultPTYStarter struct{}

// Start starts cmd with a new pty as its stdin, stdout and stderr.
func (DefaultPTYStarter) Start(cmd *exec.Cmd) (*os.File, error) {
	return pty.Start(cmd)
}

// Local runs commands as child processes of this program.
type Local struct {
	shell  string
	driver *interactive.Handler
	pty    PTYStarter
	logger zerolog.Logger
}

// NewLocal creates a local executor. Interactive commands are driven by driver.
func NewLocal(logger zerolog.Logger, driver *interactive.Handler) *Local {
	return &Local{
		shell:  "/bin/sh",
		driver: driver,
		pty:    DefaultPTYStarter{},
		logger: logger,
	}
}

// NewLocalWithShell creates a local executor with a custom shell and pty starter (for testing).
func NewLocalWithShell(logger zerolog.Logger, driver *interactive.Handler, shell string, starter PTYStarter) *Local {
	return &Local{
		shell:  shell,
		driver: driver,
		pty:    starter,
		logger: logger,
	}
}

// Run executes cmd through the shell and waits for it to exit.
func (l *Local) Run(ctx context.Context, cmd models.Command) (*models.CommandResult, error) {
	if cmd.Interactive && l.driver != nil {
		return l.runInteractive(ctx, cmd)
	}

	start := time.Now()
	c := exec.CommandContext(ctx, l.shell, "-c", cmd.Text) //nolint:gosec // operator supplied command
	c.Env = append(os.Environ(), cmd.Env...)

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	l.logger.Debug().Str("command", cmd.Text).Msg("running local command")

	err := c.Run()
	result := &models.CommandResult{
		Transcript: strings.TrimSpace(stdout.String() + stderr.String()),
		Stderr:     strings.TrimSpace(stderr.String()),
		Duration:   time.Since(start),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, &ProcessLaunchError{Command: cmd.Text, Err: err}
		}
		result.ExitCode = exitErr.ExitCode()
		l.logger.Warn().
			Str("command", cmd.Text).
			Int("exit_code", result.ExitCode).
			Str("stderr", result.Stderr).
			Msg("local command exited non-zero")
	}

	return result, nil
}

func (l *Local) runInteractive(ctx context.Context, cmd models.Command) (*models.CommandResult, error) {
	start := time.Now()
	c := exec.Command(l.shell, "-c", cmd.Text) //nolint:gosec // operator supplied command
	c.Env = append(os.Environ(), cmd.Env...)

	f, err := l.pty.Start(c)
	if err != nil {
		return nil, &ProcessLaunchError{Command: cmd.Text, Err: err}
	}
	defer func() { _ = f.Close() }()

	l.logger.Debug().Str("command", cmd.Text).Msg("running local interactive command")

	transcript, err := l.driver.Drive(ctx, &ptyChannel{file: f, cmd: c})
	result := &models.CommandResult{
		Transcript: strings.TrimSpace(transcript),
		Duration:   time.Since(start),
	}

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		if c.Process != nil {
			_ = c.Process.Kill()
		}
		if !errors.Is(err, interactive.ErrSessionInterrupted) {
			l.logger.Warn().Err(err).Str("command", cmd.Text).Msg("interactive command aborted")
		}
		return result, err
	}
	if c.ProcessState != nil {
		result.ExitCode = c.ProcessState.ExitCode()
	}
	return result, nil
}

// ptyChannel adapts a pty-attached process to interactive.Channel.
type ptyChannel struct {
	file *os.File
	cmd  *exec.Cmd
}

func (p *ptyChannel) Read(b []byte) (int, error) {
	n, err := p.file.Read(b)
	// Linux reports EIO once the child side of the pty is closed.
	if errors.Is(err, syscall.EIO) {
		return n, io.EOF
	}
	return n, err
}

func (p *ptyChannel) Write(b []byte) (int, error) {
	return p.file.Write(b)
}

func (p *ptyChannel) Wait() error {
	return p.cmd.Wait()
}
