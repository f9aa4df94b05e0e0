package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/CTMS/AutoSanVanilla/internal/models"
	"github.com/CTMS/AutoSanVanilla/internal/services/executor"
	"github.com/CTMS/AutoSanVanilla/internal/services/interactive"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// Session is an authenticated connection to one remote host.
// It runs one command at a time and implements executor.Executor.
type Session struct {
	info   models.SessionInfo
	client SSHClient
	driver *interactive.Handler
	logger zerolog.Logger

	runMu sync.Mutex

	mu     sync.Mutex
	closed bool
}

var _ executor.Executor = (*Session)(nil)

// Info describes the session.
func (s *Session) Info() models.SessionInfo {
	return s.info
}

// Interpreter is the command used to run dependent task scripts.
func (s *Session) Interpreter() string {
	return s.info.Interpreter
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close releases the connection. Closing an already closed session is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	s.logger.Debug().Msg("closing session")
	if err := s.client.Close(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to close session: %w", err)
	}
	return nil
}

// Run executes cmd on the remote host.
func (s *Session) Run(ctx context.Context, cmd models.Command) (*models.CommandResult, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.Closed() {
		return nil, executor.ErrSessionUnavailable
	}

	sess, err := s.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", executor.ErrSessionUnavailable, err)
	}
	defer func() { _ = sess.Close() }()

	text := withEnvPrefix(cmd)
	s.logger.Debug().Str("command", cmd.Text).Bool("interactive", cmd.Interactive).Msg("running remote command")

	if cmd.Interactive && s.driver != nil {
		return s.runInteractive(ctx, sess, text)
	}
	return s.runBuffered(ctx, sess, text)
}

func (s *Session) runBuffered(ctx context.Context, sess SSHSession, text string) (*models.CommandResult, error) {
	start := time.Now()
	var stdout, stderr bytes.Buffer

	done := make(chan error, 1)
	go func() { done <- sess.Exec(text, &stdout, &stderr) }()

	var err error
	select {
	case <-ctx.Done():
		_ = sess.Close()
		<-done
		return nil, ctx.Err()
	case err = <-done:
	}

	result := &models.CommandResult{
		Transcript: strings.TrimSpace(stdout.String() + stderr.String()),
		Stderr:     strings.TrimSpace(stderr.String()),
		Duration:   time.Since(start),
	}
	if err := s.applyExit(result, err); err != nil {
		return nil, err
	}

	if result.ExitCode != 0 {
		s.logger.Warn().
			Int("exit_code", result.ExitCode).
			Str("stderr", result.Stderr).
			Msg("remote command exited non-zero")
	}
	return result, nil
}

func (s *Session) runInteractive(ctx context.Context, sess SSHSession, text string) (*models.CommandResult, error) {
	start := time.Now()

	if err := sess.RequestPty("xterm", 40, 120); err != nil {
		return nil, fmt.Errorf("%w: request pty: %v", executor.ErrSessionUnavailable, err)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin: %v", executor.ErrSessionUnavailable, err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout: %v", executor.ErrSessionUnavailable, err)
	}
	if err := sess.Start(text); err != nil {
		return nil, fmt.Errorf("%w: start: %v", executor.ErrSessionUnavailable, err)
	}

	transcript, err := s.driver.Drive(ctx, &sessionChannel{Reader: stdout, Writer: stdin, wait: sess.Wait})
	result := &models.CommandResult{
		Transcript: strings.TrimSpace(transcript),
		Duration:   time.Since(start),
	}

	if errors.Is(err, interactive.ErrSessionInterrupted) {
		_ = sess.Close()
		return result, err
	}
	if err := s.applyExit(result, err); err != nil {
		_ = sess.Close()
		return result, err
	}
	return result, nil
}

// applyExit maps the error from a finished remote command onto result.
// Only errors that leave no usable result are returned.
func (s *Session) applyExit(result *models.CommandResult, err error) error {
	if err == nil {
		return nil
	}

	var exitErr exitStatuser
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitStatus()
		return nil
	}

	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) || errors.Is(err, io.EOF) {
		s.logger.Info().Msg("remote side closed the channel without an exit status")
		result.Disconnected = true
		return nil
	}

	return fmt.Errorf("%w: %v", executor.ErrSessionUnavailable, err)
}

// exitStatuser is satisfied by *ssh.ExitError.
type exitStatuser interface {
	ExitStatus() int
}

// withEnvPrefix exports cmd.Env in the remote shell before running the command.
func withEnvPrefix(cmd models.Command) string {
	if len(cmd.Env) == 0 {
		return cmd.Text
	}

	var b strings.Builder
	for _, kv := range cmd.Env {
		key, value, _ := strings.Cut(kv, "=")
		fmt.Fprintf(&b, "export %s=%s; ", key, executor.Quote(value))
	}
	b.WriteString(cmd.Text)
	return b.String()
}

type sessionChannel struct {
	io.Reader
	io.Writer
	wait func() error
}

func (c *sessionChannel) Wait() error {
	return c.wait()
}
