package ssh

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/CTMS/AutoSanVanilla/internal/models"
	"github.com/CTMS/AutoSanVanilla/internal/services/executor"
	"github.com/CTMS/AutoSanVanilla/internal/services/interactive"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func newTestSession(client SSHClient, driver *interactive.Handler) *Session {
	return &Session{
		info:   models.SessionInfo{ID: "test", Host: "esxi01"},
		client: client,
		driver: driver,
		logger: testLogger(),
	}
}

func TestSessionRun_Buffered(t *testing.T) {
	var capturedCmd string
	client := &mockSSHClient{
		newSessionFunc: func() (SSHSession, error) {
			return &mockSSHSession{
				execFunc: func(cmd string, stdout, stderr io.Writer) error {
					capturedCmd = cmd
					_, _ = io.WriteString(stdout, "vmhba64 iser\n")
					return nil
				},
			}, nil
		},
	}
	s := newTestSession(client, nil)

	result, err := s.Run(context.Background(), models.Command{Text: "esxcli iscsi adapter list"})

	require.NoError(t, err)
	assert.Equal(t, "esxcli iscsi adapter list", capturedCmd)
	assert.Equal(t, "vmhba64 iser", result.Transcript)
	assert.True(t, result.Succeeded())
}

func TestSessionRun_NonZeroExit(t *testing.T) {
	client := &mockSSHClient{
		newSessionFunc: func() (SSHSession, error) {
			return &mockSSHSession{
				execFunc: func(cmd string, stdout, stderr io.Writer) error {
					_, _ = io.WriteString(stderr, "Unknown module\n")
					return &fakeExitError{status: 2}
				},
			}, nil
		},
	}
	s := newTestSession(client, nil)

	result, err := s.Run(context.Background(), models.Command{Text: "vmkload_mod nope"})

	require.NoError(t, err)
	assert.Equal(t, 2, result.ExitCode)
	assert.Equal(t, "Unknown module", result.Stderr)
}

func TestSessionRun_DisconnectWithoutExitStatus(t *testing.T) {
	client := &mockSSHClient{
		newSessionFunc: func() (SSHSession, error) {
			return &mockSSHSession{
				execFunc: func(string, io.Writer, io.Writer) error {
					return &ssh.ExitMissingError{}
				},
			}, nil
		},
	}
	s := newTestSession(client, nil)

	result, err := s.Run(context.Background(), models.Command{Text: "reboot"})

	require.NoError(t, err)
	assert.True(t, result.Disconnected)
	assert.False(t, result.Succeeded())
}

func TestSessionRun_TransportErrorIsSessionUnavailable(t *testing.T) {
	client := &mockSSHClient{
		newSessionFunc: func() (SSHSession, error) {
			return &mockSSHSession{
				execFunc: func(string, io.Writer, io.Writer) error {
					return errors.New("connection reset by peer")
				},
			}, nil
		},
	}
	s := newTestSession(client, nil)

	_, err := s.Run(context.Background(), models.Command{Text: "uptime"})

	assert.ErrorIs(t, err, executor.ErrSessionUnavailable)
}

func TestSessionRun_NewSessionFailure(t *testing.T) {
	client := &mockSSHClient{
		newSessionFunc: func() (SSHSession, error) { return nil, io.EOF },
	}
	s := newTestSession(client, nil)

	_, err := s.Run(context.Background(), models.Command{Text: "uptime"})

	assert.ErrorIs(t, err, executor.ErrSessionUnavailable)
}

func TestSessionRun_ClosedSession(t *testing.T) {
	client := &mockSSHClient{}
	s := newTestSession(client, nil)
	require.NoError(t, s.Close())

	_, err := s.Run(context.Background(), models.Command{Text: "uptime"})

	assert.ErrorIs(t, err, executor.ErrSessionUnavailable)
}

func TestSessionRun_ExportsEnv(t *testing.T) {
	var capturedCmd string
	client := &mockSSHClient{
		newSessionFunc: func() (SSHSession, error) {
			return &mockSSHSession{
				execFunc: func(cmd string, _, _ io.Writer) error {
					capturedCmd = cmd
					return nil
				},
			}, nil
		},
	}
	s := newTestSession(client, nil)

	_, err := s.Run(context.Background(), models.Command{
		Text: "apt --version",
		Env:  []string{"PATH=/usr/bin:/usr/sbin", "MSG=two words"},
	})

	require.NoError(t, err)
	assert.Equal(t, "export PATH=/usr/bin:/usr/sbin; export MSG='two words'; apt --version", capturedCmd)
}

func TestSessionRun_ContextCancelClosesChannel(t *testing.T) {
	release := make(chan struct{})
	closed := false
	client := &mockSSHClient{
		newSessionFunc: func() (SSHSession, error) {
			return &mockSSHSession{
				execFunc: func(string, io.Writer, io.Writer) error {
					<-release
					return &ssh.ExitMissingError{}
				},
				closeFunc: func() error {
					if !closed {
						closed = true
						close(release)
					}
					return nil
				},
			}, nil
		},
	}
	s := newTestSession(client, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Run(ctx, models.Command{Text: "sleep 600"})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, closed)
}

func TestSessionRun_InteractiveForwardsAnswer(t *testing.T) {
	outR, outW := io.Pipe()
	inR, inW := io.Pipe()
	forwarded := make(chan string, 1)
	done := make(chan struct{})

	var capturedTerm string
	client := &mockSSHClient{
		newSessionFunc: func() (SSHSession, error) {
			return &mockSSHSession{
				requestPtyFunc: func(term string, _, _ int) error {
					capturedTerm = term
					return nil
				},
				stdinPipeFunc:  func() (io.WriteCloser, error) { return inW, nil },
				stdoutPipeFunc: func() (io.Reader, error) { return outR, nil },
				startFunc: func(cmd string) error {
					go func() {
						_, _ = io.WriteString(outW, "Continue? (y/n): ")
						buf := make([]byte, 16)
						n, _ := inR.Read(buf)
						forwarded <- string(buf[:n])
						_, _ = io.WriteString(outW, "done\n")
						_ = outW.Close()
						close(done)
					}()
					return nil
				},
				waitFunc: func() error {
					<-done
					return nil
				},
			}, nil
		},
	}

	var echo bytes.Buffer
	driver := interactive.New(testLogger(), &mockLineReader{answers: []string{"y"}}, &echo)
	s := newTestSession(client, driver)

	result, err := s.Run(context.Background(), models.Command{Text: "/tmp/ez_scripts/ESXi/RDMA.py", Interactive: true})

	require.NoError(t, err)
	assert.Equal(t, "xterm", capturedTerm)
	assert.Equal(t, "y\n", <-forwarded)
	assert.True(t, strings.HasSuffix(result.Transcript, "done"))
	assert.Contains(t, echo.String(), "Continue? (y/n): ")
}

func TestSessionRun_InteractiveStartFailure(t *testing.T) {
	client := &mockSSHClient{
		newSessionFunc: func() (SSHSession, error) {
			return &mockSSHSession{
				startFunc: func(string) error { return errors.New("channel closed") },
			}, nil
		},
	}
	driver := interactive.New(testLogger(), &mockLineReader{}, io.Discard)
	s := newTestSession(client, driver)

	_, err := s.Run(context.Background(), models.Command{Text: "reboot", Interactive: true})

	assert.ErrorIs(t, err, executor.ErrSessionUnavailable)
}

func TestSessionClose_Idempotent(t *testing.T) {
	client := &mockSSHClient{}
	s := newTestSession(client, nil)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.Equal(t, 1, client.closeCalls)
	assert.True(t, s.Closed())
}

func TestSessionClose_Error(t *testing.T) {
	client := &mockSSHClient{closeFunc: func() error { return errors.New("broken pipe") }}
	s := newTestSession(client, nil)

	assert.Error(t, s.Close())
	assert.NoError(t, s.Close())
}
