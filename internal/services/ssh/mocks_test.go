package ssh

import (
	"bytes"
	"context"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

type mockSSHSession struct {
	execFunc       func(cmd string, stdout, stderr io.Writer) error
	requestPtyFunc func(term string, height, width int) error
	stdinPipeFunc  func() (io.WriteCloser, error)
	stdoutPipeFunc func() (io.Reader, error)
	startFunc      func(cmd string) error
	waitFunc       func() error
	closeFunc      func() error
}

func (m *mockSSHSession) Exec(cmd string, stdout, stderr io.Writer) error {
	if m.execFunc != nil {
		return m.execFunc(cmd, stdout, stderr)
	}
	return nil
}

func (m *mockSSHSession) RequestPty(term string, height, width int) error {
	if m.requestPtyFunc != nil {
		return m.requestPtyFunc(term, height, width)
	}
	return nil
}

func (m *mockSSHSession) StdinPipe() (io.WriteCloser, error) {
	if m.stdinPipeFunc != nil {
		return m.stdinPipeFunc()
	}
	return nopWriteCloser{io.Discard}, nil
}

func (m *mockSSHSession) StdoutPipe() (io.Reader, error) {
	if m.stdoutPipeFunc != nil {
		return m.stdoutPipeFunc()
	}
	return bytes.NewReader(nil), nil
}

func (m *mockSSHSession) Start(cmd string) error {
	if m.startFunc != nil {
		return m.startFunc(cmd)
	}
	return nil
}

func (m *mockSSHSession) Wait() error {
	if m.waitFunc != nil {
		return m.waitFunc()
	}
	return nil
}

func (m *mockSSHSession) Close() error {
	if m.closeFunc != nil {
		return m.closeFunc()
	}
	return nil
}

type mockSSHClient struct {
	newSessionFunc      func() (SSHSession, error)
	newFileTransferFunc func() (FileTransfer, error)
	closeFunc           func() error
	closeCalls          int
}

func (m *mockSSHClient) NewSession() (SSHSession, error) {
	if m.newSessionFunc != nil {
		return m.newSessionFunc()
	}
	return &mockSSHSession{}, nil
}

func (m *mockSSHClient) NewFileTransfer() (FileTransfer, error) {
	if m.newFileTransferFunc != nil {
		return m.newFileTransferFunc()
	}
	return newMockFileTransfer(), nil
}

func (m *mockSSHClient) Close() error {
	m.closeCalls++
	if m.closeFunc != nil {
		return m.closeFunc()
	}
	return nil
}

type mockClientFactory struct {
	newClientFunc func(network, addr string, config *ssh.ClientConfig) (SSHClient, error)
	calls         int
}

func (m *mockClientFactory) NewClient(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
	m.calls++
	if m.newClientFunc != nil {
		return m.newClientFunc(network, addr, config)
	}
	return &mockSSHClient{}, nil
}

type mockFileTransfer struct {
	mu          sync.Mutex
	mkdirAllErr func(dir string) error
	createErr   func(path string) error
	dirs        []string
	files       map[string]*bytes.Buffer
	modes       map[string]os.FileMode
	closed      bool
}

func newMockFileTransfer() *mockFileTransfer {
	return &mockFileTransfer{
		files: map[string]*bytes.Buffer{},
		modes: map[string]os.FileMode{},
	}
}

func (m *mockFileTransfer) MkdirAll(dir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirs = append(m.dirs, dir)
	if m.mkdirAllErr != nil {
		return m.mkdirAllErr(dir)
	}
	return nil
}

func (m *mockFileTransfer) Create(path string) (io.WriteCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		if err := m.createErr(path); err != nil {
			return nil, err
		}
	}
	buf := &bytes.Buffer{}
	m.files[path] = buf
	return nopWriteCloser{buf}, nil
}

func (m *mockFileTransfer) Chmod(path string, mode os.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modes[path] = mode
	return nil
}

func (m *mockFileTransfer) Close() error {
	m.closed = true
	return nil
}

type mockProber struct {
	isOnlineFunc func(ctx context.Context, host string) (bool, error)
}

func (m *mockProber) IsOnline(ctx context.Context, host string) (bool, error) {
	if m.isOnlineFunc != nil {
		return m.isOnlineFunc(ctx, host)
	}
	return true, nil
}

type mockSecrets struct {
	secret  string
	err     error
	prompts []string
}

func (m *mockSecrets) ReadSecret(prompt string) (string, error) {
	m.prompts = append(m.prompts, prompt)
	return m.secret, m.err
}

type mockLineReader struct {
	answers []string
}

func (m *mockLineReader) ReadLine(ctx context.Context, prompt string) (string, error) {
	if len(m.answers) == 0 {
		return "", io.EOF
	}
	answer := m.answers[0]
	m.answers = m.answers[1:]
	return answer, nil
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

type fakeExitError struct {
	status int
}

func (e *fakeExitError) Error() string   { return "Process exited with status" }
func (e *fakeExitError) ExitStatus() int { return e.status }

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}
