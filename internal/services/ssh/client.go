package ssh

import (
	"io"
	"os"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// SSHClient wraps ssh.Client for mocking.
type SSHClient interface {
	NewSession() (SSHSession, error)
	NewFileTransfer() (FileTransfer, error)
	Close() error
}

// SSHSession wraps ssh.Session for mocking.
type SSHSession interface {
	// Exec runs cmd to completion, writing its output to stdout and stderr.
	Exec(cmd string, stdout, stderr io.Writer) error
	RequestPty(term string, height, width int) error
	StdinPipe() (io.WriteCloser, error)
	StdoutPipe() (io.Reader, error)
	Start(cmd string) error
	Wait() error
	Close() error
}

// FileTransfer wraps sftp.Client for mocking.
type FileTransfer interface {
	MkdirAll(dir string) error
	Create(path string) (io.WriteCloser, error)
	Chmod(path string, mode os.FileMode) error
	Close() error
}

// ClientFactory creates SSH clients.
type ClientFactory interface {
	NewClient(network, addr string, config *ssh.ClientConfig) (SSHClient, error)
}

// DefaultClientFactory is the default SSH client factory.
type DefaultClientFactory struct{}

// NewClient creates a new SSH client.
func (f *DefaultClientFactory) NewClient(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
	client, err := ssh.Dial(network, addr, config)
	if err != nil {
		return nil, err
	}
	return &defaultSSHClient{client: client}, nil
}

type defaultSSHClient struct {
	client *ssh.Client
}

func (c *defaultSSHClient) NewSession() (SSHSession, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, err
	}
	return &defaultSSHSession{session: session}, nil
}

func (c *defaultSSHClient) NewFileTransfer() (FileTransfer, error) {
	client, err := sftp.NewClient(c.client)
	if err != nil {
		return nil, err
	}
	return &defaultFileTransfer{client: client}, nil
}

func (c *defaultSSHClient) Close() error {
	return c.client.Close()
}

type defaultSSHSession struct {
	session *ssh.Session
}

func (s *defaultSSHSession) Exec(cmd string, stdout, stderr io.Writer) error {
	s.session.Stdout = stdout
	s.session.Stderr = stderr
	return s.session.Run(cmd)
}

func (s *defaultSSHSession) RequestPty(term string, height, width int) error {
	return s.session.RequestPty(term, height, width, ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	})
}

func (s *defaultSSHSession) StdinPipe() (io.WriteCloser, error) {
	return s.session.StdinPipe()
}

func (s *defaultSSHSession) StdoutPipe() (io.Reader, error) {
	return s.session.StdoutPipe()
}

func (s *defaultSSHSession) Start(cmd string) error {
	return s.session.Start(cmd)
}

func (s *defaultSSHSession) Wait() error {
	return s.session.Wait()
}

func (s *defaultSSHSession) Close() error {
	return s.session.Close()
}

type defaultFileTransfer struct {
	client *sftp.Client
}

func (t *defaultFileTransfer) MkdirAll(dir string) error {
	return t.client.MkdirAll(dir)
}

func (t *defaultFileTransfer) Create(path string) (io.WriteCloser, error) {
	return t.client.Create(path)
}

func (t *defaultFileTransfer) Chmod(path string, mode os.FileMode) error {
	return t.client.Chmod(path, mode)
}

func (t *defaultFileTransfer) Close() error {
	return t.client.Close()
}
