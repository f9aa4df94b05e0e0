package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/CTMS/AutoSanVanilla/internal/models"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// ErrNoAuthMethod is returned when credentials offer nothing to authenticate with.
var ErrNoAuthMethod = errors.New("no authentication method available")

// SecretPrompt reads a value from the operator without echo.
type SecretPrompt interface {
	ReadSecret(prompt string) (string, error)
}

// LoadPrivateKey reads a private key, asking secrets for the passphrase when the key is encrypted.
func LoadPrivateKey(path string, secrets SecretPrompt) (ssh.Signer, error) {
	keyBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key from %s: %w", path, err)
	}

	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err == nil {
		return signer, nil
	}

	var missing *ssh.PassphraseMissingError
	if !errors.As(err, &missing) {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	if secrets == nil {
		return nil, fmt.Errorf("private key %s is encrypted and no passphrase prompt is available", path)
	}

	passphrase, err := secrets.ReadSecret(fmt.Sprintf("Enter passphrase for %s: ", path))
	if err != nil {
		return nil, fmt.Errorf("passphrase prompt failed: %w", err)
	}

	signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(passphrase))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key with passphrase: %w", err)
	}
	return signer, nil
}

// buildConfig assembles the client config. The returned cleanup releases the agent
// connection and must be called once the handshake is over.
func (m *Manager) buildConfig(target models.Target) (*ssh.ClientConfig, func(), error) {
	creds := target.Credentials
	cleanup := func() {}

	var methods []ssh.AuthMethod

	if creds.UseAgent {
		if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
			conn, err := net.Dial("unix", sock)
			if err != nil {
				m.logger.Warn().Err(err).Msg("ssh agent unavailable")
			} else {
				cleanup = func() { _ = conn.Close() }
				methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
			}
		}
	}

	if creds.KeyPath != "" {
		signer, err := LoadPrivateKey(creds.KeyPath, m.secrets)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	switch {
	case creds.Password != "":
		methods = append(methods, passwordMethods(func() (string, error) { return creds.Password, nil })...)
	case m.secrets != nil:
		// Asked only if the server gets this far, so agent or key users are not prompted.
		ask := m.lazyPassword(fmt.Sprintf("Password for %s@%s: ", creds.Username, target.Host))
		methods = append(methods, passwordMethods(ask)...)
	}

	if len(methods) == 0 {
		cleanup()
		return nil, nil, ErrNoAuthMethod
	}

	return &ssh.ClientConfig{
		User:            creds.Username,
		Auth:            methods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // lab fabric hosts are reinstalled often
		Timeout:         30 * time.Second,
	}, cleanup, nil
}

// passwordMethods offers password as both password and keyboard-interactive auth.
func passwordMethods(password func() (string, error)) []ssh.AuthMethod {
	return []ssh.AuthMethod{
		ssh.PasswordCallback(password),
		ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
			if len(questions) == 0 {
				return nil, nil
			}
			secret, err := password()
			if err != nil {
				return nil, err
			}
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = secret
			}
			return answers, nil
		}),
	}
}

// lazyPassword reads the password on first use and reuses it for later methods.
func (m *Manager) lazyPassword(prompt string) func() (string, error) {
	var (
		once     sync.Once
		password string
		err      error
	)
	return func() (string, error) {
		once.Do(func() {
			password, err = m.secrets.ReadSecret(prompt)
			if err != nil {
				err = fmt.Errorf("password prompt failed: %w", err)
			}
		})
		return password, err
	}
}

func isAuthFailure(err error) bool {
	return err != nil && strings.Contains(err.Error(), "unable to authenticate")
}
