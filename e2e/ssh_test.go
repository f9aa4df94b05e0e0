//go:build e2e

package e2e

import (
	"context"
	"io"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/CTMS/AutoSanVanilla/internal/models"
	"github.com/CTMS/AutoSanVanilla/internal/services/interactive"
	"github.com/CTMS/AutoSanVanilla/internal/services/probe"
	"github.com/CTMS/AutoSanVanilla/internal/services/ssh"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

type noInput struct{}

func (noInput) ReadLine(ctx context.Context, prompt string) (string, error) {
	return "", io.EOF
}

func getSSHTarget(t *testing.T) models.Target {
	t.Helper()

	host := os.Getenv("TEST_SSH_HOST")
	if host == "" {
		t.Skip("TEST_SSH_HOST not set")
	}

	portStr := os.Getenv("TEST_SSH_PORT")
	if portStr == "" {
		portStr = "22"
	}
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	user := os.Getenv("TEST_SSH_USER")
	if user == "" {
		user = "root"
	}

	keyPath := os.Getenv("TEST_SSH_KEY_PATH")
	if keyPath == "" {
		t.Skip("TEST_SSH_KEY_PATH not set")
	}

	return models.Target{
		Mode: models.ModeRemote,
		Host: host,
		Port: port,
		Credentials: &models.Credentials{
			Username: user,
			KeyPath:  keyPath,
		},
	}
}

func newManager(port int, manifest []string, localDir string) *ssh.Manager {
	logger := testLogger()
	driver := interactive.New(logger, noInput{}, io.Discard)
	settings := models.RemoteSettings{
		ScriptDir:          "/tmp/autosan_e2e",
		LocalDir:           localDir,
		Manifest:           manifest,
		DefaultInterpreter: "python3",
	}
	return ssh.New(logger, settings, probe.NewTCP(logger, port, 3*time.Second), driver, nil)
}

func TestSSHConnectAndRun_E2E(t *testing.T) {
	target := getSSHTarget(t)

	mgr := newManager(target.Port, nil, ".")
	session, err := mgr.Connect(context.Background(), target)
	require.NoError(t, err)
	defer func() { _ = session.Close() }()

	result, err := session.Run(context.Background(), models.Command{Text: "echo OK"})

	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Contains(t, result.Transcript, "OK")
	assert.Equal(t, "python3", session.Interpreter())
}

func TestSSHUploadManifest_E2E(t *testing.T) {
	target := getSSHTarget(t)

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(dir+"/ESXi", 0o755))
	require.NoError(t, os.WriteFile(dir+"/ESXi/check.py", []byte("print('ok')\n"), 0o600))

	mgr := newManager(target.Port, []string{"ESXi/check.py"}, dir)
	session, err := mgr.Connect(context.Background(), target)
	require.NoError(t, err)
	defer func() { _ = session.Close() }()

	assert.Equal(t, []string{"/tmp/autosan_e2e/ESXi/check.py"}, session.Info().Uploaded)

	result, err := session.Run(context.Background(), models.Command{Text: "cat /tmp/autosan_e2e/ESXi/check.py"})
	require.NoError(t, err)
	assert.True(t, strings.Contains(result.Transcript, "print('ok')"))
}

func TestSSHHostUnreachable_E2E(t *testing.T) {
	target := models.Target{
		Mode:        models.ModeRemote,
		Host:        "192.168.255.254", // Non-routable IP
		Port:        22,
		Credentials: &models.Credentials{Username: "root", Password: "x"},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := newManager(22, nil, ".").Connect(ctx, target)

	require.Error(t, err)
	assert.ErrorIs(t, err, ssh.ErrHostUnreachable)
}

func TestSSHInvalidKey_E2E(t *testing.T) {
	target := getSSHTarget(t)

	keyPath := t.TempDir() + "/id_invalid"
	require.NoError(t, os.WriteFile(keyPath, []byte("invalid key"), 0o600))
	target.Credentials = &models.Credentials{Username: target.Credentials.Username, KeyPath: keyPath}

	_, err := newManager(target.Port, nil, ".").Connect(context.Background(), target)

	require.Error(t, err)
	var authErr *ssh.AuthenticationError
	assert.ErrorAs(t, err, &authErr)
}
