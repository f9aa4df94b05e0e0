// Package ssh manages authenticated remote sessions: connect, prepare the remote
// host for task scripts, run commands and close.
package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/CTMS/AutoSanVanilla/internal/models"
	"github.com/CTMS/AutoSanVanilla/internal/services/interactive"
	"github.com/CTMS/AutoSanVanilla/internal/services/probe"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Connector opens sessions to remote targets.
type Connector interface {
	Connect(ctx context.Context, target models.Target) (*Session, error)
}

// Manager establishes sessions.
type Manager struct {
	settings      models.RemoteSettings
	prober        probe.Prober
	driver        *interactive.Handler
	secrets       SecretPrompt
	clientFactory ClientFactory
	logger        zerolog.Logger
}

var _ Connector = (*Manager)(nil)

// New creates a session manager.
func New(
	logger zerolog.Logger,
	settings models.RemoteSettings,
	prober probe.Prober,
	driver *interactive.Handler,
	secrets SecretPrompt,
) *Manager {
	return NewWithClientFactory(logger, settings, prober, driver, secrets, &DefaultClientFactory{})
}

// NewWithClientFactory creates a session manager with a custom client factory (for testing).
func NewWithClientFactory(
	logger zerolog.Logger,
	settings models.RemoteSettings,
	prober probe.Prober,
	driver *interactive.Handler,
	secrets SecretPrompt,
	factory ClientFactory,
) *Manager {
	return &Manager{
		settings:      settings,
		prober:        prober,
		driver:        driver,
		secrets:       secrets,
		clientFactory: factory,
		logger:        logger,
	}
}

// Connect probes target, authenticates, detects the interpreter and uploads the manifest.
func (m *Manager) Connect(ctx context.Context, target models.Target) (*Session, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	if !target.IsRemote() {
		return nil, fmt.Errorf("%w: sessions are only opened to remote targets", models.ErrInvalidTarget)
	}

	addr := target.Addr()
	log := m.logger.With().Str("host", target.Host).Logger()

	online, err := m.prober.IsOnline(ctx, target.Host)
	if err != nil {
		log.Debug().Err(err).Msg("probe error treated as offline")
	}
	if !online || err != nil {
		return nil, fmt.Errorf("%w: %s", ErrHostUnreachable, target.Host)
	}

	sshConfig, cleanup, err := m.buildConfig(target)
	if err != nil {
		return nil, &AuthenticationError{User: target.Credentials.Username, Addr: addr, Err: err}
	}
	defer cleanup()

	log.Info().Str("addr", addr).Str("user", sshConfig.User).Msg("connecting")

	clientChan := make(chan struct {
		client SSHClient
		err    error
	}, 1)

	go func() {
		client, err := m.clientFactory.NewClient("tcp", addr, sshConfig)
		clientChan <- struct {
			client SSHClient
			err    error
		}{client, err}
	}()

	var client SSHClient
	select {
	case <-ctx.Done():
		return nil, &ConnectError{Addr: addr, Err: ctx.Err()}
	case res := <-clientChan:
		if res.err != nil {
			if isAuthFailure(res.err) {
				return nil, &AuthenticationError{User: sshConfig.User, Addr: addr, Err: res.err}
			}
			return nil, &ConnectError{Addr: addr, Err: res.err}
		}
		client = res.client
	}

	id := uuid.NewString()
	session := &Session{
		info: models.SessionInfo{
			ID:          id,
			Host:        target.Host,
			Username:    sshConfig.User,
			ConnectedAt: time.Now(),
		},
		client: client,
		driver: m.driver,
		logger: log.With().Str("session_id", id).Logger(),
	}

	session.info.Interpreter = m.detectInterpreter(ctx, session)

	if len(m.settings.Manifest) > 0 {
		uploaded, err := m.Upload(session)
		if err != nil {
			_ = session.Close()
			return nil, err
		}
		session.info.Uploaded = uploaded.Files
	}

	log.Info().
		Str("session_id", id).
		Str("interpreter", session.info.Interpreter).
		Int("uploaded", len(session.info.Uploaded)).
		Msg("session established")

	return session, nil
}

// detectInterpreter prefers the provisioned virtualenv and falls back to the default.
func (m *Manager) detectInterpreter(ctx context.Context, s *Session) string {
	fallback := m.settings.DefaultInterpreter
	if fallback == "" {
		fallback = "python3"
	}
	if m.settings.VenvInterpreter == "" {
		return fallback
	}

	check := fmt.Sprintf("test -f %s && echo 'exists' || echo 'not_found'", m.settings.VenvInterpreter)
	result, err := s.Run(ctx, models.Command{Text: check})
	if err != nil {
		s.logger.Warn().Err(err).Msg("interpreter check failed, using default")
		return fallback
	}
	if strings.TrimSpace(result.Transcript) == "exists" {
		return m.settings.VenvInterpreter
	}
	return fallback
}

// Upload copies the manifest into the remote script directory over SFTP.
func (m *Manager) Upload(s *Session) (*models.UploadResult, error) {
	start := time.Now()
	remoteDir := m.settings.ScriptDir
	result := &models.UploadResult{RemoteDir: remoteDir}

	ft, err := s.client.NewFileTransfer()
	if err != nil {
		return nil, &UploadError{File: remoteDir, Err: err}
	}
	defer func() { _ = ft.Close() }()

	if err := ft.MkdirAll(remoteDir); err != nil && !errors.Is(err, fs.ErrExist) {
		return nil, &UploadError{File: remoteDir, Err: err}
	}

	for _, entry := range m.settings.Manifest {
		local := filepath.Join(m.settings.LocalDir, filepath.FromSlash(entry))
		remote := path.Join(remoteDir, filepath.ToSlash(entry))

		if err := m.uploadFile(ft, local, remote); err != nil {
			return nil, &UploadError{File: entry, Err: err}
		}
		s.logger.Debug().Str("local", local).Str("remote", remote).Msg("uploaded")
		result.Files = append(result.Files, remote)
	}

	result.Duration = time.Since(start)
	s.logger.Info().
		Str("remote_dir", remoteDir).
		Int("files", len(result.Files)).
		Dur("duration", result.Duration).
		Msg("dependent files uploaded")
	return result, nil
}

func (m *Manager) uploadFile(ft FileTransfer, local, remote string) error {
	src, err := os.Open(local)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	info, err := src.Stat()
	if err != nil {
		return err
	}

	if err := ft.MkdirAll(path.Dir(remote)); err != nil && !errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("mkdir %s: %w", path.Dir(remote), err)
	}

	dst, err := ft.Create(remote)
	if err != nil {
		return fmt.Errorf("create %s: %w", remote, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return fmt.Errorf("write %s: %w", remote, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("close %s: %w", remote, err)
	}

	return ft.Chmod(remote, info.Mode().Perm())
}
