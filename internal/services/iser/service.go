// Package iser enables iSER on a TrueNAS SCALE appliance.
package iser

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/CTMS/AutoSanVanilla/internal/models"
	"github.com/CTMS/AutoSanVanilla/internal/services/executor"
	"github.com/rs/zerolog"
)

// Defaults used when the config leaves a list empty.
var (
	DefaultPackages = []string{
		"byobu", "rdma-core", "libmlx5-1", "infiniband-diags", "ibutils",
		"ibverbs-providers", "ibverbs-utils", "multipath-tools", "open-iscsi", "mstflint",
	}
	DefaultModules = []string{
		"isert_scst", "rdma_cm", "ib_core", "mlx5_ib", "mlx5_core", "ib_uverbs",
		"mlxfw", "rdma_ucm", "ib_umad", "ib_iser", "ib_ipoib", "ib_cm",
	}
	DefaultExecutables = []string{"/bin/apt*", "/usr/bin/dpkg"}
)

// Default scalar settings.
const (
	DefaultService    = "scst.service"
	DefaultScopedPath = "/usr/bin:/usr/sbin"
)

// ErrBootPoolNotFound is returned when df lists no boot-pool /usr dataset.
var ErrBootPoolNotFound = errors.New("could not find the boot-pool/ROOT/<version>/usr dataset")

// PackageManager covers the system tooling touched while enabling iSER.
type PackageManager interface {
	BootPoolUsr(ctx context.Context) (string, error)
	RemountWritable(ctx context.Context, dataset string) error
	MakeExecutable(ctx context.Context, paths []string) error
	Installed(ctx context.Context, pkg string) (bool, error)
	Install(ctx context.Context, pkg string) error
	UnloadModule(ctx context.Context, module string) error
	LoadModule(ctx context.Context, module string) error
	RestartService(ctx context.Context, name string) error
}

// System implements PackageManager with df, mount, dpkg, apt, modprobe and systemctl.
type System struct {
	exec executor.Executor
}

var _ PackageManager = (*System)(nil)

// NewSystem creates a PackageManager running through exec.
func NewSystem(exec executor.Executor) *System {
	return &System{exec: exec}
}

// BootPoolUsr finds the boot-pool dataset mounted on /usr.
func (s *System) BootPoolUsr(ctx context.Context) (string, error) {
	result, err := executor.RunChecked(ctx, s.exec, "df -h")
	if err != nil {
		return "", err
	}
	return parseBootPool(result.Transcript)
}

func parseBootPool(df string) (string, error) {
	for _, line := range strings.Split(df, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if strings.Contains(fields[0], "boot-pool/ROOT") && fields[len(fields)-1] == "/usr" {
			return fields[0], nil
		}
	}
	return "", ErrBootPoolNotFound
}

// RemountWritable remounts dataset read-write.
func (s *System) RemountWritable(ctx context.Context, dataset string) error {
	_, err := executor.RunChecked(ctx, s.exec, "mount -o remount,rw "+executor.Quote(dataset))
	return err
}

// MakeExecutable runs chmod +x on each path. Globs are passed to the shell unquoted.
func (s *System) MakeExecutable(ctx context.Context, paths []string) error {
	for _, p := range paths {
		if _, err := executor.RunChecked(ctx, s.exec, "chmod +x "+p); err != nil {
			return err
		}
	}
	return nil
}

// Installed reports whether dpkg lists pkg as installed.
func (s *System) Installed(ctx context.Context, pkg string) (bool, error) {
	result, err := s.exec.Run(ctx, models.Command{
		Text: fmt.Sprintf("dpkg-query -W -f='${Status}' %s 2>/dev/null", executor.Quote(pkg)),
	})
	if err != nil {
		return false, err
	}
	return result.ExitCode == 0 && strings.Contains(result.Transcript, "install ok installed"), nil
}

// Install installs pkg with apt.
func (s *System) Install(ctx context.Context, pkg string) error {
	_, err := executor.RunChecked(ctx, s.exec, "apt install -y -f "+executor.Quote(pkg))
	return err
}

// UnloadModule runs modprobe -r.
func (s *System) UnloadModule(ctx context.Context, module string) error {
	_, err := executor.RunChecked(ctx, s.exec, "modprobe -r "+executor.Quote(module))
	return err
}

// LoadModule runs modprobe.
func (s *System) LoadModule(ctx context.Context, module string) error {
	_, err := executor.RunChecked(ctx, s.exec, "modprobe "+executor.Quote(module))
	return err
}

// RestartService restarts a systemd unit.
func (s *System) RestartService(ctx context.Context, name string) error {
	_, err := executor.RunChecked(ctx, s.exec, "systemctl restart "+executor.Quote(name))
	return err
}

// Service runs the iSER enablement sequence.
type Service struct {
	logger zerolog.Logger
	newPM  func(executor.Executor) PackageManager
}

// New creates an enablement service using the system tooling.
func New(logger zerolog.Logger) *Service {
	return NewWithPackageManager(logger, func(exec executor.Executor) PackageManager {
		return NewSystem(exec)
	})
}

// NewWithPackageManager creates an enablement service with a custom PackageManager
// factory (for testing). The factory receives the PATH-scoped executor.
func NewWithPackageManager(logger zerolog.Logger, newPM func(executor.Executor) PackageManager) *Service {
	return &Service{logger: logger, newPM: newPM}
}

// Enable remounts /usr writable, installs missing packages, reloads kernel modules
// and restarts the target service. PATH is narrowed to cfg.ScopedPath for the
// duration: in the process environment when local, per command when remote.
func (s *Service) Enable(ctx context.Context, exec executor.Executor, remote bool, cfg models.ISERConfig) (*models.ISERResult, error) {
	cfg = withDefaults(cfg)
	pathEnv := "PATH=" + cfg.ScopedPath

	if remote {
		return s.enable(ctx, s.newPM(executor.WithEnv(exec, pathEnv)), cfg)
	}

	var result *models.ISERResult
	err := executor.WithEnvOverride("PATH", cfg.ScopedPath, func() error {
		var err error
		result, err = s.enable(ctx, s.newPM(exec), cfg)
		return err
	})
	return result, err
}

func withDefaults(cfg models.ISERConfig) models.ISERConfig {
	if len(cfg.Packages) == 0 {
		cfg.Packages = DefaultPackages
	}
	if len(cfg.Modules) == 0 {
		cfg.Modules = DefaultModules
	}
	if len(cfg.Executables) == 0 {
		cfg.Executables = DefaultExecutables
	}
	if cfg.Service == "" {
		cfg.Service = DefaultService
	}
	if cfg.ScopedPath == "" {
		cfg.ScopedPath = DefaultScopedPath
	}
	return cfg
}

func (s *Service) enable(ctx context.Context, pm PackageManager, cfg models.ISERConfig) (*models.ISERResult, error) {
	result := &models.ISERResult{}

	dataset, err := pm.BootPoolUsr(ctx)
	if err != nil {
		return result, err
	}
	result.BootPoolDataset = dataset
	s.logger.Info().Str("dataset", dataset).Msg("remounting boot-pool /usr read-write")

	if err := pm.RemountWritable(ctx, dataset); err != nil {
		return result, fmt.Errorf("failed to remount %s: %w", dataset, err)
	}

	if err := pm.MakeExecutable(ctx, cfg.Executables); err != nil {
		return result, fmt.Errorf("failed to make package tools executable: %w", err)
	}

	for _, pkg := range cfg.Packages {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		s.ensurePackage(ctx, pm, pkg, result)
	}

	for _, module := range cfg.Modules {
		if err := pm.UnloadModule(ctx, module); err != nil {
			s.logger.Warn().Err(err).Str("module", module).Msg("failed to unload kernel module")
		}
		if err := pm.LoadModule(ctx, module); err != nil {
			return result, fmt.Errorf("failed to load kernel module %s: %w", module, err)
		}
		result.ModulesReloaded = append(result.ModulesReloaded, module)
	}

	if err := pm.RestartService(ctx, cfg.Service); err != nil {
		return result, fmt.Errorf("failed to restart %s: %w", cfg.Service, err)
	}
	result.ServiceRestart = true

	s.logger.Info().
		Int("installed", len(result.Installed)).
		Int("package_failures", len(result.PackageFailures)).
		Int("modules", len(result.ModulesReloaded)).
		Msg("iSER enablement completed")
	return result, nil
}

func (s *Service) ensurePackage(ctx context.Context, pm PackageManager, pkg string, result *models.ISERResult) {
	log := s.logger.With().Str("package", pkg).Logger()

	installed, err := pm.Installed(ctx, pkg)
	if err != nil {
		log.Warn().Err(err).Msg("failed to query package status")
	}
	if installed {
		log.Info().Msg("package already installed")
		result.AlreadyPresent = append(result.AlreadyPresent, pkg)
		return
	}

	log.Info().Msg("installing package")
	if err := pm.Install(ctx, pkg); err != nil {
		log.Error().Err(err).Msg("failed to install package")
		result.PackageFailures = append(result.PackageFailures, pkg)
		return
	}
	result.Installed = append(result.Installed, pkg)
}
