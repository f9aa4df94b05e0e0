// Package esxi tunes an ESXi host for iSER: kernel modules, driver parameters,
// advanced settings, RDMA bindings and iSCSI discovery.
package esxi

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/CTMS/AutoSanVanilla/internal/models"
	"github.com/CTMS/AutoSanVanilla/internal/services/executor"
	"github.com/rs/zerolog"
)

// ISERDriver is the driver name esxcli reports for iSER adapters.
const ISERDriver = "iser"

// Service orchestrates host tuning over the capability interfaces.
type Service struct {
	modules  ModuleManager
	settings SettingsManager
	rdma     RDMAManager
	logger   zerolog.Logger
}

// New creates an ESXi service over explicit capabilities.
func New(logger zerolog.Logger, modules ModuleManager, settings SettingsManager, rdma RDMAManager) *Service {
	return &Service{
		modules:  modules,
		settings: settings,
		rdma:     rdma,
		logger:   logger,
	}
}

// NewForExecutor creates an ESXi service driving esxcli through exec.
func NewForExecutor(logger zerolog.Logger, exec executor.Executor) *Service {
	cli := NewCLI(logger, exec)
	return New(logger, cli, cli, cli)
}

// ValidateNMLX5 checks every parameter against models.NMLX5Limits.
func ValidateNMLX5(p models.NMLX5Params) error {
	values := nmlx5Values(p)
	var errs []error
	for i, limit := range models.NMLX5Limits {
		if v := values[i]; v < limit.Min || v > limit.Max {
			errs = append(errs, fmt.Errorf("%s=%d outside %d..%d", limit.Name, v, limit.Min, limit.Max))
		}
	}
	return errors.Join(errs...)
}

// FormatNMLX5 renders p as an nmlx5_core parameter string.
func FormatNMLX5(p models.NMLX5Params) string {
	values := nmlx5Values(p)
	parts := make([]string, len(models.NMLX5Limits))
	for i, limit := range models.NMLX5Limits {
		parts[i] = fmt.Sprintf("%s=%d", limit.Name, values[i])
	}
	return strings.Join(parts, " ")
}

func nmlx5Values(p models.NMLX5Params) []int {
	return []int{p.MaxVFs, p.MaxQueues, p.RSS, p.DynRSS, p.DRSS}
}

// EnsureModule loads module unless it is already loaded. It reports whether a load was needed.
func (s *Service) EnsureModule(ctx context.Context, module string) (bool, error) {
	modules, err := s.modules.Modules(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to list modules: %w", err)
	}
	for _, m := range modules {
		if m.Name == module && m.Loaded {
			s.logger.Debug().Str("module", module).Msg("module already loaded")
			return false, nil
		}
	}

	s.logger.Info().Str("module", module).Msg("loading module")
	if err := s.modules.Load(ctx, module); err != nil {
		return false, fmt.Errorf("failed to load %s: %w", module, err)
	}
	return true, nil
}

// Optimize loads the required modules and applies driver parameters and advanced settings.
// Individual failures are collected in the result; the pass always runs to the end.
func (s *Service) Optimize(ctx context.Context, cfg models.ESXiConfig) (*models.OptimizeResult, error) {
	if err := ValidateNMLX5(cfg.NMLX5); err != nil {
		return nil, fmt.Errorf("invalid nmlx5_core parameters: %w", err)
	}

	result := &models.OptimizeResult{}
	fail := func(step string, err error) {
		s.logger.Warn().Err(err).Str("step", step).Msg("optimization step failed")
		result.Failures = append(result.Failures, fmt.Sprintf("%s: %v", step, err))
	}

	s.logger.Info().Strs("modules", cfg.Modules).Msg("checking kernel modules")
	for _, module := range cfg.Modules {
		loaded, err := s.EnsureModule(ctx, module)
		if err != nil {
			fail("module "+module, err)
			continue
		}
		if loaded {
			result.ModulesLoaded = append(result.ModulesLoaded, module)
		}
	}

	params := []models.ModuleParameters{{Module: "nmlx5_core", Parameters: FormatNMLX5(cfg.NMLX5)}}
	if cfg.ISERLunQueueDepth > 0 {
		params = append(params, models.ModuleParameters{
			Module:     "iser",
			Parameters: fmt.Sprintf("iser_LunQDepth=%d", cfg.ISERLunQueueDepth),
		})
	}
	params = append(params, cfg.ModuleParameters...)

	for _, p := range params {
		s.logger.Info().Str("module", p.Module).Str("parameters", p.Parameters).Msg("setting module parameters")
		if err := s.modules.SetParameters(ctx, p.Module, p.Parameters); err != nil {
			fail("parameters "+p.Module, err)
			continue
		}
		result.SettingsApplied++
	}

	for _, setting := range cfg.AdvancedSettings {
		s.logger.Info().Str("option", setting.Option).Int("value", setting.Value).Msg("setting advanced option")
		if err := s.settings.SetAdvanced(ctx, setting.Option, setting.Value); err != nil {
			fail("advanced "+setting.Option, err)
			continue
		}
		result.SettingsApplied++
	}

	if out, err := s.modules.Parameters(ctx, "nmlx5_core"); err == nil {
		s.logger.Debug().Str("parameters", out).Msg("nmlx5_core parameters after update")
	}
	for _, setting := range cfg.AdvancedSettings {
		if out, err := s.settings.Advanced(ctx, setting.Option); err == nil {
			s.logger.Debug().Str("option", setting.Option).Str("current", out).Msg("verified advanced option")
		}
	}

	s.logger.Info().
		Int("modules_loaded", len(result.ModulesLoaded)).
		Int("settings_applied", result.SettingsApplied).
		Int("failures", len(result.Failures)).
		Msg("optimization finished")
	return result, nil
}

// RDMADevices lists RDMA-capable devices.
func (s *Service) RDMADevices(ctx context.Context) ([]string, error) {
	return s.rdma.RDMADevices(ctx)
}

// ISCSIAdapters lists all iSCSI adapters.
func (s *Service) ISCSIAdapters(ctx context.Context) ([]models.ISCSIAdapter, error) {
	return s.rdma.ISCSIAdapters(ctx)
}

// EnableISER binds an iSER adapter to device and tunes every iSER adapter.
func (s *Service) EnableISER(ctx context.Context, device string, maxRecv, maxBurst int) error {
	s.logger.Info().Str("device", device).Msg("enabling iSER")
	if err := s.rdma.AddISER(ctx, device); err != nil {
		return fmt.Errorf("failed to enable iSER on %s: %w", device, err)
	}
	_, err := s.ConfigureISERAdapters(ctx, maxRecv, maxBurst)
	return err
}

// DisableISER removes the iSER adapter bound to device.
func (s *Service) DisableISER(ctx context.Context, device string) error {
	s.logger.Info().Str("device", device).Msg("disabling iSER")
	if err := s.rdma.RemoveISER(ctx, device); err != nil {
		return fmt.Errorf("failed to disable iSER on %s: %w", device, err)
	}
	return nil
}

// ConfigureISERAdapters sets the data segment and burst lengths on every iSER adapter.
func (s *Service) ConfigureISERAdapters(ctx context.Context, maxRecv, maxBurst int) ([]string, error) {
	adapters, err := s.rdma.ISCSIAdapters(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list iSCSI adapters: %w", err)
	}

	var configured []string
	var errs []error
	for _, a := range adapters {
		if a.Driver != ISERDriver {
			continue
		}
		params := []struct {
			key   string
			value int
		}{
			{"MaxRecvDataSegment", maxRecv},
			{"MaxBurstLength", maxBurst},
			{"FirstBurstLength", maxBurst},
		}
		ok := true
		for _, p := range params {
			if err := s.rdma.SetAdapterParam(ctx, a.Name, p.key, p.value); err != nil {
				errs = append(errs, fmt.Errorf("%s %s: %w", a.Name, p.key, err))
				ok = false
				break
			}
		}
		if ok {
			s.logger.Info().Str("adapter", a.Name).Int("max_recv", maxRecv).Int("max_burst", maxBurst).Msg("adapter tuned")
			configured = append(configured, a.Name)
		}
	}
	return configured, errors.Join(errs...)
}

// CreateISERAdapters binds an iSER adapter to every RDMA device.
func (s *Service) CreateISERAdapters(ctx context.Context) ([]string, error) {
	devices, err := s.rdma.RDMADevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list RDMA devices: %w", err)
	}

	var created []string
	var errs []error
	for _, d := range devices {
		if err := s.rdma.AddISER(ctx, d); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d, err))
			continue
		}
		s.logger.Info().Str("device", d).Msg("iSER adapter created")
		created = append(created, d)
	}
	return created, errors.Join(errs...)
}

// Confirmer asks the operator to approve an action.
type Confirmer func(ctx context.Context, question string) (bool, error)

// AddDiscovery adds each approved send-target address to adapter and returns those added.
func (s *Service) AddDiscovery(ctx context.Context, adapter string, addresses []string, confirm Confirmer) ([]string, error) {
	var added []string
	var errs []error
	for _, addr := range addresses {
		ok, err := confirm(ctx, fmt.Sprintf("Add discovery address '%s' to adapter '%s'?", addr, adapter))
		if err != nil {
			return added, err
		}
		if !ok {
			s.logger.Debug().Str("address", addr).Msg("discovery address skipped")
			continue
		}
		if err := s.rdma.AddSendTarget(ctx, adapter, addr); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", addr, err))
			continue
		}
		s.logger.Info().Str("adapter", adapter).Str("address", addr).Msg("discovery address added")
		added = append(added, addr)
	}
	return added, errors.Join(errs...)
}
