// Package mlx checks and applies Mellanox NIC firmware settings.
package mlx

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/CTMS/AutoSanVanilla/internal/models"
	"github.com/CTMS/AutoSanVanilla/internal/services/executor"
	"github.com/rs/zerolog"
)

// Default tool locations.
const (
	DefaultBinaryPath        = "/opt/mellanox/bin"
	DefaultTrueNASBinaryPath = "/usr/bin"
)

// DefaultSettings are the firmware values an iSER fabric port needs.
func DefaultSettings() []models.FirmwareSetting {
	return []models.FirmwareSetting{
		{Key: "SAFE_MODE_ENABLE", Value: "0"},
		{Key: "NUM_OF_VFS", Value: "16"},
		{Key: "VF_VPD_ENABLE", Value: "1"},
		{Key: "SRIOV_EN", Value: "1"},
		{Key: "NUM_PF_MSIX", Value: "64"},
		{Key: "NUM_VF_MSIX", Value: "8"},
		{Key: "LINK_TYPE_P1", Value: "2"},
		{Key: "LINK_TYPE_P2", Value: "2"},
		{Key: "EXP_ROM_UEFI_x86_ENABLE", Value: "1"},
		{Key: "UEFI_HII_EN", Value: "1"},
		{Key: "EXP_ROM_PXE_ENABLE", Value: "1"},
	}
}

// DeviceConfigurator discovers Mellanox devices and reads or writes their firmware settings.
type DeviceConfigurator interface {
	Devices(ctx context.Context) ([]string, error)
	Query(ctx context.Context, device string) (string, error)
	Set(ctx context.Context, device string, settings []models.FirmwareSetting) error
}

// Tool implements DeviceConfigurator with mst/mlxconfig, or lspci/mstconfig on TrueNAS.
type Tool struct {
	exec       executor.Executor
	truenas    bool
	binaryPath string
	logger     zerolog.Logger
}

var _ DeviceConfigurator = (*Tool)(nil)

// NewTool creates a firmware tool wrapper running through exec.
func NewTool(logger zerolog.Logger, exec executor.Executor, cfg models.MLXConfig) *Tool {
	bin := cfg.BinaryPath
	if bin == "" {
		bin = DefaultBinaryPath
		if cfg.TrueNAS {
			bin = DefaultTrueNASBinaryPath
		}
	}
	return &Tool{
		exec:       exec,
		truenas:    cfg.TrueNAS,
		binaryPath: bin,
		logger:     logger,
	}
}

func (t *Tool) configBinary() string {
	if t.truenas {
		return path.Join(t.binaryPath, "mstconfig")
	}
	return path.Join(t.binaryPath, "mlxconfig")
}

// Devices lists Mellanox devices.
func (t *Tool) Devices(ctx context.Context) ([]string, error) {
	if t.truenas {
		result, err := executor.RunChecked(ctx, t.exec, "lspci -v")
		if err != nil {
			return nil, err
		}
		return parseLspci(result.Transcript), nil
	}

	result, err := executor.RunChecked(ctx, t.exec, path.Join(t.binaryPath, "mst")+" status")
	if err != nil {
		return nil, err
	}
	return parseMSTStatus(result.Transcript), nil
}

// Query returns the raw firmware configuration listing of device.
func (t *Tool) Query(ctx context.Context, device string) (string, error) {
	cmd := fmt.Sprintf("%s -d %s", t.configBinary(), executor.Quote(device))
	if !t.truenas {
		cmd += " q"
	}
	result, err := executor.RunChecked(ctx, t.exec, cmd)
	if err != nil {
		return "", err
	}
	return result.Transcript, nil
}

// Set writes settings to device without confirmation.
func (t *Tool) Set(ctx context.Context, device string, settings []models.FirmwareSetting) error {
	if len(settings) == 0 {
		return nil
	}
	args := make([]string, len(settings))
	for i, s := range settings {
		args[i] = executor.Quote(s.Key + "=" + s.Value)
	}
	cmd := fmt.Sprintf("%s -d %s -y set %s", t.configBinary(), executor.Quote(device), strings.Join(args, " "))
	_, err := executor.RunChecked(ctx, t.exec, cmd)
	return err
}

var lspciMellanox = regexp.MustCompile(`^(\S+).*Mellanox`)

func parseLspci(out string) []string {
	var devices []string
	for _, line := range strings.Split(out, "\n") {
		if m := lspciMellanox.FindStringSubmatch(line); m != nil {
			devices = append(devices, m[1])
		}
	}
	return devices
}

// parseMSTStatus takes the first field of every line after the two header lines.
func parseMSTStatus(out string) []string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) <= 2 {
		return nil
	}
	var devices []string
	for _, line := range lines[2:] {
		if fields := strings.Fields(line); len(fields) > 0 {
			devices = append(devices, fields[0])
		}
	}
	return devices
}

// Compare matches every required setting against a query listing.
func Compare(listing string, required []models.FirmwareSetting) []models.SettingState {
	states := make([]models.SettingState, 0, len(required))
	for _, r := range required {
		state := models.SettingState{Key: r.Key, Expected: r.Value}
		re := regexp.MustCompile(`(?m)\b` + regexp.QuoteMeta(r.Key) + `\s+(\S+)`)
		if m := re.FindStringSubmatch(listing); m != nil {
			state.Found = true
			state.Current = m[1]
		}
		states = append(states, state)
	}
	return states
}

// Service applies required firmware settings to every device.
type Service struct {
	devices DeviceConfigurator
	logger  zerolog.Logger
}

// New creates a firmware service.
func New(logger zerolog.Logger, devices DeviceConfigurator) *Service {
	return &Service{devices: devices, logger: logger}
}

// Configure brings every device in line with required, or DefaultSettings when
// required is empty. A reboot is required when any device was updated. Per-device
// errors are recorded in the report.
func (s *Service) Configure(ctx context.Context, required []models.FirmwareSetting) (*models.MLXResult, error) {
	if len(required) == 0 {
		required = DefaultSettings()
	}
	devices, err := s.devices.Devices(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list Mellanox devices: %w", err)
	}

	result := &models.MLXResult{}
	if len(devices) == 0 {
		s.logger.Warn().Msg("no Mellanox devices found")
		return result, nil
	}
	s.logger.Info().Strs("devices", devices).Msg("found Mellanox devices")

	for _, device := range devices {
		report := s.configureDevice(ctx, device, required)
		if len(report.Updated) > 0 {
			result.RequiresReboot = true
		}
		result.Devices = append(result.Devices, report)
	}
	return result, nil
}

func (s *Service) configureDevice(ctx context.Context, device string, required []models.FirmwareSetting) models.DeviceReport {
	report := models.DeviceReport{Device: device}
	log := s.logger.With().Str("device", device).Logger()

	listing, err := s.devices.Query(ctx, device)
	if err != nil {
		report.Error = fmt.Errorf("query failed: %w", err)
		log.Warn().Err(err).Msg("failed to query device")
		return report
	}

	report.Settings = Compare(listing, required)
	var pending []models.FirmwareSetting
	for _, st := range report.Settings {
		switch {
		case !st.Found:
			log.Warn().Str("setting", st.Key).Msg("setting not found, cannot update")
		case st.Matches():
			log.Debug().Str("setting", st.Key).Str("current", st.Current).Msg("setting ok")
		default:
			log.Info().Str("setting", st.Key).Str("current", st.Current).Str("expected", st.Expected).Msg("setting differs")
			pending = append(pending, models.FirmwareSetting{Key: st.Key, Value: st.Expected})
		}
	}

	if len(pending) == 0 {
		log.Info().Msg("no settings need to be changed")
		return report
	}

	if err := s.devices.Set(ctx, device, pending); err != nil {
		report.Error = fmt.Errorf("update failed: %w", err)
		log.Warn().Err(err).Msg("failed to update device")
		return report
	}
	for _, p := range pending {
		report.Updated = append(report.Updated, p.Key)
	}
	log.Info().Strs("updated", report.Updated).Msg("device settings updated")
	return report
}
