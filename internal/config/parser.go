// Package config provides configuration file parsing.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/CTMS/AutoSanVanilla/internal/models"
	"github.com/spf13/viper"
)

// Defaults matching the layout the dependent scripts expect on the far end.
const (
	DefaultScriptDir          = "/tmp/ez_scripts"
	DefaultVenvInterpreter    = "/tmp/ez_scripts/.env/venv/bin/python"
	DefaultInterpreter        = "python3"
	DefaultPromptSuffixes     = ":?>"
	DefaultLocalRebootCommand = "sudo reboot"
	DefaultRebootCommand      = "reboot"
	DefaultBurstLength        = 1048576
)

// DefaultManifest is uploaded after connecting when remote.manifest is empty.
var DefaultManifest = []string{
	"MLXDriverConfig/DriverConfig.py",
	"ESXi/Optimize.py",
	"ESXi/RDMA.py",
}

// Parser handles configuration file parsing.
type Parser struct {
	v *viper.Viper
}

// NewParser creates a new configuration parser.
func NewParser() *Parser {
	v := viper.New()
	v.SetConfigType("yaml")
	return &Parser{v: v}
}

// LoadFile loads configuration from a file path. The format follows the extension.
func (p *Parser) LoadFile(path string) (*models.AppConfig, error) {
	p.v.SetConfigFile(path)
	if ext := strings.TrimPrefix(filepath.Ext(path), "."); ext != "" {
		p.v.SetConfigType(ext)
	}

	if err := p.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return p.parse()
}

// LoadReader loads YAML configuration from a string (useful for testing).
func (p *Parser) LoadReader(content string) (*models.AppConfig, error) {
	if err := p.v.ReadConfig(strings.NewReader(content)); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	return p.parse()
}

// Empty returns the configuration with every default applied, for runs without a file.
func (p *Parser) Empty() (*models.AppConfig, error) {
	return p.parse()
}

type advancedEntry struct {
	Option string `mapstructure:"option"`
	Value  int    `mapstructure:"value"`
}

type moduleParamsEntry struct {
	Module     string `mapstructure:"module"`
	Parameters string `mapstructure:"parameters"`
}

type volumeEntry struct {
	Name      string `mapstructure:"name"`
	Size      string `mapstructure:"size"`
	BlockSize string `mapstructure:"block_size"`
}

type extentEntry struct {
	Name              string `mapstructure:"name"`
	Disk              string `mapstructure:"disk"`
	RPM               string `mapstructure:"rpm"`
	DisablePBlockSize bool   `mapstructure:"disable_pblocksize"`
	LunID             int    `mapstructure:"lun_id"`
}

type taskEntry struct {
	Name        string `mapstructure:"name"`
	Description string `mapstructure:"description"`
	Script      string `mapstructure:"script"`
	Interactive *bool  `mapstructure:"interactive"`
	OfferReboot bool   `mapstructure:"offer_reboot"`
}

//nolint:gocognit,gocyclo // parsing config requires checking many fields
func (p *Parser) parse() (*models.AppConfig, error) {
	cfg := &models.AppConfig{}

	// Parse connection target.
	cfg.Target = models.Target{
		Mode: models.Mode(strings.ToLower(p.v.GetString("target.mode"))),
		Host: p.v.GetString("target.host"),
		Port: p.v.GetInt("target.port"),
	}
	if cfg.Target.Mode == "" {
		cfg.Target.Mode = models.ModeLocal
		if cfg.Target.Host != "" {
			cfg.Target.Mode = models.ModeRemote
		}
	}
	if cfg.Target.Mode == models.ModeRemote {
		cfg.Target.Credentials = &models.Credentials{
			Username: p.expandEnv(p.v.GetString("target.username")),
			Password: p.expandEnv(p.v.GetString("target.password")),
			KeyPath:  expandHome(p.expandEnv(p.v.GetString("target.key_path"))),
			UseAgent: !p.v.IsSet("target.use_agent") || p.v.GetBool("target.use_agent"),
		}
		if cfg.Target.Port == 0 {
			cfg.Target.Port = 22
		}
	}

	// Parse remote session settings.
	cfg.Remote = models.RemoteSettings{
		ScriptDir:          p.v.GetString("remote.script_dir"),
		LocalDir:           p.expandEnv(p.v.GetString("remote.local_dir")),
		Manifest:           p.v.GetStringSlice("remote.manifest"),
		VenvInterpreter:    p.v.GetString("remote.venv_interpreter"),
		DefaultInterpreter: p.v.GetString("remote.default_interpreter"),
		PromptSuffixes:     p.v.GetString("remote.prompt_suffixes"),
	}
	if cfg.Remote.ScriptDir == "" {
		cfg.Remote.ScriptDir = DefaultScriptDir
	}
	if cfg.Remote.LocalDir == "" {
		cfg.Remote.LocalDir = "."
	}
	if len(cfg.Remote.Manifest) == 0 {
		cfg.Remote.Manifest = DefaultManifest
	}
	if !p.v.IsSet("remote.venv_interpreter") {
		cfg.Remote.VenvInterpreter = DefaultVenvInterpreter
	}
	if cfg.Remote.DefaultInterpreter == "" {
		cfg.Remote.DefaultInterpreter = DefaultInterpreter
	}
	if cfg.Remote.PromptSuffixes == "" {
		cfg.Remote.PromptSuffixes = DefaultPromptSuffixes
	}

	// Parse liveness probe.
	cfg.Probe = models.ProbeConfig{
		Method:       strings.ToLower(p.v.GetString("probe.method")),
		Port:         p.v.GetInt("probe.port"),
		Timeout:      p.v.GetDuration("probe.timeout"),
		PollInterval: p.v.GetDuration("probe.poll_interval"),
	}
	if cfg.Probe.Method == "" {
		cfg.Probe.Method = "tcp"
	}
	if cfg.Probe.Port == 0 {
		cfg.Probe.Port = 22
		if cfg.Target.Port != 0 {
			cfg.Probe.Port = cfg.Target.Port
		}
	}
	if cfg.Probe.Timeout == 0 {
		cfg.Probe.Timeout = 5 * time.Second
	}
	if cfg.Probe.PollInterval == 0 {
		cfg.Probe.PollInterval = 10 * time.Second
	}

	// Parse reboot settings.
	cfg.Reboot = models.RebootSettings{
		LocalCommand:  p.v.GetString("reboot.local_command"),
		RemoteCommand: p.v.GetString("reboot.remote_command"),
		WaitTimeout:   p.v.GetDuration("reboot.wait_timeout"),
		InitialDelay:  p.v.GetDuration("reboot.initial_delay"),
	}
	if cfg.Reboot.LocalCommand == "" {
		cfg.Reboot.LocalCommand = DefaultLocalRebootCommand
	}
	if cfg.Reboot.RemoteCommand == "" {
		cfg.Reboot.RemoteCommand = DefaultRebootCommand
	}
	if cfg.Reboot.WaitTimeout == 0 {
		cfg.Reboot.WaitTimeout = 15 * time.Minute
	}
	if !p.v.IsSet("reboot.initial_delay") {
		cfg.Reboot.InitialDelay = 10 * time.Second
	}

	// Parse optional WOL config.
	if p.v.IsSet("wol") {
		cfg.WOL = &models.WOLConfig{
			MACAddress:    p.v.GetString("wol.mac_address"),
			BroadcastIP:   p.v.GetString("wol.broadcast_ip"),
			Port:          p.v.GetInt("wol.port"),
			Timeout:       p.v.GetDuration("wol.timeout"),
			StabilizeWait: p.v.GetDuration("wol.stabilize_wait"),
		}

		if cfg.WOL.MACAddress == "" {
			return nil, fmt.Errorf("wol.mac_address is required when wol is configured")
		}

		// Set defaults.
		if cfg.WOL.BroadcastIP == "" {
			cfg.WOL.BroadcastIP = "255.255.255.255"
		}
		if cfg.WOL.Port == 0 {
			cfg.WOL.Port = 9
		}
		if cfg.WOL.Timeout == 0 {
			cfg.WOL.Timeout = 5 * time.Minute
		}
		if !p.v.IsSet("wol.stabilize_wait") {
			cfg.WOL.StabilizeWait = 10 * time.Second
		}
	}

	// Parse ESXi tuning.
	if err := p.parseESXi(cfg); err != nil {
		return nil, err
	}

	// Parse Mellanox firmware settings.
	cfg.MLX = models.MLXConfig{
		TrueNAS:    p.v.GetBool("mlx.truenas"),
		BinaryPath: p.v.GetString("mlx.binary_path"),
	}
	for _, kv := range p.v.GetStringSlice("mlx.required") {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("mlx.required entry %q must be KEY=VALUE", kv)
		}
		cfg.MLX.Required = append(cfg.MLX.Required, models.FirmwareSetting{
			Key:   strings.TrimSpace(key),
			Value: strings.TrimSpace(value),
		})
	}

	// Parse optional ZFS config.
	if p.v.IsSet("zfs") {
		cfg.ZFS = &models.ZFSConfig{
			Pool:           p.v.GetString("zfs.pool"),
			PoolProperties: p.v.GetStringMapString("zfs.properties"),
		}
		if cfg.ZFS.Pool == "" {
			return nil, fmt.Errorf("zfs.pool is required when zfs is configured")
		}

		var volumes []volumeEntry
		if err := p.v.UnmarshalKey("zfs.volumes", &volumes); err != nil {
			return nil, fmt.Errorf("parsing zfs.volumes: %w", err)
		}
		for _, vol := range volumes {
			if vol.Name == "" {
				return nil, fmt.Errorf("zfs.volumes entries require a name")
			}
			cfg.ZFS.Volumes = append(cfg.ZFS.Volumes, models.ZvolSpec{Name: vol.Name, Size: vol.Size, BlockSize: vol.BlockSize})
		}
	}

	// Parse optional TrueNAS API config.
	if p.v.IsSet("truenas") {
		cfg.TrueNAS = &models.TrueNASConfig{
			URL:        p.expandEnv(p.v.GetString("truenas.url")),
			APIKey:     p.expandEnv(p.v.GetString("truenas.api_key")),
			Insecure:   p.v.GetBool("truenas.insecure"),
			TargetName: p.v.GetString("truenas.target_name"),
		}
		if cfg.TrueNAS.URL == "" {
			return nil, fmt.Errorf("truenas.url is required when truenas is configured")
		}
		if cfg.TrueNAS.APIKey == "" {
			return nil, fmt.Errorf("truenas.api_key is required when truenas is configured")
		}

		var extents []extentEntry
		if err := p.v.UnmarshalKey("truenas.extents", &extents); err != nil {
			return nil, fmt.Errorf("parsing truenas.extents: %w", err)
		}
		for _, e := range extents {
			cfg.TrueNAS.Extents = append(cfg.TrueNAS.Extents, models.ExtentSpec{
				Name:              e.Name,
				Disk:              e.Disk,
				RPM:               e.RPM,
				DisablePBlockSize: e.DisablePBlockSize,
				LunID:             e.LunID,
			})
		}
	}

	// Parse TrueNAS iSER enablement.
	cfg.ISER = models.ISERConfig{
		Packages:    p.v.GetStringSlice("iser.packages"),
		Modules:     p.v.GetStringSlice("iser.modules"),
		Service:     p.v.GetString("iser.service"),
		ScopedPath:  p.v.GetString("iser.scoped_path"),
		Executables: p.v.GetStringSlice("iser.executables"),
	}

	// Parse task scripts.
	var tasks []taskEntry
	if err := p.v.UnmarshalKey("tasks", &tasks); err != nil {
		return nil, fmt.Errorf("parsing tasks: %w", err)
	}
	for _, t := range tasks {
		task := models.TaskScript{
			Name:        t.Name,
			Description: t.Description,
			Script:      t.Script,
			Interactive: t.Interactive == nil || *t.Interactive,
			OfferReboot: t.OfferReboot,
		}
		if task.Name == "" {
			task.Name = filepath.Base(task.Script)
		}
		cfg.Tasks = append(cfg.Tasks, task)
	}

	return cfg, nil
}

func (p *Parser) parseESXi(cfg *models.AppConfig) error {
	cfg.ESXi = models.ESXiConfig{
		Modules: p.v.GetStringSlice("esxi.modules"),
		NMLX5: models.NMLX5Params{
			MaxVFs:    p.v.GetInt("esxi.nmlx5.max_vfs"),
			MaxQueues: p.v.GetInt("esxi.nmlx5.max_queues"),
			RSS:       p.v.GetInt("esxi.nmlx5.rss"),
			DynRSS:    p.v.GetInt("esxi.nmlx5.dyn_rss"),
			DRSS:      p.v.GetInt("esxi.nmlx5.drss"),
		},
		ISERLunQueueDepth:   p.v.GetInt("esxi.iser_lun_queue_depth"),
		DiscoveryAddresses:  p.v.GetStringSlice("esxi.discovery_addresses"),
		ISCSIMaxRecv:        p.v.GetInt("esxi.iscsi_max_recv"),
		ISCSIMaxBurst:       p.v.GetInt("esxi.iscsi_max_burst"),
		CreateISERAfterBoot: p.v.GetBool("esxi.create_iser_after_boot"),
	}
	if len(cfg.ESXi.Modules) == 0 {
		cfg.ESXi.Modules = []string{"nmlx5_core", "nmlx5_rdma", "iser", "vrdma"}
	}
	if !p.v.IsSet("esxi.iser_lun_queue_depth") {
		cfg.ESXi.ISERLunQueueDepth = 512
	}
	if cfg.ESXi.ISCSIMaxRecv == 0 {
		cfg.ESXi.ISCSIMaxRecv = DefaultBurstLength
	}
	if cfg.ESXi.ISCSIMaxBurst == 0 {
		cfg.ESXi.ISCSIMaxBurst = DefaultBurstLength
	}

	var advanced []advancedEntry
	if err := p.v.UnmarshalKey("esxi.advanced_settings", &advanced); err != nil {
		return fmt.Errorf("parsing esxi.advanced_settings: %w", err)
	}
	for _, a := range advanced {
		cfg.ESXi.AdvancedSettings = append(cfg.ESXi.AdvancedSettings, models.AdvancedSetting{Option: a.Option, Value: a.Value})
	}
	if !p.v.IsSet("esxi.advanced_settings") {
		cfg.ESXi.AdvancedSettings = DefaultAdvancedSettings()
	}

	var params []moduleParamsEntry
	if err := p.v.UnmarshalKey("esxi.module_parameters", &params); err != nil {
		return fmt.Errorf("parsing esxi.module_parameters: %w", err)
	}
	for _, mp := range params {
		cfg.ESXi.ModuleParameters = append(cfg.ESXi.ModuleParameters, models.ModuleParameters{Module: mp.Module, Parameters: mp.Parameters})
	}
	if !p.v.IsSet("esxi.module_parameters") {
		cfg.ESXi.ModuleParameters = []models.ModuleParameters{{
			Module:     "iscsi_vmk",
			Parameters: "iscsivmk_LunQDepth=512 iscsivmk_HostQDepth=512 iscsivmk_InitialR2T=1 iscsivmk_MaxChannels=4",
		}}
	}
	return nil
}

// DefaultAdvancedSettings are the iSCSI socket, disk scheduler and TCP/IP stack values
// applied by the optimization pass.
func DefaultAdvancedSettings() []models.AdvancedSetting {
	return []models.AdvancedSetting{
		{Option: "/ISCSI/SocketRcvBufLenKB", Value: 2048},
		{Option: "/ISCSI/SocketSndBufLenKB", Value: 2048},
		{Option: "/Disk/SchedQuantum", Value: 16},
		{Option: "/Disk/SchedQControlSeqReqs", Value: 512},
		{Option: "/Net/TcpipHeapMax", Value: 1024},
		{Option: "/Net/TcpipHeapSize", Value: 128},
		{Option: "/Net/TcpipRxDispatchQueues", Value: 4},
	}
}

// expandEnv expands environment variables in the format ${VAR} or $VAR.
func (p *Parser) expandEnv(s string) string {
	return os.ExpandEnv(s)
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

// Validate performs validation on the loaded configuration.
func Validate(cfg *models.AppConfig) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	var errs []error
	if err := cfg.Target.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("target: %w", err))
	}

	switch cfg.Probe.Method {
	case "tcp", "icmp", "ping":
	default:
		errs = append(errs, fmt.Errorf("probe.method must be one of: tcp, icmp"))
	}
	if cfg.Reboot.WaitTimeout < 0 {
		errs = append(errs, fmt.Errorf("reboot.wait_timeout must not be negative"))
	}

	if cfg.WOL != nil {
		if _, err := net.ParseMAC(cfg.WOL.MACAddress); err != nil {
			errs = append(errs, fmt.Errorf("wol.mac_address: %w", err))
		}
		if net.ParseIP(cfg.WOL.BroadcastIP) == nil {
			errs = append(errs, fmt.Errorf("wol.broadcast_ip %q is not an IP address", cfg.WOL.BroadcastIP))
		}
	}

	if cfg.TrueNAS != nil {
		for _, e := range cfg.TrueNAS.Extents {
			if e.Name == "" || e.Disk == "" {
				errs = append(errs, fmt.Errorf("truenas.extents entries require name and disk"))
			}
			if e.RPM != "" && !validRPM(e.RPM) {
				errs = append(errs, fmt.Errorf("truenas.extents %s: rpm must be one of: %s", e.Name, strings.Join(models.ValidRPMs, ", ")))
			}
		}
	}

	for _, t := range cfg.Tasks {
		if t.Script == "" {
			errs = append(errs, fmt.Errorf("tasks %s: script is required", t.Name))
		}
	}

	return errors.Join(errs...)
}

func validRPM(rpm string) bool {
	for _, v := range models.ValidRPMs {
		if v == rpm {
			return true
		}
	}
	return false
}
