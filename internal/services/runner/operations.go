package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/CTMS/AutoSanVanilla/internal/models"
	"github.com/CTMS/AutoSanVanilla/internal/services/esxi"
	"github.com/CTMS/AutoSanVanilla/internal/services/executor"
	"github.com/CTMS/AutoSanVanilla/internal/services/reboot"
	"github.com/CTMS/AutoSanVanilla/internal/services/truenas"
	"github.com/CTMS/AutoSanVanilla/internal/services/zfs"
)

// Firmware configures Mellanox firmware.
type Firmware interface {
	Configure(ctx context.Context, required []models.FirmwareSetting) (*models.MLXResult, error)
}

// ESXi tunes an ESXi host.
type ESXi interface {
	Optimize(ctx context.Context, cfg models.ESXiConfig) (*models.OptimizeResult, error)
	RDMADevices(ctx context.Context) ([]string, error)
	ISCSIAdapters(ctx context.Context) ([]models.ISCSIAdapter, error)
	EnableISER(ctx context.Context, device string, maxRecv, maxBurst int) error
	DisableISER(ctx context.Context, device string) error
	ConfigureISERAdapters(ctx context.Context, maxRecv, maxBurst int) ([]string, error)
	CreateISERAdapters(ctx context.Context) ([]string, error)
	AddDiscovery(ctx context.Context, adapter string, addresses []string, confirm esxi.Confirmer) ([]string, error)
}

// Volumes provisions zvols.
type Volumes interface {
	Provision(ctx context.Context, cfg models.ZFSConfig, askSize zfs.SizePrompt) ([]models.ZvolResult, error)
}

// Storage provisions iSCSI targets through the appliance API.
type Storage interface {
	Provision(ctx context.Context, cfg models.TrueNASConfig, complete truenas.ExtentPrompt) (*models.ISCSIProvisionResult, error)
}

// Enabler enables iSER on a TrueNAS appliance.
type Enabler interface {
	Enable(ctx context.Context, exec executor.Executor, remote bool, cfg models.ISERConfig) (*models.ISERResult, error)
}

// TaskRunner runs dependent task scripts.
type TaskRunner interface {
	Run(ctx context.Context, exec executor.Executor, interpreter, dir string, task models.TaskScript) (*models.CommandResult, error)
}

// Waker powers a host on.
type Waker interface {
	Wake(ctx context.Context, cfg models.WOLConfig, host string) (*models.WOLResult, error)
}

// Services holds the per-operation collaborators. Executor-bound services are built
// per call so they always run on the current session.
type Services struct {
	Firmware func(exec executor.Executor) Firmware
	ESXi     func(exec executor.Executor) ESXi
	Volumes  func(exec executor.Executor) Volumes
	Storage  Storage
	ISER     Enabler
	Tasks    TaskRunner
	Waker    Waker
}

func (m *Menu[S]) configureFirmware(ctx context.Context) error {
	exec, err := m.exec(ctx)
	if err != nil {
		return err
	}

	result, err := m.services.Firmware(exec).Configure(ctx, m.cfg.MLX.Required)
	if err != nil {
		return err
	}
	if len(result.Devices) == 0 {
		m.console.Warnf("No Mellanox devices found! Ensure Mellanox drivers are installed and the hardware is connected.")
		return nil
	}

	for _, d := range result.Devices {
		m.console.Printf("Device %s:", d.Device)
		for _, st := range d.Settings {
			switch {
			case !st.Found:
				m.console.Printf("  %s: not found (cannot update this setting)", st.Key)
			case st.Matches():
				m.console.Printf("  %s: %s (OK)", st.Key, st.Current)
			default:
				m.console.Printf("  %s: %s (expected %s)", st.Key, st.Current, st.Expected)
			}
		}
		if d.Error != nil {
			m.console.Warnf("  %v", d.Error)
		} else if len(d.Updated) > 0 {
			m.console.Printf("  Updated: %s", strings.Join(d.Updated, ", "))
		}
	}

	if !result.RequiresReboot {
		m.console.Printf("No firmware changes were applied.")
		return nil
	}
	return m.offerReboot(ctx, "The firmware configuration has changed and needs a reboot. Would you like to reboot the system now?")
}

func (m *Menu[S]) upload(ctx context.Context) error {
	if err := m.ensureSession(ctx); err != nil {
		return err
	}
	m.console.Printf("Uploading dependent files to %s...", m.target.Host)
	result, err := m.connector.Upload(m.session)
	if err != nil {
		return err
	}
	for _, f := range result.Files {
		m.console.Printf("Uploaded %s", f)
	}
	return nil
}

func (m *Menu[S]) optimize(ctx context.Context) error {
	exec, err := m.exec(ctx)
	if err != nil {
		return err
	}

	cfg := m.cfg.ESXi
	params, err := m.readNMLX5(ctx, cfg.NMLX5)
	if err != nil {
		return err
	}
	cfg.NMLX5 = params

	result, err := m.services.ESXi(exec).Optimize(ctx, cfg)
	if err != nil {
		return err
	}
	m.console.Printf("Modules loaded: %d, settings applied: %d", len(result.ModulesLoaded), result.SettingsApplied)
	for _, f := range result.Failures {
		m.console.Warnf("  %s", f)
	}

	return m.offerReboot(ctx, "System optimization has completed. Would you like to reboot the system now?")
}

// readNMLX5 prompts for every nmlx5_core parameter. The default is the configured
// value, or the maximum when nothing is configured.
func (m *Menu[S]) readNMLX5(ctx context.Context, current models.NMLX5Params) (models.NMLX5Params, error) {
	unset := current == (models.NMLX5Params{})
	targets := []*int{&current.MaxVFs, &current.MaxQueues, &current.RSS, &current.DynRSS, &current.DRSS}
	for i, limit := range models.NMLX5Limits {
		def := *targets[i]
		if unset || def < limit.Min || def > limit.Max {
			def = limit.Max
		}
		v, err := m.readInt(ctx, limit.Name, limit.Min, limit.Max, def)
		if err != nil {
			return current, err
		}
		*targets[i] = v
	}
	return current, nil
}

func (m *Menu[S]) configureRDMA(ctx context.Context) error {
	exec, err := m.exec(ctx)
	if err != nil {
		return err
	}
	svc := m.services.ESXi(exec)
	maxRecv, maxBurst := m.cfg.ESXi.ISCSIMaxRecv, m.cfg.ESXi.ISCSIMaxBurst

	choice, err := m.console.Choose(ctx, "RDMA/iSER", []string{
		"Enable iSER on an RDMA device",
		"Disable iSER on an RDMA device",
		"Tune existing iSER adapters",
		"Create iSER adapters for all RDMA devices",
	})
	if err != nil {
		return err
	}

	switch choice {
	case 0, 1:
		devices, err := svc.RDMADevices(ctx)
		if err != nil {
			return err
		}
		if len(devices) == 0 {
			m.console.Warnf("No RDMA devices found.")
			return nil
		}
		idx, err := m.console.Choose(ctx, "RDMA devices", devices)
		if err != nil {
			return err
		}
		if choice == 0 {
			if err := svc.EnableISER(ctx, devices[idx], maxRecv, maxBurst); err != nil {
				return err
			}
			m.console.Printf("iSER enabled on %s.", devices[idx])
			return nil
		}
		if err := svc.DisableISER(ctx, devices[idx]); err != nil {
			return err
		}
		m.console.Printf("iSER disabled on %s.", devices[idx])
	case 2:
		tuned, err := svc.ConfigureISERAdapters(ctx, maxRecv, maxBurst)
		m.console.Printf("Tuned adapters: %s", joinOrNone(tuned))
		return err
	case 3:
		created, err := svc.CreateISERAdapters(ctx)
		m.console.Printf("iSER adapters created for: %s", joinOrNone(created))
		return err
	}
	return nil
}

func (m *Menu[S]) addDiscovery(ctx context.Context) error {
	exec, err := m.exec(ctx)
	if err != nil {
		return err
	}
	svc := m.services.ESXi(exec)

	adapters, err := svc.ISCSIAdapters(ctx)
	if err != nil {
		return err
	}
	if len(adapters) == 0 {
		m.console.Warnf("No iSCSI adapters found.")
		return nil
	}
	names := make([]string, len(adapters))
	for i, a := range adapters {
		names[i] = fmt.Sprintf("%s (%s)", a.Name, a.Driver)
	}
	idx, err := m.console.Choose(ctx, "iSCSI adapters", names)
	if err != nil {
		return err
	}

	addresses := m.cfg.ESXi.DiscoveryAddresses
	if len(addresses) == 0 {
		line, err := m.console.ReadLine(ctx, "Enter discovery addresses (comma separated, ip[:port]): ")
		if err != nil {
			return err
		}
		for _, a := range strings.Split(line, ",") {
			if a = strings.TrimSpace(a); a != "" {
				addresses = append(addresses, a)
			}
		}
	}
	if len(addresses) == 0 {
		return nil
	}

	added, err := svc.AddDiscovery(ctx, adapters[idx].Name, addresses, m.console.Confirm)
	m.console.Printf("Discovery addresses added: %s", joinOrNone(added))
	return err
}

func (m *Menu[S]) provisionVolumes(ctx context.Context) error {
	if m.cfg.ZFS == nil {
		return fmt.Errorf("zfs: %w", ErrNotConfigured)
	}
	exec, err := m.exec(ctx)
	if err != nil {
		return err
	}

	results, err := m.services.Volumes(exec).Provision(ctx, *m.cfg.ZFS, func(ctx context.Context, dataset string) (string, error) {
		return m.console.ReadLine(ctx, fmt.Sprintf("Enter the size for the ZVOL '%s' (e.g., 1G, 500M): ", dataset))
	})
	for _, r := range results {
		if r.Error != nil {
			m.console.Warnf("%s: %v", r.Dataset, r.Error)
			continue
		}
		m.console.Printf("Created %s", r.Dataset)
	}
	return err
}

func (m *Menu[S]) provisionTargets(ctx context.Context) error {
	if m.cfg.TrueNAS == nil || m.services.Storage == nil {
		return fmt.Errorf("truenas: %w", ErrNotConfigured)
	}

	result, err := m.services.Storage.Provision(ctx, *m.cfg.TrueNAS, func(ctx context.Context, spec models.ExtentSpec) (models.ExtentSpec, error) {
		idx, err := m.console.Choose(ctx, fmt.Sprintf("RPM for extent '%s'", spec.Name), models.ValidRPMs)
		if err != nil {
			return spec, err
		}
		spec.RPM = models.ValidRPMs[idx]
		disable, err := m.console.Confirm(ctx, fmt.Sprintf("Disable physical block size reporting for extent '%s'?", spec.Name))
		if err != nil {
			return spec, err
		}
		spec.DisablePBlockSize = disable
		return spec, nil
	})
	if err != nil {
		return err
	}
	m.console.Printf("Target %s created with %d extent(s), %d associated.", result.Target.Name, len(result.Extents), result.Associations)
	return nil
}

func (m *Menu[S]) enableISER(ctx context.Context) error {
	cfg := m.cfg.ISER
	m.console.Printf("This will remount the boot pool read-write, install required packages, reload kernel modules and restart the iSCSI target service.")
	ok, err := m.console.Confirm(ctx, "Proceed with these actions?")
	if err != nil || !ok {
		return err
	}

	exec, err := m.exec(ctx)
	if err != nil {
		return err
	}
	result, err := m.services.ISER.Enable(ctx, exec, m.target.IsRemote(), cfg)
	if result != nil {
		m.console.Printf("Installed: %s", joinOrNone(result.Installed))
		m.console.Printf("Already present: %s", joinOrNone(result.AlreadyPresent))
		if len(result.PackageFailures) > 0 {
			m.console.Warnf("Failed packages: %s", strings.Join(result.PackageFailures, ", "))
		}
	}
	if err != nil {
		return err
	}
	m.console.Printf("All required packages are ensured, kernel modules reloaded, and the service restarted!")
	return nil
}

func (m *Menu[S]) runTask(ctx context.Context) error {
	if len(m.cfg.Tasks) == 0 {
		return fmt.Errorf("tasks: %w", ErrNotConfigured)
	}
	names := make([]string, len(m.cfg.Tasks))
	for i, t := range m.cfg.Tasks {
		names[i] = t.Name
		if t.Description != "" {
			names[i] += " - " + t.Description
		}
	}
	idx, err := m.console.Choose(ctx, "Task scripts", names)
	if err != nil {
		return err
	}
	task := m.cfg.Tasks[idx]

	exec, err := m.exec(ctx)
	if err != nil {
		return err
	}
	result, err := m.services.Tasks.Run(ctx, exec, m.interpreter(), m.scriptDir(), task)
	if err != nil {
		return err
	}
	if !task.Interactive && result.Transcript != "" {
		m.console.Printf("\n%s Output:\n%s", task.Name, strings.TrimSpace(result.Transcript))
	}

	if task.OfferReboot {
		return m.offerReboot(ctx, fmt.Sprintf("%s has completed. Would you like to reboot the system now?", task.Name))
	}
	return nil
}

func (m *Menu[S]) rebootPrompt(ctx context.Context) error {
	wait := false
	if m.target.IsRemote() {
		var err error
		if wait, err = m.console.Confirm(ctx, "Would you like to wait until the host comes back online?"); err != nil {
			return err
		}
	}
	_, err := m.Reboot(ctx, wait)
	return err
}

// Reboot reboots the target. The menu's session is replaced by the reconnected one,
// kept when the host rejected the reboot, and dropped otherwise.
func (m *Menu[S]) Reboot(ctx context.Context, wait bool) (*models.RebootResult, error) {
	var current S
	if m.target.IsRemote() {
		if err := m.ensureSession(ctx); err != nil {
			return nil, err
		}
		current = m.session
	}

	next, result, err := m.rebooter.Reboot(ctx, m.target, current, wait)

	if m.target.IsRemote() {
		var none S
		m.session, m.connected = none, false
		if errors.Is(err, reboot.ErrRebootRejected) || (result != nil && result.Reconnected) {
			m.Attach(next)
		}
	}
	if err != nil {
		return result, err
	}

	if result.Reconnected && m.cfg.ESXi.CreateISERAfterBoot {
		if err := m.createISERAfterBoot(ctx); err != nil {
			return result, err
		}
	}
	return result, nil
}

func (m *Menu[S]) createISERAfterBoot(ctx context.Context) error {
	ok, err := m.console.Confirm(ctx, "Create iSER adapters for all RDMA devices now?")
	if err != nil || !ok {
		return err
	}
	created, err := m.services.ESXi(m.session).CreateISERAdapters(ctx)
	m.console.Printf("iSER adapters created for: %s", joinOrNone(created))
	return err
}

func (m *Menu[S]) wake(ctx context.Context) error {
	if m.cfg.WOL == nil {
		return fmt.Errorf("wol: %w", ErrNotConfigured)
	}
	host := ""
	if m.target.IsRemote() {
		host = m.target.Host
	}
	result, err := m.services.Waker.Wake(ctx, *m.cfg.WOL, host)
	if err != nil {
		return err
	}
	if result.Error != nil {
		return result.Error
	}
	if host != "" {
		m.console.Printf("The host %s is now online!", host)
	} else {
		m.console.Printf("Wake-on-LAN packet sent.")
	}
	return nil
}

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return "none"
	}
	return strings.Join(items, ", ")
}
