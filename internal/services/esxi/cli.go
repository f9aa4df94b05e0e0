package esxi

import (
	"context"
	"fmt"
	"strings"

	"github.com/CTMS/AutoSanVanilla/internal/models"
	"github.com/CTMS/AutoSanVanilla/internal/services/executor"
	"github.com/rs/zerolog"
)

// ModuleManager lists, loads and parameterizes VMkernel modules.
type ModuleManager interface {
	Modules(ctx context.Context) ([]models.KernelModule, error)
	Load(ctx context.Context, module string) error
	SetParameters(ctx context.Context, module, params string) error
	Parameters(ctx context.Context, module string) (string, error)
}

// SettingsManager reads and writes advanced host settings.
type SettingsManager interface {
	SetAdvanced(ctx context.Context, option string, value int) error
	Advanced(ctx context.Context, option string) (string, error)
}

// RDMAManager manages RDMA devices, iSER bindings and iSCSI adapters.
type RDMAManager interface {
	RDMADevices(ctx context.Context) ([]string, error)
	AddISER(ctx context.Context, device string) error
	RemoveISER(ctx context.Context, device string) error
	ISCSIAdapters(ctx context.Context) ([]models.ISCSIAdapter, error)
	SetAdapterParam(ctx context.Context, adapter, key string, value int) error
	AddSendTarget(ctx context.Context, adapter, address string) error
}

// CLI implements the capability interfaces with esxcli.
type CLI struct {
	exec   executor.Executor
	logger zerolog.Logger
}

var (
	_ ModuleManager   = (*CLI)(nil)
	_ SettingsManager = (*CLI)(nil)
	_ RDMAManager     = (*CLI)(nil)
)

// NewCLI creates an esxcli wrapper running through exec.
func NewCLI(logger zerolog.Logger, exec executor.Executor) *CLI {
	return &CLI{exec: exec, logger: logger}
}

func (c *CLI) run(ctx context.Context, format string, args ...any) (string, error) {
	cmd := "esxcli " + fmt.Sprintf(format, args...)
	result, err := executor.RunChecked(ctx, c.exec, cmd)
	if err != nil {
		return "", err
	}
	return result.Transcript, nil
}

// Modules parses `esxcli system module list`.
func (c *CLI) Modules(ctx context.Context) ([]models.KernelModule, error) {
	out, err := c.run(ctx, "system module list")
	if err != nil {
		return nil, err
	}

	var modules []models.KernelModule
	for _, fields := range tableRows(out) {
		if len(fields) < 3 {
			continue
		}
		modules = append(modules, models.KernelModule{
			Name:    fields[0],
			Loaded:  strings.EqualFold(fields[1], "true"),
			Enabled: strings.EqualFold(fields[2], "true"),
		})
	}
	return modules, nil
}

// Load loads module.
func (c *CLI) Load(ctx context.Context, module string) error {
	_, err := c.run(ctx, "system module load -m %s", executor.Quote(module))
	return err
}

// SetParameters replaces the parameter string of module.
func (c *CLI) SetParameters(ctx context.Context, module, params string) error {
	_, err := c.run(ctx, "system module parameters set -m %s -p %s", executor.Quote(module), executor.Quote(params))
	return err
}

// Parameters returns the raw parameter listing of module.
func (c *CLI) Parameters(ctx context.Context, module string) (string, error) {
	return c.run(ctx, "system module parameters list -m %s", executor.Quote(module))
}

// SetAdvanced sets an integer advanced option.
func (c *CLI) SetAdvanced(ctx context.Context, option string, value int) error {
	_, err := c.run(ctx, "system settings advanced set -o %s -i %d", executor.Quote(option), value)
	return err
}

// Advanced returns the raw listing of an advanced option.
func (c *CLI) Advanced(ctx context.Context, option string) (string, error) {
	return c.run(ctx, "system settings advanced list -o %s", executor.Quote(option))
}

// RDMADevices parses `esxcli rdma device list`.
func (c *CLI) RDMADevices(ctx context.Context) ([]string, error) {
	out, err := c.run(ctx, "rdma device list")
	if err != nil {
		return nil, err
	}

	var devices []string
	for _, fields := range tableRows(out) {
		devices = append(devices, fields[0])
	}
	return devices, nil
}

// AddISER creates an iSER adapter bound to device.
func (c *CLI) AddISER(ctx context.Context, device string) error {
	_, err := c.run(ctx, "rdma iser add -d %s", executor.Quote(device))
	return err
}

// RemoveISER deletes the iSER adapter bound to device.
func (c *CLI) RemoveISER(ctx context.Context, device string) error {
	_, err := c.run(ctx, "rdma iser delete -d %s", executor.Quote(device))
	return err
}

// ISCSIAdapters parses `esxcli iscsi adapter list`.
func (c *CLI) ISCSIAdapters(ctx context.Context) ([]models.ISCSIAdapter, error) {
	out, err := c.run(ctx, "iscsi adapter list")
	if err != nil {
		return nil, err
	}

	var adapters []models.ISCSIAdapter
	for _, fields := range tableRows(out) {
		a := models.ISCSIAdapter{Name: fields[0]}
		if len(fields) > 1 {
			a.Driver = fields[1]
		}
		adapters = append(adapters, a)
	}
	return adapters, nil
}

// SetAdapterParam sets an iSCSI adapter parameter.
func (c *CLI) SetAdapterParam(ctx context.Context, adapter, key string, value int) error {
	_, err := c.run(ctx, "iscsi adapter param set -A %s -k %s -v %d", executor.Quote(adapter), executor.Quote(key), value)
	return err
}

// AddSendTarget adds a dynamic discovery address to adapter.
func (c *CLI) AddSendTarget(ctx context.Context, adapter, address string) error {
	_, err := c.run(ctx, "iscsi adapter discovery sendtarget add -a %s -A %s", executor.Quote(address), executor.Quote(adapter))
	return err
}

// tableRows splits esxcli table output into fields, skipping the header and rule lines.
func tableRows(out string) [][]string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) <= 2 {
		return nil
	}

	rows := make([][]string, 0, len(lines)-2)
	for _, line := range lines[2:] {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		rows = append(rows, fields)
	}
	return rows
}
