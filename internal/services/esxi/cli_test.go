package esxi

import (
	"context"
	"io"
	"testing"

	"github.com/CTMS/AutoSanVanilla/internal/models"
	"github.com/CTMS/AutoSanVanilla/internal/services/executor"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

// scriptedExecutor answers commands from a table and records what ran.
type scriptedExecutor struct {
	outputs map[string]*models.CommandResult
	ran     []string
}

func (s *scriptedExecutor) Run(_ context.Context, cmd models.Command) (*models.CommandResult, error) {
	s.ran = append(s.ran, cmd.Text)
	if r, ok := s.outputs[cmd.Text]; ok {
		return r, nil
	}
	return &models.CommandResult{}, nil
}

var _ executor.Executor = (*scriptedExecutor)(nil)

const moduleList = `Name                 Is Loaded  Is Enabled
-------------------  ---------  ----------
vmkernel             true       true
nmlx5_core           true       true
iser                 false      false
`

const adapterList = `Adapter  Driver     State   UID            Description
-------  ---------  ------  -------------  -----------
vmhba64  iser       online  iqn.1998-01    VMware iSCSI over RDMA (iSER) Adapter
vmhba65  iscsi_vmk  online  iqn.1998-02    iSCSI Software Adapter
`

const rdmaList = `Name     Driver      Link State  MTU   Speed     Paired Uplink  Description
-------  ----------  ----------  ----  --------  -------------  -----------
vmrdma0  nmlx5_rdma  Active      4096  100 Gbps  vmnic4         MT28800 Family [ConnectX-5 Ex]
vmrdma1  nmlx5_rdma  Active      4096  100 Gbps  vmnic5         MT28800 Family [ConnectX-5 Ex]
`

func TestCLI_Modules(t *testing.T) {
	exec := &scriptedExecutor{outputs: map[string]*models.CommandResult{
		"esxcli system module list": {Transcript: moduleList},
	}}
	cli := NewCLI(testLogger(), exec)

	modules, err := cli.Modules(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []models.KernelModule{
		{Name: "vmkernel", Loaded: true, Enabled: true},
		{Name: "nmlx5_core", Loaded: true, Enabled: true},
		{Name: "iser", Loaded: false, Enabled: false},
	}, modules)
}

func TestCLI_ISCSIAdapters(t *testing.T) {
	exec := &scriptedExecutor{outputs: map[string]*models.CommandResult{
		"esxcli iscsi adapter list": {Transcript: adapterList},
	}}
	cli := NewCLI(testLogger(), exec)

	adapters, err := cli.ISCSIAdapters(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []models.ISCSIAdapter{
		{Name: "vmhba64", Driver: "iser"},
		{Name: "vmhba65", Driver: "iscsi_vmk"},
	}, adapters)
}

func TestCLI_RDMADevicesSkipsHeader(t *testing.T) {
	exec := &scriptedExecutor{outputs: map[string]*models.CommandResult{
		"esxcli rdma device list": {Transcript: rdmaList},
	}}
	cli := NewCLI(testLogger(), exec)

	devices, err := cli.RDMADevices(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []string{"vmrdma0", "vmrdma1"}, devices)
}

func TestCLI_EmptyTable(t *testing.T) {
	exec := &scriptedExecutor{outputs: map[string]*models.CommandResult{
		"esxcli rdma device list": {Transcript: "Name  Driver\n----  ------\n"},
	}}
	cli := NewCLI(testLogger(), exec)

	devices, err := cli.RDMADevices(context.Background())

	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestCLI_CommandLines(t *testing.T) {
	exec := &scriptedExecutor{}
	cli := NewCLI(testLogger(), exec)
	ctx := context.Background()

	require.NoError(t, cli.Load(ctx, "vrdma"))
	require.NoError(t, cli.SetParameters(ctx, "iser", "iser_LunQDepth=512"))
	require.NoError(t, cli.SetParameters(ctx, "nmlx5_core", "max_vfs=16 RSS=32"))
	require.NoError(t, cli.SetAdvanced(ctx, "/ISCSI/SocketRcvBufLenKB", 2048))
	require.NoError(t, cli.AddISER(ctx, "vmrdma0"))
	require.NoError(t, cli.RemoveISER(ctx, "vmrdma0"))
	require.NoError(t, cli.SetAdapterParam(ctx, "vmhba64", "MaxBurstLength", 1048576))
	require.NoError(t, cli.AddSendTarget(ctx, "vmhba64", "10.10.10.2:3260"))

	assert.Equal(t, []string{
		"esxcli system module load -m vrdma",
		"esxcli system module parameters set -m iser -p iser_LunQDepth=512",
		"esxcli system module parameters set -m nmlx5_core -p 'max_vfs=16 RSS=32'",
		"esxcli system settings advanced set -o /ISCSI/SocketRcvBufLenKB -i 2048",
		"esxcli rdma iser add -d vmrdma0",
		"esxcli rdma iser delete -d vmrdma0",
		"esxcli iscsi adapter param set -A vmhba64 -k MaxBurstLength -v 1048576",
		"esxcli iscsi adapter discovery sendtarget add -a 10.10.10.2:3260 -A vmhba64",
	}, exec.ran)
}

func TestCLI_NonZeroExitIsError(t *testing.T) {
	exec := &scriptedExecutor{outputs: map[string]*models.CommandResult{
		"esxcli system module load -m bogus": {ExitCode: 1, Stderr: "Unable to load module"},
	}}
	cli := NewCLI(testLogger(), exec)

	err := cli.Load(context.Background(), "bogus")

	var exitErr *executor.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Contains(t, err.Error(), "Unable to load module")
}
