package mlx

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/CTMS/AutoSanVanilla/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

type mockExecutor struct {
	outputs map[string]string
	fail    map[string]bool
	ran     []string
}

func (m *mockExecutor) Run(_ context.Context, cmd models.Command) (*models.CommandResult, error) {
	m.ran = append(m.ran, cmd.Text)
	if m.fail[cmd.Text] {
		return &models.CommandResult{ExitCode: 1, Stderr: "-E- failed"}, nil
	}
	return &models.CommandResult{Transcript: m.outputs[cmd.Text]}, nil
}

type mockConfigurator struct {
	devices  []string
	listings map[string]string
	queryErr map[string]error
	setErr   error
	set      map[string][]models.FirmwareSetting
}

func (m *mockConfigurator) Devices(context.Context) ([]string, error) {
	return m.devices, nil
}

func (m *mockConfigurator) Query(_ context.Context, device string) (string, error) {
	if err := m.queryErr[device]; err != nil {
		return "", err
	}
	return m.listings[device], nil
}

func (m *mockConfigurator) Set(_ context.Context, device string, settings []models.FirmwareSetting) error {
	if m.setErr != nil {
		return m.setErr
	}
	if m.set == nil {
		m.set = map[string][]models.FirmwareSetting{}
	}
	m.set[device] = settings
	return nil
}

const queryListing = `Device #1:
----------
Device type:    ConnectX5
Configurations:                              Next Boot
         SAFE_MODE_ENABLE                    False(0)
         NUM_OF_VFS                          8
         SRIOV_EN                            True(1)
         LINK_TYPE_P1                        ETH(2)
`

func required() []models.FirmwareSetting {
	return []models.FirmwareSetting{
		{Key: "SAFE_MODE_ENABLE", Value: "0"},
		{Key: "NUM_OF_VFS", Value: "16"},
		{Key: "SRIOV_EN", Value: "1"},
		{Key: "LINK_TYPE_P1", Value: "2"},
		{Key: "UEFI_HII_EN", Value: "1"},
	}
}

func TestCompare(t *testing.T) {
	states := Compare(queryListing, required())

	require.Len(t, states, 5)
	assert.True(t, states[0].Matches())
	assert.Equal(t, "False(0)", states[0].Current)
	assert.False(t, states[1].Matches())
	assert.Equal(t, "8", states[1].Current)
	assert.True(t, states[2].Matches())
	assert.True(t, states[3].Matches())
	assert.False(t, states[4].Found)
}

func TestConfigure_UpdatesMismatches(t *testing.T) {
	dev := &mockConfigurator{
		devices:  []string{"/dev/mst/mt4119_pciconf0"},
		listings: map[string]string{"/dev/mst/mt4119_pciconf0": queryListing},
	}
	svc := New(testLogger(), dev)

	result, err := svc.Configure(context.Background(), required())

	require.NoError(t, err)
	assert.True(t, result.RequiresReboot)
	require.Len(t, result.Devices, 1)
	assert.Equal(t, []string{"NUM_OF_VFS"}, result.Devices[0].Updated)
	assert.Equal(t, []models.FirmwareSetting{{Key: "NUM_OF_VFS", Value: "16"}}, dev.set["/dev/mst/mt4119_pciconf0"])
}

func TestConfigure_NothingToChange(t *testing.T) {
	dev := &mockConfigurator{
		devices:  []string{"d0"},
		listings: map[string]string{"d0": queryListing},
	}
	svc := New(testLogger(), dev)

	result, err := svc.Configure(context.Background(), []models.FirmwareSetting{{Key: "SRIOV_EN", Value: "1"}})

	require.NoError(t, err)
	assert.False(t, result.RequiresReboot)
	assert.Nil(t, dev.set)
}

func TestConfigure_PerDeviceErrors(t *testing.T) {
	dev := &mockConfigurator{
		devices:  []string{"d0", "d1"},
		listings: map[string]string{"d1": queryListing},
		queryErr: map[string]error{"d0": errors.New("no such device")},
		setErr:   errors.New("write protected"),
	}
	svc := New(testLogger(), dev)

	result, err := svc.Configure(context.Background(), required())

	require.NoError(t, err)
	require.Len(t, result.Devices, 2)
	assert.Error(t, result.Devices[0].Error)
	assert.Error(t, result.Devices[1].Error)
	assert.False(t, result.RequiresReboot)
}

func TestConfigure_NoDevices(t *testing.T) {
	svc := New(testLogger(), &mockConfigurator{})

	result, err := svc.Configure(context.Background(), required())

	require.NoError(t, err)
	assert.Empty(t, result.Devices)
}

func TestTool_MSTDevices(t *testing.T) {
	exec := &mockExecutor{outputs: map[string]string{
		"/opt/mellanox/bin/mst status": "MST modules:\n------------\n/dev/mst/mt4119_pciconf0   - PCI configuration cycles access.\n/dev/mst/mt4119_pciconf1   - PCI configuration cycles access.\n",
	}}
	tool := NewTool(testLogger(), exec, models.MLXConfig{})

	devices, err := tool.Devices(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []string{"/dev/mst/mt4119_pciconf0", "/dev/mst/mt4119_pciconf1"}, devices)
}

func TestTool_TrueNASDevices(t *testing.T) {
	exec := &mockExecutor{outputs: map[string]string{
		"lspci -v": "00:1f.0 ISA bridge: Intel Corporation\n41:00.0 Ethernet controller: Mellanox Technologies MT28800 Family [ConnectX-5 Ex]\n\tSubsystem: Mellanox Technologies Device 0008\n41:00.1 Ethernet controller: Mellanox Technologies MT28800 Family [ConnectX-5 Ex]\n",
	}}
	tool := NewTool(testLogger(), exec, models.MLXConfig{TrueNAS: true})

	devices, err := tool.Devices(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []string{"41:00.0", "41:00.1"}, devices)
}

func TestTool_QueryAndSetCommands(t *testing.T) {
	exec := &mockExecutor{}
	tool := NewTool(testLogger(), exec, models.MLXConfig{BinaryPath: "/opt/mft/bin"})
	ctx := context.Background()

	_, err := tool.Query(ctx, "/dev/mst/mt4119_pciconf0")
	require.NoError(t, err)
	require.NoError(t, tool.Set(ctx, "/dev/mst/mt4119_pciconf0", []models.FirmwareSetting{
		{Key: "NUM_OF_VFS", Value: "16"},
		{Key: "SRIOV_EN", Value: "1"},
	}))

	assert.Equal(t, []string{
		"/opt/mft/bin/mlxconfig -d /dev/mst/mt4119_pciconf0 q",
		"/opt/mft/bin/mlxconfig -d /dev/mst/mt4119_pciconf0 -y set NUM_OF_VFS=16 SRIOV_EN=1",
	}, exec.ran)
}

func TestTool_TrueNASQuery(t *testing.T) {
	exec := &mockExecutor{}
	tool := NewTool(testLogger(), exec, models.MLXConfig{TrueNAS: true})

	_, err := tool.Query(context.Background(), "41:00.0")

	require.NoError(t, err)
	assert.Equal(t, []string{"/usr/bin/mstconfig -d 41:00.0"}, exec.ran)
}

func TestTool_CommandFailure(t *testing.T) {
	exec := &mockExecutor{fail: map[string]bool{"/opt/mellanox/bin/mst status": true}}
	tool := NewTool(testLogger(), exec, models.MLXConfig{})

	_, err := tool.Devices(context.Background())

	assert.Error(t, err)
}

func TestConfigure_DefaultsWhenEmpty(t *testing.T) {
	dev := &mockConfigurator{
		devices:  []string{"d0"},
		listings: map[string]string{"d0": queryListing},
	}
	svc := New(testLogger(), dev)

	result, err := svc.Configure(context.Background(), nil)

	require.NoError(t, err)
	assert.Len(t, result.Devices[0].Settings, len(DefaultSettings()))
	assert.Equal(t, []string{"NUM_OF_VFS"}, result.Devices[0].Updated)
}
