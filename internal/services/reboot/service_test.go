package reboot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/CTMS/AutoSanVanilla/internal/models"
	"github.com/CTMS/AutoSanVanilla/internal/services/executor"
	"github.com/CTMS/AutoSanVanilla/internal/services/probe"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSession struct {
	name       string
	runFunc    func(ctx context.Context, cmd models.Command) (*models.CommandResult, error)
	commands   []models.Command
	closeCalls int
}

func (m *mockSession) Run(ctx context.Context, cmd models.Command) (*models.CommandResult, error) {
	m.commands = append(m.commands, cmd)
	if m.runFunc != nil {
		return m.runFunc(ctx, cmd)
	}
	return &models.CommandResult{Disconnected: true}, nil
}

func (m *mockSession) Close() error {
	m.closeCalls++
	return nil
}

type mockConnector struct {
	connectFunc func(ctx context.Context, target models.Target) (*mockSession, error)
	calls       int
}

func (m *mockConnector) Connect(ctx context.Context, target models.Target) (*mockSession, error) {
	m.calls++
	if m.connectFunc != nil {
		return m.connectFunc(ctx, target)
	}
	return &mockSession{name: "replacement"}, nil
}

type mockProber struct {
	online bool
	calls  int
}

func (m *mockProber) IsOnline(context.Context, string) (bool, error) {
	m.calls++
	return m.online, nil
}

type recordingNotifier struct {
	lines []string
}

func (r *recordingNotifier) Printf(format string, args ...any) {
	r.lines = append(r.lines, fmt.Sprintf(format, args...))
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) sleep(_ context.Context, d time.Duration) error {
	c.t = c.t.Add(d)
	return nil
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func testSettings() models.RebootSettings {
	return models.RebootSettings{
		LocalCommand:  "sudo reboot",
		RemoteCommand: "reboot",
		WaitTimeout:   time.Minute,
		InitialDelay:  10 * time.Second,
	}
}

func remoteTarget() models.Target {
	return models.Target{
		Mode:        models.ModeRemote,
		Host:        "esxi01",
		Credentials: &models.Credentials{Username: "root", Password: "x"},
	}
}

type fixture struct {
	orch      *Orchestrator[*mockSession]
	local     []models.Command
	connector *mockConnector
	prober    *mockProber
	notifier  *recordingNotifier
	slept     []time.Duration
}

func newFixture(online bool) *fixture {
	f := &fixture{
		connector: &mockConnector{},
		prober:    &mockProber{online: online},
		notifier:  &recordingNotifier{},
	}
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	waiter := probe.NewWaiterWithClock(testLogger(), f.prober, 10*time.Second, clock.now, clock.sleep)
	local := executor.Func(func(ctx context.Context, cmd models.Command) (*models.CommandResult, error) {
		f.local = append(f.local, cmd)
		return &models.CommandResult{}, nil
	})

	f.orch = New[*mockSession](testLogger(), testSettings(), local, f.connector, waiter, f.notifier)
	f.orch.sleep = func(_ context.Context, d time.Duration) error {
		f.slept = append(f.slept, d)
		return nil
	}
	return f
}

func TestReboot_RemoteWaitReconnects(t *testing.T) {
	f := newFixture(true)
	old := &mockSession{name: "old"}

	replacement, result, err := f.orch.Reboot(context.Background(), remoteTarget(), old, true)

	require.NoError(t, err)
	assert.Equal(t, 1, old.closeCalls)
	assert.Equal(t, 1, f.connector.calls)
	require.NotNil(t, replacement)
	assert.Equal(t, "replacement", replacement.name)
	assert.Equal(t, 1, f.prober.calls)
	assert.True(t, result.Issued)
	assert.True(t, result.HostReturned)
	assert.True(t, result.Reconnected)
	assert.Equal(t, []time.Duration{10 * time.Second}, f.slept)

	require.Len(t, old.commands, 1)
	assert.Equal(t, "reboot", old.commands[0].Text)
	assert.True(t, old.commands[0].Interactive)
	assert.Empty(t, f.local)
}

func TestReboot_RemoteNoWait(t *testing.T) {
	f := newFixture(true)
	old := &mockSession{}

	replacement, result, err := f.orch.Reboot(context.Background(), remoteTarget(), old, false)

	require.NoError(t, err)
	assert.Nil(t, replacement)
	assert.Equal(t, 1, old.closeCalls)
	assert.Equal(t, 0, f.prober.calls)
	assert.Equal(t, 0, f.connector.calls)
	assert.True(t, result.Issued)
	assert.False(t, result.Waited)
}

func TestReboot_HostNeverReturns(t *testing.T) {
	f := newFixture(false)
	old := &mockSession{}

	replacement, result, err := f.orch.Reboot(context.Background(), remoteTarget(), old, true)

	assert.Nil(t, replacement)
	assert.ErrorIs(t, err, ErrHostDidNotReturn)
	assert.ErrorIs(t, result.Error, ErrHostDidNotReturn)
	assert.Equal(t, 0, f.connector.calls)
	assert.LessOrEqual(t, f.prober.calls, 6)
	assert.False(t, result.HostReturned)

	offline := 0
	for _, line := range f.notifier.lines {
		if strings.HasPrefix(line, "Host is still offline") {
			offline++
		}
	}
	assert.Equal(t, f.prober.calls, offline)
}

func TestReboot_ReconnectFailure(t *testing.T) {
	f := newFixture(true)
	f.connector.connectFunc = func(context.Context, models.Target) (*mockSession, error) {
		return nil, errors.New("authentication failed")
	}

	replacement, result, err := f.orch.Reboot(context.Background(), remoteTarget(), &mockSession{}, true)

	assert.Nil(t, replacement)
	assert.Error(t, err)
	assert.True(t, result.HostReturned)
	assert.False(t, result.Reconnected)
}

func TestReboot_RejectedKeepsSession(t *testing.T) {
	f := newFixture(true)
	old := &mockSession{
		runFunc: func(context.Context, models.Command) (*models.CommandResult, error) {
			return &models.CommandResult{ExitCode: 1, Transcript: "Operation not permitted"}, nil
		},
	}

	returned, result, err := f.orch.Reboot(context.Background(), remoteTarget(), old, true)

	assert.ErrorIs(t, err, ErrRebootRejected)
	assert.Same(t, old, returned)
	assert.Equal(t, 0, old.closeCalls)
	assert.False(t, result.Issued)
	assert.Equal(t, 0, f.prober.calls)
}

func TestReboot_IssueFailureDiscardsSession(t *testing.T) {
	f := newFixture(true)
	old := &mockSession{
		runFunc: func(context.Context, models.Command) (*models.CommandResult, error) {
			return nil, executor.ErrSessionUnavailable
		},
	}

	returned, _, err := f.orch.Reboot(context.Background(), remoteTarget(), old, true)

	assert.ErrorIs(t, err, executor.ErrSessionUnavailable)
	assert.Nil(t, returned)
	assert.Equal(t, 1, old.closeCalls)
	assert.Equal(t, 1, len(old.commands))
	assert.Equal(t, 0, f.prober.calls)
}

func TestReboot_LocalUsesLocalExecutor(t *testing.T) {
	f := newFixture(true)

	returned, result, err := f.orch.Reboot(context.Background(), models.Target{Mode: models.ModeLocal}, nil, true)

	require.NoError(t, err)
	assert.Nil(t, returned)
	require.Len(t, f.local, 1)
	assert.Equal(t, "sudo reboot", f.local[0].Text)
	assert.False(t, f.local[0].Interactive)
	assert.True(t, result.Issued)
	assert.Equal(t, 0, f.connector.calls)
	assert.Equal(t, 0, f.prober.calls)
}
