// Package runner drives the operator menu and dispatches each entry to its service.
package runner

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/CTMS/AutoSanVanilla/internal/console"
	"github.com/CTMS/AutoSanVanilla/internal/models"
	"github.com/CTMS/AutoSanVanilla/internal/services/executor"
	"github.com/CTMS/AutoSanVanilla/internal/services/interactive"
	"github.com/rs/zerolog"
)

// ErrRemoteOnly is returned when a remote-only entry is chosen for a local target.
var ErrRemoteOnly = errors.New("this operation is only available for remote connections")

// ErrNotConfigured is returned when an entry needs a config section that is absent.
var ErrNotConfigured = errors.New("not configured")

// Session is the remote session the menu owns.
type Session interface {
	executor.Executor
	Close() error
	Interpreter() string
}

// Console is the operator surface.
type Console interface {
	ReadLine(ctx context.Context, prompt string) (string, error)
	Confirm(ctx context.Context, question string) (bool, error)
	Choose(ctx context.Context, title string, options []string) (int, error)
	Select(ctx context.Context, title string, items []console.MenuItem) (string, error)
	Printf(format string, args ...any)
	Warnf(format string, args ...any)
	Header(title string)
}

// Connector opens a session to a remote target.
type Connector[S Session] interface {
	Connect(ctx context.Context, target models.Target) (S, error)
	Upload(s S) (*models.UploadResult, error)
}

// Rebooter reboots the target and optionally hands back a replacement session.
type Rebooter[S Session] interface {
	Reboot(ctx context.Context, target models.Target, session S, waitForReturn bool) (S, *models.RebootResult, error)
}

// Menu is the interactive workflow driver for one target.
type Menu[S Session] struct {
	cfg       models.AppConfig
	target    models.Target
	console   Console
	local     executor.Executor
	connector Connector[S]
	rebooter  Rebooter[S]
	services  Services
	logger    zerolog.Logger

	session   S
	connected bool
	opContext OperationContext
}

// OperationContext derives the context a single menu operation runs under. Cancelling
// it abandons that operation only; the menu keeps running on the parent.
type OperationContext func(ctx context.Context) (context.Context, context.CancelFunc)

// New creates a menu for cfg.Target.
func New[S Session](
	logger zerolog.Logger,
	cfg models.AppConfig,
	con Console,
	local executor.Executor,
	connector Connector[S],
	rebooter Rebooter[S],
	services Services,
) *Menu[S] {
	return &Menu[S]{
		cfg:       cfg,
		target:    cfg.Target,
		console:   con,
		local:     local,
		connector: connector,
		rebooter:  rebooter,
		services:  services,
		logger:    logger,
	}
}

// Attach hands an established session to the menu, which becomes responsible for closing it.
func (m *Menu[S]) Attach(session S) {
	m.session = session
	m.connected = true
}

// SetOperationContext installs fn, typically one cancelled by an operator interrupt.
func (m *Menu[S]) SetOperationContext(fn OperationContext) {
	m.opContext = fn
}

func (m *Menu[S]) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.opContext == nil {
		return context.WithCancel(ctx)
	}
	return m.opContext(ctx)
}

// Connected reports whether the menu holds a live session.
func (m *Menu[S]) Connected() bool {
	return m.connected
}

// Close closes the owned session, if any.
func (m *Menu[S]) Close() error {
	if !m.connected {
		return nil
	}
	m.connected = false
	var none S
	s := m.session
	m.session = none
	return s.Close()
}

type operation[S Session] struct {
	key        string
	label      string
	remoteOnly bool
	run        func(m *Menu[S], ctx context.Context) error
}

func operations[S Session]() []operation[S] {
	return []operation[S]{
		{key: "1", label: "Configure NIC firmware", run: (*Menu[S]).configureFirmware},
		{key: "2", label: "Upload dependent files to remote host", remoteOnly: true, run: (*Menu[S]).upload},
		{key: "3", label: "Optimize ESXi", run: (*Menu[S]).optimize},
		{key: "4", label: "Configure RDMA/iSER", run: (*Menu[S]).configureRDMA},
		{key: "5", label: "Add iSCSI discovery addresses", run: (*Menu[S]).addDiscovery},
		{key: "6", label: "Provision ZFS volumes", run: (*Menu[S]).provisionVolumes},
		{key: "7", label: "Create TrueNAS iSCSI targets", run: (*Menu[S]).provisionTargets},
		{key: "8", label: "Enable iSER on TrueNAS", run: (*Menu[S]).enableISER},
		{key: "9", label: "Run task script", run: (*Menu[S]).runTask},
		{key: "10", label: "Reboot host", run: (*Menu[S]).rebootPrompt},
		{key: "11", label: "Wake host", run: (*Menu[S]).wake},
	}
}

// ExitKey leaves the menu.
const ExitKey = "0"

// Run shows the menu until the operator exits, input ends or ctx is cancelled.
// Operation failures are reported and the menu continues.
func (m *Menu[S]) Run(ctx context.Context) error {
	ops := operations[S]()
	items := make([]console.MenuItem, 0, len(ops)+1)
	for _, op := range ops {
		items = append(items, console.MenuItem{Key: op.key, Label: op.label})
	}
	items = append(items, console.MenuItem{Key: ExitKey, Label: "Exit"})

	for {
		key, err := m.console.Select(ctx, "Available Operations", items)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to read menu choice: %w", err)
		}
		if key == ExitKey {
			m.console.Printf("Exiting.")
			return nil
		}

		opCtx, stop := m.operationContext(ctx)
		err = m.Dispatch(opCtx, key)
		stop()
		if err != nil {
			m.report(key, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// Dispatch runs the operation registered under key.
func (m *Menu[S]) Dispatch(ctx context.Context, key string) error {
	for _, op := range operations[S]() {
		if op.key != key {
			continue
		}
		if op.remoteOnly && !m.target.IsRemote() {
			return ErrRemoteOnly
		}
		m.logger.Info().Str("operation", op.label).Msg("starting operation")
		return op.run(m, ctx)
	}
	return fmt.Errorf("unknown operation %q", key)
}

func (m *Menu[S]) report(key string, err error) {
	label := key
	for _, op := range operations[S]() {
		if op.key == key {
			label = op.label
		}
	}
	switch {
	case errors.Is(err, ErrRemoteOnly):
		m.console.Warnf("This operation is only available for remote connections.")
	case errors.Is(err, interactive.ErrSessionInterrupted), errors.Is(err, context.Canceled):
		m.logger.Warn().Str("operation", label).Msg("operation interrupted")
		m.console.Warnf("%s was interrupted.", label)
	default:
		m.logger.Error().Err(err).Str("operation", label).Msg("operation failed")
		m.console.Warnf("Error during %s: %v", strings.ToLower(label), err)
	}
}

// exec returns the executor for the target, reconnecting a remote target if the
// previous session was given up.
func (m *Menu[S]) exec(ctx context.Context) (executor.Executor, error) {
	if !m.target.IsRemote() {
		return m.local, nil
	}
	if err := m.ensureSession(ctx); err != nil {
		return nil, err
	}
	return m.session, nil
}

func (m *Menu[S]) ensureSession(ctx context.Context) error {
	if m.connected {
		return nil
	}
	m.console.Printf("Connecting to %s...", m.target.Host)
	s, err := m.connector.Connect(ctx, m.target)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", m.target.Host, err)
	}
	m.Attach(s)
	return nil
}

func (m *Menu[S]) interpreter() string {
	if m.target.IsRemote() && m.connected {
		return m.session.Interpreter()
	}
	if m.cfg.Remote.DefaultInterpreter != "" {
		return m.cfg.Remote.DefaultInterpreter
	}
	return "python3"
}

func (m *Menu[S]) scriptDir() string {
	if m.target.IsRemote() {
		return m.cfg.Remote.ScriptDir
	}
	return m.cfg.Remote.LocalDir
}

// offerReboot asks whether to reboot now and reboots on yes.
func (m *Menu[S]) offerReboot(ctx context.Context, question string) error {
	ok, err := m.console.Confirm(ctx, question)
	if err != nil || !ok {
		return err
	}
	return m.rebootPrompt(ctx)
}

// readInt asks for an integer in [min, max], returning def on an empty answer.
func (m *Menu[S]) readInt(ctx context.Context, name string, lo, hi, def int) (int, error) {
	for {
		answer, err := m.console.ReadLine(ctx, fmt.Sprintf("Enter value for %s (%d-%d) [%d]: ", name, lo, hi, def))
		if err != nil {
			return 0, err
		}
		answer = strings.TrimSpace(answer)
		if answer == "" {
			return def, nil
		}
		v, err := strconv.Atoi(answer)
		if err == nil && v >= lo && v <= hi {
			return v, nil
		}
		m.console.Warnf("Invalid value for %s. Please enter a number between %d and %d.", name, lo, hi)
	}
}
