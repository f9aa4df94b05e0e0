package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/CTMS/AutoSanVanilla/internal/console"
	"github.com/CTMS/AutoSanVanilla/internal/models"
	"github.com/CTMS/AutoSanVanilla/internal/services/esxi"
	"github.com/CTMS/AutoSanVanilla/internal/services/executor"
	"github.com/CTMS/AutoSanVanilla/internal/services/interactive"
	"github.com/CTMS/AutoSanVanilla/internal/services/iser"
	"github.com/CTMS/AutoSanVanilla/internal/services/mlx"
	"github.com/CTMS/AutoSanVanilla/internal/services/probe"
	"github.com/CTMS/AutoSanVanilla/internal/services/reboot"
	"github.com/CTMS/AutoSanVanilla/internal/services/runner"
	"github.com/CTMS/AutoSanVanilla/internal/services/ssh"
	"github.com/CTMS/AutoSanVanilla/internal/services/tasks"
	"github.com/CTMS/AutoSanVanilla/internal/services/truenas"
	"github.com/CTMS/AutoSanVanilla/internal/services/wol"
	"github.com/CTMS/AutoSanVanilla/internal/services/zfs"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// app holds the collaborators shared by every command.
type app struct {
	cfg      *models.AppConfig
	console  *console.Console
	local    *executor.Local
	prober   probe.Prober
	waiter   *probe.Waiter
	sessions *ssh.Manager
	rebooter *reboot.Orchestrator[*ssh.Session]
	logger   zerolog.Logger
}

func newApp(cfg *models.AppConfig, con *console.Console) (*app, error) {
	logger := log.Logger

	driver := interactive.New(logger.With().Str("component", "interactive").Logger(), con, con.Writer())
	driver.SetPromptSuffixes(cfg.Remote.PromptSuffixes)

	local := executor.NewLocal(logger.With().Str("component", "local").Logger(), driver)

	prober, err := probe.NewFromConfig(logger, cfg.Probe, local)
	if err != nil {
		return nil, err
	}
	waiter := probe.NewWaiter(logger, prober, cfg.Probe.PollInterval)

	sessions := ssh.New(logger.With().Str("component", "ssh").Logger(), cfg.Remote, prober, driver, con)
	rebooter := reboot.New[*ssh.Session](
		logger.With().Str("component", "reboot").Logger(),
		cfg.Reboot,
		local,
		sessions,
		waiter,
		con,
	)

	return &app{
		cfg:      cfg,
		console:  con,
		local:    local,
		prober:   prober,
		waiter:   waiter,
		sessions: sessions,
		rebooter: rebooter,
		logger:   logger,
	}, nil
}

// services builds the menu collaborators. Executor-bound ones are created per call so
// they follow the session across reconnects.
func (a *app) services() runner.Services {
	logger := a.logger
	cfg := a.cfg

	svc := runner.Services{
		Firmware: func(exec executor.Executor) runner.Firmware {
			return mlx.New(logger, mlx.NewTool(logger, exec, cfg.MLX))
		},
		ESXi: func(exec executor.Executor) runner.ESXi {
			return esxi.NewForExecutor(logger, exec)
		},
		Volumes: func(exec executor.Executor) runner.Volumes {
			return zfs.New(logger, zfs.NewCLI(exec))
		},
		ISER:  iser.New(logger),
		Tasks: tasks.New(logger),
		Waker: wol.New(logger.With().Str("component", "wol").Logger(), a.waiter),
	}
	if cfg.TrueNAS != nil {
		svc.Storage = truenas.New(logger, truenas.NewClient(logger, *cfg.TrueNAS))
	}
	return svc
}

// connect opens the session for a remote target. Local targets get a nil session.
func (a *app) connect(ctx context.Context) (*ssh.Session, error) {
	if !a.cfg.Target.IsRemote() {
		return nil, nil
	}
	session, err := a.sessions.Connect(ctx, a.cfg.Target)
	if err != nil {
		log.Error().Err(err).Str("host", a.cfg.Target.Host).Msg("failed to connect")
		return nil, err
	}
	a.console.Printf("Connected to %s (interpreter %s).", a.cfg.Target.Host, session.Interpreter())
	return session, nil
}

// interrupter routes SIGINT to the running menu operation, if there is one.
type interrupter struct {
	mu      sync.Mutex
	current context.CancelFunc
}

// operationContext is a runner.OperationContext cancelled by the next SIGINT.
func (i *interrupter) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	opCtx, cancel := context.WithCancel(ctx)
	i.mu.Lock()
	i.current = cancel
	i.mu.Unlock()

	return opCtx, func() {
		i.mu.Lock()
		i.current = nil
		i.mu.Unlock()
		cancel()
	}
}

// interrupt cancels the running operation and reports whether there was one.
func (i *interrupter) interrupt() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.current == nil {
		return false
	}
	i.current()
	i.current = nil
	return true
}

// signalContext is cancelled on SIGTERM, and on SIGINT unless the returned interrupter
// has an operation running, in which case only that operation is cancelled.
func signalContext() (context.Context, context.CancelFunc, *interrupter) {
	ctx, cancel := context.WithCancel(context.Background())
	intr := &interrupter{}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		for {
			select {
			case sig := <-sigChan:
				if sig == syscall.SIGINT && intr.interrupt() {
					log.Warn().Msg("operation interrupted, returning to menu")
					continue
				}
				log.Warn().Str("signal", sig.String()).Msg("received signal, shutting down")
				cancel()
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return ctx, cancel, intr
}
