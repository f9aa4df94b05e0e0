// Package reboot issues a host reboot and optionally waits for it to return.
package reboot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/CTMS/AutoSanVanilla/internal/models"
	"github.com/CTMS/AutoSanVanilla/internal/services/executor"
	"github.com/CTMS/AutoSanVanilla/internal/services/interactive"
	"github.com/CTMS/AutoSanVanilla/internal/services/probe"
	"github.com/rs/zerolog"
)

// ErrHostDidNotReturn means the wait timed out; the host is in an unknown state.
var ErrHostDidNotReturn = errors.New("host did not come back online")

// ErrRebootRejected means the reboot command exited non-zero with the channel still up.
var ErrRebootRejected = errors.New("reboot command rejected")

// Session is a remote session the orchestrator can run commands on and close.
type Session interface {
	executor.Executor
	Close() error
}

// Connector opens a replacement session once the host is back.
type Connector[S Session] interface {
	Connect(ctx context.Context, target models.Target) (S, error)
}

// Waiter polls for liveness, reporting each failed attempt.
type Waiter interface {
	WaitWithProgress(ctx context.Context, host string, timeout time.Duration, progress probe.ProgressFunc) models.ProbeResult
}

// Notifier receives operator-facing progress lines.
type Notifier interface {
	Printf(format string, args ...any)
}

// Orchestrator drives the reboot sequence.
type Orchestrator[S Session] struct {
	settings  models.RebootSettings
	local     executor.Executor
	connector Connector[S]
	waiter    Waiter
	notify    Notifier
	sleep     func(ctx context.Context, d time.Duration) error
	logger    zerolog.Logger
}

// New creates an orchestrator. local runs the reboot for local targets.
func New[S Session](
	logger zerolog.Logger,
	settings models.RebootSettings,
	local executor.Executor,
	connector Connector[S],
	waiter Waiter,
	notify Notifier,
) *Orchestrator[S] {
	return &Orchestrator[S]{
		settings:  settings,
		local:     local,
		connector: connector,
		waiter:    waiter,
		notify:    notify,
		sleep:     sleepContext,
		logger:    logger,
	}
}

// Reboot issues the reboot for target. For remote targets session is closed once the
// command has been submitted. With waitForReturn the host is polled until it answers,
// and remote targets get a fresh session from the connector.
//
// The returned session is the zero value unless a replacement was opened, or the
// reboot was rejected and session is still usable.
func (o *Orchestrator[S]) Reboot(ctx context.Context, target models.Target, session S, waitForReturn bool) (S, *models.RebootResult, error) {
	var none S
	result := &models.RebootResult{}

	run := o.local
	cmd := models.Command{Text: o.settings.LocalCommand}
	if target.IsRemote() {
		run = session
		cmd = models.Command{Text: o.settings.RemoteCommand, Interactive: true}
	}

	o.logger.Info().
		Str("host", target.Host).
		Str("mode", string(target.Mode)).
		Str("command", cmd.Text).
		Msg("issuing reboot")
	o.notify.Printf("Rebooting the host...")

	out, err := run.Run(ctx, cmd)
	if out != nil {
		result.Output = out.Transcript
	}

	if err == nil && out != nil && !out.Disconnected && out.ExitCode != 0 {
		result.Error = fmt.Errorf("%w: exit=%d: %s", ErrRebootRejected, out.ExitCode, out.Transcript)
		o.logger.Error().Int("exit_code", out.ExitCode).Msg("reboot command was rejected")
		if target.IsRemote() {
			return session, result, result.Error
		}
		return none, result, result.Error
	}

	if target.IsRemote() {
		if cerr := session.Close(); cerr != nil {
			o.logger.Debug().Err(cerr).Msg("closing session after reboot")
		}
	}

	if err != nil {
		if errors.Is(err, interactive.ErrSessionInterrupted) {
			o.logger.Warn().Msg("reboot interrupted, host state unknown")
		}
		result.Error = fmt.Errorf("failed to issue reboot: %w", err)
		return none, result, result.Error
	}
	result.Issued = true

	if !waitForReturn {
		o.logger.Info().Msg("not waiting for host to return")
		return none, result, nil
	}
	if !target.IsRemote() {
		// The local machine is going down with this process.
		return none, result, nil
	}

	result.Waited = true
	o.notify.Printf("Waiting for %s to come back online...", target.Host)
	if o.settings.InitialDelay > 0 {
		if err := o.sleep(ctx, o.settings.InitialDelay); err != nil {
			result.Error = err
			return none, result, err
		}
	}

	status := o.waiter.WaitWithProgress(ctx, target.Host, o.settings.WaitTimeout, func(attempt int, elapsed time.Duration) {
		o.notify.Printf("Host is still offline (attempt %d, %s elapsed), checking again...", attempt, elapsed.Round(time.Second))
	})
	result.WaitDuration = status.Elapsed
	if !status.Online {
		if ctx.Err() != nil {
			result.Error = ctx.Err()
			return none, result, result.Error
		}
		result.Error = fmt.Errorf("%w: %s after %s", ErrHostDidNotReturn, target.Host, status.Elapsed.Round(time.Second))
		o.notify.Printf("The host %s did not come back within %s; its state is unknown.", target.Host, o.settings.WaitTimeout)
		return none, result, result.Error
	}
	result.HostReturned = true
	o.notify.Printf("The host %s is now online!", target.Host)

	o.notify.Printf("Reconnecting to %s...", target.Host)
	replacement, err := o.connector.Connect(ctx, target)
	if err != nil {
		result.Error = fmt.Errorf("failed to reconnect: %w", err)
		return none, result, result.Error
	}
	result.Reconnected = true

	o.logger.Info().
		Str("host", target.Host).
		Dur("wait", result.WaitDuration).
		Msg("host rebooted and session re-established")
	return replacement, result, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
