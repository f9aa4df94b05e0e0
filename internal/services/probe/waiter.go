package probe

import (
	"context"
	"time"

	"github.com/CTMS/AutoSanVanilla/internal/models"
	"github.com/rs/zerolog"
)

// ProgressFunc is called after every failed attempt.
type ProgressFunc func(attempt int, elapsed time.Duration)

// Waiter polls a Prober at a fixed interval.
type Waiter struct {
	prober   Prober
	interval time.Duration
	progress ProgressFunc
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	logger   zerolog.Logger
}

// NewWaiter creates a waiter polling prober every interval.
func NewWaiter(logger zerolog.Logger, prober Prober, interval time.Duration) *Waiter {
	return NewWaiterWithClock(logger, prober, interval, time.Now, sleepContext)
}

// NewWaiterWithClock creates a waiter with a custom clock (for testing).
func NewWaiterWithClock(
	logger zerolog.Logger,
	prober Prober,
	interval time.Duration,
	now func() time.Time,
	sleep func(ctx context.Context, d time.Duration) error,
) *Waiter {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Waiter{
		prober:   prober,
		interval: interval,
		now:      now,
		sleep:    sleep,
		logger:   logger,
	}
}

// WithProgress returns a copy of w that reports each failed attempt to fn.
func (w *Waiter) WithProgress(fn ProgressFunc) *Waiter {
	c := *w
	c.progress = fn
	return &c
}

// WaitUntilOnline reports whether host answered before timeout elapsed.
func (w *Waiter) WaitUntilOnline(ctx context.Context, host string, timeout time.Duration) bool {
	return w.Wait(ctx, host, timeout).Online
}

// Wait polls host until it answers, timeout elapses or ctx is done.
func (w *Waiter) Wait(ctx context.Context, host string, timeout time.Duration) models.ProbeResult {
	return w.WaitWithProgress(ctx, host, timeout, w.progress)
}

// WaitWithProgress is Wait reporting failed attempts to progress instead of the
// waiter's own callback. An attempt is only started if it begins before the
// deadline, so at most ceil(timeout/interval) probes are made.
func (w *Waiter) WaitWithProgress(ctx context.Context, host string, timeout time.Duration, progress ProgressFunc) models.ProbeResult {
	start := w.now()
	deadline := start.Add(timeout)
	result := models.ProbeResult{Host: host}

	if timeout <= 0 {
		result.CheckedAt = start
		return result
	}

	w.logger.Info().
		Str("host", host).
		Dur("timeout", timeout).
		Dur("interval", w.interval).
		Msg("waiting for host to come online")

	for {
		result.Attempts++
		online, err := w.prober.IsOnline(ctx, host)
		if err != nil {
			w.logger.Debug().Err(err).Str("host", host).Msg("probe error treated as offline")
		}

		result.CheckedAt = w.now()
		result.Elapsed = result.CheckedAt.Sub(start)
		if online && err == nil {
			result.Online = true
			w.logger.Info().
				Str("host", host).
				Int("attempts", result.Attempts).
				Dur("elapsed", result.Elapsed).
				Msg("host is online")
			return result
		}

		if progress != nil {
			progress(result.Attempts, result.Elapsed)
		}

		if ctx.Err() != nil || !result.CheckedAt.Add(w.interval).Before(deadline) {
			break
		}
		if err := w.sleep(ctx, w.interval); err != nil {
			break
		}
	}

	w.logger.Warn().
		Str("host", host).
		Int("attempts", result.Attempts).
		Dur("elapsed", result.Elapsed).
		Msg("host did not come online")
	return result
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
