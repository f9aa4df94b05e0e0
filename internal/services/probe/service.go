// Package probe checks whether a host is reachable and waits for it to come back.
package probe

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"runtime"
	"strconv"
	"time"

	"github.com/CTMS/AutoSanVanilla/internal/models"
	"github.com/CTMS/AutoSanVanilla/internal/services/executor"
	"github.com/rs/zerolog"
)

// Defaults used when the configuration leaves a value unset.
const (
	DefaultPort         = 22
	DefaultTimeout      = 5 * time.Second
	DefaultPollInterval = 10 * time.Second
)

// Prober performs a single bounded liveness check.
// An unreachable host is (false, nil); only exceptional conditions return an error.
type Prober interface {
	IsOnline(ctx context.Context, host string) (bool, error)
}

// ProbeError reports a probe that could not be carried out at all.
type ProbeError struct {
	Host string
	Err  error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("probe of %s failed: %v", e.Host, e.Err)
}

func (e *ProbeError) Unwrap() error {
	return e.Err
}

// Dialer opens network connections.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// TCPProber reports a host online when a TCP connection to port succeeds.
type TCPProber struct {
	dialer  Dialer
	port    int
	timeout time.Duration
	logger  zerolog.Logger
}

// NewTCP creates a TCP prober.
func NewTCP(logger zerolog.Logger, port int, timeout time.Duration) *TCPProber {
	return NewTCPWithDialer(logger, &net.Dialer{}, port, timeout)
}

// NewTCPWithDialer creates a TCP prober with a custom dialer (for testing).
func NewTCPWithDialer(logger zerolog.Logger, dialer Dialer, port int, timeout time.Duration) *TCPProber {
	if port == 0 {
		port = DefaultPort
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &TCPProber{
		dialer:  dialer,
		port:    port,
		timeout: timeout,
		logger:  logger,
	}
}

// IsOnline dials host once.
func (p *TCPProber) IsOnline(ctx context.Context, host string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	addr := net.JoinHostPort(host, strconv.Itoa(p.port))
	conn, err := p.dialer.DialContext(ctx, "tcp", addr)
	if err == nil {
		_ = conn.Close()
		return true, nil
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) || errors.Is(err, context.DeadlineExceeded) {
		p.logger.Debug().Err(err).Str("addr", addr).Msg("host not reachable")
		return false, nil
	}
	return false, &ProbeError{Host: host, Err: err}
}

// PingProber sends a single ICMP echo through the system ping binary.
type PingProber struct {
	exec    executor.Executor
	timeout time.Duration
	goos    string
	logger  zerolog.Logger
}

// NewPing creates a ping prober running through exec.
func NewPing(logger zerolog.Logger, exec executor.Executor, timeout time.Duration) *PingProber {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &PingProber{
		exec:    exec,
		timeout: timeout,
		goos:    runtime.GOOS,
		logger:  logger,
	}
}

// PingCommand builds a single-echo ping bounded by timeout for the given OS.
// Linux takes -W in seconds, the BSDs and macOS in milliseconds, Windows -w in milliseconds.
func PingCommand(goos, host string, timeout time.Duration) string {
	ms := timeout.Milliseconds()
	switch goos {
	case "windows":
		return fmt.Sprintf("ping -n 1 -w %d %s", ms, executor.Quote(host))
	case "darwin", "freebsd", "netbsd", "openbsd", "dragonfly":
		return fmt.Sprintf("ping -c 1 -W %d %s", ms, executor.Quote(host))
	default:
		secs := int(math.Ceil(timeout.Seconds()))
		return fmt.Sprintf("ping -c 1 -W %d %s", secs, executor.Quote(host))
	}
}

// IsOnline runs ping once; any non-zero exit means offline.
func (p *PingProber) IsOnline(ctx context.Context, host string) (bool, error) {
	cmd := PingCommand(p.goos, host, p.timeout)

	result, err := p.exec.Run(ctx, models.Command{Text: cmd})
	if err != nil {
		return false, &ProbeError{Host: host, Err: err}
	}
	if !result.Succeeded() {
		p.logger.Debug().Str("host", host).Int("exit_code", result.ExitCode).Msg("no ping reply")
		return false, nil
	}
	return true, nil
}

// NewFromConfig returns the prober selected by cfg.Method.
func NewFromConfig(logger zerolog.Logger, cfg models.ProbeConfig, exec executor.Executor) (Prober, error) {
	switch cfg.Method {
	case "", "tcp":
		return NewTCP(logger, cfg.Port, cfg.Timeout), nil
	case "icmp", "ping":
		return NewPing(logger, exec, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown probe method %q", cfg.Method)
	}
}
