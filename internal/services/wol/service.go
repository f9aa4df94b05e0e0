// Package wol powers hosts on with Wake-on-LAN and waits for them to answer.
package wol

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/CTMS/AutoSanVanilla/internal/models"
	"github.com/mdlayher/wol"
	"github.com/rs/zerolog"
)

// DefaultPort is the discard port magic packets are sent to.
const DefaultPort = 9

// Service defines the interface for Wake-on-LAN operations.
type Service interface {
	Wake(ctx context.Context, cfg models.WOLConfig, host string) (*models.WOLResult, error)
}

// Client wraps the wol library for mocking.
type Client interface {
	Wake(addr string, mac net.HardwareAddr) error
}

// Waiter blocks until a host answers liveness probes.
type Waiter interface {
	Wait(ctx context.Context, host string, timeout time.Duration) models.ProbeResult
}

// DefaultClient is the default implementation using mdlayher/wol.
type DefaultClient struct{}

// Wake sends a magic packet to addr.
func (c *DefaultClient) Wake(addr string, mac net.HardwareAddr) error {
	client, err := wol.NewClient()
	if err != nil {
		return fmt.Errorf("failed to create WOL client: %w", err)
	}
	defer func() { _ = client.Close() }()

	if err := client.Wake(addr, mac); err != nil {
		return fmt.Errorf("failed to send WOL packet: %w", err)
	}

	return nil
}

// Impl implements the WOL Service interface.
type Impl struct {
	wolClient Client
	waiter    Waiter
	sleep     func(ctx context.Context, d time.Duration) error
	logger    zerolog.Logger
}

// New creates a new WOL service waiting through waiter.
func New(logger zerolog.Logger, waiter Waiter) *Impl {
	return NewWithClient(logger, &DefaultClient{}, waiter)
}

// NewWithClient creates a new WOL service with a custom packet client (for testing).
func NewWithClient(logger zerolog.Logger, wolClient Client, waiter Waiter) *Impl {
	return &Impl{
		wolClient: wolClient,
		waiter:    waiter,
		sleep:     sleepContext,
		logger:    logger,
	}
}

// Wake sends a WOL packet and, when host is set, waits for it to answer probes.
func (s *Impl) Wake(ctx context.Context, cfg models.WOLConfig, host string) (*models.WOLResult, error) {
	result := &models.WOLResult{}
	start := time.Now()

	mac, err := net.ParseMAC(cfg.MACAddress)
	if err != nil {
		result.Error = fmt.Errorf("invalid MAC address %q: %w", cfg.MACAddress, err)
		return result, nil
	}

	ip := net.ParseIP(cfg.BroadcastIP)
	if ip == nil {
		result.Error = fmt.Errorf("invalid broadcast IP: %s", cfg.BroadcastIP)
		return result, nil
	}
	port := cfg.Port
	if port == 0 {
		port = DefaultPort
	}
	addr := net.JoinHostPort(ip.String(), strconv.Itoa(port))

	s.logger.Info().
		Str("mac", cfg.MACAddress).
		Str("addr", addr).
		Msg("sending WOL packet")

	if err := s.wolClient.Wake(addr, mac); err != nil {
		result.Error = err
		return result, nil //nolint:nilerr // error is stored in result struct
	}

	result.PacketSent = true
	s.logger.Info().Msg("WOL packet sent successfully")

	if host == "" || s.waiter == nil {
		result.WaitDuration = time.Since(start)
		result.TargetReady = true
		return result, nil
	}

	probe := s.waiter.Wait(ctx, host, cfg.Timeout)
	if !probe.Online {
		result.WaitDuration = time.Since(start)
		if ctx.Err() != nil {
			result.Error = ctx.Err()
		} else {
			result.Error = fmt.Errorf("timeout waiting for %s after %d attempts", host, probe.Attempts)
		}
		return result, nil
	}

	if cfg.StabilizeWait > 0 {
		s.logger.Debug().Str("wait", cfg.StabilizeWait.Round(time.Millisecond).String()).Msg("waiting for host to stabilize")
		if err := s.sleep(ctx, cfg.StabilizeWait); err != nil {
			result.WaitDuration = time.Since(start)
			result.Error = err
			return result, nil //nolint:nilerr // error is stored in result struct
		}
	}

	result.TargetReady = true
	result.WaitDuration = time.Since(start)

	s.logger.Info().
		Str("host", host).
		Dur("duration", result.WaitDuration).
		Msg("host is ready")

	return result, nil
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
