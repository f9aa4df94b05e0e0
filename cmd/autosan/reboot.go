package main

import (
	"time"

	"github.com/CTMS/AutoSanVanilla/internal/console"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	rebootWait    bool
	rebootTimeout time.Duration
)

var rebootCmd = &cobra.Command{
	Use:   "reboot",
	Short: "Reboot the target and optionally wait for it to return",
	RunE:  runReboot,
}

func init() {
	rebootCmd.Flags().BoolVarP(&rebootWait, "wait", "w", false, "wait for the host to come back online")
	rebootCmd.Flags().DurationVar(&rebootTimeout, "timeout", 0, "override reboot.wait_timeout")
}

func runReboot(cmd *cobra.Command, args []string) error {
	ctx, cancel, _ := signalContext()
	defer cancel()

	con := console.NewStdio()
	cfg, err := loadConfig(ctx, con)
	if err != nil {
		return err
	}
	if rebootTimeout > 0 {
		cfg.Reboot.WaitTimeout = rebootTimeout
	}

	a, err := newApp(cfg, con)
	if err != nil {
		return err
	}

	session, err := a.connect(ctx)
	if err != nil {
		return err
	}

	replacement, result, err := a.rebooter.Reboot(ctx, cfg.Target, session, rebootWait)
	if replacement != nil {
		defer func() { _ = replacement.Close() }()
	}
	if err != nil {
		log.Error().Err(err).Str("host", cfg.Target.Host).Msg("reboot failed")
		return err
	}

	log.Info().
		Bool("waited", result.Waited).
		Bool("returned", result.HostReturned).
		Bool("reconnected", result.Reconnected).
		Dur("wait_duration", result.WaitDuration).
		Msg("reboot completed")
	return nil
}
