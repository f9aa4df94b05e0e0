package main

import (
	"fmt"

	"github.com/CTMS/AutoSanVanilla/internal/console"
	"github.com/CTMS/AutoSanVanilla/internal/services/wol"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var wakeNoWait bool

var wakeCmd = &cobra.Command{
	Use:   "wake",
	Short: "Send a Wake-on-LAN packet to the target",
	RunE:  runWake,
}

func init() {
	wakeCmd.Flags().BoolVar(&wakeNoWait, "no-wait", false, "do not wait for the target to come online")
}

func runWake(cmd *cobra.Command, args []string) error {
	ctx, cancel, _ := signalContext()
	defer cancel()

	cfg, err := loadConfig(ctx, nil)
	if err != nil {
		return err
	}
	if cfg.WOL == nil {
		return fmt.Errorf("wol section is not configured")
	}

	a, err := newApp(cfg, console.NewStdio())
	if err != nil {
		return err
	}

	host := ""
	if cfg.Target.IsRemote() && !wakeNoWait {
		host = cfg.Target.Host
	}

	result, err := wol.New(log.Logger, a.waiter).Wake(ctx, *cfg.WOL, host)
	if err == nil {
		err = result.Error
	}
	if err != nil {
		log.Error().Err(err).Str("mac", cfg.WOL.MACAddress).Msg("wake failed")
		return err
	}

	log.Info().
		Bool("packet_sent", result.PacketSent).
		Bool("target_ready", result.TargetReady).
		Dur("wait_duration", result.WaitDuration).
		Msg("wake completed")
	return nil
}
