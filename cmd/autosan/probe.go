package main

import (
	"fmt"
	"time"

	"github.com/CTMS/AutoSanVanilla/internal/console"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var probeWait time.Duration

var probeCmd = &cobra.Command{
	Use:   "probe [host]",
	Short: "Check whether a host is online",
	Long: `Probe the given host, or the configured target, using the configured method.
With --wait the host is polled until it answers or the duration elapses.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runProbe,
}

func init() {
	probeCmd.Flags().DurationVar(&probeWait, "wait", 0, "poll until online for at most this long")
}

func runProbe(cmd *cobra.Command, args []string) error {
	ctx, cancel, _ := signalContext()
	defer cancel()

	cfg, err := loadConfig(ctx, nil)
	if err != nil {
		return err
	}

	host := cfg.Target.Host
	if len(args) == 1 {
		host = args[0]
	}
	if host == "" {
		return fmt.Errorf("no host given and no remote target configured")
	}

	a, err := newApp(cfg, console.NewStdio())
	if err != nil {
		return err
	}

	if probeWait > 0 {
		result := a.waiter.Wait(ctx, host, probeWait)
		log.Info().
			Str("host", host).
			Bool("online", result.Online).
			Int("attempts", result.Attempts).
			Dur("elapsed", result.Elapsed).
			Msg("probe finished")
		if !result.Online {
			return fmt.Errorf("%s did not come online within %s", host, probeWait)
		}
		fmt.Printf("%s is online\n", host)
		return nil
	}

	online, err := a.prober.IsOnline(ctx, host)
	if err != nil {
		log.Debug().Err(err).Str("host", host).Msg("probe error")
	}
	if !online {
		fmt.Printf("%s is offline\n", host)
		return fmt.Errorf("%s is offline", host)
	}
	fmt.Printf("%s is online\n", host)
	return nil
}
