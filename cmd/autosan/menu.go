package main

import (
	"errors"
	"fmt"

	"github.com/CTMS/AutoSanVanilla/internal/console"
	"github.com/CTMS/AutoSanVanilla/internal/services/runner"
	"github.com/CTMS/AutoSanVanilla/internal/services/ssh"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var menuCmd = &cobra.Command{
	Use:   "menu",
	Short: "Start the interactive operations menu",
	Long: `Connect to the target (remote targets only), upload the dependent files and
show the operations menu until Exit is chosen or input ends.`,
	RunE: runMenu,
}

func runMenu(cmd *cobra.Command, args []string) error {
	ctx, cancel, intr := signalContext()
	defer cancel()

	con := console.NewStdio()
	cfg, err := loadConfig(ctx, con)
	if err != nil {
		return err
	}

	a, err := newApp(cfg, con)
	if err != nil {
		return err
	}

	log.Info().
		Str("config", configFile).
		Str("mode", string(cfg.Target.Mode)).
		Str("host", cfg.Target.Host).
		Msg("configuration loaded")

	menu := runner.New[*ssh.Session](log.Logger, *cfg, con, a.local, a.sessions, a.rebooter, a.services())
	menu.SetOperationContext(intr.operationContext)
	defer func() {
		if err := menu.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close session")
		}
	}()

	con.Header("AutoSAN")
	if cfg.Target.IsRemote() {
		session, err := a.connect(ctx)
		if err != nil {
			return fmt.Errorf("connecting to %s: %w", cfg.Target.Host, err)
		}
		menu.Attach(session)
	}

	if err := menu.Run(ctx); err != nil && !errors.Is(err, ctx.Err()) {
		log.Error().Err(err).Msg("menu stopped")
		return err
	}
	return nil
}
