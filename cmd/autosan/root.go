package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/CTMS/AutoSanVanilla/internal/config"
	"github.com/CTMS/AutoSanVanilla/internal/console"
	"github.com/CTMS/AutoSanVanilla/internal/models"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time.
	Version = "dev"

	// Configuration flags.
	configFile string
	verbose    bool
	quiet      bool
	jsonOutput bool

	// Target overrides.
	hostFlag  string
	userFlag  string
	portFlag  int
	keyFlag   string
	localFlag bool
	noAgent   bool
)

var rootCmd = &cobra.Command{
	Use:   "autosan",
	Short: "Operator tool for ESXi and TrueNAS iSCSI/iSER storage setup",
	Long: `autosan prepares ESXi hosts and TrueNAS appliances for iSCSI over RDMA (iSER):
  - Mellanox NIC firmware configuration
  - ESXi driver, queue depth and advanced setting optimization
  - RDMA/iSER adapter management and iSCSI discovery
  - ZFS zvol and TrueNAS iSCSI target provisioning
  - Reboot with liveness wait, Wake-on-LAN

Commands run locally or over SSH against the configured target.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
	RunE:    runMenu,
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (YAML or JSON)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose (debug) output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "enable quiet mode (errors only)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output logs in JSON format")

	rootCmd.PersistentFlags().StringVarP(&hostFlag, "host", "H", "", "remote host, implies a remote target")
	rootCmd.PersistentFlags().StringVarP(&userFlag, "user", "u", "", "remote username")
	rootCmd.PersistentFlags().IntVarP(&portFlag, "port", "p", 0, "remote SSH port")
	rootCmd.PersistentFlags().StringVarP(&keyFlag, "key", "i", "", "private key file")
	rootCmd.PersistentFlags().BoolVar(&localFlag, "local", false, "run against the local machine")
	rootCmd.PersistentFlags().BoolVar(&noAgent, "no-agent", false, "do not offer ssh-agent keys")

	rootCmd.AddCommand(menuCmd)
	rootCmd.AddCommand(rebootCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(wakeCmd)
	rootCmd.AddCommand(validateCmd)
}

func setupLogging() {
	// Logs go to stderr; stdout belongs to the operator console.
	if jsonOutput {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
		output.FormatLevel = func(i interface{}) string {
			if s, ok := i.(string); ok {
				return strings.ToUpper(s)
			}
			return ""
		}
		log.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set log level
	switch {
	case quiet:
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case verbose:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// loadConfig reads the config file, if any, and applies the target flags. With a
// non-nil con a missing remote username is asked for.
func loadConfig(ctx context.Context, con *console.Console) (*models.AppConfig, error) {
	parser := config.NewParser()

	var (
		cfg *models.AppConfig
		err error
	)
	if configFile != "" {
		cfg, err = parser.LoadFile(configFile)
	} else {
		cfg, err = parser.Empty()
	}
	if err != nil {
		log.Error().Err(err).Str("file", configFile).Msg("failed to load config")
		return nil, err
	}

	applyTargetFlags(&cfg.Target)

	if con != nil && cfg.Target.IsRemote() && cfg.Target.Credentials.Username == "" {
		user, err := con.ReadLine(ctx, fmt.Sprintf("Username for %s: ", cfg.Target.Host))
		if err != nil {
			return nil, fmt.Errorf("failed to read username: %w", err)
		}
		cfg.Target.Credentials.Username = strings.TrimSpace(user)
	}

	if err := config.Validate(cfg); err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		return nil, err
	}
	return cfg, nil
}

func applyTargetFlags(target *models.Target) {
	if localFlag {
		*target = models.Target{Mode: models.ModeLocal}
		return
	}
	if hostFlag == "" && target.Mode != models.ModeRemote {
		return
	}

	target.Mode = models.ModeRemote
	if hostFlag != "" {
		target.Host = hostFlag
	}
	if portFlag != 0 {
		target.Port = portFlag
	}
	if target.Port == 0 {
		target.Port = 22
	}
	if target.Credentials == nil {
		target.Credentials = &models.Credentials{UseAgent: true}
	}
	if userFlag != "" {
		target.Credentials.Username = userFlag
	}
	if keyFlag != "" {
		target.Credentials.KeyPath = keyFlag
	}
	if noAgent {
		target.Credentials.UseAgent = false
	}
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
