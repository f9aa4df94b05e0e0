package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the configuration file without connecting to or changing any host.`,
	RunE:  validateConfig,
}

func validateConfig(cmd *cobra.Command, args []string) error {
	if configFile == "" {
		return fmt.Errorf("--config is required for validate")
	}

	// Check if file exists
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s", configFile)
	}

	cfg, err := loadConfig(context.Background(), nil)
	if err != nil {
		return err
	}

	// Print configuration summary
	fmt.Println("Configuration is valid!")
	fmt.Println()
	fmt.Println("Target:")
	fmt.Printf("  Mode: %s\n", cfg.Target.Mode)
	if cfg.Target.IsRemote() {
		fmt.Printf("  Address: %s\n", cfg.Target.Addr())
		fmt.Printf("  Username: %s\n", cfg.Target.Credentials.Username)
		fmt.Printf("  Script dir: %s\n", cfg.Remote.ScriptDir)
		fmt.Printf("  Manifest: %s\n", strings.Join(cfg.Remote.Manifest, ", "))
	}
	fmt.Printf("  Probe: %s (timeout %s, every %s)\n", cfg.Probe.Method, cfg.Probe.Timeout, cfg.Probe.PollInterval)
	fmt.Printf("  Reboot wait: %s\n", cfg.Reboot.WaitTimeout)
	fmt.Println()
	fmt.Println("ESXi:")
	fmt.Printf("  Modules: %s\n", strings.Join(cfg.ESXi.Modules, ", "))
	fmt.Printf("  iSER LUN queue depth: %d\n", cfg.ESXi.ISERLunQueueDepth)
	fmt.Printf("  Advanced settings: %d\n", len(cfg.ESXi.AdvancedSettings))
	fmt.Printf("  Discovery addresses: %s\n", strings.Join(cfg.ESXi.DiscoveryAddresses, ", "))
	fmt.Println()
	fmt.Println("Optional Features:")
	fmt.Printf("  Wake-on-LAN: %v\n", cfg.WOL != nil)
	fmt.Printf("  ZFS volumes: %v\n", cfg.ZFS != nil)
	fmt.Printf("  TrueNAS API: %v\n", cfg.TrueNAS != nil)
	fmt.Printf("  Task scripts: %d\n", len(cfg.Tasks))

	if cfg.WOL != nil {
		fmt.Println()
		fmt.Println("WOL Configuration:")
		fmt.Printf("  MAC Address: %s\n", cfg.WOL.MACAddress)
		fmt.Printf("  Broadcast IP: %s\n", cfg.WOL.BroadcastIP)
	}

	if cfg.ZFS != nil {
		fmt.Println()
		fmt.Println("ZFS Configuration:")
		fmt.Printf("  Pool: %s\n", cfg.ZFS.Pool)
		for _, v := range cfg.ZFS.Volumes {
			fmt.Printf("  Volume: %s %s\n", v.Name, v.Size)
		}
	}

	if cfg.TrueNAS != nil {
		fmt.Println()
		fmt.Println("TrueNAS Configuration:")
		fmt.Printf("  URL: %s\n", cfg.TrueNAS.URL)
		fmt.Printf("  API Key: (configured)\n")
		fmt.Printf("  Extents: %d\n", len(cfg.TrueNAS.Extents))
	}

	return nil
}
