package main

import (
	"fmt"
	"strings"

	"github.com/fgeck/wol-gameproxy/internal/services/wol"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the configuration file without touching the network.`,
	RunE:  validateConfig,
}

func validateConfig(cmd *cobra.Command, args []string) error {
	if configFile == "" {
		log.Error().Msg("config file is required")
		return cmd.Help()
	}

	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}

	fmt.Println("Configuration is valid!")
	fmt.Println()
	fmt.Println("Server:")
	fmt.Printf("  Target IP: %s/%d\n", cfg.Server.TargetIP, cfg.Server.PrefixLength())
	fmt.Printf("  MAC Address: %s\n", cfg.Server.MACAddress)
	fmt.Printf("  Interface: %s\n", cfg.Server.NetworkInterface)
	fmt.Printf("  Listen Address: %s\n", cfg.Server.ListenAddress)
	fmt.Println()
	fmt.Println("Timing:")
	fmt.Printf("  Boot wait: %s\n", cfg.Timing.BootWait)
	fmt.Printf("  Boot check interval: %s\n", cfg.Timing.BootCheckInterval)
	fmt.Printf("  WOL retry interval: %s\n", cfg.Timing.WOLRetryInterval)
	fmt.Printf("  Health check interval: %s\n", cfg.Timing.HealthCheckInterval)
	fmt.Printf("  Health failure threshold: %d\n", cfg.Timing.HealthFailureThreshold)
	fmt.Printf("  Connection timeout: %s\n", cfg.Timing.ConnectionTimeout)
	fmt.Printf("  Server check timeout: %s\n", cfg.Timing.ServerCheckTimeout)
	fmt.Println()
	fmt.Println("Games:")
	fmt.Printf("  Minecraft: %v\n", cfg.Minecraft != nil)
	fmt.Printf("  Satisfactory: %v\n", cfg.Satisfactory != nil)
	fmt.Println()
	fmt.Println("Optional Features:")
	fmt.Printf("  Status endpoint: %v\n", cfg.Status.Enabled)
	fmt.Printf("  SSH Shutdown: %v\n", cfg.SSHShutdown != nil)
	fmt.Printf("  Telegram: %v\n", cfg.Telegram != nil)

	if cfg.Minecraft != nil {
		fmt.Println()
		fmt.Println("Minecraft Configuration:")
		fmt.Printf("  Port: %d\n", cfg.Minecraft.Port)
		if cfg.Minecraft.ProtocolVersion == 0 {
			fmt.Println("  Protocol: (echo client)")
		} else {
			fmt.Printf("  Protocol: %d\n", cfg.Minecraft.ProtocolVersion)
		}
		fmt.Printf("  MOTD (offline): %s\n", cfg.Minecraft.MOTDOffline)
		fmt.Printf("  MOTD (starting): %s\n", cfg.Minecraft.MOTDStarting)
	}

	if cfg.Satisfactory != nil {
		fmt.Println()
		fmt.Println("Satisfactory Configuration:")
		fmt.Printf("  Game port: %d\n", cfg.Satisfactory.GamePort)
		fmt.Printf("  Query port: %d\n", cfg.Satisfactory.QueryPort)
		fmt.Printf("  Beacon port: %d\n", cfg.Satisfactory.BeaconPort)
	}

	fmt.Println()
	fmt.Println("WOL Configuration:")
	if packet, err := wol.MagicPacket(cfg.Server.MACAddress); err == nil {
		fmt.Printf("  Magic packet: %d bytes for %s\n", len(packet), cfg.Server.MACAddress)
	}
	if cfg.WOL.Raw {
		fmt.Printf("  Mode: raw Ethernet on %s\n", cfg.Server.NetworkInterface)
	} else {
		broadcast := cfg.WOL.BroadcastIP
		if broadcast == "" {
			if ip, err := wol.BroadcastAddress(cfg.Server.TargetIP, cfg.Server.PrefixLength()); err == nil {
				broadcast = ip.String() + " (derived)"
			}
		}
		fmt.Printf("  Broadcast IP: %s\n", broadcast)
		fmt.Printf("  Ports: %s\n", strings.Trim(fmt.Sprint(cfg.WOL.Ports), "[]"))
	}

	if cfg.Status.Enabled {
		fmt.Println()
		fmt.Println("Status Endpoint:")
		fmt.Printf("  Listen: %s\n", cfg.Status.Listen)
	}

	if cfg.SSHShutdown != nil {
		fmt.Println()
		fmt.Println("SSH Shutdown Configuration:")
		fmt.Printf("  Host: %s\n", cfg.SSHShutdown.Host)
		fmt.Printf("  Port: %d\n", cfg.SSHShutdown.Port)
		fmt.Printf("  Username: %s\n", cfg.SSHShutdown.Username)
		fmt.Printf("  OS: %s\n", cfg.SSHShutdown.OS)
		fmt.Printf("  Shutdown Delay: %d minute(s)\n", cfg.SSHShutdown.ShutdownDelay)
		fmt.Printf("  Host key verification: %v\n", cfg.SSHShutdown.KnownHostsPath != "")
	}

	if cfg.Telegram != nil {
		fmt.Println()
		fmt.Println("Telegram Configuration:")
		fmt.Printf("  Chat ID: %s\n", cfg.Telegram.ChatID)
		fmt.Printf("  Bot Token: (configured)\n")
	}

	return nil
}
