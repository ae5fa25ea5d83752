package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/fgeck/wol-gameproxy/internal/services/health"
	"github.com/fgeck/wol-gameproxy/internal/services/wol"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	wakeWait time.Duration
	wakeARP  bool
)

var wakeCmd = &cobra.Command{
	Use:   "wake",
	Short: "Send a Wake-on-LAN packet to the server",
	Long: `Send one magic packet to the configured server without running the proxy.
With --wait the command polls the server until it answers or the wait expires.`,
	RunE: wakeServer,
}

func init() {
	wakeCmd.Flags().DurationVar(&wakeWait, "wait", 0, "wait up to this long for the server to come up (0 = do not wait)")
	wakeCmd.Flags().BoolVar(&wakeARP, "arp", false, "detect the server by ARP instead of a TCP connect")
}

func wakeServer(cmd *cobra.Command, args []string) error {
	if configFile == "" {
		log.Error().Msg("config file is required")
		return cmd.Help()
	}

	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, err := wol.New(log.Logger).Wake(ctx, cfg.Server, cfg.WOL)
	if err != nil {
		return err
	}
	if !result.PacketSent {
		log.Error().Err(result.Error).Msg("failed to send WOL packet")
		return fmt.Errorf("wake failed: %w", result.Error)
	}
	if result.Error != nil {
		log.Warn().Err(result.Error).Msg("some destinations failed")
	}
	log.Info().Strs("destinations", result.Destinations).Msg("WOL packet sent")

	if wakeWait <= 0 {
		return nil
	}

	probe := health.New(log.Logger)
	ports := health.Ports(cfg)
	ctx, cancel := context.WithTimeout(ctx, wakeWait)
	defer cancel()

	ticker := time.NewTicker(cfg.Timing.BootCheckInterval)
	defer ticker.Stop()

	start := time.Now()
	for {
		var reachable bool
		if wakeARP {
			reachable = probe.Present(ctx, cfg.Server, cfg.Timing.ServerCheckTimeout).Reachable
		} else {
			reachable = probe.Check(ctx, cfg.Server.TargetIP, ports, cfg.Timing.ServerCheckTimeout).Reachable
		}
		if reachable {
			log.Info().Dur("after", time.Since(start).Round(time.Second)).Msg("server is up")
			return nil
		}

		select {
		case <-ctx.Done():
			log.Error().Dur("waited", wakeWait).Msg("server did not come up")
			return fmt.Errorf("server did not come up within %s", wakeWait)
		case <-ticker.C:
		}
	}
}
