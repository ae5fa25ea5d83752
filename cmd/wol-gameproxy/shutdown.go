package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/fgeck/wol-gameproxy/internal/services/ssh"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var shutdownDryRun bool

var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Power the server off over SSH",
	Long: `Connect to the server with the ssh_shutdown settings and run the shutdown
command for its OS. With --dry-run only the connection is tested.`,
	RunE: shutdownServer,
}

func init() {
	shutdownCmd.Flags().BoolVar(&shutdownDryRun, "dry-run", false, "only test the SSH connection")
}

func shutdownServer(cmd *cobra.Command, args []string) error {
	if configFile == "" {
		log.Error().Msg("config file is required")
		return cmd.Help()
	}

	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.SSHShutdown == nil {
		return fmt.Errorf("ssh_shutdown is not configured")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc := ssh.New(log.Logger)
	if shutdownDryRun {
		result, err := svc.TestConnection(ctx, *cfg.SSHShutdown)
		if err != nil {
			return err
		}
		if result.Error != nil {
			log.Error().Err(result.Error).Msg("SSH connection test failed")
			return result.Error
		}
		log.Info().
			Str("host", cfg.SSHShutdown.Host).
			Str("command", ssh.ShutdownCommand(*cfg.SSHShutdown)).
			Msg("SSH connection OK, shutdown command not sent")
		return nil
	}

	result, err := svc.Shutdown(ctx, *cfg.SSHShutdown)
	if err != nil {
		return err
	}
	if result.Error != nil {
		log.Error().Err(result.Error).Msg("shutdown failed")
		return result.Error
	}
	log.Info().Str("host", cfg.SSHShutdown.Host).Msg("shutdown command sent")
	return nil
}
