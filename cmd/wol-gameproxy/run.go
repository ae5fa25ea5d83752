package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/fgeck/wol-gameproxy/internal/models"
	"github.com/fgeck/wol-gameproxy/internal/services/orchestrator"
	"github.com/fgeck/wol-gameproxy/internal/services/status"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the proxy",
	Long: `Run the proxy until interrupted:
1. Check the network interface and probe the target
2. Claim the target address if the server is down
3. Listen for Minecraft and Satisfactory traffic
4. Wake the server on a join attempt and hand the address back
5. Watch the server and reclaim the address when it goes away

The config file is watched; messages, timings and game ports are reloaded
without a restart.`,
	RunE: runProxy,
}

func runProxy(cmd *cobra.Command, args []string) error {
	if configFile == "" {
		log.Error().Msg("config file is required")
		return cmd.Help()
	}

	parser, cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log.Info().
		Str("config", configFile).
		Str("target_ip", cfg.Server.TargetIP).
		Str("interface", cfg.Server.NetworkInterface).
		Bool("minecraft", cfg.Minecraft != nil).
		Bool("satisfactory", cfg.Satisfactory != nil).
		Msg("configuration loaded")

	// Set up context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			log.Warn().Str("signal", sig.String()).Msg("received signal, shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()

	proxy := orchestrator.New(log.Logger, cfg)

	r := &reloader{proxy: proxy, applied: cfg, logger: log.Logger}
	parser.Watch(func(next *models.ProxyConfig, err error) {
		r.apply(ctx, next, err)
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return proxy.Run(gctx)
	})
	if cfg.Status.Enabled {
		srv := status.New(log.Logger, cfg.Status, proxy)
		g.Go(func() error {
			// Not before the proxy has validated and bound its listeners.
			select {
			case <-proxy.Ready():
			case <-gctx.Done():
				return nil
			}
			return srv.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("proxy failed")
		return err
	}

	log.Info().Msg("proxy stopped")
	return nil
}

// reloadTarget is the part of the orchestrator a reload needs.
type reloadTarget interface {
	Reload(ctx context.Context, cfg *models.ProxyConfig) error
}

// reloader forwards watched config changes to the proxy and remembers the
// last one it handed over.
type reloader struct {
	proxy  reloadTarget
	logger zerolog.Logger

	mu      sync.Mutex
	applied *models.ProxyConfig
}

func (r *reloader) apply(ctx context.Context, next *models.ProxyConfig, err error) {
	if err != nil {
		r.logger.Error().Err(err).Msg("ignoring invalid configuration change")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if next.Status.Enabled != r.applied.Status.Enabled || next.Status.Listen != r.applied.Status.Listen {
		r.logger.Warn().Msg("status endpoint settings changed, restart required to apply them")
	}

	err = r.proxy.Reload(ctx, next)
	if errors.Is(err, orchestrator.ErrStopped) || ctx.Err() != nil {
		r.logger.Debug().Err(err).Msg("proxy not running, configuration change dropped")
		return
	}
	// Reload stores the config even when some listeners could not move.
	r.applied = next
	if err != nil {
		r.logger.Error().Err(err).Msg("configuration reload incomplete")
	}
}
