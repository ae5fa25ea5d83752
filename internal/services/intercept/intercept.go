// Package intercept implements the per-game listeners that stand in for the
// sleeping server and classify inbound traffic.
package intercept

import (
	"context"
	"net"

	"github.com/fgeck/wol-gameproxy/internal/models"
	"github.com/rs/zerolog"
)

// StateFunc returns the current lifecycle state.
type StateFunc func() models.LifecycleState

// Sink receives what the interceptors see.
type Sink interface {
	// Publish hands a classified event to the orchestrator.
	Publish(ev models.InboundEvent)
	// Observe counts an accepted connection or a datagram from a new peer.
	Observe(game models.Game)
	// Peers reports how many peers have sent traffic within connection_timeout.
	Peers(game models.Game, active int)
}

// Deps are the collaborators every interceptor needs.
type Deps struct {
	State  StateFunc
	Sink   Sink
	Logger zerolog.Logger
}

// Interceptor is a game-specific listener.
type Interceptor interface {
	Game() models.Game
	// Ports returns the ports the interceptor binds for the current config.
	Ports() []int
	// Listen binds all sockets. Bind errors are returned here, before serving.
	Listen(ctx context.Context) error
	// Serve handles traffic until ctx is cancelled or Close is called.
	Serve(ctx context.Context) error
	// Addrs returns the bound addresses after Listen.
	Addrs() []net.Addr
	Close() error
	// Inspect classifies the first bytes a client sent. ok is false when the
	// bytes do not warrant any event.
	Inspect(data []byte) (class models.Classification, ok bool)
	// Respond returns the synthetic status reply for state to a client whose
	// first bytes were hello, or nil when the interceptor stays silent.
	Respond(state models.LifecycleState, hello []byte) []byte
	// Update swaps in a reloaded configuration. Port changes need a new interceptor.
	Update(cfg *models.ProxyConfig)
}

// Factory builds the interceptor for one game.
type Factory func(game models.Game, cfg *models.ProxyConfig, deps Deps) Interceptor

// ForGame builds the interceptor for game, or nil for an unknown game.
func ForGame(game models.Game, cfg *models.ProxyConfig, deps Deps) Interceptor {
	switch game {
	case models.GameMinecraft:
		return NewMinecraft(cfg, deps)
	case models.GameSatisfactory:
		return NewSatisfactory(cfg, deps)
	default:
		return nil
	}
}

// Enabled reports whether game is configured in cfg.
func Enabled(game models.Game, cfg *models.ProxyConfig) bool {
	switch game {
	case models.GameMinecraft:
		return cfg.Minecraft != nil
	case models.GameSatisfactory:
		return cfg.Satisfactory != nil
	default:
		return false
	}
}

// Games lists every supported game in start order.
var Games = []models.Game{models.GameMinecraft, models.GameSatisfactory}
