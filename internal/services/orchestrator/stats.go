package orchestrator

import (
	"sync/atomic"

	"github.com/fgeck/wol-gameproxy/internal/models"
)

// counters are incremented from interceptor goroutines and the event loop.
type counters struct {
	wakeAttempts            atomic.Uint64
	wakeCycles              atomic.Uint64
	successfulWakes         atomic.Uint64
	failedWakes             atomic.Uint64
	serverLost              atomic.Uint64
	stateTransitions        atomic.Uint64
	minecraftConnections    atomic.Uint64
	satisfactoryConnections atomic.Uint64
	statusQueries           atomic.Uint64
	joinAttempts            atomic.Uint64
	identityErrors          atomic.Uint64
	droppedEvents           atomic.Uint64

	// Gauge, not a counter.
	satisfactoryPeers atomic.Int64
}

func (c *counters) snapshot() models.Statistics {
	return models.Statistics{
		WakeAttempts:            c.wakeAttempts.Load(),
		WakeCycles:              c.wakeCycles.Load(),
		SuccessfulWakes:         c.successfulWakes.Load(),
		FailedWakes:             c.failedWakes.Load(),
		ServerLost:              c.serverLost.Load(),
		StateTransitions:        c.stateTransitions.Load(),
		MinecraftConnections:    c.minecraftConnections.Load(),
		SatisfactoryConnections: c.satisfactoryConnections.Load(),
		StatusQueries:           c.statusQueries.Load(),
		JoinAttempts:            c.joinAttempts.Load(),
		IdentityErrors:          c.identityErrors.Load(),
		DroppedEvents:           c.droppedEvents.Load(),
	}
}
