package intercept

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fgeck/wol-gameproxy/internal/models"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	// maxDatagramSize is enough for any UDP payload.
	maxDatagramSize = 65535
	// defaultPeerIdle applies when connection_timeout is unset.
	defaultPeerIdle = 30 * time.Second
)

// Satisfactory owns the game, query and beacon UDP ports. It cannot answer the
// real protocol, so any datagram counts as a reason to wake the server.
type Satisfactory struct {
	cfg    atomic.Pointer[models.ProxyConfig]
	state  StateFunc
	sink   Sink
	logger zerolog.Logger

	mu    sync.Mutex
	conns []*net.UDPConn

	peersMu sync.Mutex
	peers   map[string]time.Time
}

// NewSatisfactory creates a Satisfactory interceptor for cfg.
func NewSatisfactory(cfg *models.ProxyConfig, deps Deps) *Satisfactory {
	s := &Satisfactory{
		state:  deps.State,
		sink:   deps.Sink,
		logger: deps.Logger.With().Str("component", "satisfactory").Logger(),
		peers:  make(map[string]time.Time),
	}
	s.cfg.Store(cfg)
	return s
}

// Game returns models.GameSatisfactory.
func (s *Satisfactory) Game() models.Game {
	return models.GameSatisfactory
}

// Ports returns the configured UDP ports.
func (s *Satisfactory) Ports() []int {
	return s.cfg.Load().Satisfactory.Ports()
}

// Update swaps in a reloaded configuration.
func (s *Satisfactory) Update(cfg *models.ProxyConfig) {
	s.cfg.Store(cfg)
}

// Listen binds one UDP socket per port. On failure every socket bound so far
// is closed again.
func (s *Satisfactory) Listen(ctx context.Context) error {
	cfg := s.cfg.Load()
	lc := reuseAddrListenConfig()

	var conns []*net.UDPConn
	for _, port := range cfg.Satisfactory.Ports() {
		addr := net.JoinHostPort(cfg.Server.ListenAddress, strconv.Itoa(port))
		pc, err := lc.ListenPacket(ctx, "udp4", addr)
		if err != nil {
			for _, c := range conns {
				_ = c.Close()
			}
			return fmt.Errorf("failed to start Satisfactory listener on %s: %w", addr, err)
		}
		conns = append(conns, pc.(*net.UDPConn))
		s.logger.Info().Str("addr", pc.LocalAddr().String()).Msg("Satisfactory listener started")
	}

	s.mu.Lock()
	s.conns = conns
	s.mu.Unlock()
	return nil
}

// Addrs returns the bound socket addresses.
func (s *Satisfactory) Addrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]net.Addr, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c.LocalAddr())
	}
	return out
}

// Close closes every socket.
func (s *Satisfactory) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, c := range s.conns {
		if err := c.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Serve reads every socket until ctx is cancelled or Close is called.
func (s *Satisfactory) Serve(ctx context.Context) error {
	s.mu.Lock()
	conns := s.conns
	s.mu.Unlock()
	if len(conns) == 0 {
		return errors.New("satisfactory listener not started")
	}

	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	sweepCtx, cancel := context.WithCancel(ctx)
	swept := make(chan struct{})
	go func() {
		defer close(swept)
		s.sweep(sweepCtx)
	}()

	var g errgroup.Group
	for _, conn := range conns {
		g.Go(func() error {
			return s.read(ctx, conn)
		})
	}
	err := g.Wait()
	cancel()
	<-swept
	return err
}

func (s *Satisfactory) read(ctx context.Context, conn *net.UDPConn) error {
	logger := s.logger.With().Str("addr", conn.LocalAddr().String()).Logger()

	buf := make([]byte, maxDatagramSize)
	for {
		n, remoteAddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				logger.Info().Msg("Satisfactory listener stopping")
				return nil
			}
			logger.Error().Err(err).Msg("UDP read error")
			continue
		}

		if s.touch(remoteAddr.String(), time.Now()) {
			logger.Debug().Str("peer", remoteAddr.String()).Msg("new peer")
			s.sink.Observe(models.GameSatisfactory)
		}

		if !s.state().HoldsIdentity() {
			continue
		}

		class, ok := s.Inspect(buf[:n])
		if !ok {
			continue
		}

		logger.Debug().
			Str("peer", remoteAddr.String()).
			Int("bytes", n).
			Msg("datagram received")

		s.sink.Publish(models.InboundEvent{
			Game:           models.GameSatisfactory,
			Classification: class,
			Peer:           remoteAddr,
			Timestamp:      time.Now(),
		})
	}
}

func (s *Satisfactory) peerIdle() time.Duration {
	if d := s.cfg.Load().Timing.ConnectionTimeout; d > 0 {
		return d
	}
	return defaultPeerIdle
}

// touch records traffic from peer and reports whether the peer is new or had
// gone idle.
func (s *Satisfactory) touch(peer string, now time.Time) bool {
	s.peersMu.Lock()
	last, seen := s.peers[peer]
	s.peers[peer] = now
	isNew := !seen || now.Sub(last) > s.peerIdle()
	active := len(s.peers)
	s.peersMu.Unlock()

	if isNew {
		s.sink.Peers(models.GameSatisfactory, active)
	}
	return isNew
}

// expire drops peers idle for longer than connection_timeout and returns how
// many remain.
func (s *Satisfactory) expire(now time.Time) int {
	idle := s.peerIdle()

	s.peersMu.Lock()
	defer s.peersMu.Unlock()
	for peer, last := range s.peers {
		if now.Sub(last) > idle {
			delete(s.peers, peer)
		}
	}
	return len(s.peers)
}

// sweep expires idle peers until ctx is cancelled.
func (s *Satisfactory) sweep(ctx context.Context) {
	interval := max(s.peerIdle()/2, 10*time.Millisecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.sink.Peers(models.GameSatisfactory, 0)
			return
		case now := <-ticker.C:
			s.sink.Peers(models.GameSatisfactory, s.expire(now))
		}
	}
}

// Inspect classifies any datagram as raw traffic.
func (s *Satisfactory) Inspect(_ []byte) (models.Classification, bool) {
	return models.ClassRawTraffic, true
}

// Respond returns nil; the protocol is not emulated.
func (s *Satisfactory) Respond(_ models.LifecycleState, _ []byte) []byte {
	return nil
}
