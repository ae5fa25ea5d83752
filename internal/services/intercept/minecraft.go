package intercept

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fgeck/wol-gameproxy/internal/models"
	"github.com/fgeck/wol-gameproxy/internal/protocol/minecraft"
	"github.com/rs/zerolog"
)

// Minecraft answers server list pings and turns login attempts away while
// the real server is asleep.
type Minecraft struct {
	cfg    atomic.Pointer[models.ProxyConfig]
	state  StateFunc
	sink   Sink
	logger zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    sync.WaitGroup
}

// NewMinecraft creates a Minecraft interceptor for cfg.
func NewMinecraft(cfg *models.ProxyConfig, deps Deps) *Minecraft {
	m := &Minecraft{
		state:  deps.State,
		sink:   deps.Sink,
		logger: deps.Logger.With().Str("component", "minecraft").Logger(),
	}
	m.cfg.Store(cfg)
	return m
}

// Game returns models.GameMinecraft.
func (m *Minecraft) Game() models.Game {
	return models.GameMinecraft
}

// Ports returns the configured TCP port.
func (m *Minecraft) Ports() []int {
	return []int{m.cfg.Load().Minecraft.Port}
}

// Update swaps in a reloaded configuration.
func (m *Minecraft) Update(cfg *models.ProxyConfig) {
	m.cfg.Store(cfg)
}

// Listen binds the TCP listener.
func (m *Minecraft) Listen(ctx context.Context) error {
	cfg := m.cfg.Load()
	addr := net.JoinHostPort(cfg.Server.ListenAddress, strconv.Itoa(cfg.Minecraft.Port))

	lc := reuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp4", addr)
	if err != nil {
		return fmt.Errorf("failed to start Minecraft listener on %s: %w", addr, err)
	}

	m.mu.Lock()
	m.listener = ln
	m.mu.Unlock()

	m.logger.Info().Str("addr", ln.Addr().String()).Msg("Minecraft listener started")
	return nil
}

// Addrs returns the bound listener address.
func (m *Minecraft) Addrs() []net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener == nil {
		return nil
	}
	return []net.Addr{m.listener.Addr()}
}

// Close stops accepting connections.
func (m *Minecraft) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener == nil {
		return nil
	}
	return m.listener.Close()
}

// Serve accepts connections until ctx is cancelled or the listener is closed,
// then waits for in-flight connections.
func (m *Minecraft) Serve(ctx context.Context) error {
	m.mu.Lock()
	ln := m.listener
	m.mu.Unlock()
	if ln == nil {
		return errors.New("minecraft listener not started")
	}

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer m.conns.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				m.logger.Info().Msg("Minecraft listener stopping")
				return nil
			}
			m.logger.Error().Err(err).Msg("failed to accept connection")
			continue
		}

		m.conns.Add(1)
		go func() {
			defer m.conns.Done()
			m.handle(conn)
		}()
	}
}

// Inspect classifies a buffer holding at least a complete handshake.
func (m *Minecraft) Inspect(data []byte) (models.Classification, bool) {
	h, err := decodeHandshake(data)
	if err != nil {
		return "", false
	}
	if h.IsLogin() {
		return models.ClassJoinAttempt, true
	}
	return models.ClassStatusQuery, true
}

// Respond returns the status response packet for state. The protocol version
// is taken from the handshake in hello when none is configured.
func (m *Minecraft) Respond(state models.LifecycleState, hello []byte) []byte {
	var clientProtocol int32
	if h, err := decodeHandshake(hello); err == nil {
		clientProtocol = h.ProtocolVersion
	}
	return m.statusPacket(state, clientProtocol)
}

func decodeHandshake(data []byte) (minecraft.Handshake, error) {
	p, _, err := minecraft.DecodePacket(data)
	if err != nil {
		return minecraft.Handshake{}, err
	}
	return minecraft.ParseHandshake(p)
}

func (m *Minecraft) statusPacket(state models.LifecycleState, clientProtocol int32) []byte {
	if !state.HoldsIdentity() {
		return nil
	}
	mc := m.cfg.Load().Minecraft

	protocol := int32(mc.ProtocolVersion)
	if protocol == 0 {
		protocol = clientProtocol
	}

	resp := minecraft.StatusResponse{
		Version:     minecraft.StatusVersion{Name: mc.VersionTextOffline, Protocol: protocol},
		Players:     minecraft.StatusPlayers{Max: mc.MaxPlayersDisplay},
		Description: minecraft.Text{Text: mc.MOTDOffline},
	}
	if state != models.StateOffline {
		resp.Version.Name = mc.VersionTextStarting
		resp.Description.Text = mc.MOTDStarting
	}

	packet, err := minecraft.StatusPacket(resp)
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to build status response")
		return nil
	}
	return packet
}

func (m *Minecraft) handle(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	logger := m.logger.With().Str("peer", conn.RemoteAddr().String()).Logger()
	m.sink.Observe(models.GameMinecraft)

	// The real server owns the address; nothing to answer.
	if !m.state().HoldsIdentity() {
		logger.Debug().Msg("closing connection, server is handed off")
		return
	}

	cfg := m.cfg.Load()
	if cfg.Timing.ConnectionTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(cfg.Timing.ConnectionTimeout))
	}

	r := bufio.NewReader(conn)
	p, err := minecraft.ReadPacket(r)
	if err != nil {
		logger.Debug().Err(err).Msg("failed to read handshake")
		return
	}
	hello := p.Marshal()
	class, ok := m.Inspect(hello)
	if !ok {
		logger.Debug().Msg("invalid handshake")
		return
	}

	h, _ := minecraft.ParseHandshake(p)
	logger = logger.With().
		Int32("protocol", h.ProtocolVersion).
		Stringer("intent", h.Intent).
		Logger()

	if class == models.ClassJoinAttempt {
		m.handleLogin(conn, r, logger)
		return
	}
	m.handleStatus(conn, r, hello, logger)
}

func (m *Minecraft) handleLogin(conn net.Conn, r *bufio.Reader, logger zerolog.Logger) {
	ev := models.InboundEvent{
		Game:           models.GameMinecraft,
		Classification: models.ClassJoinAttempt,
		Peer:           conn.RemoteAddr(),
		Timestamp:      time.Now(),
	}

	// Login Start normally arrives in the same segment as the handshake.
	if r.Buffered() > 0 {
		if p, err := minecraft.ReadPacket(r); err == nil {
			if name, err := minecraft.ParseLoginStart(p); err == nil {
				ev.Detail = name
				logger = logger.With().Str("player", name).Logger()
			}
		}
	}

	logger.Info().Msg("login attempt detected")
	m.sink.Publish(ev)

	packet, err := minecraft.DisconnectPacket(m.cfg.Load().Minecraft.KickMessage)
	if err != nil {
		logger.Error().Err(err).Msg("failed to build disconnect packet")
		return
	}
	if _, err := conn.Write(packet); err != nil {
		logger.Debug().Err(err).Msg("failed to send disconnect")
	}
}

func (m *Minecraft) handleStatus(conn net.Conn, r *bufio.Reader, hello []byte, logger zerolog.Logger) {
	m.sink.Publish(models.InboundEvent{
		Game:           models.GameMinecraft,
		Classification: models.ClassStatusQuery,
		Peer:           conn.RemoteAddr(),
		Timestamp:      time.Now(),
	})

	for {
		p, err := minecraft.ReadPacket(r)
		if err != nil {
			logger.Debug().Err(err).Msg("status exchange ended")
			return
		}

		switch p.ID {
		case minecraft.StatusRequestID:
			packet := m.Respond(m.state(), hello)
			if packet == nil {
				return
			}
			if _, err := conn.Write(packet); err != nil {
				logger.Debug().Err(err).Msg("failed to send status response")
				return
			}
		case minecraft.PingID:
			payload, err := minecraft.ParsePing(p)
			if err != nil {
				logger.Debug().Err(err).Msg("invalid ping")
				return
			}
			if _, err := conn.Write(minecraft.PongPacket(payload)); err != nil {
				logger.Debug().Err(err).Msg("failed to send pong")
			}
			logger.Debug().Msg("status request completed with ping/pong")
			return
		default:
			logger.Debug().Uint8("packet", p.ID).Msg("unexpected packet in status state")
			return
		}
	}
}
