// Package health probes whether the real game server is reachable.
package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/fgeck/wol-gameproxy/internal/models"
	"github.com/rs/zerolog"
)

// Service defines the interface for health probes.
type Service interface {
	Check(ctx context.Context, host string, ports []int, timeout time.Duration) *models.ProbeResult
	Present(ctx context.Context, server models.ServerConfig, timeout time.Duration) *models.ProbeResult
	Preflight(server models.ServerConfig) error
}

// Dialer allows mocking net.Dialer in tests.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Impl implements the Service interface.
type Impl struct {
	dialer   Dialer
	resolver Resolver
	logger   zerolog.Logger
}

// New creates a new health service.
func New(logger zerolog.Logger) *Impl {
	return NewWithDeps(logger, &net.Dialer{}, &ARPResolver{})
}

// NewWithDialer creates a new health service with a custom dialer (for testing).
func NewWithDialer(logger zerolog.Logger, dialer Dialer) *Impl {
	return NewWithDeps(logger, dialer, &ARPResolver{})
}

// NewWithDeps creates a new health service with custom collaborators (for testing).
func NewWithDeps(logger zerolog.Logger, dialer Dialer, resolver Resolver) *Impl {
	return &Impl{
		dialer:   dialer,
		resolver: resolver,
		logger:   logger,
	}
}

// Ports returns the TCP ports to probe for cfg: the primary game port, then
// the optional admin port.
func Ports(cfg *models.ProxyConfig) []int {
	var ports []int
	switch {
	case cfg.Minecraft != nil:
		ports = append(ports, cfg.Minecraft.Port)
	case cfg.Satisfactory != nil:
		ports = append(ports, cfg.Satisfactory.GamePort)
	}
	if cfg.Health.AdminPort != 0 {
		ports = append(ports, cfg.Health.AdminPort)
	}
	return ports
}

// Check tries a TCP connect to each port in order and reports the target
// reachable as soon as one succeeds. Timeouts and refused connections are
// reported as unreachable, never as errors.
func (s *Impl) Check(ctx context.Context, host string, ports []int, timeout time.Duration) *models.ProbeResult {
	result := &models.ProbeResult{}
	start := time.Now()

	var errs []error
	for _, port := range ports {
		endpoint := net.JoinHostPort(host, strconv.Itoa(port))
		err := s.dial(ctx, endpoint, timeout)
		if err == nil {
			result.Reachable = true
			result.Endpoint = endpoint
			break
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	result.Duration = time.Since(start)

	if !result.Reachable {
		result.Error = errors.Join(errs...)
		s.logger.Debug().
			Err(result.Error).
			Str("host", host).
			Dur("duration", result.Duration).
			Msg("target unreachable")
		return result
	}

	s.logger.Debug().
		Str("endpoint", result.Endpoint).
		Dur("duration", result.Duration).
		Msg("target reachable")
	return result
}

func (s *Impl) dial(ctx context.Context, endpoint string, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	conn, err := s.dialer.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return err
	}
	_ = conn.Close()
	return nil
}

// Present reports whether the server itself answers for its address on the
// link. It is used while the proxy holds the alias, since a TCP connect to an
// address this host owns never leaves the machine.
func (s *Impl) Present(ctx context.Context, server models.ServerConfig, timeout time.Duration) *models.ProbeResult {
	result := &models.ProbeResult{Endpoint: "arp:" + server.TargetIP}
	start := time.Now()

	ip, err := netip.ParseAddr(server.TargetIP)
	if err != nil {
		result.Error = fmt.Errorf("invalid target IP %q: %w", server.TargetIP, err)
		return result
	}
	mac, err := models.ParseMAC(server.MACAddress)
	if err != nil {
		result.Error = fmt.Errorf("invalid MAC address %q: %w", server.MACAddress, err)
		return result
	}

	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
		timeout = time.Until(deadline)
	}

	err = s.resolver.Present(server.NetworkInterface, ip, mac, timeout)
	result.Duration = time.Since(start)
	if err != nil {
		result.Error = err
		if errors.Is(err, ErrNoReply) {
			s.logger.Debug().Str("target", server.TargetIP).Msg("target not present on link")
		} else {
			s.logger.Warn().Err(err).Str("target", server.TargetIP).Msg("ARP presence check failed")
		}
		return result
	}

	result.Reachable = true
	s.logger.Debug().
		Str("target", server.TargetIP).
		Dur("duration", result.Duration).
		Msg("target present on link")
	return result
}

// Preflight makes sure Present can work on the configured interface. Without
// it a held alias would hide a running server forever.
func (s *Impl) Preflight(server models.ServerConfig) error {
	if err := s.resolver.Open(server.NetworkInterface); err != nil {
		return fmt.Errorf("ARP presence checks unavailable (CAP_NET_RAW required): %w", err)
	}
	s.logger.Debug().Str("interface", server.NetworkInterface).Msg("ARP socket available")
	return nil
}
