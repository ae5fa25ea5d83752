// Package wol provides Wake-on-LAN operations.
package wol

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/fgeck/wol-gameproxy/internal/models"
	"github.com/mdlayher/wol"
	"github.com/rs/zerolog"
)

// Service defines the interface for Wake-on-LAN operations.
type Service interface {
	Wake(ctx context.Context, server models.ServerConfig, cfg models.WOLConfig) (*models.WakeResult, error)
	// Recent returns up to n of the latest sends, oldest first. n <= 0 returns
	// every retained record.
	Recent(n int) []models.WakeAttemptRecord
	LastRecord() *models.WakeAttemptRecord
}

// MaxRecords is how many sends are retained; older ones are dropped.
const MaxRecords = 100

// Client wraps the wol library for mocking.
type Client interface {
	// Wake sends a magic packet as a UDP datagram to addr (host:port).
	Wake(addr string, mac net.HardwareAddr) error
	// WakeRaw sends a magic packet as an Ethernet frame on the named interface.
	WakeRaw(iface string, mac net.HardwareAddr) error
}

// DefaultClient is the default implementation using mdlayher/wol.
type DefaultClient struct{}

// Wake sends a magic packet to the specified address.
func (c *DefaultClient) Wake(addr string, mac net.HardwareAddr) error {
	client, err := wol.NewClient()
	if err != nil {
		return fmt.Errorf("failed to create WOL client: %w", err)
	}
	defer func() { _ = client.Close() }()

	if err := client.Wake(addr, mac); err != nil {
		return fmt.Errorf("failed to send WOL packet: %w", err)
	}

	return nil
}

// WakeRaw sends a magic packet on the interface. Requires CAP_NET_RAW.
func (c *DefaultClient) WakeRaw(iface string, mac net.HardwareAddr) error {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return fmt.Errorf("looking up interface %s: %w", iface, err)
	}

	client, err := wol.NewRawClient(ifi)
	if err != nil {
		return fmt.Errorf("failed to create raw WOL client: %w", err)
	}
	defer func() { _ = client.Close() }()

	if err := client.Wake(mac); err != nil {
		return fmt.Errorf("failed to send WOL frame: %w", err)
	}

	return nil
}

// MagicPacket returns the 102-byte payload that wakes mac.
func MagicPacket(mac string) ([]byte, error) {
	hw, err := models.ParseMAC(mac)
	if err != nil {
		return nil, fmt.Errorf("invalid MAC address %q: %w", mac, err)
	}
	p := &wol.MagicPacket{Target: hw}
	return p.MarshalBinary()
}

// BroadcastAddress returns the directed broadcast address of ip within a
// network of the given prefix length.
func BroadcastAddress(ip string, prefix int) (net.IP, error) {
	v4 := net.ParseIP(ip).To4()
	if v4 == nil {
		return nil, fmt.Errorf("invalid IPv4 address: %s", ip)
	}
	if prefix < 0 || prefix > 32 {
		return nil, fmt.Errorf("invalid prefix length: %d", prefix)
	}
	mask := net.CIDRMask(prefix, 32)
	out := make(net.IP, net.IPv4len)
	for i := range out {
		out[i] = v4[i] | ^mask[i]
	}
	return out, nil
}

// Impl implements the WOL Service interface.
type Impl struct {
	wolClient Client
	logger    zerolog.Logger
	now       func() time.Time

	mu      sync.Mutex
	records []models.WakeAttemptRecord
}

// New creates a new WOL service.
func New(logger zerolog.Logger) *Impl {
	return NewWithClient(logger, &DefaultClient{})
}

// NewWithClient creates a new WOL service with a custom client (for testing).
func NewWithClient(logger zerolog.Logger, wolClient Client) *Impl {
	return &Impl{
		wolClient: wolClient,
		logger:    logger,
		now:       time.Now,
	}
}

// Wake sends one magic packet to every configured destination and records
// each send. It does not wait for the target; PacketSent means at least one
// destination accepted the packet.
func (s *Impl) Wake(ctx context.Context, server models.ServerConfig, cfg models.WOLConfig) (*models.WakeResult, error) {
	result := &models.WakeResult{}

	mac, err := models.ParseMAC(server.MACAddress)
	if err != nil {
		result.Error = fmt.Errorf("invalid MAC address %q: %w", server.MACAddress, err)
		return result, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if cfg.Raw {
		dest := "raw:" + server.NetworkInterface
		s.logger.Info().
			Str("mac", mac.String()).
			Str("interface", server.NetworkInterface).
			Msg("sending WOL frame")
		err := s.wolClient.WakeRaw(server.NetworkInterface, mac)
		s.record(dest, err)
		result.Destinations = []string{dest}
		if err != nil {
			result.Error = err
			return result, nil //nolint:nilerr // error is carried in the result
		}
		result.PacketSent = true
		return result, nil
	}

	broadcast := cfg.BroadcastIP
	if broadcast == "" {
		ip, err := BroadcastAddress(server.TargetIP, server.PrefixLength())
		if err != nil {
			result.Error = err
			return result, nil //nolint:nilerr // error is carried in the result
		}
		broadcast = ip.String()
	}

	ports := cfg.Ports
	if len(ports) == 0 {
		ports = []int{9}
	}

	var errs []error
	for _, port := range ports {
		dest := net.JoinHostPort(broadcast, strconv.Itoa(port))
		s.logger.Info().
			Str("mac", mac.String()).
			Str("destination", dest).
			Msg("sending WOL packet")

		err := s.wolClient.Wake(dest, mac)
		s.record(dest, err)
		result.Destinations = append(result.Destinations, dest)
		if err != nil {
			s.logger.Warn().Err(err).Str("destination", dest).Msg("WOL send failed")
			errs = append(errs, fmt.Errorf("%s: %w", dest, err))
			continue
		}
		result.PacketSent = true
	}
	result.Error = errors.Join(errs...)

	if result.PacketSent {
		s.logger.Debug().Int("destinations", len(ports)).Msg("WOL packet sent successfully")
	}

	return result, nil
}

func (s *Impl) record(dest string, err error) {
	rec := models.WakeAttemptRecord{
		Timestamp:   s.now(),
		Destination: dest,
		Success:     err == nil,
	}
	if err != nil {
		rec.Error = err.Error()
	}

	s.mu.Lock()
	if len(s.records) == MaxRecords {
		s.records = append(s.records[:0], s.records[1:]...)
	}
	s.records = append(s.records, rec)
	s.mu.Unlock()
}

// Recent implements Service.
func (s *Impl) Recent(n int) []models.WakeAttemptRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := s.records
	if n > 0 && len(records) > n {
		records = records[len(records)-n:]
	}
	out := make([]models.WakeAttemptRecord, len(records))
	copy(out, records)
	return out
}

// LastRecord returns the most recent send, or nil if none happened yet.
func (s *Impl) LastRecord() *models.WakeAttemptRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.records) == 0 {
		return nil
	}
	rec := s.records[len(s.records)-1]
	return &rec
}
