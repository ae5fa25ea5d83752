// Package identity manages the IP alias the proxy holds on behalf of the
// sleeping server.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fgeck/wol-gameproxy/internal/models"
	"github.com/mdlayher/arp"
	"github.com/mdlayher/ethernet"
	"github.com/rs/zerolog"
)

var (
	// ErrInterfaceNotFound is returned when the configured interface does not exist.
	ErrInterfaceNotFound = errors.New("network interface not found")
	// ErrPermission is returned when the helper lacks the privileges to change addresses.
	ErrPermission = errors.New("permission denied")
)

// Service defines the interface for identity operations.
type Service interface {
	Validate(ctx context.Context) error
	Claim(ctx context.Context) error
	Release(ctx context.Context) error
	Held() bool
}

// CommandExecutor allows mocking exec.Command in tests.
type CommandExecutor interface {
	Execute(ctx context.Context, name string, args ...string) ([]byte, error)
}

// DefaultExecutor is the default command executor using os/exec.
type DefaultExecutor struct{}

// Execute runs a command and returns its output.
func (e *DefaultExecutor) Execute(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

// Announcer tells neighbours that ip now lives at this host.
type Announcer interface {
	Announce(iface string, ip netip.Addr) error
}

// ARPAnnouncer sends gratuitous ARP replies using mdlayher/arp.
type ARPAnnouncer struct {
	Count int
}

// Announce broadcasts unsolicited ARP replies for ip. Requires CAP_NET_RAW.
func (a *ARPAnnouncer) Announce(iface string, ip netip.Addr) error {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return fmt.Errorf("looking up interface %s: %w", iface, err)
	}

	client, err := arp.Dial(ifi)
	if err != nil {
		return fmt.Errorf("opening ARP socket on %s: %w", iface, err)
	}
	defer func() { _ = client.Close() }()

	packet, err := arp.NewPacket(arp.OperationReply, ifi.HardwareAddr, ip, ethernet.Broadcast, ip)
	if err != nil {
		return fmt.Errorf("building ARP packet: %w", err)
	}

	count := a.Count
	if count <= 0 {
		count = 2
	}
	for i := 0; i < count; i++ {
		if err := client.WriteTo(packet, ethernet.Broadcast); err != nil {
			return fmt.Errorf("sending ARP packet: %w", err)
		}
	}
	return nil
}

// InterfaceLookup resolves an interface by name.
type InterfaceLookup func(name string) (*net.Interface, error)

// PrivilegeCheck reports whether the process may change interface addresses
// without a helper.
type PrivilegeCheck func() (bool, error)

// Impl implements the Service interface.
type Impl struct {
	server    models.ServerConfig
	cfg       models.IdentityConfig
	executor  CommandExecutor
	announcer Announcer
	lookup     InterfaceLookup
	privileged PrivilegeCheck
	logger     zerolog.Logger

	// mu serializes claim and release; held is only written under it.
	mu   sync.Mutex
	held atomic.Bool
}

// New creates a new identity service.
func New(logger zerolog.Logger, server models.ServerConfig, cfg models.IdentityConfig) *Impl {
	return NewWithDeps(logger, server, cfg, &DefaultExecutor{}, &ARPAnnouncer{}, net.InterfaceByName, NetAdmin)
}

// NewWithDeps creates a new identity service with custom collaborators (for testing).
func NewWithDeps(
	logger zerolog.Logger,
	server models.ServerConfig,
	cfg models.IdentityConfig,
	executor CommandExecutor,
	announcer Announcer,
	lookup InterfaceLookup,
	privileged PrivilegeCheck,
) *Impl {
	return &Impl{
		server:     server,
		cfg:        cfg,
		executor:   executor,
		announcer:  announcer,
		lookup:     lookup,
		privileged: privileged,
		logger:     logger.With().Str("component", "identity").Logger(),
	}
}

// Held reports whether the proxy currently holds the address. It does not
// wait for a claim or release in progress.
func (s *Impl) Held() bool {
	return s.held.Load()
}

func (s *Impl) cidr() string {
	return s.server.TargetIP + "/" + strconv.Itoa(s.server.PrefixLength())
}

func (s *Impl) run(ctx context.Context, args ...string) ([]byte, error) {
	if s.cfg.UseSudo {
		return s.executor.Execute(ctx, "sudo", append([]string{"-n", "ip"}, args...)...)
	}
	return s.executor.Execute(ctx, "ip", args...)
}

// Validate checks that the interface exists and that addresses on it can be
// changed, then seeds the ownership flag from the addresses currently on the
// interface.
func (s *Impl) Validate(ctx context.Context) error {
	if _, err := s.lookup(s.server.NetworkInterface); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInterfaceNotFound, s.server.NetworkInterface, err)
	}

	if err := s.checkPrivilege(ctx); err != nil {
		return err
	}

	output, err := s.run(ctx, "-o", "addr", "show", "dev", s.server.NetworkInterface)
	if err != nil {
		return classify("listing addresses", s.server.NetworkInterface, output, err)
	}

	held := hasAddress(string(output), s.server.TargetIP)
	s.mu.Lock()
	s.held.Store(held)
	s.mu.Unlock()

	s.logger.Debug().
		Str("interface", s.server.NetworkInterface).
		Str("address", s.cidr()).
		Bool("held", held).
		Msg("identity validated")
	return nil
}

// checkPrivilege fails with ErrPermission when claims could not succeed.
func (s *Impl) checkPrivilege(ctx context.Context) error {
	if s.cfg.UseSudo {
		output, err := s.run(ctx, "-V")
		if err != nil {
			return classify("checking sudo access", s.server.NetworkInterface, output, err)
		}
		return nil
	}

	if s.privileged == nil {
		return nil
	}
	ok, err := s.privileged()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPermission, err)
	}
	if !ok {
		return fmt.Errorf("%w: changing addresses needs root or CAP_NET_ADMIN, or set identity.use_sudo", ErrPermission)
	}
	return nil
}

// Claim adds the address to the interface. Claiming an address that is
// already present succeeds.
func (s *Impl) Claim(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.held.Load() {
		return nil
	}

	output, err := s.run(ctx, "addr", "add", s.cidr(), "dev", s.server.NetworkInterface)
	if err != nil && !alreadyPresent(string(output)) {
		return classify("claiming "+s.cidr(), s.server.NetworkInterface, output, err)
	}
	s.held.Store(true)

	s.logger.Info().
		Str("address", s.cidr()).
		Str("interface", s.server.NetworkInterface).
		Msg("claimed IP address")

	if s.cfg.Announce && s.announcer != nil {
		if addr, perr := netip.ParseAddr(s.server.TargetIP); perr == nil {
			if aerr := s.announcer.Announce(s.server.NetworkInterface, addr); aerr != nil {
				s.logger.Warn().Err(aerr).Msg("gratuitous ARP failed")
			}
		}
	}
	return nil
}

// Release removes the address from the interface. Releasing an address that
// is already absent succeeds.
func (s *Impl) Release(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.held.Load() {
		return nil
	}

	output, err := s.run(ctx, "addr", "del", s.cidr(), "dev", s.server.NetworkInterface)
	if err != nil && !alreadyAbsent(string(output)) {
		return classify("releasing "+s.cidr(), s.server.NetworkInterface, output, err)
	}
	s.held.Store(false)

	s.logger.Info().
		Str("address", s.cidr()).
		Str("interface", s.server.NetworkInterface).
		Msg("released IP address")
	return nil
}

func alreadyPresent(output string) bool {
	return strings.Contains(output, "File exists") || strings.Contains(output, "already assigned")
}

func alreadyAbsent(output string) bool {
	return strings.Contains(output, "Cannot assign requested address")
}

func classify(op, iface string, output []byte, err error) error {
	out := strings.TrimSpace(string(output))
	switch {
	case strings.Contains(out, "Cannot find device"), strings.Contains(out, "does not exist"):
		return fmt.Errorf("%s: %w: %s", op, ErrInterfaceNotFound, iface)
	case strings.Contains(out, "Operation not permitted"), strings.Contains(out, "password is required"):
		return fmt.Errorf("%s: %w: %s", op, ErrPermission, out)
	}
	return fmt.Errorf("%s: %w, output: %s", op, err, out)
}

// hasAddress reports whether `ip -o addr show` output lists ip.
func hasAddress(output, ip string) bool {
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		for i := 0; i+1 < len(fields); i++ {
			if fields[i] != "inet" {
				continue
			}
			if addr, _, ok := strings.Cut(fields[i+1], "/"); ok && addr == ip {
				return true
			}
		}
	}
	return false
}
