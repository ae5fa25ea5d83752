package health

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/mdlayher/arp"
)

// ErrNoReply is returned when nobody with the expected MAC answered.
var ErrNoReply = errors.New("no ARP reply from target")

// Resolver checks link-layer presence of a host.
type Resolver interface {
	// Open verifies that a socket for presence checks can be opened on iface.
	Open(iface string) error
	Present(iface string, ip netip.Addr, mac net.HardwareAddr, timeout time.Duration) error
}

// ARPResolver asks for ip on the interface and waits for a reply sent from
// mac. Replies carrying any other hardware address, including this host's
// own answers for an alias it holds, are ignored. Requires CAP_NET_RAW.
type ARPResolver struct{}

// Open implements Resolver. It fails without CAP_NET_RAW.
func (r *ARPResolver) Open(iface string) error {
	client, err := r.dial(iface)
	if err != nil {
		return err
	}
	return client.Close()
}

func (r *ARPResolver) dial(iface string) (*arp.Client, error) {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, fmt.Errorf("looking up interface %s: %w", iface, err)
	}
	client, err := arp.Dial(ifi)
	if err != nil {
		return nil, fmt.Errorf("opening ARP socket on %s: %w", iface, err)
	}
	return client, nil
}

// Present implements Resolver.
func (r *ARPResolver) Present(iface string, ip netip.Addr, mac net.HardwareAddr, timeout time.Duration) error {
	client, err := r.dial(iface)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	if err := client.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	if err := client.Request(ip); err != nil {
		return fmt.Errorf("sending ARP request: %w", err)
	}

	for {
		p, _, err := client.Read()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return ErrNoReply
			}
			return err
		}
		if p.Operation != arp.OperationReply || p.SenderIP != ip {
			continue
		}
		if bytes.Equal(p.SenderHardwareAddr, mac) {
			return nil
		}
	}
}
