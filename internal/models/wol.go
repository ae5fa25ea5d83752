package models

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// WOLConfig holds Wake-on-LAN delivery settings.
type WOLConfig struct {
	BroadcastIP string // derived from target IP and mask when empty
	Ports       []int
	Raw         bool // send Ethernet frames on the interface instead of UDP datagrams
}

// WakeAttemptRecord is appended for every magic packet send.
type WakeAttemptRecord struct {
	Timestamp   time.Time `json:"timestamp"`
	Destination string    `json:"destination"`
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`
}

// WakeResult holds the result of a Wake-on-LAN send.
type WakeResult struct {
	PacketSent   bool
	Destinations []string
	Error        error
}

// ParseMAC parses a MAC address in colon, dash, dotted or bare-hex form and
// requires a 6-byte EUI-48 address.
func ParseMAC(s string) (net.HardwareAddr, error) {
	s = strings.TrimSpace(s)
	if len(s) == 12 && !strings.ContainsAny(s, ":-.") {
		var b strings.Builder
		for i := 0; i < 12; i += 2 {
			if i > 0 {
				b.WriteByte(':')
			}
			b.WriteString(s[i : i+2])
		}
		s = b.String()
	}
	mac, err := net.ParseMAC(s)
	if err != nil {
		return nil, err
	}
	if len(mac) != 6 {
		return nil, fmt.Errorf("address %s: expected 6 bytes, got %d", s, len(mac))
	}
	return mac, nil
}
