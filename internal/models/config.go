// Package models contains the data structures used throughout wol-gameproxy.
package models

import (
	"net"
	"time"
)

// ProxyConfig holds the complete configuration for a proxy instance.
type ProxyConfig struct {
	Server       ServerConfig
	Timing       TimingConfig
	Minecraft    *MinecraftConfig    // nil if disabled
	Satisfactory *SatisfactoryConfig // nil if disabled
	WOL          WOLConfig
	Health       HealthConfig
	Identity     IdentityConfig
	Status       StatusConfig
	SSHShutdown  *SSHShutdownConfig // nil if not configured
	Telegram     *TelegramConfig    // nil if not configured
}

// ServerConfig describes the target machine the proxy stands in for.
type ServerConfig struct {
	TargetIP         string
	MACAddress       string
	NetworkInterface string
	NetworkMask      string // prefix length ("24") or dotted mask ("255.255.255.0")
	ListenAddress    string // address the interceptors bind to
}

// PrefixLength returns the mask as a CIDR prefix length.
// Invalid masks fall back to /24.
func (s ServerConfig) PrefixLength() int {
	if ip := net.ParseIP(s.NetworkMask); ip != nil && ip.To4() != nil {
		ones, bits := net.IPMask(ip.To4()).Size()
		if bits != 0 {
			return ones
		}
	}
	n := 0
	for _, r := range s.NetworkMask {
		if r < '0' || r > '9' {
			return 24
		}
		n = n*10 + int(r-'0')
	}
	if s.NetworkMask == "" || n > 32 {
		return 24
	}
	return n
}

// TimingConfig holds every timer the state machine uses.
type TimingConfig struct {
	BootWait               time.Duration // max time spent in STARTING
	HealthCheckInterval    time.Duration // probe interval in MONITORING
	BootCheckInterval      time.Duration // probe interval in STARTING
	WOLRetryInterval       time.Duration // magic packet resend interval in STARTING
	ConnectionTimeout      time.Duration // per-client read deadline
	ServerCheckTimeout     time.Duration // per-probe dial timeout
	HealthFailureThreshold int           // consecutive failures before MONITORING -> OFFLINE
}

// MinecraftConfig holds Minecraft interceptor settings.
type MinecraftConfig struct {
	Port                int
	ProtocolVersion     int // 0 echoes the client's protocol version
	MOTDOffline         string
	MOTDStarting        string
	VersionTextOffline  string
	VersionTextStarting string
	KickMessage         string
	MaxPlayersDisplay   int
}

// SatisfactoryConfig holds Satisfactory interceptor settings.
type SatisfactoryConfig struct {
	GamePort   int
	QueryPort  int
	BeaconPort int
}

// Ports returns every UDP port the interceptor listens on.
func (c SatisfactoryConfig) Ports() []int {
	return []int{c.GamePort, c.QueryPort, c.BeaconPort}
}

// HealthConfig holds health probe settings.
type HealthConfig struct {
	AdminPort int // optional secondary TCP port, 0 disables
}

// IdentityConfig controls how the IP alias is managed.
type IdentityConfig struct {
	UseSudo  bool
	Announce bool // send gratuitous ARP after a claim
}

// StatusConfig controls the status HTTP endpoint.
type StatusConfig struct {
	Enabled        bool
	Listen         string
	AllowedOrigins []string // CORS origins, empty allows any
}
