package models

import (
	"fmt"
	"net"
	"time"
)

// LifecycleState is the proxy's view of the target server.
type LifecycleState int

const (
	StateOffline LifecycleState = iota
	StateWaking
	StateStarting
	StateProxying
	StateMonitoring
)

var lifecycleStateStrings = map[LifecycleState]string{
	StateOffline:    "offline",
	StateWaking:     "waking",
	StateStarting:   "starting",
	StateProxying:   "proxying",
	StateMonitoring: "monitoring",
}

// String returns the lowercase name of the state.
func (s LifecycleState) String() string {
	if str, ok := lifecycleStateStrings[s]; ok {
		return str
	}
	return "unknown"
}

// MarshalText serializes the state as its name.
func (s LifecycleState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *LifecycleState) UnmarshalText(text []byte) error {
	for state, name := range lifecycleStateStrings {
		if name == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown lifecycle state %q", text)
}

// HoldsIdentity reports whether the proxy must own the target IP in this state.
func (s LifecycleState) HoldsIdentity() bool {
	return s == StateOffline || s == StateWaking || s == StateStarting
}

// Game identifies an interceptor variant.
type Game string

const (
	GameMinecraft    Game = "minecraft"
	GameSatisfactory Game = "satisfactory"
)

// Classification is what an interceptor decided about inbound traffic.
type Classification string

const (
	ClassStatusQuery Classification = "status-query"
	ClassJoinAttempt Classification = "join-attempt"
	ClassRawTraffic  Classification = "raw-traffic"
)

// WakeWorthy reports whether the classification should trigger a wake cycle.
func (c Classification) WakeWorthy() bool {
	return c == ClassJoinAttempt || c == ClassRawTraffic
}

// InboundEvent is emitted by an interceptor for each classified connection or datagram.
type InboundEvent struct {
	Game           Game
	Classification Classification
	Peer           net.Addr
	Timestamp      time.Time
	Detail         string // e.g. player name from a login start packet
}
