package models

import "time"

// Statistics holds the monotonic counters reported by the proxy.
type Statistics struct {
	WakeAttempts            uint64 `json:"wake_attempts"`
	WakeCycles              uint64 `json:"wake_cycles"`
	SuccessfulWakes         uint64 `json:"successful_wakes"`
	FailedWakes             uint64 `json:"failed_wakes"`
	ServerLost              uint64 `json:"server_lost"`
	StateTransitions        uint64 `json:"state_transitions"`
	MinecraftConnections    uint64 `json:"minecraft_connections"`
	SatisfactoryConnections uint64 `json:"satisfactory_connections"`
	StatusQueries           uint64 `json:"status_queries"`
	JoinAttempts            uint64 `json:"join_attempts"`
	IdentityErrors          uint64 `json:"identity_errors"`
	DroppedEvents           uint64 `json:"dropped_events"`
}

// StatusSnapshot is the read-only view handed to reporting sinks.
type StatusSnapshot struct {
	State             LifecycleState      `json:"state"`
	StateSince        time.Time           `json:"state_since"`
	IdentityHeld      bool                `json:"identity_held"`
	TargetIP          string              `json:"target_ip"`
	StartedAt         time.Time           `json:"started_at"`
	Statistics        Statistics          `json:"statistics"`
	SatisfactoryPeers int                 `json:"satisfactory_peers"` // peers active within connection_timeout
	LastWake          *WakeAttemptRecord  `json:"last_wake,omitempty"`
	RecentWakes       []WakeAttemptRecord `json:"recent_wakes,omitempty"`
}

// ProbeResult holds the result of a health probe.
type ProbeResult struct {
	Reachable bool
	Endpoint  string
	Duration  time.Duration
	Error     error
}
