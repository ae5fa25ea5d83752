package orchestrator

import "github.com/fgeck/wol-gameproxy/internal/models"

// Trigger is an input to the state machine.
type Trigger int

const (
	// TriggerWake is a wake-worthy inbound event.
	TriggerWake Trigger = iota
	// TriggerSettle leaves a transitional state.
	TriggerSettle
	// TriggerProbeUp is a successful probe while booting.
	TriggerProbeUp
	// TriggerBootTimeout is the boot-wait deadline firing.
	TriggerBootTimeout
	// TriggerHealthLost is the failure threshold being reached while monitoring.
	TriggerHealthLost
)

func (t Trigger) String() string {
	switch t {
	case TriggerWake:
		return "wake"
	case TriggerSettle:
		return "settle"
	case TriggerProbeUp:
		return "probe-up"
	case TriggerBootTimeout:
		return "boot-timeout"
	case TriggerHealthLost:
		return "health-lost"
	default:
		return "unknown"
	}
}

// Effect is a side effect the orchestrator runs after a transition, in order.
type Effect int

const (
	EffectClaimIdentity Effect = iota
	EffectReleaseIdentity
	EffectSendWake
	EffectStartBootTimers
	EffectStopBootTimers
	EffectStartHealthChecks
	EffectStopHealthChecks
	EffectRecordWakeSuccess
	EffectRecordWakeFailure
	EffectRecordServerLost
)

type transitionKey struct {
	from    models.LifecycleState
	trigger Trigger
}

type transition struct {
	to      models.LifecycleState
	effects []Effect
}

var transitions = map[transitionKey]transition{
	{models.StateOffline, TriggerWake}: {
		to:      models.StateWaking,
		effects: []Effect{EffectClaimIdentity, EffectSendWake},
	},
	{models.StateWaking, TriggerSettle}: {
		to:      models.StateStarting,
		effects: []Effect{EffectStartBootTimers},
	},
	{models.StateStarting, TriggerProbeUp}: {
		to:      models.StateProxying,
		effects: []Effect{EffectStopBootTimers, EffectRecordWakeSuccess, EffectReleaseIdentity},
	},
	{models.StateStarting, TriggerBootTimeout}: {
		to:      models.StateOffline,
		effects: []Effect{EffectStopBootTimers, EffectRecordWakeFailure, EffectClaimIdentity},
	},
	{models.StateProxying, TriggerSettle}: {
		to:      models.StateMonitoring,
		effects: []Effect{EffectStartHealthChecks},
	},
	{models.StateMonitoring, TriggerHealthLost}: {
		to:      models.StateOffline,
		effects: []Effect{EffectStopHealthChecks, EffectRecordServerLost, EffectClaimIdentity},
	},
}

// Transition returns the next state and the effects to run for trigger in
// state from. ok is false when the trigger is a no-op in that state.
func Transition(from models.LifecycleState, trigger Trigger) (to models.LifecycleState, effects []Effect, ok bool) {
	tr, ok := transitions[transitionKey{from, trigger}]
	if !ok {
		return from, nil, false
	}
	return tr.to, tr.effects, true
}

// IsTransitional reports whether state is left immediately after its entry effects.
func IsTransitional(state models.LifecycleState) bool {
	return state == models.StateWaking || state == models.StateProxying
}
