package session

import (
	"github.com/forge-project/forge/internal/metrics"
)

// ShutdownStep is one stage of a session teardown.
type ShutdownStep int

const (
	StepDisconnectRemoteClients ShutdownStep = iota
	StepCloseRemoteListener
	StepDespawnLocalPeers
	StepDespawnLocalClient
	StepDespawnLocalServer
	StepDisconnectFromServer
	StepDone
)

var shutdownStepStrings = map[ShutdownStep]string{
	StepDisconnectRemoteClients: "disconnect_remote_clients",
	StepCloseRemoteListener:     "close_remote_listener",
	StepDespawnLocalPeers:       "despawn_local_peers",
	StepDespawnLocalClient:      "despawn_local_client",
	StepDespawnLocalServer:      "despawn_local_server",
	StepDisconnectFromServer:    "disconnect_from_server",
	StepDone:                    "done",
}

func (s ShutdownStep) String() string {
	if str, ok := shutdownStepStrings[s]; ok {
		return str
	}
	return "done"
}

func (s ShutdownStep) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Plan names a teardown order.
type Plan string

const (
	PlanLocal  Plan = "local"
	PlanClient Plan = "client"
)

var plans = map[Plan][]ShutdownStep{
	PlanLocal: {
		StepDisconnectRemoteClients,
		StepCloseRemoteListener,
		StepDespawnLocalPeers,
		StepDespawnLocalClient,
		StepDespawnLocalServer,
		StepDone,
	},
	PlanClient: {
		StepDisconnectFromServer,
		StepDespawnLocalClient,
		StepDone,
	},
}

// StepFunc performs the side effect of a step and reports whether it is
// confirmed. It is called again on the next tick until it confirms.
type StepFunc func(ShutdownStep) bool

// Sequencer walks a plan one step per Step call. It only moves forward.
type Sequencer struct {
	plan  Plan
	steps []ShutdownStep
	idx   int
}

// NewSequencer starts a plan at its first step.
func NewSequencer(plan Plan) *Sequencer {
	return &Sequencer{plan: plan, steps: plans[plan]}
}

// Plan returns the plan being executed.
func (s *Sequencer) Plan() Plan { return s.plan }

// Current returns the active step.
func (s *Sequencer) Current() ShutdownStep {
	if s.idx >= len(s.steps) {
		return StepDone
	}
	return s.steps[s.idx]
}

// Len returns the number of steps including Done, which is also the
// number of ticks a teardown takes when every step confirms at once.
func (s *Sequencer) Len() int { return len(s.steps) }

// Step performs the current step. It returns true when the current step is
// Done, which the caller handles on that same tick.
func (s *Sequencer) Step(exec StepFunc) bool {
	step := s.Current()
	if step == StepDone {
		return true
	}
	if !exec(step) {
		return false
	}
	metrics.ShutdownStepsTotal.WithLabelValues(string(s.plan), step.String()).Inc()
	s.idx++
	return false
}
