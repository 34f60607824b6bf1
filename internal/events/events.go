// Package events carries the in-process event stream emitted by the
// scheduling core. Delivery is best-effort and synchronous: subscribers that
// cannot keep up drop events, they never block an emitter.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Type names an event on the stream.
type Type string

const (
	// TypePhaseTransition fires when the phase scheduler changes phase.
	TypePhaseTransition Type = "phase-transition"

	// TypeAgentSleep fires when a single agent is put to sleep.
	TypeAgentSleep Type = "agent-sleep"

	// TypeAgentWake fires when a single agent is woken.
	TypeAgentWake Type = "agent-wake"

	// TypeAgentError fires when an agent's sleep/wake callback fails during
	// a fleet batch. The batch continues past the failure.
	TypeAgentError Type = "agent-error"

	// TypeFleetRest is the aggregate event for a fleet-wide rest transition.
	TypeFleetRest Type = "fleet-rest"

	// TypeFleetWake is the aggregate event for a fleet-wide wake transition.
	TypeFleetWake Type = "fleet-wake"

	// TypeFleetPhaseChange fires on every phase change the duty manager
	// observes, whether or not any agent changed state.
	TypeFleetPhaseChange Type = "fleet-phase-change"

	// TypeSavingsMilestone fires when accumulated compute savings cross a
	// configured step.
	TypeSavingsMilestone Type = "savings-milestone"
)

// Event is a single entry on the stream. Fields beyond ID/Type/Timestamp are
// populated per type; unused fields are zero.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	AgentID   string  `json:"agent_id,omitempty"`
	FromPhase string  `json:"from_phase,omitempty"`
	ToPhase   string  `json:"to_phase,omitempty"`
	Reason    string  `json:"reason,omitempty"`
	Value     float64 `json:"value,omitempty"` // savings total, agent count, etc.
}

// New builds an event with a fresh ID and timestamp.
func New(t Type) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: time.Now(),
	}
}
