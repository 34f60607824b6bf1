// Package fleet implements the per-agent duty layer: it maps the scheduler's
// current phase plus each agent's criticality policy to a binary active/asleep
// decision, orchestrates ordered fleet-wide transitions, and tracks cumulative
// duty savings.
package fleet

import (
	"context"
	"fmt"
	"time"
)

// Criticality is the policy tier controlling how aggressively an agent may be
// put to sleep.
type Criticality int

const (
	CriticalityLow Criticality = iota
	CriticalityMedium
	CriticalityHigh
	// CriticalityCritical agents are never put to sleep.
	CriticalityCritical
)

var criticalityNames = [...]string{"low", "medium", "high", "critical"}

func (c Criticality) String() string {
	if c < CriticalityLow || c > CriticalityCritical {
		return fmt.Sprintf("criticality(%d)", int(c))
	}
	return criticalityNames[c]
}

// ParseCriticality converts a config string into a Criticality.
func ParseCriticality(s string) (Criticality, error) {
	for i, name := range criticalityNames {
		if s == name {
			return Criticality(i), nil
		}
	}
	return 0, fmt.Errorf("unknown criticality %q", s)
}

// Policy is the per-agent duty configuration supplied at registration.
type Policy struct {
	Criticality Criticality
	// MinActiveFraction is the pacing floor: the fraction of each cycle the
	// agent must spend active. An agent behind on pacing is kept awake in
	// phases that would otherwise sleep it.
	MinActiveFraction float64
	// CanRest permits sleeping at all. Forced true for critical agents is
	// ignored; criticality wins.
	CanRest bool
	// DutyFactorOverride replaces the phase duty factor for this agent when
	// set. Must be in [0,1].
	DutyFactorOverride *float64
}

func (p Policy) validate() error {
	if p.Criticality < CriticalityLow || p.Criticality > CriticalityCritical {
		return fmt.Errorf("invalid criticality %d", int(p.Criticality))
	}
	if p.MinActiveFraction < 0 || p.MinActiveFraction > 1 {
		return fmt.Errorf("min active fraction must be in [0,1], got %g", p.MinActiveFraction)
	}
	if p.DutyFactorOverride != nil && (*p.DutyFactorOverride < 0 || *p.DutyFactorOverride > 1) {
		return fmt.Errorf("duty factor override must be in [0,1], got %g", *p.DutyFactorOverride)
	}
	return nil
}

// Agent is the minimal handle the manager holds. The manager reads identity
// only; it never starts or stops agent goroutines.
type Agent interface {
	AgentID() string
}

// SleepWaker is the optional capability an agent opts into to be notified of
// duty transitions. Agents without it are tracked but not called back.
type SleepWaker interface {
	OnSleep(ctx context.Context) error
	OnWake(ctx context.Context) error
}

// RuntimeState is the manager's view of a registered agent.
type RuntimeState struct {
	IsSleeping              bool
	TimeInStateMs           float64
	ActiveTimeThisCycleMs   float64
	TasksProcessedThisCycle int64
	LastActivity            time.Time
}

// AgentState pairs an agent's policy with its runtime state.
type AgentState struct {
	AgentID string
	Policy  Policy
	State   RuntimeState
}
