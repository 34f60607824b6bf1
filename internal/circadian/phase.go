package circadian

import "fmt"

// Phase is one of the four duty-cycle phases. Exactly one phase is current
// at any instant.
type Phase int

const (
	// PhaseActive grants full compute; all agents run.
	PhaseActive Phase = iota
	// PhaseDawn ramps the fleet up; only high-criticality agents run early.
	PhaseDawn
	// PhaseDusk winds the fleet down; pacing decides who keeps running.
	PhaseDusk
	// PhaseRest is the low-power phase; consolidation work only.
	PhaseRest
)

// phaseCount is the number of phases in a cycle.
const phaseCount = 4

func (p Phase) String() string {
	switch p {
	case PhaseActive:
		return "active"
	case PhaseDawn:
		return "dawn"
	case PhaseDusk:
		return "dusk"
	case PhaseRest:
		return "rest"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

// ParsePhase converts a phase name back to a Phase.
func ParsePhase(s string) (Phase, error) {
	switch s {
	case "active":
		return PhaseActive, nil
	case "dawn":
		return PhaseDawn, nil
	case "dusk":
		return PhaseDusk, nil
	case "rest":
		return PhaseRest, nil
	default:
		return 0, fmt.Errorf("unknown phase %q", s)
	}
}

// PhaseConfig describes one phase's slice of the cycle and the behavior
// categories it permits.
type PhaseConfig struct {
	Duration            float64 // fraction of cycle, 0-1
	DutyFactor          float64 // fraction of full compute, 0-1
	ImportanceThreshold float64 // minimum event importance that gets a reaction
	AllowLearning       bool
	AllowConsolidation  bool
	AllowCompute        bool
}

// ring returns the cycle layout: the canonical Active->Dawn->Dusk->Rest
// order rotated so the configured initial phase occupies the start of the
// cycle. Phase spans are assigned along this ring.
func ring(initial Phase) [phaseCount]Phase {
	canonical := [phaseCount]Phase{PhaseActive, PhaseDawn, PhaseDusk, PhaseRest}
	start := 0
	for i, p := range canonical {
		if p == initial {
			start = i
			break
		}
	}
	var out [phaseCount]Phase
	for i := 0; i < phaseCount; i++ {
		out[i] = canonical[(start+i)%phaseCount]
	}
	return out
}
