package circadian

import "circadia/internal/logging"

// Snapshot is the flat serializable record of scheduler state. A process
// restart restores from it to resume mid-cycle instead of resetting to the
// initial phase.
type Snapshot struct {
	Phase                string             `json:"phase"`
	CycleTimeMs          float64            `json:"cycle_time_ms"`
	PhaseTimeMs          float64            `json:"phase_time_ms"`
	TotalTimeMs          float64            `json:"total_time_ms"`
	LastChangeAtMs       float64            `json:"last_change_at_ms"`
	HasChanged           bool               `json:"has_changed"`
	CyclesCompleted      int64              `json:"cycles_completed"`
	EnergyRemaining      float64            `json:"energy_remaining"`
	Transitions          int64              `json:"transitions"`
	HysteresisSuppressed int64              `json:"hysteresis_suppressed"`
	Reactions            map[string]int64   `json:"reactions"`
	Rejections           map[string]int64   `json:"rejections"`
}

// Snapshot captures current state as a flat record.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Phase:                s.current.String(),
		CycleTimeMs:          s.cycleTime,
		PhaseTimeMs:          s.phaseTime,
		TotalTimeMs:          s.totalTime,
		LastChangeAtMs:       s.lastChangeAt,
		HasChanged:           s.hasChanged,
		CyclesCompleted:      s.cyclesCompleted,
		EnergyRemaining:      s.energyRemaining,
		Transitions:          s.transitions,
		HysteresisSuppressed: s.hysteresisSuppressed,
		Reactions:            make(map[string]int64, phaseCount),
		Rejections:           make(map[string]int64, phaseCount),
	}
	for p, n := range s.reactions {
		snap.Reactions[p.String()] = n
	}
	for p, n := range s.rejections {
		snap.Rejections[p.String()] = n
	}
	return snap
}

// Restore overwrites scheduler state from a snapshot. Counter maps with
// unknown phase names are rejected; the modulation is intentionally not
// restored (overrides are transient and do not survive a restart).
func (s *Scheduler) Restore(snap Snapshot) error {
	phase, err := ParsePhase(snap.Phase)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return ErrDisposed
	}

	reactions := make(map[Phase]int64, phaseCount)
	for name, n := range snap.Reactions {
		p, err := ParsePhase(name)
		if err != nil {
			return err
		}
		reactions[p] = n
	}
	rejections := make(map[Phase]int64, phaseCount)
	for name, n := range snap.Rejections {
		p, err := ParsePhase(name)
		if err != nil {
			return err
		}
		rejections[p] = n
	}

	s.current = phase
	s.cycleTime = snap.CycleTimeMs
	s.phaseTime = snap.PhaseTimeMs
	s.totalTime = snap.TotalTimeMs
	s.lastChangeAt = snap.LastChangeAtMs
	s.hasChanged = snap.HasChanged
	s.cyclesCompleted = snap.CyclesCompleted
	s.energyRemaining = snap.EnergyRemaining
	s.transitions = snap.Transitions
	s.hysteresisSuppressed = snap.HysteresisSuppressed
	s.reactions = reactions
	s.rejections = rejections
	s.mod = nil

	logging.Cycle("scheduler: restored snapshot (phase=%s cycle_time=%.0fms cycles=%d)",
		phase, snap.CycleTimeMs, snap.CyclesCompleted)
	return nil
}
