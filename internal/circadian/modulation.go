package circadian

// Modulation is a transient override applied to the scheduler. At most one
// is active at a time; applying a new one replaces the old.
type Modulation struct {
	// ID is assigned on apply.
	ID string

	// ForcePhase pins the scheduler to a phase, bypassing both selection
	// strategies and hysteresis. Nil leaves selection alone.
	ForcePhase *Phase

	// ImportanceMultiplier scales the current phase's importance threshold.
	// Zero means "no change" (treated as 1.0).
	ImportanceMultiplier float64

	// DutyAdjustment is added to the phase duty factor, clamped to [0,1].
	DutyAdjustment float64

	// ExpiresAfterMs is scheduler time until auto-expiry. Zero means the
	// modulation stays until explicitly cleared.
	ExpiresAfterMs float64

	// Reason is free text carried into logs and events.
	Reason string
}

// importanceMultiplier returns the effective multiplier with the zero-value
// default applied.
func (m *Modulation) importanceMultiplier() float64 {
	if m == nil || m.ImportanceMultiplier == 0 {
		return 1.0
	}
	return m.ImportanceMultiplier
}
