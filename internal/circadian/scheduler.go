// Package circadian implements the long-period phase scheduler: a repeating
// cycle divided into four phases with configured durations and duty factors.
// The scheduler advances by elapsed time, selects the current phase either by
// direct time-range lookup or by winner-take-all competition over
// phase-affinity activations, and applies hysteresis so the fleet does not
// oscillate at phase boundaries.
package circadian

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"circadia/internal/events"
	"circadia/internal/logging"
	"circadia/internal/wta"

	"github.com/google/uuid"
)

// Strategy selects how the current phase is chosen from cycle position.
type Strategy int

const (
	// StrategyLookup walks phase spans in ring order. Deterministic and
	// authoritative; always available as the fallback.
	StrategyLookup Strategy = iota
	// StrategyCompetition feeds Gaussian phase-affinity activations into the
	// competition primitive and takes the winner. Degrades to lookup when
	// the primitive fails or returns no winner.
	StrategyCompetition
)

// costReductionSentinel is reported when the duty factor is zero, to avoid
// dividing by zero.
const costReductionSentinel = 100.0

// spanEpsilon makes phase spans inclusive of their upper boundary: a cycle
// position exactly on a boundary still belongs to the earlier phase.
const spanEpsilon = 1e-9

// ErrDisposed is returned by operations on a disposed scheduler.
var ErrDisposed = errors.New("scheduler is disposed")

// Config holds the scheduler's construction parameters.
type Config struct {
	PeriodMs     float64 // cycle period, must be positive
	HysteresisMs float64 // minimum dwell between transitions
	EnergyBudget float64 // energy per cycle, 0 = unlimited
	InitialPhase Phase
	Strategy     Strategy
	Phases       map[Phase]PhaseConfig // all four phases, durations sum to 1 +/- 1e-3
}

// DefaultConfig returns a valid scheduler configuration with a four hour
// cycle and a 40/15/15/30 phase split.
func DefaultConfig() Config {
	return Config{
		PeriodMs:     4 * 60 * 60 * 1000,
		HysteresisMs: 5000,
		InitialPhase: PhaseActive,
		Strategy:     StrategyLookup,
		Phases: map[Phase]PhaseConfig{
			PhaseActive: {Duration: 0.4, DutyFactor: 1.0, ImportanceThreshold: 0.1, AllowLearning: true, AllowCompute: true},
			PhaseDawn:   {Duration: 0.15, DutyFactor: 0.5, ImportanceThreshold: 0.3, AllowLearning: true, AllowCompute: true},
			PhaseDusk:   {Duration: 0.15, DutyFactor: 0.3, ImportanceThreshold: 0.5, AllowConsolidation: true, AllowCompute: true},
			PhaseRest:   {Duration: 0.3, DutyFactor: 0.05, ImportanceThreshold: 0.8, AllowConsolidation: true},
		},
	}
}

// Scheduler owns the cycle clock and the current phase. All mutable state is
// guarded by a single mutex; the scheduler performs no blocking I/O.
type Scheduler struct {
	mu   sync.Mutex
	cfg  Config
	ring [phaseCount]Phase
	comp wta.Competitor // may be nil: competition strategy degrades to lookup
	bus  *events.Bus    // may be nil: events are best-effort

	// Cycle clock (milliseconds of scheduler time).
	cycleTime       float64
	phaseTime       float64
	totalTime       float64
	current         Phase
	lastChangeAt    float64
	hasChanged      bool
	cyclesCompleted int64
	energyRemaining float64

	// Active modulation, if any.
	mod          *Modulation
	modAppliedAt float64

	// Counters.
	reactions            map[Phase]int64
	rejections           map[Phase]int64
	transitions          int64
	hysteresisSuppressed int64
	competitionFailures  int64
	modulationsExpired   int64

	// Events queued under the mutex, published after it is released so a
	// synchronous subscriber may call back into the scheduler.
	pending []events.Event

	disposed bool
}

// New constructs a Scheduler. comp and bus may be nil. Configuration errors
// are fatal and returned immediately; nothing is constructed.
func New(cfg Config, comp wta.Competitor, bus *events.Bus) (*Scheduler, error) {
	if err := validate(cfg); err != nil {
		return nil, err
	}

	s := &Scheduler{
		cfg:             cfg,
		ring:            ring(cfg.InitialPhase),
		comp:            comp,
		bus:             bus,
		current:         cfg.InitialPhase,
		energyRemaining: cfg.EnergyBudget,
		reactions:       make(map[Phase]int64, phaseCount),
		rejections:      make(map[Phase]int64, phaseCount),
	}

	logging.Cycle("scheduler: period=%.0fms hysteresis=%.0fms initial=%s strategy=%d",
		cfg.PeriodMs, cfg.HysteresisMs, cfg.InitialPhase, cfg.Strategy)
	return s, nil
}

func validate(cfg Config) error {
	if cfg.PeriodMs <= 0 {
		return fmt.Errorf("cycle period must be positive, got %g", cfg.PeriodMs)
	}
	if cfg.HysteresisMs < 0 {
		return fmt.Errorf("hysteresis must be >= 0, got %g", cfg.HysteresisMs)
	}
	if cfg.EnergyBudget < 0 {
		return fmt.Errorf("energy budget must be >= 0, got %g", cfg.EnergyBudget)
	}
	if len(cfg.Phases) != phaseCount {
		return fmt.Errorf("expected %d phase configs, got %d", phaseCount, len(cfg.Phases))
	}
	var sum float64
	for _, p := range [phaseCount]Phase{PhaseActive, PhaseDawn, PhaseDusk, PhaseRest} {
		pc, ok := cfg.Phases[p]
		if !ok {
			return fmt.Errorf("missing config for phase %s", p)
		}
		if pc.Duration < 0 || pc.Duration > 1 {
			return fmt.Errorf("phase %s duration out of range: %g", p, pc.Duration)
		}
		if pc.DutyFactor < 0 || pc.DutyFactor > 1 {
			return fmt.Errorf("phase %s duty factor out of range: %g", p, pc.DutyFactor)
		}
		if pc.ImportanceThreshold < 0 || pc.ImportanceThreshold > 1 {
			return fmt.Errorf("phase %s importance threshold out of range: %g", p, pc.ImportanceThreshold)
		}
		sum += pc.Duration
	}
	if math.Abs(sum-1.0) > 1e-3 {
		return fmt.Errorf("phase durations must sum to 1.0 +/- 1e-3, got %g", sum)
	}
	return nil
}

// Advance moves scheduler time forward by dtMs and re-evaluates the current
// phase. Cycle wraps are computed analytically, so arbitrarily large jumps
// settle in constant time; at most one phase transition is applied per call.
func (s *Scheduler) Advance(dtMs float64) {
	defer s.flushEvents()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed || dtMs <= 0 {
		return
	}

	s.totalTime += dtMs
	s.cycleTime += dtMs
	s.phaseTime += dtMs

	if s.cycleTime >= s.cfg.PeriodMs {
		wraps := math.Floor(s.cycleTime / s.cfg.PeriodMs)
		s.cyclesCompleted += int64(wraps)
		s.cycleTime -= wraps * s.cfg.PeriodMs
		// Energy resets once per cycle wrap, not per phase.
		if s.cfg.EnergyBudget > 0 {
			s.energyRemaining = s.cfg.EnergyBudget
		}
		logging.CycleDebug("scheduler: cycle wrapped (total=%d)", s.cyclesCompleted)
	}

	s.expireModulationLocked()
	s.evaluatePhaseLocked()
}

// Phase returns the current phase.
func (s *Scheduler) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// CycleTime returns milliseconds elapsed in the current cycle.
func (s *Scheduler) CycleTime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cycleTime
}

// CyclesCompleted returns the number of full cycles completed.
func (s *Scheduler) CyclesCompleted() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cyclesCompleted
}

// PhasePolicy returns the current phase's configuration.
func (s *Scheduler) PhasePolicy() PhaseConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Phases[s.current]
}

// DutyFactor returns the current phase's duty factor adjusted by any active
// modulation, clamped to [0,1].
func (s *Scheduler) DutyFactor() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dutyFactorLocked()
}

func (s *Scheduler) dutyFactorLocked() float64 {
	df := s.cfg.Phases[s.current].DutyFactor
	if s.mod != nil {
		df += s.mod.DutyAdjustment
	}
	return clamp01(df)
}

// CostReductionFactor is 1/dutyFactor, or a large sentinel when the duty
// factor is zero.
func (s *Scheduler) CostReductionFactor() float64 {
	df := s.DutyFactor()
	if df <= 0 {
		return costReductionSentinel
	}
	return 1 / df
}

// ShouldReact reports whether an event of the given importance clears the
// current phase's threshold (scaled by any modulation). Reactions and
// rejections are counted per phase.
func (s *Scheduler) ShouldReact(importance float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	th := clamp01(s.cfg.Phases[s.current].ImportanceThreshold * s.mod.importanceMultiplier())
	if importance >= th {
		s.reactions[s.current]++
		return true
	}
	s.rejections[s.current]++
	return false
}

// ConsumeEnergy deducts amount from the cycle's energy budget. Returns true
// on success (always, when the budget is unlimited); returns false without
// side effects when the budget is insufficient.
func (s *Scheduler) ConsumeEnergy(amount float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.EnergyBudget <= 0 {
		return true
	}
	if amount > s.energyRemaining {
		return false
	}
	s.energyRemaining -= amount
	return true
}

// EnergyRemaining returns the remaining budget for this cycle.
func (s *Scheduler) EnergyRemaining() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.energyRemaining
}

// Modulate applies an override, replacing any active one, and returns its
// assigned ID. A ForcePhase modulation takes effect immediately, bypassing
// hysteresis.
func (s *Scheduler) Modulate(m Modulation) (string, error) {
	defer s.flushEvents()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return "", ErrDisposed
	}
	if m.ForcePhase != nil {
		if _, err := ParsePhase(m.ForcePhase.String()); err != nil {
			return "", err
		}
	}
	if m.ImportanceMultiplier < 0 {
		return "", fmt.Errorf("importance multiplier must be >= 0, got %g", m.ImportanceMultiplier)
	}
	if m.ExpiresAfterMs < 0 {
		return "", fmt.Errorf("expiry must be >= 0, got %g", m.ExpiresAfterMs)
	}

	m.ID = uuid.NewString()
	s.mod = &m
	s.modAppliedAt = s.totalTime

	logging.Cycle("scheduler: modulation %s applied (reason=%q force=%v expires=%.0fms)",
		m.ID, m.Reason, m.ForcePhase, m.ExpiresAfterMs)

	s.evaluatePhaseLocked()
	return m.ID, nil
}

// ClearModulation removes the active modulation, if any.
func (s *Scheduler) ClearModulation() {
	defer s.flushEvents()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mod == nil {
		return
	}
	logging.Cycle("scheduler: modulation %s cleared", s.mod.ID)
	s.mod = nil
	s.evaluatePhaseLocked()
}

// Modulation returns a copy of the active modulation, or nil.
func (s *Scheduler) Modulation() *Modulation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mod == nil {
		return nil
	}
	cp := *s.mod
	return &cp
}

func (s *Scheduler) expireModulationLocked() {
	if s.mod == nil || s.mod.ExpiresAfterMs <= 0 {
		return
	}
	if s.totalTime-s.modAppliedAt > s.mod.ExpiresAfterMs {
		logging.Cycle("scheduler: modulation %s expired", s.mod.ID)
		s.mod = nil
		s.modulationsExpired++
	}
}

// evaluatePhaseLocked recomputes the target phase and applies at most one
// transition, honoring hysteresis unless the change is forced.
func (s *Scheduler) evaluatePhaseLocked() {
	forced := s.mod != nil && s.mod.ForcePhase != nil

	var target Phase
	if forced {
		target = *s.mod.ForcePhase
	} else {
		target = s.selectPhaseLocked()
	}
	if target == s.current {
		return
	}

	if !forced && s.hasChanged && s.totalTime-s.lastChangeAt < s.cfg.HysteresisMs {
		s.hysteresisSuppressed++
		logging.CycleDebug("scheduler: transition %s->%s suppressed by hysteresis (%.0fms since last)",
			s.current, target, s.totalTime-s.lastChangeAt)
		return
	}

	from := s.current
	s.current = target
	s.phaseTime = 0
	s.lastChangeAt = s.totalTime
	s.hasChanged = true
	s.transitions++

	reason := "schedule"
	if forced {
		reason = "forced: " + s.mod.Reason
	}
	logging.Cycle("scheduler: phase %s -> %s (%s)", from, target, reason)

	if s.bus != nil {
		ev := events.New(events.TypePhaseTransition)
		ev.FromPhase = from.String()
		ev.ToPhase = target.String()
		ev.Reason = reason
		s.pending = append(s.pending, ev)
	}
}

// flushEvents publishes queued events. Must run without the mutex held.
func (s *Scheduler) flushEvents() {
	s.mu.Lock()
	evs := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, ev := range evs {
		s.bus.Publish(ev)
	}
}

// selectPhaseLocked picks the phase for the current cycle position using the
// configured strategy. Competition failures are never fatal; the
// deterministic lookup is always the answer of last resort.
func (s *Scheduler) selectPhaseLocked() Phase {
	pos := s.cycleTime / s.cfg.PeriodMs

	if s.cfg.Strategy == StrategyCompetition && s.comp != nil {
		if p, err := s.competeLocked(pos); err == nil {
			return p
		} else {
			s.competitionFailures++
			logging.CycleDebug("scheduler: competition failed (%v), using lookup", err)
		}
	}
	return s.lookupLocked(pos)
}

// lookupLocked walks the phase ring accumulating durations until the cycle
// position falls inside a span. Spans include their upper boundary, so a
// position exactly on a boundary stays in the earlier phase.
func (s *Scheduler) lookupLocked(pos float64) Phase {
	end := 0.0
	for _, p := range s.ring {
		end += s.cfg.Phases[p].Duration
		if pos <= end+spanEpsilon {
			return p
		}
	}
	return s.ring[phaseCount-1]
}

// competeLocked builds a Gaussian affinity per phase, peaked at the phase's
// midpoint with width proportional to its duration, and submits the vector to
// the competition primitive.
func (s *Scheduler) competeLocked(pos float64) (Phase, error) {
	activations := make([]float64, phaseCount)
	start := 0.0
	for i, p := range s.ring {
		pc := s.cfg.Phases[p]
		mid := start + pc.Duration/2
		sigma := pc.Duration / 2
		start += pc.Duration
		if sigma <= 0 {
			continue
		}
		d := pos - mid
		// Distance on the cycle circle.
		if d > 0.5 {
			d -= 1
		} else if d < -0.5 {
			d += 1
		}
		activations[i] = math.Exp(-(d * d) / (2 * sigma * sigma))
	}

	winner, err := s.comp.Compete(activations)
	if err != nil {
		return 0, err
	}
	if winner < 0 || winner >= phaseCount {
		return 0, fmt.Errorf("competition returned out-of-range index %d", winner)
	}
	return s.ring[winner], nil
}

// Stats is a point-in-time summary of scheduler counters.
type Stats struct {
	Phase                string
	CycleTimeMs          float64
	PhaseTimeMs          float64
	CyclesCompleted      int64
	Transitions          int64
	HysteresisSuppressed int64
	CompetitionFailures  int64
	ModulationsExpired   int64
	EnergyRemaining      float64
	Reactions            map[string]int64
	Rejections           map[string]int64
}

// Stats returns current counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Phase:                s.current.String(),
		CycleTimeMs:          s.cycleTime,
		PhaseTimeMs:          s.phaseTime,
		CyclesCompleted:      s.cyclesCompleted,
		Transitions:          s.transitions,
		HysteresisSuppressed: s.hysteresisSuppressed,
		CompetitionFailures:  s.competitionFailures,
		ModulationsExpired:   s.modulationsExpired,
		EnergyRemaining:      s.energyRemaining,
		Reactions:            make(map[string]int64, phaseCount),
		Rejections:           make(map[string]int64, phaseCount),
	}
	for p, n := range s.reactions {
		st.Reactions[p.String()] = n
	}
	for p, n := range s.rejections {
		st.Rejections[p.String()] = n
	}
	return st
}

// Dispose releases the competition primitive exactly once. Safe to call on
// an already-disposed scheduler.
func (s *Scheduler) Dispose() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return nil
	}
	s.disposed = true
	if s.comp != nil {
		return s.comp.Dispose()
	}
	return nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
