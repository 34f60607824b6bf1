package fleet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"circadia/internal/circadian"
	"circadia/internal/events"
	"circadia/internal/logging"
)

var (
	// ErrAgentRegistered is returned when an agent ID is already registered.
	ErrAgentRegistered = errors.New("agent already registered")
	// ErrAgentNotFound is returned for operations on an unknown agent ID.
	ErrAgentNotFound = errors.New("agent not registered")
	// ErrAlreadyRunning is returned by Start on a running manager.
	ErrAlreadyRunning = errors.New("manager already running")
)

// Config holds manager construction parameters.
type Config struct {
	// TickInterval is the wall-clock cadence of the duty loop.
	TickInterval time.Duration
	// SavingsMilestoneMs emits a savings-milestone event every time cumulative
	// savings cross another multiple of this value. 0 disables milestones.
	SavingsMilestoneMs float64
}

// DefaultConfig returns a one second tick with milestones every minute of
// saved full-duty compute.
func DefaultConfig() Config {
	return Config{TickInterval: time.Second, SavingsMilestoneMs: 60_000}
}

type entry struct {
	agent  Agent
	sw     SleepWaker // nil when the agent does not opt in
	policy Policy
	state  RuntimeState
}

// Manager owns the registered fleet. A single mutex guards all state; the
// tick loop, registration, and manual advances all serialize through it.
type Manager struct {
	mu    sync.Mutex
	cfg   Config
	sched *circadian.Scheduler
	bus   *events.Bus

	agents map[string]*entry

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	lastPhase  circadian.Phase
	lastCycles int64

	// Savings are measured in agent-milliseconds of avoided full-duty
	// compute, against a baseline of every agent running full duty always.
	savedMs       float64
	nextMilestone float64
	dutyIntegral  float64
	agentMs       float64
	phaseWallMs   map[circadian.Phase]float64

	sleeps         int64
	wakes          int64
	callbackErrors int64
	milestones     int64

	// Events queued under the mutex, published after it is released so a
	// synchronous subscriber may call back into the manager.
	pending []events.Event
}

// New constructs a Manager bound to a scheduler. bus may be nil.
func New(cfg Config, sched *circadian.Scheduler, bus *events.Bus) (*Manager, error) {
	if sched == nil {
		return nil, errors.New("scheduler is required")
	}
	if cfg.TickInterval <= 0 {
		return nil, fmt.Errorf("tick interval must be positive, got %v", cfg.TickInterval)
	}
	if cfg.SavingsMilestoneMs < 0 {
		return nil, fmt.Errorf("milestone step must be >= 0, got %g", cfg.SavingsMilestoneMs)
	}

	return &Manager{
		cfg:           cfg,
		sched:         sched,
		bus:           bus,
		agents:        make(map[string]*entry),
		lastPhase:     sched.Phase(),
		nextMilestone: cfg.SavingsMilestoneMs,
		phaseWallMs:   make(map[circadian.Phase]float64),
	}, nil
}

// Scheduler returns the manager's phase scheduler.
func (m *Manager) Scheduler() *circadian.Scheduler { return m.sched }

// Register adds an agent under the given policy and immediately applies the
// current phase's decision to it, so late joiners do not wait for a tick.
func (m *Manager) Register(ctx context.Context, agent Agent, policy Policy) error {
	if agent == nil || agent.AgentID() == "" {
		return errors.New("agent with a non-empty ID is required")
	}
	if err := policy.validate(); err != nil {
		return fmt.Errorf("policy for %s: %w", agent.AgentID(), err)
	}

	defer m.flushEvents()
	m.mu.Lock()
	defer m.mu.Unlock()

	id := agent.AgentID()
	if _, ok := m.agents[id]; ok {
		return fmt.Errorf("%w: %s", ErrAgentRegistered, id)
	}

	e := &entry{agent: agent, policy: policy, state: RuntimeState{LastActivity: time.Now()}}
	if sw, ok := agent.(SleepWaker); ok {
		e.sw = sw
	}
	m.agents[id] = e
	logging.Fleet("manager: registered %s (criticality=%s canRest=%v minActive=%.2f)",
		id, policy.Criticality, policy.CanRest, policy.MinActiveFraction)

	if !m.decideLocked(e, m.sched.Phase(), m.sched.CycleTime()) {
		m.sleepLocked(ctx, id, e, m.sched.Phase())
	}
	return nil
}

// Unregister removes an agent, waking it first so nothing is left asleep
// without an owner.
func (m *Manager) Unregister(ctx context.Context, agentID string) error {
	defer m.flushEvents()
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if e.state.IsSleeping {
		m.wakeLocked(ctx, agentID, e, m.sched.Phase())
	}
	delete(m.agents, agentID)
	logging.Fleet("manager: unregistered %s", agentID)
	return nil
}

// RecordTask notes activity for an agent, feeding its pacing statistics.
func (m *Manager) RecordTask(agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	e.state.TasksProcessedThisCycle++
	e.state.LastActivity = time.Now()
	return nil
}

// Start runs the duty loop until ctx is cancelled or Stop is called.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()

	logging.Fleet("manager: duty loop started (tick=%v)", m.cfg.TickInterval)

	go func() {
		defer close(doneCh)
		ticker := time.NewTicker(m.cfg.TickInterval)
		defer ticker.Stop()
		last := time.Now()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case now := <-ticker.C:
				dt := now.Sub(last)
				last = now
				m.AdvanceBy(ctx, float64(dt)/float64(time.Millisecond))
			}
		}
	}()
	return nil
}

// Stop halts the duty loop and waits for it to exit. Safe to call when not
// running.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	doneCh := m.doneCh
	m.mu.Unlock()

	<-doneCh
	logging.Fleet("manager: duty loop stopped")
}

// AdvanceBy moves scheduler time forward by dtMs and applies the resulting
// duty decisions to the fleet. The tick loop calls this; tests and simulation
// drivers may call it directly.
func (m *Manager) AdvanceBy(ctx context.Context, dtMs float64) {
	if dtMs <= 0 {
		return
	}

	m.sched.Advance(dtMs)

	defer m.flushEvents()
	m.mu.Lock()
	defer m.mu.Unlock()

	phase := m.sched.Phase()
	cycles := m.sched.CyclesCompleted()
	cycleElapsed := m.sched.CycleTime()

	if cycles > m.lastCycles {
		for _, e := range m.agents {
			e.state.ActiveTimeThisCycleMs = 0
			e.state.TasksProcessedThisCycle = 0
		}
		m.lastCycles = cycles
		logging.FleetDebug("manager: cycle %d, pacing counters reset", cycles)
	}

	m.accountLocked(dtMs, phase)
	m.phaseWallMs[phase] += dtMs

	if phase != m.lastPhase {
		m.publishPhaseChangeLocked(m.lastPhase, phase)
		m.lastPhase = phase
	}

	m.applyDecisionsLocked(ctx, phase, cycleElapsed)
}

// accountLocked accrues per-agent time, duty spend, and savings for a tick.
func (m *Manager) accountLocked(dtMs float64, phase circadian.Phase) {
	for _, e := range m.agents {
		e.state.TimeInStateMs += dtMs

		spend := 0.0
		if !e.state.IsSleeping {
			e.state.ActiveTimeThisCycleMs += dtMs
			spend = m.effectiveDutyLocked(e)
		}
		m.dutyIntegral += dtMs * spend
		m.agentMs += dtMs
		m.savedMs += dtMs * (1 - spend)
	}

	if m.cfg.SavingsMilestoneMs > 0 {
		for m.savedMs >= m.nextMilestone {
			m.milestones++
			logging.Fleet("manager: savings milestone %.0fms reached", m.nextMilestone)
			if m.bus != nil {
				ev := events.New(events.TypeSavingsMilestone)
				ev.ToPhase = phase.String()
				ev.Value = m.savedMs
				m.pending = append(m.pending, ev)
			}
			m.nextMilestone += m.cfg.SavingsMilestoneMs
		}
	}
}

// effectiveDutyLocked is the duty factor an awake agent spends: its policy
// override when set, otherwise the current phase's (modulated) duty factor.
func (m *Manager) effectiveDutyLocked(e *entry) float64 {
	if e.policy.DutyFactorOverride != nil {
		return *e.policy.DutyFactorOverride
	}
	return m.sched.DutyFactor()
}

// decideLocked answers whether an agent should be active in the given phase.
// Critical agents and agents that cannot rest are always active. The pacing
// floor (cumulative active time below minActiveFraction of the elapsed cycle)
// keeps medium and low agents awake through Dusk and pulls a high agent back
// awake during Rest; Dawn carries no pacing exception.
func (m *Manager) decideLocked(e *entry, phase circadian.Phase, cycleElapsedMs float64) bool {
	p := e.policy
	if p.Criticality == CriticalityCritical || !p.CanRest {
		return true
	}

	behind := e.state.ActiveTimeThisCycleMs < p.MinActiveFraction*cycleElapsedMs

	switch phase {
	case circadian.PhaseActive:
		return true
	case circadian.PhaseDawn:
		return p.Criticality >= CriticalityHigh
	case circadian.PhaseDusk:
		return p.Criticality >= CriticalityHigh || behind
	case circadian.PhaseRest:
		return p.Criticality >= CriticalityHigh && behind
	}
	return false
}

// applyDecisionsLocked computes the decision for every agent and performs the
// transitions: sleeps in ascending criticality, wakes in descending, with ID
// as the deterministic tie-break. A callback failure isolates to its agent.
func (m *Manager) applyDecisionsLocked(ctx context.Context, phase circadian.Phase, cycleElapsedMs float64) {
	var toSleep, toWake []string
	for id, e := range m.agents {
		want := m.decideLocked(e, phase, cycleElapsedMs)
		switch {
		case want && e.state.IsSleeping:
			toWake = append(toWake, id)
		case !want && !e.state.IsSleeping:
			toSleep = append(toSleep, id)
		}
	}
	if len(toSleep) == 0 && len(toWake) == 0 {
		return
	}

	sort.Slice(toSleep, func(i, j int) bool {
		a, b := m.agents[toSleep[i]], m.agents[toSleep[j]]
		if a.policy.Criticality != b.policy.Criticality {
			return a.policy.Criticality < b.policy.Criticality
		}
		return toSleep[i] < toSleep[j]
	})
	sort.Slice(toWake, func(i, j int) bool {
		a, b := m.agents[toWake[i]], m.agents[toWake[j]]
		if a.policy.Criticality != b.policy.Criticality {
			return a.policy.Criticality > b.policy.Criticality
		}
		return toWake[i] < toWake[j]
	})

	for _, id := range toSleep {
		m.sleepLocked(ctx, id, m.agents[id], phase)
	}
	for _, id := range toWake {
		m.wakeLocked(ctx, id, m.agents[id], phase)
	}
}

func (m *Manager) sleepLocked(ctx context.Context, id string, e *entry, phase circadian.Phase) {
	if e.sw != nil {
		if err := e.sw.OnSleep(ctx); err != nil {
			m.callbackErrorLocked(id, "sleep", err)
			return
		}
	}
	e.state.IsSleeping = true
	e.state.TimeInStateMs = 0
	m.sleeps++
	logging.Fleet("manager: %s -> asleep (%s)", id, phase)
	m.publishAgentLocked(events.TypeAgentSleep, id, phase)
}

func (m *Manager) wakeLocked(ctx context.Context, id string, e *entry, phase circadian.Phase) {
	if e.sw != nil {
		if err := e.sw.OnWake(ctx); err != nil {
			m.callbackErrorLocked(id, "wake", err)
			return
		}
	}
	e.state.IsSleeping = false
	e.state.TimeInStateMs = 0
	e.state.LastActivity = time.Now()
	m.wakes++
	logging.Fleet("manager: %s -> awake (%s)", id, phase)
	m.publishAgentLocked(events.TypeAgentWake, id, phase)
}

func (m *Manager) callbackErrorLocked(id, op string, err error) {
	m.callbackErrors++
	logging.FleetError("manager: %s %s callback failed: %v", id, op, err)
	if m.bus != nil {
		ev := events.New(events.TypeAgentError)
		ev.AgentID = id
		ev.Reason = op + ": " + err.Error()
		m.pending = append(m.pending, ev)
	}
}

func (m *Manager) publishAgentLocked(t events.Type, id string, phase circadian.Phase) {
	if m.bus == nil {
		return
	}
	ev := events.New(t)
	ev.AgentID = id
	ev.ToPhase = phase.String()
	m.pending = append(m.pending, ev)
}

func (m *Manager) publishPhaseChangeLocked(from, to circadian.Phase) {
	logging.Fleet("manager: fleet phase %s -> %s", from, to)
	if m.bus == nil {
		return
	}
	ev := events.New(events.TypeFleetPhaseChange)
	ev.FromPhase = from.String()
	ev.ToPhase = to.String()
	m.pending = append(m.pending, ev)

	switch {
	case to == circadian.PhaseRest:
		m.pending = append(m.pending, events.New(events.TypeFleetRest))
	case from == circadian.PhaseRest:
		m.pending = append(m.pending, events.New(events.TypeFleetWake))
	}
}

// flushEvents publishes queued events. Must run without the mutex held.
func (m *Manager) flushEvents() {
	m.mu.Lock()
	evs := m.pending
	m.pending = nil
	m.mu.Unlock()

	for _, ev := range evs {
		m.bus.Publish(ev)
	}
}

// AgentStates returns every agent's policy and runtime state, sorted by ID.
func (m *Manager) AgentStates() []AgentState {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]AgentState, 0, len(m.agents))
	for id, e := range m.agents {
		out = append(out, AgentState{AgentID: id, Policy: e.policy, State: e.state})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Stats is a point-in-time summary of fleet counters.
type Stats struct {
	Registered        int
	Sleeping          int
	Sleeps            int64
	Wakes             int64
	CallbackErrors    int64
	Milestones        int64
	SavedMs           float64
	AverageDutyFactor float64
	CostReduction     float64
	PhaseWallMs       map[string]float64
}

// Cost reduction is unbounded as measured duty approaches zero; a fleet that
// spent nothing reports this sentinel instead.
const costReductionSentinel = 100.0

// Stats returns current counters. AverageDutyFactor is the time-weighted mean
// spend across all registered agents since construction; CostReduction is its
// reciprocal, the factor by which compute cost shrank versus full duty.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Stats{
		Registered:     len(m.agents),
		Sleeps:         m.sleeps,
		Wakes:          m.wakes,
		CallbackErrors: m.callbackErrors,
		Milestones:     m.milestones,
		SavedMs:        m.savedMs,
		PhaseWallMs:    make(map[string]float64, len(m.phaseWallMs)),
	}
	for _, e := range m.agents {
		if e.state.IsSleeping {
			st.Sleeping++
		}
	}
	if m.agentMs > 0 {
		st.AverageDutyFactor = m.dutyIntegral / m.agentMs
	}
	if st.AverageDutyFactor > 0 {
		st.CostReduction = 1 / st.AverageDutyFactor
	} else {
		st.CostReduction = costReductionSentinel
	}
	for p, ms := range m.phaseWallMs {
		st.PhaseWallMs[p.String()] = ms
	}
	return st
}

// EnergySavings returns cumulative savings in agent-milliseconds of avoided
// full-duty compute.
func (m *Manager) EnergySavings() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.savedMs
}
