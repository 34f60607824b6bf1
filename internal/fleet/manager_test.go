package fleet

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"circadia/internal/circadian"
	"circadia/internal/events"
)

// recorder collects transition callbacks across a fleet of fake agents so
// tests can assert ordering.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, s)
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fakeAgent struct {
	id       string
	rec      *recorder
	sleepErr error
	wakeErr  error
}

func (f *fakeAgent) AgentID() string { return f.id }

func (f *fakeAgent) OnSleep(context.Context) error {
	if f.rec != nil {
		f.rec.add("sleep:" + f.id)
	}
	return f.sleepErr
}

func (f *fakeAgent) OnWake(context.Context) error {
	if f.rec != nil {
		f.rec.add("wake:" + f.id)
	}
	return f.wakeErr
}

// plainAgent has no sleep/wake capability.
type plainAgent struct{ id string }

func (p *plainAgent) AgentID() string { return p.id }

func newManager(t *testing.T) *Manager {
	t.Helper()
	scfg := circadian.DefaultConfig()
	scfg.PeriodMs = 1_000_000
	scfg.HysteresisMs = 0
	sched, err := circadian.New(scfg, nil, nil)
	if err != nil {
		t.Fatalf("circadian.New failed: %v", err)
	}
	m, err := New(DefaultConfig(), sched, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return m
}

func forcePhase(t *testing.T, m *Manager, p circadian.Phase) {
	t.Helper()
	if _, err := m.Scheduler().Modulate(circadian.Modulation{ForcePhase: &p}); err != nil {
		t.Fatalf("Modulate failed: %v", err)
	}
	m.AdvanceBy(context.Background(), 1)
}

func register(t *testing.T, m *Manager, a Agent, p Policy) {
	t.Helper()
	if err := m.Register(context.Background(), a, p); err != nil {
		t.Fatalf("Register(%s) failed: %v", a.AgentID(), err)
	}
}

func sleeping(t *testing.T, m *Manager, id string) bool {
	t.Helper()
	for _, st := range m.AgentStates() {
		if st.AgentID == id {
			return st.State.IsSleeping
		}
	}
	t.Fatalf("Agent %s not found", id)
	return false
}

// Forcing Rest sleeps a low rest-capable agent but never a critical one.
func TestRest_CriticalStaysActive(t *testing.T) {
	m := newManager(t)
	register(t, m, &plainAgent{id: "vital"}, Policy{Criticality: CriticalityCritical, CanRest: true})
	register(t, m, &plainAgent{id: "idle"}, Policy{Criticality: CriticalityLow, CanRest: true})

	forcePhase(t, m, circadian.PhaseRest)

	if sleeping(t, m, "vital") {
		t.Fatal("Critical agent must never sleep")
	}
	if !sleeping(t, m, "idle") {
		t.Fatal("Low agent with pacing satisfied should sleep in rest")
	}
}

func TestDecisionsByPhase(t *testing.T) {
	m := newManager(t)
	register(t, m, &plainAgent{id: "lo"}, Policy{Criticality: CriticalityLow, CanRest: true})
	register(t, m, &plainAgent{id: "hi"}, Policy{Criticality: CriticalityHigh, CanRest: true})
	register(t, m, &plainAgent{id: "pinned"}, Policy{Criticality: CriticalityLow, CanRest: false})

	cases := []struct {
		phase    circadian.Phase
		loSleeps bool
		hiSleeps bool
	}{
		{circadian.PhaseActive, false, false},
		{circadian.PhaseDawn, true, false},
		{circadian.PhaseDusk, true, false},
		{circadian.PhaseRest, true, true},
	}
	for _, c := range cases {
		forcePhase(t, m, c.phase)
		if got := sleeping(t, m, "lo"); got != c.loSleeps {
			t.Fatalf("Phase %s: low sleeping=%v, want %v", c.phase, got, c.loSleeps)
		}
		if got := sleeping(t, m, "hi"); got != c.hiSleeps {
			t.Fatalf("Phase %s: high sleeping=%v, want %v", c.phase, got, c.hiSleeps)
		}
		if sleeping(t, m, "pinned") {
			t.Fatalf("Phase %s: canRest=false agent slept", c.phase)
		}
	}
}

func TestPacingFloorKeepsAgentAwake(t *testing.T) {
	m := newManager(t)
	register(t, m, &plainAgent{id: "laggard"}, Policy{
		Criticality:       CriticalityLow,
		CanRest:           true,
		MinActiveFraction: 0.9,
	})
	register(t, m, &plainAgent{id: "satisfied"}, Policy{Criticality: CriticalityLow, CanRest: true})

	// Both sleep at first; as the cycle progresses the 90% floor falls
	// behind and the laggard is pulled back awake.
	forcePhase(t, m, circadian.PhaseDusk)
	m.AdvanceBy(context.Background(), 1000)

	if sleeping(t, m, "laggard") {
		t.Fatal("Agent behind its pacing floor must stay awake through dusk")
	}
	if !sleeping(t, m, "satisfied") {
		t.Fatal("Agent with no pacing floor should sleep")
	}
}

// The pacing exception is scoped by phase: dawn never grants it, and during
// rest only a high-criticality agent is pulled back awake by it.
func TestPacingScopedByPhase(t *testing.T) {
	m := newManager(t)
	register(t, m, &plainAgent{id: "lo"}, Policy{
		Criticality:       CriticalityLow,
		CanRest:           true,
		MinActiveFraction: 0.9,
	})
	register(t, m, &plainAgent{id: "hi"}, Policy{
		Criticality:       CriticalityHigh,
		CanRest:           true,
		MinActiveFraction: 0.9,
	})

	forcePhase(t, m, circadian.PhaseDawn)
	m.AdvanceBy(context.Background(), 1000)
	if !sleeping(t, m, "lo") {
		t.Fatal("Low agent must sleep through dawn even behind its pacing floor")
	}
	if sleeping(t, m, "hi") {
		t.Fatal("High agent is always awake during dawn")
	}

	// The high agent was awake all through dawn, so it has met its floor and
	// sleeps when rest begins; another 1000ms asleep puts it behind again.
	forcePhase(t, m, circadian.PhaseRest)
	if !sleeping(t, m, "hi") {
		t.Fatal("High agent with pacing satisfied should sleep in rest")
	}
	m.AdvanceBy(context.Background(), 1000)
	if !sleeping(t, m, "lo") {
		t.Fatal("Low agent must sleep through rest even behind its pacing floor")
	}
	if sleeping(t, m, "hi") {
		t.Fatal("High agent behind its pacing floor is pulled awake during rest")
	}
}

func TestTransitionOrdering(t *testing.T) {
	m := newManager(t)
	rec := &recorder{}
	register(t, m, &fakeAgent{id: "b-med", rec: rec}, Policy{Criticality: CriticalityMedium, CanRest: true})
	register(t, m, &fakeAgent{id: "a-low", rec: rec}, Policy{Criticality: CriticalityLow, CanRest: true})
	register(t, m, &fakeAgent{id: "c-high", rec: rec}, Policy{Criticality: CriticalityHigh, CanRest: true})

	forcePhase(t, m, circadian.PhaseRest)
	got := rec.all()
	wantSleep := []string{"sleep:a-low", "sleep:b-med", "sleep:c-high"}
	for i, w := range wantSleep {
		if got[i] != w {
			t.Fatalf("Sleep order = %v, want %v", got, wantSleep)
		}
	}

	forcePhase(t, m, circadian.PhaseActive)
	got = rec.all()[len(wantSleep):]
	wantWake := []string{"wake:c-high", "wake:b-med", "wake:a-low"}
	for i, w := range wantWake {
		if got[i] != w {
			t.Fatalf("Wake order = %v, want %v", got, wantWake)
		}
	}
}

func TestRegister_ConflictAndImmediateDecision(t *testing.T) {
	m := newManager(t)
	register(t, m, &plainAgent{id: "dup"}, Policy{Criticality: CriticalityLow, CanRest: true})

	err := m.Register(context.Background(), &plainAgent{id: "dup"}, Policy{Criticality: CriticalityLow})
	if !errors.Is(err, ErrAgentRegistered) {
		t.Fatalf("Expected ErrAgentRegistered, got %v", err)
	}

	// A late joiner during rest is slept immediately, before any tick.
	forcePhase(t, m, circadian.PhaseRest)
	register(t, m, &plainAgent{id: "late"}, Policy{Criticality: CriticalityLow, CanRest: true})
	if !sleeping(t, m, "late") {
		t.Fatal("Late joiner should receive the current decision immediately")
	}
}

func TestUnregister_WakesFirst(t *testing.T) {
	m := newManager(t)
	rec := &recorder{}
	register(t, m, &fakeAgent{id: "x", rec: rec}, Policy{Criticality: CriticalityLow, CanRest: true})
	forcePhase(t, m, circadian.PhaseRest)
	if !sleeping(t, m, "x") {
		t.Fatal("Setup: agent should be asleep")
	}

	if err := m.Unregister(context.Background(), "x"); err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}
	calls := rec.all()
	if calls[len(calls)-1] != "wake:x" {
		t.Fatalf("Expected wake before removal, calls = %v", calls)
	}
	if err := m.Unregister(context.Background(), "x"); !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("Expected ErrAgentNotFound, got %v", err)
	}
}

func TestCallbackErrorIsolation(t *testing.T) {
	scfg := circadian.DefaultConfig()
	scfg.PeriodMs = 1_000_000
	scfg.HysteresisMs = 0
	sched, err := circadian.New(scfg, nil, nil)
	if err != nil {
		t.Fatalf("circadian.New failed: %v", err)
	}
	bus := events.NewBus()
	m, err := New(DefaultConfig(), sched, bus)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	var mu sync.Mutex
	var errEvents []events.Event
	bus.Subscribe(func(ev events.Event) {
		if ev.Type == events.TypeAgentError {
			mu.Lock()
			errEvents = append(errEvents, ev)
			mu.Unlock()
		}
	})

	register(t, m, &fakeAgent{id: "broken", sleepErr: errors.New("hardware fault")},
		Policy{Criticality: CriticalityLow, CanRest: true})
	register(t, m, &fakeAgent{id: "fine"}, Policy{Criticality: CriticalityLow, CanRest: true})

	forcePhase(t, m, circadian.PhaseRest)

	// The failing agent stays awake; its peer sleeps; the error is reported.
	if sleeping(t, m, "broken") {
		t.Fatal("Agent with failing sleep callback must not be marked asleep")
	}
	if !sleeping(t, m, "fine") {
		t.Fatal("Healthy agent should sleep despite its peer failing")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(errEvents) == 0 || errEvents[0].AgentID != "broken" {
		t.Fatalf("Expected agent-error event for broken, got %v", errEvents)
	}
}

func TestSavingsAccrue(t *testing.T) {
	m := newManager(t)
	register(t, m, &plainAgent{id: "a"}, Policy{Criticality: CriticalityLow, CanRest: true})

	forcePhase(t, m, circadian.PhaseRest)
	m.AdvanceBy(context.Background(), 10_000)

	// One sleeping agent for 10s saves 10s of full-duty compute.
	if got := m.EnergySavings(); got < 10_000 {
		t.Fatalf("EnergySavings = %g, want >= 10000", got)
	}
	st := m.Stats()
	if st.AverageDutyFactor >= 0.5 {
		t.Fatalf("AverageDutyFactor = %g, want < 0.5 for a mostly-sleeping fleet", st.AverageDutyFactor)
	}
	if st.PhaseWallMs["rest"] == 0 {
		t.Fatal("Expected rest wall-clock accounting")
	}
	if st.AverageDutyFactor > 0 {
		if math.Abs(st.CostReduction-1/st.AverageDutyFactor) > 1e-9 {
			t.Fatalf("CostReduction = %g, want reciprocal %g", st.CostReduction, 1/st.AverageDutyFactor)
		}
	} else if st.CostReduction != 100 {
		t.Fatalf("CostReduction sentinel = %g, want 100", st.CostReduction)
	}
}

// Fleet events are published after the manager releases its mutex, so a
// synchronous subscriber can call back into it from the handler.
func TestAdvanceBy_SubscriberReentry(t *testing.T) {
	scfg := circadian.DefaultConfig()
	scfg.PeriodMs = 1_000_000
	scfg.HysteresisMs = 0
	sched, err := circadian.New(scfg, nil, nil)
	if err != nil {
		t.Fatalf("circadian.New failed: %v", err)
	}
	bus := events.NewBus()
	m, err := New(DefaultConfig(), sched, bus)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	register(t, m, &plainAgent{id: "a"}, Policy{Criticality: CriticalityLow, CanRest: true})

	var observed []int
	bus.Subscribe(func(ev events.Event) {
		if ev.Type == events.TypeFleetRest {
			observed = append(observed, m.Stats().Sleeping)
		}
	})

	forcePhase(t, m, circadian.PhaseRest)

	if len(observed) != 1 || observed[0] != 1 {
		t.Fatalf("Subscriber observed sleeping=%v, want [1]", observed)
	}
}

func TestParseCriticality(t *testing.T) {
	for i, name := range []string{"low", "medium", "high", "critical"} {
		c, err := ParseCriticality(name)
		if err != nil || int(c) != i {
			t.Fatalf("ParseCriticality(%s) = %v, %v", name, c, err)
		}
	}
	if _, err := ParseCriticality("extreme"); err == nil {
		t.Fatal("Expected parse error for unknown tier")
	}
}

func TestStartStop_NoLeakedTicker(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := newManager(t)
	register(t, m, &plainAgent{id: "a"}, Policy{Criticality: CriticalityLow, CanRest: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := m.Start(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("Expected ErrAlreadyRunning, got %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	m.Stop()
	m.Stop() // idempotent
}
