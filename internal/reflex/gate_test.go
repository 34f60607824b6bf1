package reflex

import (
	"errors"
	"strings"
	"testing"

	"circadia/internal/wta"
)

func testGateConfig() Config {
	cfg := DefaultConfig()
	cfg.Neurons = 4
	cfg.SampleCapacity = 10
	return cfg
}

func newGate(t *testing.T, cfg Config) *Gate {
	t.Helper()
	g, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return g
}

func TestNew_RejectsBadConfig(t *testing.T) {
	cases := []Config{
		{Neurons: 0, ConfidenceThreshold: 0.7, SampleCapacity: 10},
		{Neurons: 4, ConfidenceThreshold: 1.5, SampleCapacity: 10},
		{Neurons: 4, ConfidenceThreshold: 0.7, SampleCapacity: 0},
	}
	for i, cfg := range cases {
		if _, err := New(cfg); err == nil {
			t.Fatalf("Case %d: expected construction error for %+v", i, cfg)
		}
	}
}

func TestCompete_ClearWinner(t *testing.T) {
	g := newGate(t, testGateConfig())

	winner, confidence, err := g.Compete([]float64{0.9, 0.1, 0, 0})
	if err != nil {
		t.Fatalf("Compete failed: %v", err)
	}
	if winner != 0 {
		t.Fatalf("Winner = %d, want 0", winner)
	}
	if confidence < 0.5 {
		t.Fatalf("Confidence = %g, want >= 0.5", confidence)
	}
}

func TestCompete_NoWinnerBelowThreshold(t *testing.T) {
	g := newGate(t, testGateConfig())

	if _, _, err := g.Compete([]float64{0.05, 0.04, 0, 0}); !errors.Is(err, wta.ErrNoWinner) {
		t.Fatalf("Expected ErrNoWinner, got %v", err)
	}
}

func TestCompete_LengthMismatch(t *testing.T) {
	g := newGate(t, testGateConfig())

	if _, _, err := g.Compete([]float64{0.9, 0.1}); !errors.Is(err, wta.ErrLengthMismatch) {
		t.Fatalf("Expected ErrLengthMismatch, got %v", err)
	}
}

func TestCompete_FallsBackToArgmax(t *testing.T) {
	// Out-of-range inhibition breaks the primitive factory; the gate must
	// degrade to argmax instead of surfacing the failure.
	cfg := testGateConfig()
	cfg.Inhibition = 1.5
	g := newGate(t, cfg)

	winner, confidence, err := g.Compete([]float64{0.2, 0.8, 0.1, 0})
	if err != nil {
		t.Fatalf("Expected degraded success, got %v", err)
	}
	if winner != 1 {
		t.Fatalf("Fallback winner = %d, want 1", winner)
	}
	if confidence < 0.5 {
		t.Fatalf("Fallback confidence = %g, want >= 0.5", confidence)
	}
	if got := g.Stats().Fallbacks; got != 1 {
		t.Fatalf("Fallbacks = %d, want 1", got)
	}
}

// A perfectly flat activation vector is never handled reflexively.
func TestShouldDelegate_UniformInput(t *testing.T) {
	g := newGate(t, testGateConfig())

	d, err := g.ShouldDelegate([]float64{0.25, 0.25, 0.25, 0.25})
	if err != nil {
		t.Fatalf("ShouldDelegate failed: %v", err)
	}
	if d.CanHandle {
		t.Fatal("Uniform input must delegate")
	}
	if d.Reason == "" {
		t.Fatal("Delegation must carry a reason")
	}
	if d.Confidence >= g.cfg.ConfidenceThreshold {
		t.Fatalf("Confidence = %g, want below %g", d.Confidence, g.cfg.ConfidenceThreshold)
	}
}

func TestShouldDelegate_DominantPatternHandled(t *testing.T) {
	g := newGate(t, testGateConfig())

	d, err := g.ShouldDelegate([]float64{0.9, 0.01, 0.01, 0.01})
	if err != nil {
		t.Fatalf("ShouldDelegate failed: %v", err)
	}
	if !d.CanHandle {
		t.Fatalf("Dominant pattern should be handled, confidence = %g", d.Confidence)
	}
	if d.Index != 0 {
		t.Fatalf("Index = %d, want 0", d.Index)
	}
}

func TestShouldDelegate_ReasonBands(t *testing.T) {
	g := newGate(t, testGateConfig())

	// Flat-ish input: novel.
	d, err := g.ShouldDelegate([]float64{0.3, 0.3, 0.25, 0.28})
	if err != nil {
		t.Fatalf("ShouldDelegate failed: %v", err)
	}
	if !strings.Contains(d.Reason, "novel") {
		t.Fatalf("Reason = %q, want novel band", d.Reason)
	}

	// Two strong competitors: ambiguous.
	d, err = g.ShouldDelegate([]float64{0.8, 0.2, 0.1, 0.05})
	if err != nil {
		t.Fatalf("ShouldDelegate failed: %v", err)
	}
	if !strings.Contains(d.Reason, "ambiguous") {
		t.Fatalf("Reason = %q, want ambiguous band", d.Reason)
	}

	// Sharp but not sharp enough: just below threshold.
	d, err = g.ShouldDelegate([]float64{0.8, 0.2, 0.02, 0})
	if err != nil {
		t.Fatalf("ShouldDelegate failed: %v", err)
	}
	if !strings.Contains(d.Reason, "below threshold") {
		t.Fatalf("Reason = %q, want threshold band", d.Reason)
	}
}

func TestDecisionLatency_WindowAndOrder(t *testing.T) {
	g := newGate(t, testGateConfig())

	// More calls than the window holds: the ring keeps only the latest.
	for i := 0; i < 15; i++ {
		if _, err := g.ShouldDelegate([]float64{0.9, 0.01, 0.01, 0.01}); err != nil {
			t.Fatalf("ShouldDelegate failed: %v", err)
		}
	}

	stats := g.DecisionLatency()
	if stats.Count != 10 {
		t.Fatalf("Count = %d, want window size 10", stats.Count)
	}
	if stats.P50Us > stats.P95Us || stats.P95Us > stats.P99Us {
		t.Fatalf("Percentiles out of order: %+v", stats)
	}
	if stats.MeanUs <= 0 {
		t.Fatalf("MeanUs = %g, want > 0", stats.MeanUs)
	}
}

func TestStats_CountsDecisions(t *testing.T) {
	g := newGate(t, testGateConfig())

	g.ShouldDelegate([]float64{0.9, 0.01, 0.01, 0.01})  // handled
	g.ShouldDelegate([]float64{0.25, 0.25, 0.25, 0.25}) // delegated

	st := g.Stats()
	if st.Decisions != 2 || st.Handled != 1 || st.Delegations != 1 {
		t.Fatalf("Stats = %+v, want 2 decisions, 1 handled, 1 delegated", st)
	}
}

func TestDispose_Idempotent(t *testing.T) {
	g := newGate(t, testGateConfig())

	if _, _, err := g.Compete([]float64{0.9, 0.1, 0, 0}); err != nil {
		t.Fatalf("Compete failed: %v", err)
	}
	if err := g.Dispose(); err != nil {
		t.Fatalf("First Dispose failed: %v", err)
	}
	if err := g.Dispose(); err != nil {
		t.Fatalf("Second Dispose failed: %v", err)
	}
	if _, _, err := g.Compete([]float64{0.9, 0.1, 0, 0}); err == nil {
		t.Fatal("Expected error competing on a disposed gate")
	}
}
