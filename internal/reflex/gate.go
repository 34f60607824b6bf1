// Package reflex implements the per-agent fast path: given an activation
// vector over known response patterns, decide in microseconds whether the
// agent can handle the input directly or must escalate to deliberation.
// The gate is stateless between calls apart from its latency window and
// counters.
package reflex

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"circadia/internal/logging"
	"circadia/internal/wta"
)

// Config holds gate construction parameters.
type Config struct {
	Neurons             int     // activation vector length
	ConfidenceThreshold float64 // below this, the input is delegated
	WTAThreshold        float64 // competition admission threshold
	Inhibition          float64 // lateral inhibition strength
	SampleCapacity      int     // latency window size
}

// DefaultConfig returns a sixteen-pattern gate delegating below 0.7
// confidence.
func DefaultConfig() Config {
	return Config{
		Neurons:             16,
		ConfidenceThreshold: 0.7,
		WTAThreshold:        0.1,
		Inhibition:          0.2,
		SampleCapacity:      1000,
	}
}

// Decision is the gate's verdict on one input.
type Decision struct {
	CanHandle  bool
	Index      int // winning pattern when CanHandle, else -1
	Confidence float64
	Reason     string // non-empty when delegating
}

// Gate wraps the competition primitive behind a lazily initialized handle.
// Safe for concurrent use.
type Gate struct {
	cfg  Config
	comp *wta.Lazy
	ring *latencyRing

	decisions   int64
	delegations int64
	handled     int64
	fallbacks   int64

	disposeOnce sync.Once
}

// New constructs a Gate. The competition primitive itself is not built until
// the first call that needs it.
func New(cfg Config) (*Gate, error) {
	if cfg.Neurons <= 0 {
		return nil, fmt.Errorf("neuron count must be positive, got %d", cfg.Neurons)
	}
	if cfg.ConfidenceThreshold < 0 || cfg.ConfidenceThreshold > 1 {
		return nil, fmt.Errorf("confidence threshold must be in [0,1], got %g", cfg.ConfidenceThreshold)
	}
	if cfg.SampleCapacity <= 0 {
		return nil, fmt.Errorf("sample capacity must be positive, got %d", cfg.SampleCapacity)
	}

	comp := wta.NewLazy(func() (wta.Competitor, error) {
		return wta.New(cfg.Neurons, cfg.WTAThreshold, cfg.Inhibition)
	})
	logging.Reflex("gate: neurons=%d confidence=%.2f wta=%.2f", cfg.Neurons, cfg.ConfidenceThreshold, cfg.WTAThreshold)
	return &Gate{cfg: cfg, comp: comp, ring: newLatencyRing(cfg.SampleCapacity)}, nil
}

// Compete picks the winning pattern for an activation vector and scores how
// decisively it won. Failure of the competition primitive degrades to a
// direct argmax rather than surfacing an error; only an unresolvable input
// (no activation clears the threshold, or an exact tie) returns ErrNoWinner.
func (g *Gate) Compete(activations []float64) (int, float64, error) {
	if len(activations) != g.cfg.Neurons {
		return -1, 0, fmt.Errorf("%w: got %d, want %d", wta.ErrLengthMismatch, len(activations), g.cfg.Neurons)
	}

	start := time.Now()
	defer func() { g.ring.record(float64(time.Since(start)) / float64(time.Microsecond)) }()
	atomic.AddInt64(&g.decisions, 1)

	winner, err := g.comp.Compete(activations)
	if err != nil {
		if err == wta.ErrNoWinner {
			return -1, 0, err
		}
		// Primitive unavailable or broken: argmax keeps the fast path alive.
		atomic.AddInt64(&g.fallbacks, 1)
		logging.ReflexDebug("gate: competition failed (%v), using argmax", err)
		idx, best := wta.Argmax(activations)
		if idx < 0 || best < g.cfg.WTAThreshold {
			return -1, 0, wta.ErrNoWinner
		}
		winner = idx
	}

	return winner, separation(activations, winner), nil
}

// separation scores a win by how far the winner leads the runner-up,
// floored at 0.5 since an outright winner is never less than a coin flip.
func separation(activations []float64, winner int) float64 {
	win := activations[winner]
	if win <= 0 {
		return 0.5
	}
	runnerUp := 0.0
	for i, v := range activations {
		if i != winner && v > runnerUp {
			runnerUp = v
		}
	}
	sep := (win - runnerUp) / win
	if sep < 0.5 {
		return 0.5
	}
	return sep
}

// ShouldDelegate decides whether the input can be handled reflexively.
// Confidence is one minus the normalized entropy of the activation
// distribution: a single dominant pattern scores near 1, a flat vector
// scores 0 and always delegates.
func (g *Gate) ShouldDelegate(activations []float64) (Decision, error) {
	if len(activations) != g.cfg.Neurons {
		return Decision{}, fmt.Errorf("%w: got %d, want %d", wta.ErrLengthMismatch, len(activations), g.cfg.Neurons)
	}

	start := time.Now()
	defer func() { g.ring.record(float64(time.Since(start)) / float64(time.Microsecond)) }()
	atomic.AddInt64(&g.decisions, 1)

	dist := wta.SoftDistribution(activations)
	confidence := 1 - wta.NormalizedEntropy(dist)

	d := Decision{Index: -1, Confidence: confidence}
	if confidence >= g.cfg.ConfidenceThreshold {
		d.CanHandle = true
		d.Index, _ = wta.Argmax(activations)
		atomic.AddInt64(&g.handled, 1)
		return d, nil
	}

	switch {
	case confidence < 0.3:
		d.Reason = "novel input, no dominant response pattern"
	case confidence < 0.5:
		d.Reason = "ambiguous input, multiple competing response patterns"
	default:
		d.Reason = fmt.Sprintf("confidence %.2f below threshold %.2f", confidence, g.cfg.ConfidenceThreshold)
	}
	atomic.AddInt64(&g.delegations, 1)
	logging.ReflexDebug("gate: delegating (%s)", d.Reason)
	return d, nil
}

// DecisionLatency returns latency percentiles over the recent sample window.
func (g *Gate) DecisionLatency() LatencyStats {
	return g.ring.stats()
}

// Stats is a point-in-time summary of gate counters.
type Stats struct {
	Decisions   int64
	Handled     int64
	Delegations int64
	Fallbacks   int64
}

// Stats returns current counters.
func (g *Gate) Stats() Stats {
	return Stats{
		Decisions:   atomic.LoadInt64(&g.decisions),
		Handled:     atomic.LoadInt64(&g.handled),
		Delegations: atomic.LoadInt64(&g.delegations),
		Fallbacks:   atomic.LoadInt64(&g.fallbacks),
	}
}

// Dispose releases the competition primitive exactly once.
func (g *Gate) Dispose() error {
	var err error
	g.disposeOnce.Do(func() {
		err = g.comp.Dispose()
	})
	return err
}
