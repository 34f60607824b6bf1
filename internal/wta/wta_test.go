package wta

import (
	"errors"
	"math"
	"sync/atomic"
	"testing"
)

func TestNetwork_CompeteSingleWinner(t *testing.T) {
	n, err := New(4, 0.1, 0.2)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	winner, err := n.Compete([]float64{0.2, 0.9, 0.4, 0.1})
	if err != nil {
		t.Fatalf("Compete failed: %v", err)
	}
	if winner != 1 {
		t.Fatalf("Expected winner 1, got %d", winner)
	}
}

func TestNetwork_CompeteBelowThreshold(t *testing.T) {
	n, _ := New(3, 0.5, 0.2)

	_, err := n.Compete([]float64{0.1, 0.2, 0.3})
	if !errors.Is(err, ErrNoWinner) {
		t.Fatalf("Expected ErrNoWinner, got %v", err)
	}
}

func TestNetwork_CompeteUniformTie(t *testing.T) {
	n, _ := New(4, 0.1, 0.3)

	// Perfectly uniform input: mutual inhibition kills every unit.
	_, err := n.Compete([]float64{0.5, 0.5, 0.5, 0.5})
	if !errors.Is(err, ErrNoWinner) {
		t.Fatalf("Expected ErrNoWinner on uniform tie, got %v", err)
	}
}

func TestNetwork_LengthMismatch(t *testing.T) {
	n, _ := New(4, 0.1, 0.2)

	_, err := n.Compete([]float64{0.1, 0.2})
	if !errors.Is(err, ErrLengthMismatch) {
		t.Fatalf("Expected ErrLengthMismatch, got %v", err)
	}

	_, err = n.SelectK([]float64{0.1, 0.2, 0.3, 0.4, 0.5}, 2)
	if !errors.Is(err, ErrLengthMismatch) {
		t.Fatalf("Expected ErrLengthMismatch from SelectK, got %v", err)
	}
}

func TestNetwork_SelectK(t *testing.T) {
	n, _ := New(5, 0.2, 0.1)

	got, err := n.SelectK([]float64{0.9, 0.1, 0.5, 0.7, 0.05}, 2)
	if err != nil {
		t.Fatalf("SelectK failed: %v", err)
	}
	if len(got) != 2 || got[0] != 0 || got[1] != 3 {
		t.Fatalf("Expected [0 3], got %v", got)
	}
}

func TestNetwork_InvalidConfig(t *testing.T) {
	cases := []struct {
		size                  int
		threshold, inhibition float64
	}{
		{0, 0.1, 0.1},
		{-3, 0.1, 0.1},
		{4, -0.1, 0.1},
		{4, 1.5, 0.1},
		{4, 0.1, -0.2},
		{4, 0.1, 2.0},
	}
	for _, c := range cases {
		if _, err := New(c.size, c.threshold, c.inhibition); err == nil {
			t.Fatalf("Expected error for size=%d threshold=%g inhibition=%g",
				c.size, c.threshold, c.inhibition)
		}
	}
}

func TestNetwork_DisposeIdempotent(t *testing.T) {
	n, _ := New(3, 0.1, 0.2)

	if err := n.Dispose(); err != nil {
		t.Fatalf("First Dispose failed: %v", err)
	}
	if err := n.Dispose(); err != nil {
		t.Fatalf("Second Dispose failed: %v", err)
	}

	_, err := n.Compete([]float64{0.1, 0.2, 0.3})
	if !errors.Is(err, ErrDisposed) {
		t.Fatalf("Expected ErrDisposed after dispose, got %v", err)
	}
}

func TestLazy_InitializesOnce(t *testing.T) {
	var builds int32
	l := NewLazy(func() (Competitor, error) {
		atomic.AddInt32(&builds, 1)
		return New(3, 0.1, 0.2)
	})

	for i := 0; i < 5; i++ {
		if _, err := l.Compete([]float64{0.2, 0.8, 0.1}); err != nil {
			t.Fatalf("Compete %d failed: %v", i, err)
		}
	}
	if atomic.LoadInt32(&builds) != 1 {
		t.Fatalf("Expected factory to run once, ran %d times", builds)
	}
}

func TestLazy_DisposeBeforeUse(t *testing.T) {
	l := NewLazy(func() (Competitor, error) {
		t.Fatal("factory should not run on dispose-before-use")
		return nil, nil
	})
	if err := l.Dispose(); err != nil {
		t.Fatalf("Dispose before use failed: %v", err)
	}
	if err := l.Dispose(); err != nil {
		t.Fatalf("Second Dispose failed: %v", err)
	}
}

func TestSoftDistribution(t *testing.T) {
	dist := SoftDistribution([]float64{1, 1, 2})
	if math.Abs(dist[2]-0.5) > 1e-9 {
		t.Fatalf("Expected dist[2]=0.5, got %g", dist[2])
	}

	uniform := SoftDistribution([]float64{0, 0, 0, 0})
	for i, p := range uniform {
		if math.Abs(p-0.25) > 1e-9 {
			t.Fatalf("Expected uniform 0.25 at %d, got %g", i, p)
		}
	}
}

func TestNormalizedEntropy(t *testing.T) {
	if e := NormalizedEntropy([]float64{1, 0, 0, 0}); e > 1e-9 {
		t.Fatalf("Point mass entropy should be 0, got %g", e)
	}
	if e := NormalizedEntropy([]float64{0.25, 0.25, 0.25, 0.25}); math.Abs(e-1) > 1e-9 {
		t.Fatalf("Uniform entropy should be 1, got %g", e)
	}
}

func TestArgmax(t *testing.T) {
	idx, val := Argmax([]float64{0.1, 0.9, 0.3})
	if idx != 1 || val != 0.9 {
		t.Fatalf("Expected (1, 0.9), got (%d, %g)", idx, val)
	}
	if idx, _ := Argmax(nil); idx != -1 {
		t.Fatalf("Expected -1 for empty vector, got %d", idx)
	}
}
