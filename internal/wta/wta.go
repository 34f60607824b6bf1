// Package wta provides the winner-take-all competition primitive consumed by
// the circadian scheduler, the attention workspace, and the reflex gate.
// The primitive is deliberately small: given an activation vector, pick the
// winning index (or the top k). Callers must treat failures as a degrade
// signal and fall back to their deterministic selection path.
package wta

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
)

var (
	// ErrNoWinner is returned when no activation clears the threshold.
	ErrNoWinner = errors.New("no activation cleared the competition threshold")

	// ErrLengthMismatch is returned when the input vector does not match the
	// configured network size. Caller's fault; state is not mutated.
	ErrLengthMismatch = errors.New("activation vector length does not match network size")

	// ErrDisposed is returned when competing on a disposed network.
	ErrDisposed = errors.New("competition network is disposed")
)

// Competitor selects winners from an activation vector.
// Implementations must be safe for concurrent use.
type Competitor interface {
	// Compete returns the index of the single winner.
	Compete(activations []float64) (int, error)

	// SelectK returns up to k winning indices in descending activation order.
	SelectK(activations []float64, k int) ([]int, error)

	// Dispose releases underlying resources. Safe to call more than once.
	Dispose() error
}

// Network is the default in-process Competitor: iterative lateral inhibition
// over a fixed-size unit pool. Units suppress each other proportionally to
// their activation until a single survivor remains or the relaxation budget
// runs out.
type Network struct {
	mu         sync.Mutex
	size       int
	threshold  float64
	inhibition float64
	disposed   bool
}

// relaxationRounds bounds the inhibition loop so ties cannot spin forever.
const relaxationRounds = 24

// New creates a Network. size must be positive; threshold and inhibition
// must lie in [0, 1]. Violations are fatal configuration errors.
func New(size int, threshold, inhibition float64) (*Network, error) {
	if size <= 0 {
		return nil, fmt.Errorf("network size must be positive, got %d", size)
	}
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("threshold must be in [0,1], got %g", threshold)
	}
	if inhibition < 0 || inhibition > 1 {
		return nil, fmt.Errorf("inhibition strength must be in [0,1], got %g", inhibition)
	}
	return &Network{size: size, threshold: threshold, inhibition: inhibition}, nil
}

// Size returns the configured unit count.
func (n *Network) Size() int { return n.size }

// Compete runs lateral inhibition and returns the surviving index.
func (n *Network) Compete(activations []float64) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.disposed {
		return -1, ErrDisposed
	}
	if len(activations) != n.size {
		return -1, fmt.Errorf("%w: got %d, want %d", ErrLengthMismatch, len(activations), n.size)
	}

	state := make([]float64, n.size)
	copy(state, activations)

	for round := 0; round < relaxationRounds; round++ {
		var total float64
		alive := 0
		for _, v := range state {
			if v > 0 {
				total += v
				alive++
			}
		}
		if alive <= 1 {
			break
		}
		// Synchronous update: each unit is suppressed by the summed
		// activation of its competitors.
		next := make([]float64, n.size)
		for i, v := range state {
			if v <= 0 {
				continue
			}
			suppressed := v - n.inhibition*(total-v)
			if suppressed > 0 {
				next[i] = suppressed
			}
		}
		state = next
	}

	winner := -1
	best := 0.0
	for i, v := range state {
		if v > best {
			best = v
			winner = i
		}
	}
	if winner < 0 || activations[winner] < n.threshold {
		return -1, ErrNoWinner
	}
	// Exact ties decay symmetrically and never resolve; report them as
	// unresolved competition rather than picking an arbitrary index.
	for i, v := range state {
		if i != winner && math.Abs(v-best) <= 1e-12 {
			return -1, ErrNoWinner
		}
	}
	return winner, nil
}

// SelectK returns the indices of the k highest activations that clear the
// threshold, strongest first.
func (n *Network) SelectK(activations []float64, k int) ([]int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.disposed {
		return nil, ErrDisposed
	}
	if len(activations) != n.size {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrLengthMismatch, len(activations), n.size)
	}
	if k <= 0 {
		return nil, nil
	}

	idx := make([]int, 0, n.size)
	for i, v := range activations {
		if v >= n.threshold {
			idx = append(idx, i)
		}
	}
	if len(idx) == 0 {
		return nil, ErrNoWinner
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return activations[idx[a]] > activations[idx[b]]
	})
	if len(idx) > k {
		idx = idx[:k]
	}
	return idx, nil
}

// Dispose marks the network unusable. Idempotent.
func (n *Network) Dispose() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.disposed = true
	return nil
}

// Lazy defers construction of a Competitor until first use, with
// thread-safe one-time-init semantics. It replaces module-level "is the
// primitive initialized yet" flags: the component that first competes owns
// the initialization.
type Lazy struct {
	factory func() (Competitor, error)

	once sync.Once
	comp Competitor
	err  error

	disposeOnce sync.Once
}

// NewLazy wraps a factory. The factory runs at most once.
func NewLazy(factory func() (Competitor, error)) *Lazy {
	return &Lazy{factory: factory}
}

func (l *Lazy) get() (Competitor, error) {
	l.once.Do(func() {
		l.comp, l.err = l.factory()
	})
	return l.comp, l.err
}

// Compete initializes the underlying competitor on first call.
func (l *Lazy) Compete(activations []float64) (int, error) {
	c, err := l.get()
	if err != nil {
		return -1, err
	}
	if c == nil {
		// Disposed before first use.
		return -1, ErrDisposed
	}
	return c.Compete(activations)
}

// SelectK initializes the underlying competitor on first call.
func (l *Lazy) SelectK(activations []float64, k int) ([]int, error) {
	c, err := l.get()
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrDisposed
	}
	return c.SelectK(activations, k)
}

// Dispose releases the underlying competitor exactly once. Calling Dispose
// before first use is a no-op (nothing was initialized).
func (l *Lazy) Dispose() error {
	var err error
	l.disposeOnce.Do(func() {
		l.once.Do(func() {
			// Never initialized; leave comp nil.
		})
		if l.comp != nil {
			err = l.comp.Dispose()
		}
	})
	return err
}

// Argmax returns the index and value of the largest element, or (-1, 0)
// for an empty vector.
func Argmax(v []float64) (int, float64) {
	idx := -1
	best := math.Inf(-1)
	for i, x := range v {
		if x > best {
			best = x
			idx = i
		}
	}
	if idx < 0 {
		return -1, 0
	}
	return idx, best
}

// SoftDistribution normalizes non-negative activations into a probability
// distribution. Negative entries are treated as zero. An all-zero vector
// yields the uniform distribution.
func SoftDistribution(v []float64) []float64 {
	dist := make([]float64, len(v))
	var sum float64
	for i, x := range v {
		if x > 0 {
			dist[i] = x
			sum += x
		}
	}
	if sum <= 0 {
		if len(v) == 0 {
			return dist
		}
		u := 1.0 / float64(len(v))
		for i := range dist {
			dist[i] = u
		}
		return dist
	}
	for i := range dist {
		dist[i] /= sum
	}
	return dist
}

// NormalizedEntropy computes Shannon entropy of a distribution scaled to
// [0, 1], where 0 is a point mass and 1 is uniform.
func NormalizedEntropy(dist []float64) float64 {
	if len(dist) <= 1 {
		return 0
	}
	var h float64
	for _, p := range dist {
		if p > 0 {
			h -= p * math.Log2(p)
		}
	}
	max := math.Log2(float64(len(dist)))
	if max <= 0 {
		return 0
	}
	e := h / max
	if e < 0 {
		return 0
	}
	if e > 1 {
		return 1
	}
	return e
}
