package reflex

import (
	"math"
	"sort"
	"sync"
)

// LatencyStats summarizes decision latency in microseconds.
type LatencyStats struct {
	Count  int
	MeanUs float64
	P50Us  float64
	P95Us  float64
	P99Us  float64
}

// latencyRing keeps the most recent latency samples in a fixed-size ring.
type latencyRing struct {
	mu      sync.Mutex
	samples []float64
	next    int
	full    bool
}

func newLatencyRing(capacity int) *latencyRing {
	return &latencyRing{samples: make([]float64, capacity)}
}

func (r *latencyRing) record(us float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.samples[r.next] = us
	r.next++
	if r.next == len(r.samples) {
		r.next = 0
		r.full = true
	}
}

// stats sorts a copy of the live window; the ring itself stays in arrival
// order.
func (r *latencyRing) stats() LatencyStats {
	r.mu.Lock()
	n := len(r.samples)
	if !r.full {
		n = r.next
	}
	window := make([]float64, n)
	if r.full {
		copy(window, r.samples)
	} else {
		copy(window, r.samples[:n])
	}
	r.mu.Unlock()

	if n == 0 {
		return LatencyStats{}
	}

	sort.Float64s(window)
	var sum float64
	for _, v := range window {
		sum += v
	}
	return LatencyStats{
		Count:  n,
		MeanUs: sum / float64(n),
		P50Us:  percentile(window, 0.50),
		P95Us:  percentile(window, 0.95),
		P99Us:  percentile(window, 0.99),
	}
}

// percentile uses nearest-rank on an already sorted window.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
