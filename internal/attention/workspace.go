// Package attention implements the fixed-capacity salience workspace: a
// bounded set of currently-salient items that agents compete for. Admission is
// winner-take-all at the margin: a newcomer below the weakest resident is
// rejected outright, otherwise the weakest resident is evicted. Salience
// decays every competition step and items falling below the threshold are
// dropped.
package attention

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"circadia/internal/logging"
)

// ErrEmptyContent is returned when a broadcast carries no representation.
var ErrEmptyContent = errors.New("broadcast content must not be empty")

// Config holds workspace construction parameters.
type Config struct {
	Capacity  int     // bounded resident set, recommended 4..9
	Threshold float64 // minimum salience for admission and residence
	DecayRate float64 // per-step multiplicative decay, in [0,1)
}

// DefaultConfig returns a seven-slot workspace with gentle decay.
func DefaultConfig() Config {
	return Config{Capacity: 7, Threshold: 0.1, DecayRate: 0.05}
}

// Item is a resident workspace entry.
type Item struct {
	OwnerID    string
	Content    []float64
	Salience   float64
	InsertedAt time.Time

	// seq breaks salience ties deterministically: higher is newer.
	seq uint64
}

// Workspace is the arbiter. All state is guarded by a single mutex; methods
// never block on I/O.
type Workspace struct {
	mu      sync.Mutex
	cfg     Config
	items   []Item
	nextSeq uint64

	broadcasts int64
	rejections int64
	evictions  int64
	decayed    int64
}

// New constructs a Workspace. Configuration errors are fatal.
func New(cfg Config) (*Workspace, error) {
	if cfg.Capacity < 1 {
		return nil, fmt.Errorf("capacity must be >= 1, got %d", cfg.Capacity)
	}
	if cfg.Threshold < 0 || cfg.Threshold >= 1 {
		return nil, fmt.Errorf("threshold must be in [0,1), got %g", cfg.Threshold)
	}
	if cfg.DecayRate < 0 || cfg.DecayRate >= 1 {
		return nil, fmt.Errorf("decay rate must be in [0,1), got %g", cfg.DecayRate)
	}
	logging.Attention("workspace: capacity=%d threshold=%.2f decay=%.2f",
		cfg.Capacity, cfg.Threshold, cfg.DecayRate)
	return &Workspace{cfg: cfg, items: make([]Item, 0, cfg.Capacity)}, nil
}

// Broadcast submits an item for admission. Salience is clamped to [0,1].
// Returns true if the item is now resident. A broadcast from an owner that is
// already resident replaces that owner's entry in place.
func (w *Workspace) Broadcast(ownerID string, content []float64, salience float64) (bool, error) {
	if len(content) == 0 {
		return false, ErrEmptyContent
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.broadcasts++
	salience = clamp01(salience)

	if salience < w.cfg.Threshold {
		w.rejections++
		logging.AttentionDebug("workspace: %s rejected below threshold (%.3f < %.3f)",
			ownerID, salience, w.cfg.Threshold)
		return false, nil
	}

	item := Item{
		OwnerID:    ownerID,
		Content:    append([]float64(nil), content...),
		Salience:   salience,
		InsertedAt: time.Now(),
		seq:        w.nextSeq,
	}
	w.nextSeq++

	for i := range w.items {
		if w.items[i].OwnerID == ownerID {
			w.items[i] = item
			return true, nil
		}
	}

	if len(w.items) < w.cfg.Capacity {
		w.items = append(w.items, item)
		return true, nil
	}

	// At capacity: the newcomer must strictly beat the weakest resident.
	weakest := w.weakestLocked()
	if salience <= w.items[weakest].Salience {
		w.rejections++
		logging.AttentionDebug("workspace: %s rejected at capacity (%.3f <= weakest %.3f)",
			ownerID, salience, w.items[weakest].Salience)
		return false, nil
	}

	logging.Attention("workspace: evicting %s (%.3f) for %s (%.3f)",
		w.items[weakest].OwnerID, w.items[weakest].Salience, ownerID, salience)
	w.items[weakest] = item
	w.evictions++
	return true, nil
}

// weakestLocked returns the index of the lowest-salience resident, oldest
// first among equals.
func (w *Workspace) weakestLocked() int {
	idx := 0
	for i := 1; i < len(w.items); i++ {
		if w.items[i].Salience < w.items[idx].Salience ||
			(w.items[i].Salience == w.items[idx].Salience && w.items[i].seq < w.items[idx].seq) {
			idx = i
		}
	}
	return idx
}

// Compete runs one competition step: every resident's salience decays by the
// configured rate, and residents that fall below the threshold are dropped.
// Returns the number of residents removed by this step.
func (w *Workspace) Compete() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	kept := w.items[:0]
	removed := 0
	for _, it := range w.items {
		it.Salience *= 1 - w.cfg.DecayRate
		if it.Salience < w.cfg.Threshold {
			removed++
			logging.AttentionDebug("workspace: %s decayed out (%.3f)", it.OwnerID, it.Salience)
			continue
		}
		kept = append(kept, it)
	}
	w.items = kept
	w.decayed += int64(removed)
	return removed
}

// TopK returns up to k residents in descending salience, most recent first
// among equals. k <= 0 returns all residents.
func (w *Workspace) TopK(k int) []Item {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]Item, len(w.items))
	copy(out, w.items)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Salience != out[j].Salience {
			return out[i].Salience > out[j].Salience
		}
		return out[i].seq > out[j].seq
	})
	if k > 0 && k < len(out) {
		out = out[:k]
	}
	return out
}

// HasAttention reports whether the given owner currently holds a slot.
func (w *Workspace) HasAttention(ownerID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := range w.items {
		if w.items[i].OwnerID == ownerID {
			return true
		}
	}
	return false
}

// Occupancy summarizes slot usage.
type Occupancy struct {
	Current   int
	Capacity  int
	Available int
	Load      float64
}

// Occupancy returns current slot usage.
func (w *Workspace) Occupancy() Occupancy {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Occupancy{
		Current:   len(w.items),
		Capacity:  w.cfg.Capacity,
		Available: w.cfg.Capacity - len(w.items),
		Load:      float64(len(w.items)) / float64(w.cfg.Capacity),
	}
}

// Synchrony pairs the mean resident salience with a score of how tightly the
// saliences cluster around it: 1 means all residents share the same salience,
// 0 means maximal spread.
type Synchrony struct {
	MeanSalience float64
	Score        float64
}

// Synchronization reports the current Synchrony. An empty workspace scores 1
// with mean 0; a single resident scores 1 with its own salience as the mean.
func (w *Workspace) Synchronization() Synchrony {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := len(w.items)
	if n == 0 {
		return Synchrony{Score: 1}
	}

	var mean float64
	for i := range w.items {
		mean += w.items[i].Salience
	}
	mean /= float64(n)
	if n == 1 {
		return Synchrony{MeanSalience: mean, Score: 1}
	}

	var variance float64
	for i := range w.items {
		d := w.items[i].Salience - mean
		variance += d * d
	}
	variance /= float64(n)

	// 0.25 is the maximum possible variance of values confined to [0,1].
	return Synchrony{MeanSalience: mean, Score: clamp01(1 - variance/0.25)}
}

// Stats is a point-in-time summary of workspace counters.
type Stats struct {
	Broadcasts int64
	Rejections int64
	Evictions  int64
	Decayed    int64
	Residents  int
}

// Stats returns current counters.
func (w *Workspace) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Stats{
		Broadcasts: w.broadcasts,
		Rejections: w.rejections,
		Evictions:  w.evictions,
		Decayed:    w.decayed,
		Residents:  len(w.items),
	}
}

// ItemSnapshot is the serializable form of a resident item.
type ItemSnapshot struct {
	OwnerID    string    `json:"owner_id"`
	Content    []float64 `json:"content"`
	Salience   float64   `json:"salience"`
	InsertedAt time.Time `json:"inserted_at"`
}

// Snapshot returns the resident set in insertion order for persistence.
func (w *Workspace) Snapshot() []ItemSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]ItemSnapshot, 0, len(w.items))
	for _, it := range w.items {
		out = append(out, ItemSnapshot{
			OwnerID:    it.OwnerID,
			Content:    append([]float64(nil), it.Content...),
			Salience:   it.Salience,
			InsertedAt: it.InsertedAt,
		})
	}
	return out
}

// Restore replaces the resident set with a previously captured snapshot.
// Items exceeding capacity or below the threshold are silently dropped, so a
// restore into a smaller workspace keeps the strongest entries.
func (w *Workspace) Restore(snap []ItemSnapshot) {
	w.mu.Lock()
	defer w.mu.Unlock()

	sorted := make([]ItemSnapshot, len(snap))
	copy(sorted, snap)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Salience > sorted[j].Salience })

	w.items = w.items[:0]
	for _, it := range sorted {
		if len(w.items) >= w.cfg.Capacity {
			break
		}
		s := clamp01(it.Salience)
		if s < w.cfg.Threshold || len(it.Content) == 0 {
			continue
		}
		w.items = append(w.items, Item{
			OwnerID:    it.OwnerID,
			Content:    append([]float64(nil), it.Content...),
			Salience:   s,
			InsertedAt: it.InsertedAt,
			seq:        w.nextSeq,
		})
		w.nextSeq++
	}
	logging.Attention("workspace: restored %d of %d items", len(w.items), len(snap))
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}
