package events

import (
	"sync"
	"sync/atomic"

	"circadia/internal/logging"
)

// Bus fans events out to subscribers. Function subscribers run synchronously
// on the emitter's goroutine; channel subscribers receive on a bounded buffer
// and miss events when full. There is no durability and no replay.
type Bus struct {
	mu    sync.RWMutex
	funcs []func(Event)
	chans map[int]chan Event
	next  int

	published int64
	dropped   int64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{chans: make(map[int]chan Event)}
}

// Subscribe registers a synchronous handler. Handlers must be fast; they run
// inline on the publishing goroutine.
func (b *Bus) Subscribe(fn func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.funcs = append(b.funcs, fn)
}

// Chan registers a buffered channel subscription and returns the channel
// plus a cancel function. After cancel the channel is closed.
func (b *Bus) Chan(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.chans[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.chans[id]; ok {
			delete(b.chans, id)
			close(c)
		}
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber. Channel subscribers whose
// buffer is full are skipped.
func (b *Bus) Publish(ev Event) {
	atomic.AddInt64(&b.published, 1)

	b.mu.RLock()
	funcs := b.funcs
	chans := make([]chan Event, 0, len(b.chans))
	for _, ch := range b.chans {
		chans = append(chans, ch)
	}
	b.mu.RUnlock()

	for _, fn := range funcs {
		fn(ev)
	}
	for _, ch := range chans {
		select {
		case ch <- ev:
		default:
			atomic.AddInt64(&b.dropped, 1)
			logging.EventsDebug("bus: dropped %s for slow subscriber", ev.Type)
		}
	}
}

// Stats reports publish/drop counts.
func (b *Bus) Stats() (published, dropped int64) {
	return atomic.LoadInt64(&b.published), atomic.LoadInt64(&b.dropped)
}
