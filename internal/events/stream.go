package events

import (
	"sync"

	"github.com/ashita-ai/hearth/internal/model"
)

// DefaultStreamRetention bounds the live-stream accumulation.
const DefaultStreamRetention = 500

// StreamBuffer accumulates pushed events between reconciliations, keeping
// only the most recent ones. Safe for concurrent use.
type StreamBuffer struct {
	mu      sync.Mutex
	limit   int
	events  []model.BuildEvent
	keys    map[model.EventKey]struct{}
	evicted int64
}

// NewStreamBuffer creates a buffer retaining at most limit events.
// A non-positive limit uses DefaultStreamRetention.
func NewStreamBuffer(limit int) *StreamBuffer {
	if limit <= 0 {
		limit = DefaultStreamRetention
	}
	return &StreamBuffer{
		limit: limit,
		keys:  make(map[model.EventKey]struct{}),
	}
}

// Append adds events, skipping ones already retained, and evicts the oldest
// arrivals beyond the retention window. Returns how many were added.
func (b *StreamBuffer) Append(evs ...model.BuildEvent) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	added := 0
	for _, ev := range evs {
		k := ev.Key()
		if _, dup := b.keys[k]; dup {
			continue
		}
		b.keys[k] = struct{}{}
		b.events = append(b.events, ev)
		added++
	}
	if over := len(b.events) - b.limit; over > 0 {
		for _, ev := range b.events[:over] {
			delete(b.keys, ev.Key())
		}
		// Copy so the dropped prefix can be collected.
		b.events = append([]model.BuildEvent(nil), b.events[over:]...)
		b.evicted += int64(over)
	}
	return added
}

// Events returns a copy of the retained events in arrival order.
func (b *StreamBuffer) Events() []model.BuildEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.events) == 0 {
		return nil
	}
	return append([]model.BuildEvent(nil), b.events...)
}

// Len returns the number of retained events.
func (b *StreamBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// Evicted returns how many events fell out of the retention window.
func (b *StreamBuffer) Evicted() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.evicted
}

// Reset drops everything.
func (b *StreamBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = nil
	b.keys = make(map[model.EventKey]struct{})
}
