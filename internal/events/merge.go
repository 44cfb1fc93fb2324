package events

import (
	"slices"
	"strings"
	"sync"

	"github.com/ashita-ai/hearth/internal/model"
)

// DefaultPollLimit is the number of events requested per snapshot poll.
const DefaultPollLimit = 200

// Merge combines the latest polled events with the events accumulated from
// the push stream. Events are de-duplicated by key (first occurrence wins)
// and sorted by timestamp as opaque strings. Events sharing a timestamp keep
// insertion order, polled before streamed.
//
// When nothing has been streamed yet the polled slice is returned as-is.
func Merge(polled, streamed []model.BuildEvent) []model.BuildEvent {
	if len(streamed) == 0 {
		return polled
	}
	out := make([]model.BuildEvent, 0, len(polled)+len(streamed))
	seen := make(map[model.EventKey]struct{}, len(polled)+len(streamed))
	for _, list := range [][]model.BuildEvent{polled, streamed} {
		for _, ev := range list {
			k := ev.Key()
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, ev)
		}
	}
	SortByTime(out)
	return out
}

// SortByTime stable-sorts evs in place by timestamp as opaque strings.
func SortByTime(evs []model.BuildEvent) {
	slices.SortStableFunc(evs, func(a, b model.BuildEvent) int {
		return strings.Compare(a.Timestamp, b.Timestamp)
	})
}

// Merger wraps Merge with memoization: when the merged content is unchanged
// the previously returned slice is handed back, so callers can compare
// identity to skip recomputation.
type Merger struct {
	mu   sync.Mutex
	last []model.BuildEvent
}

// Merge returns the merged timeline and whether it differs from the previous call.
func (m *Merger) Merge(polled, streamed []model.BuildEvent) ([]model.BuildEvent, bool) {
	out := Merge(polled, streamed)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last != nil && sameKeys(out, m.last) {
		return m.last, false
	}
	m.last = out
	return out, true
}

// Reset forgets the memoized result.
func (m *Merger) Reset() {
	m.mu.Lock()
	m.last = nil
	m.mu.Unlock()
}

// Dropped reports how many events Merge discarded as duplicates.
func Dropped(polled, streamed, merged []model.BuildEvent) int {
	return len(polled) + len(streamed) - len(merged)
}

func sameKeys(a, b []model.BuildEvent) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Key() != b[i].Key() {
			return false
		}
	}
	return true
}
