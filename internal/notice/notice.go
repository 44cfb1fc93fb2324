// Package notice is the single ambient error channel for the control panel.
//
// Submission failures, transient kernel RPC failures, and storage failures
// are published here as dismissible notices. Errors that end a build stay on
// the build itself and never show up here.
package notice

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/hearth/internal/model"
	"github.com/ashita-ai/hearth/internal/telemetry"
)

// DefaultCapacity bounds how many notices are retained.
const DefaultCapacity = 50

// Publisher is the narrow interface components use to raise notices.
type Publisher interface {
	Publish(kind model.NoticeKind, issueID, message string) model.Notice
}

// Center holds the bounded notice list and fans new notices out to
// subscribers. It is safe for concurrent use.
type Center struct {
	logger   *slog.Logger
	capacity int
	now      func() time.Time
	counter  metric.Int64Counter

	mu          sync.RWMutex
	notices     []model.Notice
	subscribers map[chan model.Notice]struct{}
}

var _ Publisher = (*Center)(nil)

// New creates a Center keeping at most capacity notices (DefaultCapacity if <= 0).
func New(logger *slog.Logger, capacity int) *Center {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	counter, _ := telemetry.Meter("hearth/notice").Int64Counter("hearth.notices.published",
		metric.WithDescription("Ambient notices published, by kind"))
	return &Center{
		logger:      logger,
		capacity:    capacity,
		now:         time.Now,
		counter:     counter,
		subscribers: make(map[chan model.Notice]struct{}),
	}
}

// Publish records a notice, evicting the oldest one when full, and delivers
// it to subscribers without blocking.
func (c *Center) Publish(kind model.NoticeKind, issueID, message string) model.Notice {
	n := model.Notice{
		ID:      uuid.New(),
		Kind:    kind,
		Message: message,
		IssueID: issueID,
		At:      c.now().UTC(),
	}

	c.mu.Lock()
	c.notices = append(c.notices, n)
	if over := len(c.notices) - c.capacity; over > 0 {
		c.notices = slices.Delete(c.notices, 0, over)
	}
	for ch := range c.subscribers {
		select {
		case ch <- n:
		default:
		}
	}
	c.mu.Unlock()

	if c.counter != nil {
		c.counter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", string(kind))))
	}
	c.logger.Warn("notice", "kind", kind, "issue_id", issueID, "message", message)
	return n
}

// List returns the retained notices, oldest first.
func (c *Center) List() []model.Notice {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.notices)
}

// Dismiss removes a notice. Reports whether it was present.
func (c *Center) Dismiss(id uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := slices.IndexFunc(c.notices, func(n model.Notice) bool { return n.ID == id })
	if i < 0 {
		return false
	}
	c.notices = slices.Delete(c.notices, i, i+1)
	return true
}

// Clear removes every notice.
func (c *Center) Clear() {
	c.mu.Lock()
	c.notices = nil
	c.mu.Unlock()
}

// Subscribe returns a channel receiving every notice published from now on.
// The caller must call Unsubscribe when done.
func (c *Center) Subscribe() chan model.Notice {
	ch := make(chan model.Notice, 16)
	c.mu.Lock()
	c.subscribers[ch] = struct{}{}
	c.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (c *Center) Unsubscribe(ch chan model.Notice) {
	c.mu.Lock()
	if _, ok := c.subscribers[ch]; ok {
		delete(c.subscribers, ch)
		close(ch)
	}
	c.mu.Unlock()
}
