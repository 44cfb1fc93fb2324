package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/hearth/internal/model"
	"github.com/ashita-ai/hearth/internal/service/reconcile"
	"github.com/ashita-ai/hearth/internal/telemetry"
)

// SSE event names sent on /v1/subscribe.
const (
	EventProjection = "projection"
	EventBuild      = "build"
	EventNotice     = "notice"
)

// NoticeSource is the notice fan-out the broker relays. notice.Center implements it.
type NoticeSource interface {
	Subscribe() chan model.Notice
	Unsubscribe(ch chan model.Notice)
}

// buildChange is the payload of a "build" event.
type buildChange struct {
	IssueID     string                    `json:"issue_id"`
	Discarded   bool                      `json:"discarded,omitempty"`
	Status      model.BuildStatus         `json:"status,omitempty"`
	Attempt     int                       `json:"attempt,omitempty"`
	JobID       string                    `json:"job_id,omitempty"`
	Refinements []model.RefinementMessage `json:"refinements,omitempty"`
}

// Broker fans projections, build changes and notices out to SSE subscribers.
// Sends never block: a subscriber whose buffer is full misses the event.
type Broker struct {
	notices NoticeSource
	logger  *slog.Logger
	dropped metric.Int64Counter

	mu          sync.RWMutex
	subscribers map[chan []byte]struct{}
}

// NewBroker creates a broker. Call Start to begin relaying notices.
func NewBroker(notices NoticeSource, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	dropped, _ := telemetry.Meter("hearth/http").Int64Counter("hearth.sse.dropped",
		metric.WithDescription("SSE events dropped for slow subscribers"))
	return &Broker{
		notices:     notices,
		logger:      logger,
		dropped:     dropped,
		subscribers: make(map[chan []byte]struct{}),
	}
}

// Start relays notices until ctx is cancelled. It blocks, so call it in a goroutine.
func (b *Broker) Start(ctx context.Context) {
	if b.notices == nil {
		return
	}
	ch := b.notices.Subscribe()
	defer b.notices.Unsubscribe(ch)
	b.logger.Info("broker: relaying notices")
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			b.send(EventNotice, n)
		}
	}
}

// PublishUpdate broadcasts a reconciled projection. It satisfies
// reconcile.Publisher.
func (b *Broker) PublishUpdate(u reconcile.Update) {
	b.send(EventProjection, u)
}

// BuildChanged broadcasts a controller state change. A nil state means the
// build was discarded.
func (b *Broker) BuildChanged(issueID string, state *model.WorldBuildState) {
	c := buildChange{IssueID: issueID, Discarded: state == nil}
	if state != nil {
		c.Status = state.Status
		c.Attempt = state.Attempt
		c.JobID = state.JobID
		c.Refinements = state.Refinements
	}
	b.send(EventBuild, c)
}

// Subscribe returns a channel that receives SSE-formatted events.
// The caller must call Unsubscribe when done.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Subscribers returns the number of connected subscribers.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (b *Broker) send(eventType string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		b.logger.Warn("broker: encode event", "event", eventType, "error", err)
		return
	}
	b.broadcast(eventType, formatSSE(eventType, data))
}

func (b *Broker) broadcast(eventType string, event []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			if b.dropped != nil {
				b.dropped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("event", eventType)))
			}
		}
	}
}

// formatSSE frames one event. data must not contain newlines; JSON from
// encoding/json never does.
func formatSSE(eventType string, data []byte) []byte {
	out := make([]byte, 0, len(eventType)+len(data)+16)
	out = append(out, "event: "...)
	out = append(out, eventType...)
	out = append(out, "\ndata: "...)
	out = append(out, data...)
	return append(out, "\n\n"...)
}
