// Package reconcile keeps a focused build in step with the kernel.
//
// A Session runs two producers, a snapshot poller on a ticker and a push
// subscription, feeding one consumer through a channel. Only the consumer
// touches the merge state and the controller, so a build is advanced by
// one serialized stream of merged batches. Stopping a session bumps its
// generation token; batches produced under an older token are discarded
// even if their request was already in flight.
package reconcile

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/hearth/internal/events"
	"github.com/ashita-ai/hearth/internal/model"
	"github.com/ashita-ai/hearth/internal/service/projection"
)

// Kernel is what a session reads from the kernel.
type Kernel interface {
	Snapshot(ctx context.Context, projectRoot string, limitEvents int) (model.Snapshot, error)
	Subscribe(ctx context.Context, projectRoot string) (<-chan []byte, error)
	ListActiveJobs(ctx context.Context) ([]model.Job, error)
}

// Builds is the controller surface a session drives.
type Builds interface {
	Get(issueID string) (*model.WorldBuildState, error)
	ApplyEvents(ctx context.Context, issueID string, merged []model.BuildEvent) (bool, error)
}

// Update is published after every reconciliation that changed something.
type Update struct {
	IssueID    string                 `json:"issue_id"`
	Projection projection.Projection  `json:"projection"`
	State      *model.WorldBuildState `json:"-"`
	Events     []model.BuildEvent     `json:"-"`
}

// Publisher receives updates. It is called from the session's consumer
// goroutine and must not block for long.
type Publisher func(Update)

// batch is one producer result handed to the consumer.
type batch struct {
	gen      uint64
	polled   []model.BuildEvent
	hasPoll  bool
	streamed []model.BuildEvent
	jobs     []model.Job
	hasJobs  bool
}

// Session reconciles one build until stopped.
type Session struct {
	issueID string
	project string
	cfg     Config
	kernel  Kernel
	builds  Builds
	jobs    func(ctx context.Context) ([]model.Job, error)
	publish Publisher
	logger  *slog.Logger
	metrics *metrics

	gen     atomic.Uint64
	token   uint64
	cancel  context.CancelFunc
	group   *errgroup.Group
	inbox   chan batch
	stopped sync.Once

	// Owned by the consumer goroutine.
	polled    []model.BuildEvent
	stream    *events.StreamBuffer
	merger    events.Merger
	active    []model.Job
	published bool
}

func newSession(parent context.Context, issueID, project string, deps sessionDeps) *Session {
	ctx, cancel := context.WithCancel(parent)
	g, gctx := errgroup.WithContext(ctx)
	s := &Session{
		issueID: issueID,
		project: project,
		cfg:     deps.cfg,
		kernel:  deps.kernel,
		builds:  deps.builds,
		jobs:    deps.jobs,
		publish: deps.publish,
		logger:  deps.logger.With("issue_id", issueID),
		metrics: deps.metrics,
		cancel:  cancel,
		group:   g,
		inbox:   make(chan batch, 16),
		stream:  events.NewStreamBuffer(deps.cfg.StreamRetention),
	}
	s.token = s.gen.Add(1)

	g.Go(func() error { s.consume(gctx); return nil })
	g.Go(func() error { s.poll(gctx); return nil })
	if !deps.cfg.DisablePush {
		g.Go(func() error { s.push(gctx); return nil })
	}
	return s
}

// IssueID returns the build this session reconciles.
func (s *Session) IssueID() string { return s.issueID }

// Stop cancels both producers and the consumer and waits for them to exit.
// Results still in flight are discarded. Safe to call more than once.
func (s *Session) Stop() {
	s.stopped.Do(func() {
		s.gen.Add(1)
		s.cancel()
		_ = s.group.Wait()
		s.logger.Debug("reconcile: session stopped")
	})
}

func (s *Session) current(b batch) bool {
	return b.gen == s.gen.Load()
}

func (s *Session) send(ctx context.Context, b batch) {
	b.gen = s.token
	select {
	case s.inbox <- b:
	case <-ctx.Done():
	}
}

func (s *Session) poll(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		s.pollOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Session) pollOnce(ctx context.Context) {
	var b batch
	snap, err := s.kernel.Snapshot(ctx, s.project, s.cfg.PollLimit)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("reconcile: snapshot failed", "error", err)
		}
	} else {
		b.hasPoll = true
		b.polled = make([]model.BuildEvent, 0, len(snap.Events))
		for _, raw := range snap.Events {
			b.polled = append(b.polled, events.NormalizeMap(raw))
		}
		// The kernel's snapshot order is not part of its contract.
		events.SortByTime(b.polled)
	}
	if jobs, err := s.jobs(ctx); err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("reconcile: list active jobs failed", "error", err)
		}
	} else {
		b.jobs, b.hasJobs = jobs, true
	}
	if b.hasPoll || b.hasJobs {
		s.send(ctx, b)
	}
}

func (s *Session) push(ctx context.Context) {
	backoff := s.cfg.ResubscribeMin
	for ctx.Err() == nil {
		ch, err := s.kernel.Subscribe(ctx, s.project)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("reconcile: subscribe failed, relying on polling", "error", err, "retry_in", backoff)
		} else {
			backoff = s.cfg.ResubscribeMin
			for frame := range ch {
				s.send(ctx, batch{streamed: []model.BuildEvent{events.NormalizeJSON(frame)}})
			}
			if ctx.Err() != nil {
				return
			}
			s.logger.Info("reconcile: push stream closed, resubscribing", "retry_in", backoff)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, s.cfg.ResubscribeMax)
	}
}

func (s *Session) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case b := <-s.inbox:
			if !s.current(b) || ctx.Err() != nil {
				continue
			}
			s.reconcile(ctx, b)
		}
	}
}

// relevant keeps events for the build, its refinement sub-issues, and
// project-wide events that name no issue.
func relevant(state *model.WorldBuildState, evs []model.BuildEvent) []model.BuildEvent {
	if len(evs) == 0 {
		return evs
	}
	ids := map[string]bool{"": true, state.IssueID: true}
	for _, r := range state.Refinements {
		if r.IssueID != "" {
			ids[r.IssueID] = true
		}
	}
	return slices.DeleteFunc(evs, func(ev model.BuildEvent) bool {
		return !ids[ev.IssueID]
	})
}

func (s *Session) reconcile(ctx context.Context, b batch) {
	state, err := s.builds.Get(s.issueID)
	if err != nil {
		s.logger.Debug("reconcile: build no longer tracked", "error", err)
		return
	}

	if b.hasPoll {
		s.polled = relevant(state, b.polled)
	}
	if kept := relevant(state, b.streamed); len(kept) > 0 {
		s.stream.Append(kept...)
	}
	jobsChanged := false
	if b.hasJobs {
		jobsChanged = !slices.Equal(s.active, b.jobs)
		s.active = b.jobs
	}

	streamed := s.stream.Events()
	merged, mergedChanged := s.merger.Merge(s.polled, streamed)
	if mergedChanged {
		s.metrics.merged(ctx, len(merged), events.Dropped(s.polled, streamed, merged))
	}

	stateChanged := false
	if mergedChanged {
		stateChanged, err = s.builds.ApplyEvents(ctx, s.issueID, merged)
		if err != nil {
			s.logger.Debug("reconcile: apply skipped", "error", err)
			return
		}
		if stateChanged {
			if state, err = s.builds.Get(s.issueID); err != nil {
				return
			}
		}
	}
	if !s.current(b) {
		return
	}

	if s.published && !mergedChanged && !stateChanged && !jobsChanged {
		return
	}
	s.published = true
	proj := projection.Project(state, s.active)
	if s.publish != nil {
		s.publish(Update{IssueID: s.issueID, Projection: proj, State: state, Events: merged})
	}
}

type metrics struct {
	mergedEvents metric.Int64Counter
	duplicates   metric.Int64Counter
}

func (m *metrics) merged(ctx context.Context, n, dropped int) {
	if m == nil {
		return
	}
	if m.mergedEvents != nil {
		m.mergedEvents.Add(ctx, int64(n))
	}
	if m.duplicates != nil && dropped > 0 {
		m.duplicates.Add(ctx, int64(dropped), metric.WithAttributes(attribute.String("reason", "duplicate_key")))
	}
}
