package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/hearth/internal/events"
	"github.com/ashita-ai/hearth/internal/model"
	"github.com/ashita-ai/hearth/internal/telemetry"
)

// Config tunes reconciliation.
type Config struct {
	// PollInterval is the snapshot period. Defaults to 2s.
	PollInterval time.Duration
	// PollLimit caps events per snapshot. Defaults to events.DefaultPollLimit.
	PollLimit int
	// StreamRetention caps accumulated push events. Defaults to events.DefaultStreamRetention.
	StreamRetention int
	// ResubscribeMin and ResubscribeMax bound the push reconnect backoff.
	ResubscribeMin time.Duration
	ResubscribeMax time.Duration
	// DisablePush runs on polling alone.
	DisablePush bool
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.PollLimit <= 0 {
		c.PollLimit = events.DefaultPollLimit
	}
	if c.StreamRetention <= 0 {
		c.StreamRetention = events.DefaultStreamRetention
	}
	if c.ResubscribeMin <= 0 {
		c.ResubscribeMin = 500 * time.Millisecond
	}
	if c.ResubscribeMax < c.ResubscribeMin {
		c.ResubscribeMax = 30 * time.Second
	}
	return c
}

type sessionDeps struct {
	cfg     Config
	kernel  Kernel
	builds  Builds
	jobs    func(ctx context.Context) ([]model.Job, error)
	publish Publisher
	logger  *slog.Logger
	metrics *metrics
}

// ErrNotTracked is returned by Focus when the controller has no such build.
var ErrNotTracked = errors.New("reconcile: build not tracked")

// Manager owns the focused session. Any number of builds may be tracked by
// the controller, but only one is reconciled live at a time.
type Manager struct {
	deps sessionDeps
	// jobsGroup collapses concurrent active-job lookups into one kernel call.
	jobsGroup singleflight.Group

	mu      sync.Mutex
	ctx     context.Context
	focused *Session
}

// NewManager creates a Manager. Sessions started by Focus live until Blur,
// the next Focus, Close, or cancellation of ctx.
func NewManager(ctx context.Context, k Kernel, builds Builds, publish Publisher, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	meter := telemetry.Meter("hearth/reconcile")
	merged, _ := meter.Int64Counter("hearth.reconcile.merged_events",
		metric.WithDescription("Events in merged timelines that differed from the previous merge"))
	dups, _ := meter.Int64Counter("hearth.reconcile.duplicates_dropped",
		metric.WithDescription("Events dropped by the merger as duplicates"))

	m := &Manager{ctx: ctx}
	m.deps = sessionDeps{
		cfg:     cfg.withDefaults(),
		kernel:  k,
		builds:  builds,
		jobs:    m.ActiveJobs,
		publish: publish,
		logger:  logger,
		metrics: &metrics{mergedEvents: merged, duplicates: dups},
	}
	return m
}

// Focus starts reconciling issueID and stops the previously focused build.
// Focusing the build that is already focused is a no-op.
func (m *Manager) Focus(issueID string) error {
	state, err := m.deps.builds.Get(issueID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNotTracked, issueID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx.Err() != nil {
		return fmt.Errorf("reconcile: focus: %w", m.ctx.Err())
	}
	if m.focused != nil {
		if m.focused.issueID == issueID {
			return nil
		}
		m.focused.Stop()
	}
	m.focused = newSession(m.ctx, issueID, state.ProjectRoot, m.deps)
	m.deps.logger.Info("reconcile: focused", "issue_id", issueID, "project", state.ProjectRoot)
	return nil
}

// Blur stops the focused session, if any.
func (m *Manager) Blur() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.focused != nil {
		m.focused.Stop()
		m.focused = nil
	}
}

// Focused returns the focused issue id, or "".
func (m *Manager) Focused() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.focused == nil {
		return ""
	}
	return m.focused.issueID
}

// Close stops the focused session.
func (m *Manager) Close() {
	m.Blur()
}

// ActiveJobs lists the kernel's active jobs. Concurrent callers share one
// request; a caller whose ctx ends stops waiting without failing the others.
func (m *Manager) ActiveJobs(ctx context.Context) ([]model.Job, error) {
	ch := m.jobsGroup.DoChan("active-jobs", func() (any, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		return m.deps.kernel.ListActiveJobs(callCtx)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		jobs, _ := res.Val.([]model.Job)
		return jobs, nil
	}
}
