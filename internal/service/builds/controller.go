// Package builds is the job/run lifecycle controller.
//
// The Controller owns every tracked WorldBuildState in an arena keyed by
// issue id. All mutation happens under one mutex in response to discrete
// inputs (a merged event batch or a user action), so a single build is never
// mutated in parallel. Kernel RPCs run outside the lock; their results are
// applied only if the build is still the one that issued them.
package builds

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/hearth/internal/kernel"
	"github.com/ashita-ai/hearth/internal/model"
	"github.com/ashita-ai/hearth/internal/notice"
	"github.com/ashita-ai/hearth/internal/telemetry"
)

// Kernel is the subset of the kernel client the controller drives.
type Kernel interface {
	CreateIssue(ctx context.Context, req model.IssueRequest) (model.Issue, error)
	StartJob(ctx context.Context, req model.JobRequest) (model.Job, error)
	KillJob(ctx context.Context, jobID string) error
}

// Recorder receives summary updates for the recent-builds registry.
type Recorder interface {
	Upsert(ctx context.Context, id string, u model.RecentWorldUpdate) (model.RecentWorld, error)
}

// Observer is called with a snapshot of a build after every change. A nil
// state with a non-empty issue id means the build was discarded.
type Observer func(issueID string, state *model.WorldBuildState)

// maxAppliedKeys bounds the per-build memory of applied event keys. It must
// exceed the largest merged window (poll limit plus stream retention).
const maxAppliedKeys = 4096

const buildTag = "world-build"

type entry struct {
	state *model.WorldBuildState
	// applied holds keys of events already applied. It survives resume and
	// retry so a previous run's history never replays into the new run.
	applied map[model.EventKey]struct{}
	order   []model.EventKey
	// busy is set while a dispatch (resume, retry, apply) is in flight.
	busy bool

	// Timestamps of the newest reports applied: build status, and per agent
	// its status and fitness. Older reports for the same field are dropped.
	statusAt  string
	agentAt   map[string]string
	fitnessAt map[string]string
}

func newEntry(state *model.WorldBuildState) *entry {
	return &entry{
		state:     state,
		applied:   make(map[model.EventKey]struct{}),
		agentAt:   make(map[string]string),
		fitnessAt: make(map[string]string),
	}
}

// restart moves the entry to a new run. Applied keys and the status clock
// carry over so the old run's reports stay behind it.
func (e *entry) restart(state *model.WorldBuildState) {
	e.state = state
	clear(e.agentAt)
	clear(e.fitnessAt)
}

func (e *entry) seen(k model.EventKey) bool {
	_, ok := e.applied[k]
	return ok
}

func (e *entry) mark(k model.EventKey) {
	e.applied[k] = struct{}{}
	e.order = append(e.order, k)
	if over := len(e.order) - maxAppliedKeys; over > 0 {
		for _, old := range e.order[:over] {
			delete(e.applied, old)
		}
		e.order = slices.Delete(e.order, 0, over)
	}
}

// Controller is the lifecycle state machine for world builds.
type Controller struct {
	kernel   Kernel
	recorder Recorder
	notices  notice.Publisher
	logger   *slog.Logger
	observer Observer
	now      func() time.Time

	transitions metric.Int64Counter
	applied     metric.Int64Counter

	mu     sync.Mutex
	builds map[string]*entry
	// dispatched maps a submission fingerprint to the issue created for it
	// when the job could not be started, so a resubmission reuses the issue.
	dispatched map[string]string
}

// Option configures a Controller.
type Option func(*Controller)

// WithObserver registers a callback invoked after every state change.
func WithObserver(o Observer) Option {
	return func(c *Controller) { c.observer = o }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// New creates a Controller. recorder and notices may be nil.
func New(k Kernel, recorder Recorder, notices notice.Publisher, logger *slog.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	meter := telemetry.Meter("hearth/builds")
	transitions, _ := meter.Int64Counter("hearth.builds.transitions",
		metric.WithDescription("Build status transitions, by target status"))
	applied, _ := meter.Int64Counter("hearth.builds.events_applied",
		metric.WithDescription("Kernel events applied to build state"))

	c := &Controller{
		kernel:      k,
		recorder:    recorder,
		notices:     notices,
		logger:      logger,
		now:         time.Now,
		transitions: transitions,
		applied:     applied,
		builds:      make(map[string]*entry),
		dispatched:  make(map[string]string),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Submit creates a kernel issue for the prompt and dispatches a job for it.
// On failure it returns a *SubmissionError and tracks nothing.
func (c *Controller) Submit(ctx context.Context, req model.SubmitBuildRequest) (*model.WorldBuildState, error) {
	if err := model.ValidateSubmit(req); err != nil {
		return nil, &SubmissionError{Stage: "validate", Err: err}
	}
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.String("hearth.project_root", req.ProjectRoot))

	fp := fingerprint(req)
	c.mu.Lock()
	issueID := c.dispatched[fp]
	c.mu.Unlock()

	// 1. Create the issue unless an earlier attempt already did.
	if issueID == "" {
		issue, err := c.kernel.CreateIssue(ctx, issueRequest(req))
		if err != nil {
			c.publish(model.NoticeSubmission, "", fmt.Sprintf("Could not create build issue: %v", err))
			return nil, &SubmissionError{Stage: "create_issue", Err: err}
		}
		issueID = issue.ID
		c.mu.Lock()
		c.dispatched[fp] = issueID
		c.mu.Unlock()
	}

	// 2. Dispatch the job.
	job, err := c.kernel.StartJob(ctx, model.JobRequest{
		ProjectRoot: req.ProjectRoot,
		Command:     kernel.RunOnceCommand(issueID),
		Label:       "build " + issueID,
	})
	if err != nil {
		c.publish(model.NoticeSubmission, issueID, fmt.Sprintf("Could not start build job: %v", err))
		return nil, &SubmissionError{Stage: "start_job", IssueID: issueID, Err: err}
	}

	// 3. Track the new build.
	now := c.now().UTC()
	state := &model.WorldBuildState{
		IssueID:       issueID,
		RunID:         job.RunID,
		JobID:         job.JobID,
		ProjectRoot:   req.ProjectRoot,
		Status:        model.BuildQueued,
		Prompt:        req.Prompt,
		Blueprint:     req.Blueprint.Clone(),
		IsSpeculating: req.Blueprint.Speculate,
		Agents:        []model.AgentState{},
		Refinements:   []model.RefinementMessage{},
		StartedAt:     now,
		Attempt:       1,
	}
	c.mu.Lock()
	delete(c.dispatched, fp)
	if old, ok := c.builds[issueID]; ok {
		state.Refinements = old.state.Refinements
		e := newEntry(state)
		e.applied, e.order, e.statusAt = old.applied, old.order, old.statusAt
		c.builds[issueID] = e
	} else {
		c.builds[issueID] = newEntry(state)
	}
	out := state.Clone()
	c.mu.Unlock()

	c.countTransition(ctx, model.BuildQueued)
	c.logger.Info("build submitted", "issue_id", issueID, "job_id", job.JobID, "run_id", job.RunID)
	c.record(ctx, issueID, model.RecentWorldUpdate{
		Name:           model.Ptr(buildName(req)),
		ProjectRoot:    model.Ptr(req.ProjectRoot),
		Status:         model.Ptr(model.RecentBuilding),
		LastPrompt:     model.Ptr(req.Prompt),
		Fitness:        model.Ptr(0.0),
		Generation:     model.Ptr(0),
		LastRunOutcome: model.Ptr(""),
		JobID:          model.Ptr(job.JobID),
	})
	c.observe(issueID, out)
	return out, nil
}

// Pause stops the build's job and marks it paused. The status change is
// optimistic: it records user intent and holds even if the kill fails.
func (c *Controller) Pause(ctx context.Context, issueID string) (*model.WorldBuildState, error) {
	c.mu.Lock()
	e, ok := c.builds[issueID]
	if !ok {
		c.mu.Unlock()
		return nil, ErrNotFound
	}
	if !e.state.Status.IsActive() {
		c.mu.Unlock()
		return nil, invalid("pause", e.state.Status)
	}
	if e.busy {
		c.mu.Unlock()
		return nil, invalid("pause", "dispatching")
	}
	jobID := e.state.JobID
	e.state.Status = model.BuildPaused
	out := e.state.Clone()
	c.mu.Unlock()

	c.countTransition(ctx, model.BuildPaused)
	if jobID != "" {
		if err := c.kernel.KillJob(ctx, jobID); err != nil {
			c.logger.Warn("pause: kill job failed", "issue_id", issueID, "job_id", jobID, "error", err)
			c.publish(model.NoticeTransient, issueID, fmt.Sprintf("Pause could not stop the kernel job: %v", err))
		}
	}
	c.record(ctx, issueID, model.RecentWorldUpdate{
		Status:         model.Ptr(model.RecentPaused),
		LastRunOutcome: model.Ptr("paused"),
	})
	c.observe(issueID, out)
	return out, nil
}

// Resume re-dispatches a paused build as a fresh run under the same issue.
func (c *Controller) Resume(ctx context.Context, issueID string) (*model.WorldBuildState, error) {
	return c.redispatch(ctx, issueID, "resume", model.BuildPaused)
}

// Retry re-dispatches a failed build as a fresh run under the same issue.
func (c *Controller) Retry(ctx context.Context, issueID string) (*model.WorldBuildState, error) {
	return c.redispatch(ctx, issueID, "retry", model.BuildFailed)
}

func (c *Controller) redispatch(ctx context.Context, issueID, op string, from model.BuildStatus) (*model.WorldBuildState, error) {
	c.mu.Lock()
	e, ok := c.builds[issueID]
	if !ok {
		c.mu.Unlock()
		return nil, ErrNotFound
	}
	if e.state.Status != from || e.busy {
		st := e.state.Status
		c.mu.Unlock()
		return nil, invalid(op, st)
	}
	e.busy = true
	project := e.state.ProjectRoot
	c.mu.Unlock()

	job, err := c.kernel.StartJob(ctx, model.JobRequest{
		ProjectRoot: project,
		Command:     kernel.RunOnceCommand(issueID),
		Label:       op + " " + issueID,
	})

	c.mu.Lock()
	e.busy = false
	if err != nil {
		c.mu.Unlock()
		c.logger.Warn(op+": start job failed", "issue_id", issueID, "error", err)
		c.publish(model.NoticeTransient, issueID, fmt.Sprintf("Could not %s build: %v", op, err))
		return nil, fmt.Errorf("builds: %s: %w", op, err)
	}
	if c.builds[issueID] != e {
		// Cancelled or dismissed while the job was being started.
		c.mu.Unlock()
		_ = c.kernel.KillJob(ctx, job.JobID)
		return nil, ErrNotFound
	}
	e.restart(fresh(e.state, job, c.now().UTC()))
	out := e.state.Clone()
	c.mu.Unlock()

	c.countTransition(ctx, model.BuildQueued)
	c.logger.Info("build "+op, "issue_id", issueID, "attempt", out.Attempt, "job_id", job.JobID)
	c.record(ctx, issueID, model.RecentWorldUpdate{
		Status:         model.Ptr(model.RecentBuilding),
		Fitness:        model.Ptr(0.0),
		Generation:     model.Ptr(0),
		LastRunOutcome: model.Ptr(""),
		JobID:          model.Ptr(job.JobID),
	})
	c.observe(issueID, out)
	return out, nil
}

// fresh starts a new run of prev: same issue, prompt, blueprint, and
// refinements; everything the old run produced is cleared.
func fresh(prev *model.WorldBuildState, job model.Job, now time.Time) *model.WorldBuildState {
	return &model.WorldBuildState{
		IssueID:       prev.IssueID,
		RunID:         job.RunID,
		JobID:         job.JobID,
		ProjectRoot:   prev.ProjectRoot,
		Status:        model.BuildQueued,
		Prompt:        prev.Prompt,
		Blueprint:     prev.Blueprint,
		IsSpeculating: prev.Blueprint.Speculate,
		Agents:        []model.AgentState{},
		Refinements:   prev.Refinements,
		StartedAt:     now,
		Attempt:       prev.Attempt + 1,
	}
}

// Cancel stops the build's job and discards it. The registry entry is kept
// and marked canceled.
func (c *Controller) Cancel(ctx context.Context, issueID string) error {
	c.mu.Lock()
	e, ok := c.builds[issueID]
	if !ok {
		c.mu.Unlock()
		return ErrNotFound
	}
	if e.state.Status.IsTerminal() {
		st := e.state.Status
		c.mu.Unlock()
		return invalid("cancel", st)
	}
	jobID := e.state.JobID
	delete(c.builds, issueID)
	c.mu.Unlock()

	if jobID != "" {
		if err := c.kernel.KillJob(ctx, jobID); err != nil {
			c.logger.Warn("cancel: kill job failed", "issue_id", issueID, "job_id", jobID, "error", err)
			c.publish(model.NoticeTransient, issueID, fmt.Sprintf("Cancel could not stop the kernel job: %v", err))
		}
	}
	c.logger.Info("build canceled", "issue_id", issueID)
	c.record(ctx, issueID, model.RecentWorldUpdate{
		Status:         model.Ptr(model.RecentCanceled),
		LastRunOutcome: model.Ptr("canceled"),
	})
	c.observe(issueID, nil)
	return nil
}

// Dismiss discards the local state only. The registry entry is untouched.
func (c *Controller) Dismiss(issueID string) error {
	c.mu.Lock()
	_, ok := c.builds[issueID]
	delete(c.builds, issueID)
	c.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	c.observe(issueID, nil)
	return nil
}

// Get returns a copy of the build's state.
func (c *Controller) Get(issueID string) (*model.WorldBuildState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.builds[issueID]
	if !ok {
		return nil, ErrNotFound
	}
	return e.state.Clone(), nil
}

// List returns copies of all tracked builds, oldest first.
func (c *Controller) List() []*model.WorldBuildState {
	c.mu.Lock()
	out := make([]*model.WorldBuildState, 0, len(c.builds))
	for _, e := range c.builds {
		out = append(out, e.state.Clone())
	}
	c.mu.Unlock()
	slices.SortFunc(out, func(a, b *model.WorldBuildState) int {
		if n := a.StartedAt.Compare(b.StartedAt); n != 0 {
			return n
		}
		return strings.Compare(a.IssueID, b.IssueID)
	})
	return out
}

// Len returns the number of tracked builds.
func (c *Controller) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.builds)
}

// Track adopts a build recovered from outside the controller, e.g. one
// re-attached to a live kernel job after restart. since is the kernel
// timestamp the current run started at; build status reports older than it
// belong to earlier runs and are ignored. An already tracked issue is left
// alone. Reports whether the state was adopted.
func (c *Controller) Track(state *model.WorldBuildState, since string) bool {
	if state == nil || state.IssueID == "" {
		return false
	}
	c.mu.Lock()
	if _, ok := c.builds[state.IssueID]; ok {
		c.mu.Unlock()
		return false
	}
	s := state.Clone()
	if s.Agents == nil {
		s.Agents = []model.AgentState{}
	}
	if s.Refinements == nil {
		s.Refinements = []model.RefinementMessage{}
	}
	if s.Attempt == 0 {
		s.Attempt = 1
	}
	e := newEntry(s)
	e.statusAt = since
	c.builds[s.IssueID] = e
	out := s.Clone()
	c.mu.Unlock()
	c.observe(out.IssueID, out)
	return true
}

func (c *Controller) record(ctx context.Context, issueID string, u model.RecentWorldUpdate) {
	if c.recorder == nil {
		return
	}
	if _, err := c.recorder.Upsert(ctx, issueID, u); err != nil {
		c.logger.Warn("builds: registry update failed", "issue_id", issueID, "error", err)
		c.publish(model.NoticeStorage, issueID, fmt.Sprintf("Could not save recent build: %v", err))
	}
}

func (c *Controller) publish(kind model.NoticeKind, issueID, msg string) {
	if c.notices != nil {
		c.notices.Publish(kind, issueID, msg)
	}
}

func (c *Controller) observe(issueID string, state *model.WorldBuildState) {
	if c.observer != nil {
		c.observer(issueID, state)
	}
}

func (c *Controller) countTransition(ctx context.Context, to model.BuildStatus) {
	if c.transitions != nil {
		c.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(to))))
	}
}

func fingerprint(req model.SubmitBuildRequest) string {
	h := sha256.New()
	h.Write([]byte(req.ProjectRoot))
	h.Write([]byte{0})
	h.Write([]byte(req.Prompt))
	h.Write([]byte{0})
	h.Write([]byte(req.Blueprint.Fingerprint()))
	return hex.EncodeToString(h.Sum(nil))
}

func issueRequest(req model.SubmitBuildRequest) model.IssueRequest {
	bp := req.Blueprint
	ir := model.IssueRequest{
		ProjectRoot: req.ProjectRoot,
		Title:       buildName(req),
		Description: req.Prompt,
		Tags:        []string{buildTag},
		Priority:    bp.Priority,
		Risk:        bp.Risk,
		Size:        bp.Size,
	}
	if bp.Template != "" {
		ir.Tags = append(ir.Tags, "template:"+bp.Template)
	}
	if len(bp.Toolchains) == 1 {
		ir.ToolHint = bp.Toolchains[0]
	}
	return ir
}

// buildName is the explicit name, or the first line of the prompt cut to
// a readable length.
func buildName(req model.SubmitBuildRequest) string {
	if n := strings.TrimSpace(req.Name); n != "" {
		return n
	}
	line, _, _ := strings.Cut(strings.TrimSpace(req.Prompt), "\n")
	return truncate(line, 80)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func newRefinementID() string {
	return uuid.NewString()
}
