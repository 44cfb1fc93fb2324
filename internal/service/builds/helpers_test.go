package builds

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ashita-ai/hearth/internal/model"
	"github.com/ashita-ai/hearth/internal/notice"
	"github.com/ashita-ai/hearth/internal/testutil"
)

type fakeKernel struct {
	mu        sync.Mutex
	issues    []model.IssueRequest
	jobs      []model.JobRequest
	killed    []string
	createErr error
	startErr  error
	killErr   error
	// onStart runs before StartJob records the job, outside the lock.
	onStart func()
}

func (k *fakeKernel) CreateIssue(_ context.Context, req model.IssueRequest) (model.Issue, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.createErr != nil {
		return model.Issue{}, k.createErr
	}
	k.issues = append(k.issues, req)
	id := fmt.Sprintf("ISS-%d", len(k.issues))
	return model.Issue{ID: id, Title: req.Title, ParentID: req.ParentID}, nil
}

func (k *fakeKernel) StartJob(_ context.Context, req model.JobRequest) (model.Job, error) {
	k.mu.Lock()
	hook := k.onStart
	k.mu.Unlock()
	if hook != nil {
		hook()
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.startErr != nil {
		return model.Job{}, k.startErr
	}
	k.jobs = append(k.jobs, req)
	n := len(k.jobs)
	return model.Job{JobID: fmt.Sprintf("job-%d", n), RunID: fmt.Sprintf("run-%d", n), Command: req.Command}, nil
}

func (k *fakeKernel) KillJob(_ context.Context, jobID string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.killErr != nil {
		return k.killErr
	}
	k.killed = append(k.killed, jobID)
	return nil
}

func (k *fakeKernel) set(f func(k *fakeKernel)) {
	k.mu.Lock()
	defer k.mu.Unlock()
	f(k)
}

type fakeRecorder struct {
	mu      sync.Mutex
	records map[string]model.RecentWorld
	err     error
}

func (r *fakeRecorder) Upsert(_ context.Context, id string, u model.RecentWorldUpdate) (model.RecentWorld, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return model.RecentWorld{}, r.err
	}
	if r.records == nil {
		r.records = make(map[string]model.RecentWorld)
	}
	rec := r.records[id]
	rec.ID = id
	rec = u.Apply(rec, time.Now())
	r.records[id] = rec
	return rec, nil
}

func (r *fakeRecorder) get(id string) model.RecentWorld {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.records[id]
}

type harness struct {
	ctl     *Controller
	kernel  *fakeKernel
	rec     *fakeRecorder
	notices *notice.Center

	mu      sync.Mutex
	history map[string][]*model.WorldBuildState
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		kernel:  &fakeKernel{},
		rec:     &fakeRecorder{},
		notices: notice.New(testutil.TestLogger(), 0),
		history: make(map[string][]*model.WorldBuildState),
	}
	h.ctl = New(h.kernel, h.rec, h.notices, testutil.TestLogger(), WithObserver(func(id string, s *model.WorldBuildState) {
		h.mu.Lock()
		h.history[id] = append(h.history[id], s)
		h.mu.Unlock()
	}))
	return h
}

func (h *harness) submit(t *testing.T, prompt string) *model.WorldBuildState {
	t.Helper()
	s, err := h.ctl.Submit(context.Background(), model.SubmitBuildRequest{ProjectRoot: "/proj", Prompt: prompt})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return s
}

func (h *harness) apply(t *testing.T, issueID string, evs ...model.BuildEvent) bool {
	t.Helper()
	changed, err := h.ctl.ApplyEvents(context.Background(), issueID, evs)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	return changed
}

func (h *harness) get(t *testing.T, issueID string) *model.WorldBuildState {
	t.Helper()
	s, err := h.ctl.Get(issueID)
	if err != nil {
		t.Fatalf("get %s: %v", issueID, err)
	}
	return s
}

// refinementHistory lists every status a refinement was observed in, with
// consecutive repeats collapsed.
func (h *harness) refinementHistory(issueID, refID string) []model.RefinementStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []model.RefinementStatus
	for _, s := range h.history[issueID] {
		if s == nil {
			continue
		}
		r, ok := s.Refinement(refID)
		if !ok {
			continue
		}
		if len(out) == 0 || out[len(out)-1] != r.Status {
			out = append(out, r.Status)
		}
	}
	return out
}

func statusEv(ts, issue string, st model.BuildStatus) model.BuildEvent {
	return model.BuildEvent{Timestamp: ts, Type: model.EventBuildStatus, IssueID: issue,
		Payload: model.StatusPayload{Status: st}}
}

func failedEv(ts, issue, msg string) model.BuildEvent {
	return model.BuildEvent{Timestamp: ts, Type: model.EventBuildFailed, IssueID: issue, Message: msg,
		Payload: model.StatusPayload{Status: model.BuildFailed, Error: msg}}
}

func agentEv(ts, issue, agent string, st model.AgentStatus) model.BuildEvent {
	return model.BuildEvent{Timestamp: ts, Type: model.EventAgentStatus, IssueID: issue,
		Payload: model.AgentPayload{AgentID: agent, Toolchain: "claude", Status: st, WorkcellID: "wc-" + agent}}
}

func fitnessEv(ts, issue, agent string, f float64, gen int) model.BuildEvent {
	return model.BuildEvent{Timestamp: ts, Type: model.EventAgentFitness, IssueID: issue,
		Payload: model.FitnessPayload{AgentID: agent, Fitness: f, Generation: gen}}
}

func refinementEv(ts, subIssue string, st model.RefinementStatus) model.BuildEvent {
	return model.BuildEvent{Timestamp: ts, Type: model.EventRefinementStatus, IssueID: subIssue,
		Payload: model.RefinementPayload{IssueID: subIssue, Status: st}}
}
