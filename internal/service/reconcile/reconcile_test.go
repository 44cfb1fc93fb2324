package reconcile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/hearth/internal/model"
	"github.com/ashita-ai/hearth/internal/service/builds"
	"github.com/ashita-ai/hearth/internal/service/projection"
	"github.com/ashita-ai/hearth/internal/testutil"
)

type fakeKernel struct {
	mu        sync.Mutex
	snapshot  []map[string]any
	snapErr   error
	snapGate  chan struct{}
	jobs      []model.Job
	jobCalls  atomic.Int32
	jobGate   chan struct{}
	push      chan []byte
	subErr    error
	subscribe atomic.Int32
}

func (k *fakeKernel) Snapshot(ctx context.Context, _ string, _ int) (model.Snapshot, error) {
	k.mu.Lock()
	gate := k.snapGate
	k.mu.Unlock()
	if gate != nil {
		<-gate
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.snapErr != nil {
		return model.Snapshot{}, k.snapErr
	}
	return model.Snapshot{Events: append([]map[string]any(nil), k.snapshot...)}, nil
}

func (k *fakeKernel) Subscribe(ctx context.Context, _ string) (<-chan []byte, error) {
	k.subscribe.Add(1)
	k.mu.Lock()
	src, err := k.push, k.subErr
	k.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make(chan []byte)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case f, ok := <-src:
				if !ok {
					return
				}
				select {
				case out <- f:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (k *fakeKernel) ListActiveJobs(ctx context.Context) ([]model.Job, error) {
	k.jobCalls.Add(1)
	if k.jobGate != nil {
		<-k.jobGate
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]model.Job(nil), k.jobs...), nil
}

type recorder struct {
	mu      sync.Mutex
	updates []Update
}

func (r *recorder) publish(u Update) {
	r.mu.Lock()
	r.updates = append(r.updates, u)
	r.mu.Unlock()
}

func (r *recorder) last() (Update, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.updates) == 0 {
		return Update{}, false
	}
	return r.updates[len(r.updates)-1], true
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

func fastConfig() Config {
	return Config{PollInterval: 10 * time.Millisecond, ResubscribeMin: 5 * time.Millisecond, ResubscribeMax: 20 * time.Millisecond}
}

func tracked(t *testing.T, ids ...string) *builds.Controller {
	t.Helper()
	ctl := builds.New(nil, nil, nil, testutil.TestLogger())
	for _, id := range ids {
		require.True(t, ctl.Track(&model.WorldBuildState{IssueID: id, ProjectRoot: "/proj", Status: model.BuildQueued, RunID: "run-" + id}, ""))
	}
	return ctl
}

func statusRow(ts, issue, status string) map[string]any {
	return map[string]any{"type": "build_status", "timestamp": ts, "issue_id": issue, "data": map[string]any{"status": status}}
}

func fitnessRow(ts, issue, agent string, f float64) map[string]any {
	return map[string]any{"type": "agent_fitness", "timestamp": ts, "issue_id": issue,
		"data": map[string]any{"agent_id": agent, "fitness": f, "generation": 1.0}}
}

func TestSessionMergesPollAndPush(t *testing.T) {
	k := &fakeKernel{
		snapshot: []map[string]any{statusRow("1", "X", "generating"), fitnessRow("2", "X", "a1", 0.5)},
		jobs:     []model.Job{{JobID: "j", RunID: "run-X"}},
		push:     make(chan []byte, 4),
	}
	ctl := tracked(t, "X")
	rec := &recorder{}
	m := NewManager(context.Background(), k, ctl, rec.publish, fastConfig(), testutil.TestLogger())
	t.Cleanup(m.Close)

	require.NoError(t, m.Focus("X"))
	k.push <- []byte(`{"type":"agent_fitness","timestamp":"2","issue_id":"X","data":{"agent_id":"a1","fitness":0.5,"generation":1}}`)
	k.push <- []byte(`{"type":"agent_fitness","timestamp":"3","issue_id":"X","data":{"agent_id":"a1","fitness":0.8,"generation":2}}`)

	require.Eventually(t, func() bool {
		u, ok := rec.last()
		return ok && u.Projection.BestFitness == 0.8 && len(u.Events) == 3
	}, 2*time.Second, 5*time.Millisecond)

	u, _ := rec.last()
	assert.Equal(t, []string{"1", "2", "3"}, []string{u.Events[0].Timestamp, u.Events[1].Timestamp, u.Events[2].Timestamp})
	assert.Equal(t, model.BuildGenerating, u.Projection.Status)
	assert.Equal(t, projection.KernelRunning, u.Projection.KernelIndicator)
	assert.Equal(t, 2, u.Projection.Generation)

	state, err := ctl.Get("X")
	require.NoError(t, err)
	assert.Equal(t, 0.8, state.BestFitness)
}

func TestSessionIgnoresOtherIssues(t *testing.T) {
	k := &fakeKernel{
		snapshot: []map[string]any{
			statusRow("1", "X", "rendering"),
			statusRow("2", "Y", "failed"),
			{"type": "system", "timestamp": "3", "message": "kernel up"},
		},
		subErr: errors.New("no push"),
	}
	ctl := tracked(t, "X", "Y")
	rec := &recorder{}
	m := NewManager(context.Background(), k, ctl, rec.publish, fastConfig(), testutil.TestLogger())
	t.Cleanup(m.Close)

	require.NoError(t, m.Focus("X"))
	require.Eventually(t, func() bool {
		u, ok := rec.last()
		return ok && u.Projection.Status == model.BuildRendering
	}, 2*time.Second, 5*time.Millisecond)

	u, _ := rec.last()
	require.Len(t, u.Events, 2)
	assert.Equal(t, "X", u.Events[0].IssueID)
	assert.Equal(t, "", u.Events[1].IssueID)

	y, err := ctl.Get("Y")
	require.NoError(t, err)
	assert.Equal(t, model.BuildQueued, y.Status, "unfocused build is not advanced")
}

func TestPollingAloneWhenPushUnavailable(t *testing.T) {
	k := &fakeKernel{snapshot: []map[string]any{statusRow("1", "X", "voting")}, subErr: errors.New("refused")}
	ctl := tracked(t, "X")
	rec := &recorder{}
	m := NewManager(context.Background(), k, ctl, rec.publish, fastConfig(), testutil.TestLogger())
	t.Cleanup(m.Close)

	require.NoError(t, m.Focus("X"))
	require.Eventually(t, func() bool {
		u, ok := rec.last()
		return ok && u.Projection.Status == model.BuildVoting
	}, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return k.subscribe.Load() >= 2 }, 2*time.Second, 5*time.Millisecond,
		"subscription is retried while the session lives")
}

func TestPolledEventsAreOrderedByTimestamp(t *testing.T) {
	k := &fakeKernel{
		snapshot: []map[string]any{
			statusRow("3", "X", "critiquing"),
			statusRow("1", "X", "generating"),
			fitnessRow("2", "X", "a1", 0.4),
		},
		subErr: errors.New("no push"),
	}
	ctl := tracked(t, "X")
	rec := &recorder{}
	m := NewManager(context.Background(), k, ctl, rec.publish, fastConfig(), testutil.TestLogger())
	t.Cleanup(m.Close)

	require.NoError(t, m.Focus("X"))
	require.Eventually(t, func() bool {
		u, ok := rec.last()
		return ok && len(u.Events) == 3
	}, 2*time.Second, 5*time.Millisecond)

	u, _ := rec.last()
	assert.Equal(t, []string{"1", "2", "3"}, []string{u.Events[0].Timestamp, u.Events[1].Timestamp, u.Events[2].Timestamp})
	assert.Equal(t, model.BuildCritiquing, u.Projection.Status)
}

func TestStopDiscardsInFlightResults(t *testing.T) {
	gate := make(chan struct{})
	k := &fakeKernel{snapshot: []map[string]any{statusRow("1", "X", "generating")}, snapGate: gate, subErr: errors.New("off")}
	ctl := tracked(t, "X")
	rec := &recorder{}
	m := NewManager(context.Background(), k, ctl, rec.publish, fastConfig(), testutil.TestLogger())

	require.NoError(t, m.Focus("X"))
	time.Sleep(20 * time.Millisecond) // let the poll block inside Snapshot

	done := make(chan struct{})
	go func() {
		m.Blur()
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	close(gate)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("blur did not return")
	}

	assert.Zero(t, rec.count())
	state, err := ctl.Get("X")
	require.NoError(t, err)
	assert.Equal(t, model.BuildQueued, state.Status)
	assert.Empty(t, m.Focused())
}

func TestFocusSwitchesSessions(t *testing.T) {
	k := &fakeKernel{subErr: errors.New("off")}
	ctl := tracked(t, "A", "B")
	m := NewManager(context.Background(), k, ctl, nil, fastConfig(), testutil.TestLogger())
	t.Cleanup(m.Close)

	require.NoError(t, m.Focus("A"))
	assert.Equal(t, "A", m.Focused())
	require.NoError(t, m.Focus("A"))
	require.NoError(t, m.Focus("B"))
	assert.Equal(t, "B", m.Focused())

	err := m.Focus("missing")
	assert.ErrorIs(t, err, ErrNotTracked)
	assert.Equal(t, "B", m.Focused())

	m.Blur()
	assert.Empty(t, m.Focused())
}

func TestFocusAfterShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := NewManager(ctx, &fakeKernel{}, tracked(t, "A"), nil, fastConfig(), testutil.TestLogger())
	cancel()
	assert.Error(t, m.Focus("A"))
}

func TestActiveJobsAreShared(t *testing.T) {
	gate := make(chan struct{})
	k := &fakeKernel{jobs: []model.Job{{JobID: "j1"}}, jobGate: gate}
	m := NewManager(context.Background(), k, tracked(t), nil, fastConfig(), testutil.TestLogger())

	var wg sync.WaitGroup
	results := make([][]model.Job, 5)
	for i := range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			jobs, err := m.ActiveJobs(context.Background())
			assert.NoError(t, err)
			results[i] = jobs
		}()
	}
	require.Eventually(t, func() bool { return k.jobCalls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), k.jobCalls.Load())
	for _, r := range results {
		assert.Equal(t, "j1", r[0].JobID)
	}
}

func TestActiveJobsHonorsCallerContext(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	k := &fakeKernel{jobGate: gate}
	m := NewManager(context.Background(), k, tracked(t), nil, fastConfig(), testutil.TestLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := m.ActiveJobs(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRelevantKeepsRefinementSubIssues(t *testing.T) {
	state := &model.WorldBuildState{IssueID: "X", Refinements: []model.RefinementMessage{{ID: "r", IssueID: "X-sub"}}}
	evs := []model.BuildEvent{{IssueID: "X"}, {IssueID: "X-sub"}, {IssueID: "Z"}, {}}
	got := relevant(state, evs)
	require.Len(t, got, 3)
	assert.Equal(t, "X-sub", got[1].IssueID)
}
