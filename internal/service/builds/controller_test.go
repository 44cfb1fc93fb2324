package builds

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/hearth/internal/kernel"
	"github.com/ashita-ai/hearth/internal/model"
)

var errKernelDown = errors.New("kernel unreachable")

func TestSubmitCreatesQueuedBuild(t *testing.T) {
	h := newHarness(t)
	s, err := h.ctl.Submit(context.Background(), model.SubmitBuildRequest{
		ProjectRoot: "/proj",
		Prompt:      "a floating castle\nwith moat",
		Blueprint:   model.Blueprint{Toolchains: []string{"codex"}, Priority: 2, Speculate: true},
	})
	require.NoError(t, err)

	assert.Equal(t, "ISS-1", s.IssueID)
	assert.Equal(t, model.BuildQueued, s.Status)
	assert.Equal(t, 0, s.Generation)
	assert.Zero(t, s.BestFitness)
	assert.Empty(t, s.Agents)
	assert.True(t, s.IsSpeculating)
	assert.Equal(t, "job-1", s.JobID)
	assert.Equal(t, "run-1", s.RunID)
	assert.Equal(t, 1, s.Attempt)

	require.Len(t, h.kernel.issues, 1)
	assert.Equal(t, "a floating castle", h.kernel.issues[0].Title)
	assert.Equal(t, "codex", h.kernel.issues[0].ToolHint)
	assert.Equal(t, 2, h.kernel.issues[0].Priority)
	require.Len(t, h.kernel.jobs, 1)
	assert.Equal(t, kernel.RunOnceCommand("ISS-1"), h.kernel.jobs[0].Command)

	rec := h.rec.get("ISS-1")
	assert.Equal(t, model.RecentBuilding, rec.Status)
	assert.Equal(t, "a floating castle\nwith moat", rec.LastPrompt)
	assert.Equal(t, "job-1", rec.JobID)
}

func TestSubmitCreateIssueFailureTracksNothing(t *testing.T) {
	h := newHarness(t)
	h.kernel.createErr = errKernelDown

	_, err := h.ctl.Submit(context.Background(), model.SubmitBuildRequest{ProjectRoot: "/proj", Prompt: "P"})
	var serr *SubmissionError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "create_issue", serr.Stage)
	assert.ErrorIs(t, err, errKernelDown)
	assert.Zero(t, h.ctl.Len())
	require.Len(t, h.notices.List(), 1)
	assert.Equal(t, model.NoticeSubmission, h.notices.List()[0].Kind)
}

func TestSubmitReusesIssueAfterDispatchFailure(t *testing.T) {
	h := newHarness(t)
	h.kernel.startErr = errKernelDown
	req := model.SubmitBuildRequest{ProjectRoot: "/proj", Prompt: "P", Blueprint: model.Blueprint{Template: "island"}}

	_, err := h.ctl.Submit(context.Background(), req)
	var serr *SubmissionError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "start_job", serr.Stage)
	assert.Equal(t, "ISS-1", serr.IssueID)
	assert.Zero(t, h.ctl.Len())

	h.kernel.set(func(k *fakeKernel) { k.startErr = nil })
	s, err := h.ctl.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "ISS-1", s.IssueID)
	assert.Len(t, h.kernel.issues, 1)

	// A later, separate submission of the same prompt gets its own issue.
	s2, err := h.ctl.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "ISS-2", s2.IssueID)
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t)
	_, err := h.ctl.Submit(context.Background(), model.SubmitBuildRequest{ProjectRoot: "/proj"})
	var serr *SubmissionError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "validate", serr.Stage)
	assert.Empty(t, h.kernel.issues)
}

func TestBestFitnessNeverDecreases(t *testing.T) {
	h := newHarness(t)
	s := h.submit(t, "P")

	var best []float64
	for i, f := range []float64{0.2, 0.9, 0.5} {
		h.apply(t, s.IssueID, fitnessEv(string(rune('1'+i)), s.IssueID, "a1", f, i+1))
		best = append(best, h.get(t, s.IssueID).BestFitness)
	}
	assert.Equal(t, []float64{0.2, 0.9, 0.9}, best)

	got := h.get(t, s.IssueID)
	assert.Equal(t, 3, got.Generation)
	assert.Equal(t, 0.5, got.Agents[0].Fitness)
}

func TestGenerationNeverDecreases(t *testing.T) {
	h := newHarness(t)
	s := h.submit(t, "P")
	h.apply(t, s.IssueID, fitnessEv("1", s.IssueID, "a1", 0.1, 4), fitnessEv("2", s.IssueID, "a2", 0.2, 2))
	got := h.get(t, s.IssueID)
	assert.Equal(t, 4, got.Generation)
	assert.True(t, got.IsSpeculating)
}

func TestTerminalBuildIgnoresFurtherEvents(t *testing.T) {
	for _, terminal := range []model.BuildEvent{statusEv("5", "ISS-1", model.BuildComplete), failedEv("5", "ISS-1", "boom")} {
		t.Run(terminal.Type, func(t *testing.T) {
			h := newHarness(t)
			s := h.submit(t, "P")
			h.apply(t, s.IssueID, agentEv("1", s.IssueID, "a1", model.AgentRunning), fitnessEv("2", s.IssueID, "a1", 0.6, 1), terminal)
			before := h.get(t, s.IssueID)
			require.True(t, before.Status.IsTerminal())

			changed := h.apply(t, s.IssueID,
				fitnessEv("6", s.IssueID, "a1", 0.99, 7),
				agentEv("7", s.IssueID, "a2", model.AgentRunning),
				statusEv("8", s.IssueID, model.BuildGenerating),
			)
			assert.False(t, changed)
			after := h.get(t, s.IssueID)
			assert.Equal(t, before.Agents, after.Agents)
			assert.Equal(t, before.Generation, after.Generation)
			assert.Equal(t, before.BestFitness, after.BestFitness)
			assert.Equal(t, before.Status, after.Status)
		})
	}
}

func TestCleanBuildScenario(t *testing.T) {
	h := newHarness(t)
	s := h.submit(t, "P1")
	id := s.IssueID

	h.apply(t, id,
		statusEv("1", id, model.BuildQueued),
		statusEv("2", id, model.BuildGenerating),
		agentEv("3", id, "a1", model.AgentRunning),
		fitnessEv("4", id, "a1", 0.91, 1),
		statusEv("5", id, model.BuildCritiquing),
	)
	assert.Equal(t, model.RecentEvolving, h.rec.get(id).Status)

	h.apply(t, id, statusEv("6", id, model.BuildComplete))

	got := h.get(t, id)
	assert.Equal(t, model.BuildComplete, got.Status)
	assert.Equal(t, 0.91, got.BestFitness)
	assert.Equal(t, "a1", got.WinnerAgentID)
	assert.NotNil(t, got.CompletedAt)

	rec := h.rec.get(id)
	assert.Equal(t, model.RecentComplete, rec.Status)
	assert.Equal(t, 0.91, rec.Fitness)
	assert.Equal(t, 1, rec.Generation)
}

func TestKernelReportedWinnerIsKept(t *testing.T) {
	h := newHarness(t)
	s := h.submit(t, "P")
	id := s.IssueID
	h.apply(t, id,
		fitnessEv("1", id, "a1", 0.9, 1),
		fitnessEv("2", id, "a2", 0.4, 1),
		model.BuildEvent{Timestamp: "3", Type: model.EventWinnerSelected, IssueID: id, Payload: model.LeaderPayload{AgentID: "a2", Winner: true}},
		statusEv("4", id, model.BuildComplete),
	)
	assert.Equal(t, "a2", h.get(t, id).WinnerAgentID)
}

func TestFailedBuildCarriesError(t *testing.T) {
	h := newHarness(t)
	s := h.submit(t, "P")
	h.apply(t, s.IssueID, failedEv("1", s.IssueID, "render crashed"))

	got := h.get(t, s.IssueID)
	assert.Equal(t, model.BuildFailed, got.Status)
	assert.Equal(t, "render crashed", got.Error)
	rec := h.rec.get(s.IssueID)
	assert.Equal(t, model.RecentFailed, rec.Status)
	assert.Equal(t, "failed: render crashed", rec.LastRunOutcome)
	assert.Empty(t, h.notices.List())
}

func TestEventsForOtherIssuesAreIgnored(t *testing.T) {
	h := newHarness(t)
	s := h.submit(t, "P")
	changed := h.apply(t, s.IssueID, statusEv("1", "OTHER", model.BuildGenerating), fitnessEv("2", "OTHER", "a", 0.5, 1))
	assert.False(t, changed)
	assert.Equal(t, model.BuildQueued, h.get(t, s.IssueID).Status)
}

func TestLogLinesAttachToWorkcellAgent(t *testing.T) {
	h := newHarness(t)
	s := h.submit(t, "P")
	h.apply(t, s.IssueID,
		agentEv("1", s.IssueID, "a1", model.AgentRunning),
		model.BuildEvent{Timestamp: "2", Type: model.EventCritic, WorkcellID: "wc-a1", Message: "too dark", Payload: model.LogPayload{}},
		model.BuildEvent{Timestamp: "3", Type: model.EventSystem, Message: "kernel ready", Payload: model.LogPayload{}},
	)
	got := h.get(t, s.IssueID)
	require.Len(t, got.Agents, 1)
	require.Len(t, got.Agents[0].Events, 2)
	assert.Equal(t, "too dark", got.Agents[0].Events[1].Message)
}

func TestApplyIsIdempotentOverTheMergedWindow(t *testing.T) {
	h := newHarness(t)
	s := h.submit(t, "P")
	window := []model.BuildEvent{agentEv("1", s.IssueID, "a1", model.AgentRunning), fitnessEv("2", s.IssueID, "a1", 0.3, 1)}
	assert.True(t, h.apply(t, s.IssueID, window...))
	assert.False(t, h.apply(t, s.IssueID, window...))
	assert.Len(t, h.get(t, s.IssueID).Agents[0].Events, 2)
}

func TestApplyUnknownBuild(t *testing.T) {
	h := newHarness(t)
	_, err := h.ctl.ApplyEvents(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPauseResumeScenario(t *testing.T) {
	h := newHarness(t)
	s := h.submit(t, "P")
	id := s.IssueID
	h.apply(t, id, statusEv("1", id, model.BuildGenerating), fitnessEv("2", id, "a1", 0.4, 2))

	paused, err := h.ctl.Pause(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.BuildPaused, paused.Status)
	assert.Equal(t, model.RecentPaused, h.rec.get(id).Status)
	assert.Equal(t, []string{"job-1"}, h.kernel.killed)

	resumed, err := h.ctl.Resume(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, resumed.IssueID)
	assert.Equal(t, model.BuildQueued, resumed.Status)
	assert.Equal(t, 0, resumed.Generation)
	assert.Zero(t, resumed.BestFitness)
	assert.Empty(t, resumed.Agents)
	assert.Equal(t, 2, resumed.Attempt)
	assert.Equal(t, "job-2", resumed.JobID)
	assert.Equal(t, model.RecentBuilding, h.rec.get(id).Status)
}

func TestPauseIsOptimistic(t *testing.T) {
	h := newHarness(t)
	s := h.submit(t, "P")
	h.kernel.killErr = errKernelDown

	paused, err := h.ctl.Pause(context.Background(), s.IssueID)
	require.NoError(t, err)
	assert.Equal(t, model.BuildPaused, paused.Status)
	require.Len(t, h.notices.List(), 1)
	assert.Equal(t, model.NoticeTransient, h.notices.List()[0].Kind)
}

func TestPausedBuildHoldsAgainstKernelStatus(t *testing.T) {
	h := newHarness(t)
	s := h.submit(t, "P")
	_, err := h.ctl.Pause(context.Background(), s.IssueID)
	require.NoError(t, err)

	h.apply(t, s.IssueID, statusEv("1", s.IssueID, model.BuildRendering))
	assert.Equal(t, model.BuildPaused, h.get(t, s.IssueID).Status)

	h.apply(t, s.IssueID, failedEv("2", s.IssueID, "killed"))
	assert.Equal(t, model.BuildFailed, h.get(t, s.IssueID).Status)
}

func TestRetryResetsButPreservesIdentity(t *testing.T) {
	h := newHarness(t)
	s, err := h.ctl.Submit(context.Background(), model.SubmitBuildRequest{ProjectRoot: "/proj", Prompt: "P", Blueprint: model.Blueprint{Template: "t"}})
	require.NoError(t, err)
	id := s.IssueID
	history := []model.BuildEvent{
		statusEv("1", id, model.BuildGenerating),
		agentEv("2", id, "a1", model.AgentRunning),
		fitnessEv("3", id, "a1", 0.7, 3),
		failedEv("4", id, "exporter crashed"),
	}
	h.apply(t, id, history...)

	retried, err := h.ctl.Retry(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, retried.IssueID)
	assert.Equal(t, "P", retried.Prompt)
	assert.Equal(t, "t", retried.Blueprint.Template)
	assert.Equal(t, model.BuildQueued, retried.Status)
	assert.Equal(t, 0, retried.Generation)
	assert.Empty(t, retried.Agents)
	assert.Empty(t, retried.Error)
	assert.Nil(t, retried.CompletedAt)

	// The previous run's events are still in the merged window; they must
	// not bring the old run back.
	assert.False(t, h.apply(t, id, history...))
	assert.Equal(t, model.BuildQueued, h.get(t, id).Status)
}

func TestRetryOnlyFromFailedAndResumeOnlyFromPaused(t *testing.T) {
	h := newHarness(t)
	s := h.submit(t, "P")
	_, err := h.ctl.Retry(context.Background(), s.IssueID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = h.ctl.Resume(context.Background(), s.IssueID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	h.apply(t, s.IssueID, statusEv("1", s.IssueID, model.BuildComplete))
	_, err = h.ctl.Pause(context.Background(), s.IssueID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.ErrorIs(t, h.ctl.Cancel(context.Background(), s.IssueID), ErrInvalidTransition)

	_, err = h.ctl.Pause(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResumeFailureIsTransient(t *testing.T) {
	h := newHarness(t)
	s := h.submit(t, "P")
	_, err := h.ctl.Pause(context.Background(), s.IssueID)
	require.NoError(t, err)
	h.kernel.set(func(k *fakeKernel) { k.startErr = errKernelDown })

	_, err = h.ctl.Resume(context.Background(), s.IssueID)
	assert.ErrorIs(t, err, errKernelDown)
	got := h.get(t, s.IssueID)
	assert.Equal(t, model.BuildPaused, got.Status)
	assert.Equal(t, 1, got.Attempt)
	assert.Empty(t, got.Error)
	require.Len(t, h.notices.List(), 1)
}

func TestCancelDiscardsAndMarksCanceled(t *testing.T) {
	h := newHarness(t)
	s := h.submit(t, "P")
	require.NoError(t, h.ctl.Cancel(context.Background(), s.IssueID))

	_, err := h.ctl.Get(s.IssueID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, []string{"job-1"}, h.kernel.killed)
	assert.Equal(t, model.RecentCanceled, h.rec.get(s.IssueID).Status)
}

func TestDismissLeavesRegistryAlone(t *testing.T) {
	h := newHarness(t)
	s := h.submit(t, "P")
	h.apply(t, s.IssueID, statusEv("1", s.IssueID, model.BuildComplete))

	require.NoError(t, h.ctl.Dismiss(s.IssueID))
	assert.ErrorIs(t, h.ctl.Dismiss(s.IssueID), ErrNotFound)
	assert.Zero(t, h.ctl.Len())
	assert.Equal(t, model.RecentComplete, h.rec.get(s.IssueID).Status)
}

func TestRegistryFailureBecomesNotice(t *testing.T) {
	h := newHarness(t)
	h.rec.err = errors.New("disk full")
	s := h.submit(t, "P")
	assert.Equal(t, model.BuildQueued, s.Status)
	require.Len(t, h.notices.List(), 1)
	assert.Equal(t, model.NoticeStorage, h.notices.List()[0].Kind)
}

func TestTrackAdoptsRecoveredBuild(t *testing.T) {
	h := newHarness(t)
	ok := h.ctl.Track(&model.WorldBuildState{IssueID: "OLD", Status: model.BuildGenerating, JobID: "j9"}, "")
	assert.True(t, ok)
	assert.False(t, h.ctl.Track(&model.WorldBuildState{IssueID: "OLD"}, ""))

	got := h.get(t, "OLD")
	assert.Equal(t, 1, got.Attempt)
	assert.NotNil(t, got.Agents)
	assert.Len(t, h.ctl.List(), 1)
}

func TestRefinementLifecycle(t *testing.T) {
	h := newHarness(t)
	s := h.submit(t, "P")
	id := s.IssueID
	h.apply(t, id, statusEv("1", id, model.BuildGenerating))

	ref, err := h.ctl.QueueRefinement(context.Background(), id, "add plant")
	require.NoError(t, err)
	assert.Equal(t, model.RefinementQueued, ref.Status)
	assert.Equal(t, "ISS-2", ref.IssueID)
	require.Len(t, h.kernel.issues, 2)
	assert.Equal(t, id, h.kernel.issues[1].ParentID)
	assert.Len(t, h.get(t, id).Refinements, 1)

	applying, err := h.ctl.ApplyRefinementNow(context.Background(), id, ref.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RefinementApplying, applying.Status)
	assert.Equal(t, []string{"job-1"}, h.kernel.killed)
	assert.Equal(t, kernel.RunOnceCommand("ISS-2"), h.kernel.jobs[1].Command)
	assert.Equal(t, "job-2", h.get(t, id).JobID)

	h.apply(t, id, refinementEv("2", "ISS-2", model.RefinementApplied))
	// A late, stale report must not move it backwards.
	h.apply(t, id, refinementEv("3", "ISS-2", model.RefinementQueued))

	got := h.get(t, id)
	require.Len(t, got.Refinements, 1)
	assert.Equal(t, model.RefinementApplied, got.Refinements[0].Status)
	assert.Equal(t, []model.RefinementStatus{
		model.RefinementPending, model.RefinementQueued, model.RefinementApplying, model.RefinementApplied,
	}, h.refinementHistory(id, ref.ID))
}

func TestRefinementStaysPendingWhenSubIssueFails(t *testing.T) {
	h := newHarness(t)
	s := h.submit(t, "P")
	h.kernel.set(func(k *fakeKernel) { k.createErr = errKernelDown })

	ref, err := h.ctl.QueueRefinement(context.Background(), s.IssueID, "more fog")
	require.Error(t, err)
	assert.Equal(t, model.RefinementPending, ref.Status)
	assert.Len(t, h.notices.List(), 1)

	_, err = h.ctl.ApplyRefinementNow(context.Background(), s.IssueID, ref.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	h.kernel.set(func(k *fakeKernel) { k.createErr = nil })
	ref, err = h.ctl.RetryRefinement(context.Background(), s.IssueID, ref.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RefinementQueued, ref.Status)

	_, err = h.ctl.RetryRefinement(context.Background(), s.IssueID, ref.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRefinementsSurviveRetry(t *testing.T) {
	h := newHarness(t)
	s := h.submit(t, "P")
	ref, err := h.ctl.QueueRefinement(context.Background(), s.IssueID, "brighter sky")
	require.NoError(t, err)
	h.apply(t, s.IssueID, failedEv("1", s.IssueID, "x"))

	retried, err := h.ctl.Retry(context.Background(), s.IssueID)
	require.NoError(t, err)
	require.Len(t, retried.Refinements, 1)
	assert.Equal(t, ref.ID, retried.Refinements[0].ID)
	assert.Equal(t, model.RefinementQueued, retried.Refinements[0].Status)
}

func TestRefinementValidationAndTerminal(t *testing.T) {
	h := newHarness(t)
	s := h.submit(t, "P")
	_, err := h.ctl.QueueRefinement(context.Background(), s.IssueID, "  ")
	assert.ErrorIs(t, err, ErrInvalidInput)

	h.apply(t, s.IssueID, statusEv("1", s.IssueID, model.BuildComplete))
	_, err = h.ctl.QueueRefinement(context.Background(), s.IssueID, "too late")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}
