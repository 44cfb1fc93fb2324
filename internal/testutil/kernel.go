package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/ashita-ai/hearth/internal/kernel"
	"github.com/ashita-ai/hearth/internal/model"
)

// FakeKernel is an in-memory kernel command interface. Issues are numbered
// ISS-1, ISS-2, ... and jobs job-1/run-1, job-2/run-2, ... Started jobs stay
// active until killed.
type FakeKernel struct {
	mu        sync.Mutex
	Issues    []model.IssueRequest
	Jobs      []model.JobRequest
	Killed    []string
	active    []model.Job
	CreateErr error
	StartErr  error
	KillErr   error
}

// CreateIssue records the request.
func (k *FakeKernel) CreateIssue(_ context.Context, req model.IssueRequest) (model.Issue, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.CreateErr != nil {
		return model.Issue{}, k.CreateErr
	}
	k.Issues = append(k.Issues, req)
	return model.Issue{ID: fmt.Sprintf("ISS-%d", len(k.Issues)), Title: req.Title, ParentID: req.ParentID}, nil
}

// StartJob records the request and marks the job active.
func (k *FakeKernel) StartJob(_ context.Context, req model.JobRequest) (model.Job, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.StartErr != nil {
		return model.Job{}, k.StartErr
	}
	k.Jobs = append(k.Jobs, req)
	n := len(k.Jobs)
	job := model.Job{JobID: fmt.Sprintf("job-%d", n), RunID: fmt.Sprintf("run-%d", n), Command: req.Command, ProjectRoot: req.ProjectRoot}
	k.active = append(k.active, job)
	return job, nil
}

// KillJob deactivates the job. Unknown jobs fail with a 404 kernel error.
func (k *FakeKernel) KillJob(_ context.Context, jobID string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.KillErr != nil {
		return k.KillErr
	}
	for i, j := range k.active {
		if j.JobID == jobID {
			k.active = append(k.active[:i], k.active[i+1:]...)
			k.Killed = append(k.Killed, jobID)
			return nil
		}
	}
	return &kernel.Error{StatusCode: 404, Code: "not_found", Message: "no such job"}
}

// ListActiveJobs returns the jobs started and not killed.
func (k *FakeKernel) ListActiveJobs(context.Context) ([]model.Job, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]model.Job(nil), k.active...), nil
}

// Set mutates the fake under its lock.
func (k *FakeKernel) Set(f func(k *FakeKernel)) {
	k.mu.Lock()
	defer k.mu.Unlock()
	f(k)
}
