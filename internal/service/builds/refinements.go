package builds

import (
	"context"
	"fmt"

	"github.com/ashita-ai/hearth/internal/kernel"
	"github.com/ashita-ai/hearth/internal/model"
)

// QueueRefinement appends a pending refinement and tries to turn it into a
// kernel sub-issue. On success the refinement is queued. On failure it stays
// pending, a notice is raised, and the returned error is non-nil; the
// refinement is still returned so it can be retried with RetryRefinement.
func (c *Controller) QueueRefinement(ctx context.Context, issueID, text string) (model.RefinementMessage, error) {
	if err := model.ValidateRefinement(text); err != nil {
		return model.RefinementMessage{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	c.mu.Lock()
	e, ok := c.builds[issueID]
	if !ok {
		c.mu.Unlock()
		return model.RefinementMessage{}, ErrNotFound
	}
	if e.state.Status.IsTerminal() {
		st := e.state.Status
		c.mu.Unlock()
		return model.RefinementMessage{}, invalid("refine", st)
	}
	ref := model.RefinementMessage{
		ID:        newRefinementID(),
		Text:      text,
		Timestamp: c.now().UTC(),
		Status:    model.RefinementPending,
	}
	e.state.Refinements = append(e.state.Refinements, ref)
	out := e.state.Clone()
	c.mu.Unlock()

	c.observe(issueID, out)
	return c.convertRefinement(ctx, issueID, ref.ID)
}

// RetryRefinement retries sub-issue creation for a refinement still pending.
func (c *Controller) RetryRefinement(ctx context.Context, issueID, refID string) (model.RefinementMessage, error) {
	c.mu.Lock()
	e, ok := c.builds[issueID]
	if !ok {
		c.mu.Unlock()
		return model.RefinementMessage{}, ErrNotFound
	}
	r, ok := e.state.Refinement(refID)
	if !ok {
		c.mu.Unlock()
		return model.RefinementMessage{}, ErrNotFound
	}
	if r.Status != model.RefinementPending {
		st := r.Status
		c.mu.Unlock()
		return model.RefinementMessage{}, invalid("retry refinement", st)
	}
	c.mu.Unlock()
	return c.convertRefinement(ctx, issueID, refID)
}

func (c *Controller) convertRefinement(ctx context.Context, issueID, refID string) (model.RefinementMessage, error) {
	c.mu.Lock()
	e, ok := c.builds[issueID]
	if !ok {
		c.mu.Unlock()
		return model.RefinementMessage{}, ErrNotFound
	}
	r, ok := e.state.Refinement(refID)
	if !ok {
		c.mu.Unlock()
		return model.RefinementMessage{}, ErrNotFound
	}
	req := model.IssueRequest{
		ProjectRoot: e.state.ProjectRoot,
		Title:       "Refinement: " + truncate(r.Text, 60),
		Description: r.Text,
		Tags:        []string{buildTag, "refinement"},
		Priority:    e.state.Blueprint.Priority,
		ParentID:    issueID,
	}
	c.mu.Unlock()

	issue, err := c.kernel.CreateIssue(ctx, req)

	c.mu.Lock()
	e, ok = c.builds[issueID]
	if !ok {
		c.mu.Unlock()
		return model.RefinementMessage{}, ErrNotFound
	}
	r, ok = e.state.Refinement(refID)
	if !ok {
		c.mu.Unlock()
		return model.RefinementMessage{}, ErrNotFound
	}
	if err != nil {
		msg := *r
		c.mu.Unlock()
		c.logger.Warn("refinement: create sub-issue failed", "issue_id", issueID, "refinement_id", refID, "error", err)
		c.publish(model.NoticeTransient, issueID, fmt.Sprintf("Refinement could not be queued: %v", err))
		return msg, fmt.Errorf("builds: queue refinement: %w", err)
	}
	if r.Status == model.RefinementPending {
		r.Status = model.RefinementQueued
		r.IssueID = issue.ID
	}
	msg := *r
	out := e.state.Clone()
	c.mu.Unlock()

	c.logger.Info("refinement queued", "issue_id", issueID, "refinement_id", refID, "sub_issue_id", issue.ID)
	c.observe(issueID, out)
	return msg, nil
}

// ApplyRefinementNow interrupts the current job and dispatches one that
// prioritizes the refinement's sub-issue. The refinement moves to applying
// now and to applied when the kernel reports it. This is the only way a
// refinement is taken out of submission order.
func (c *Controller) ApplyRefinementNow(ctx context.Context, issueID, refID string) (model.RefinementMessage, error) {
	c.mu.Lock()
	e, ok := c.builds[issueID]
	if !ok {
		c.mu.Unlock()
		return model.RefinementMessage{}, ErrNotFound
	}
	r, ok := e.state.Refinement(refID)
	if !ok {
		c.mu.Unlock()
		return model.RefinementMessage{}, ErrNotFound
	}
	switch {
	case e.state.Status.IsTerminal():
		st := e.state.Status
		c.mu.Unlock()
		return model.RefinementMessage{}, invalid("apply refinement", st)
	case e.busy:
		c.mu.Unlock()
		return model.RefinementMessage{}, invalid("apply refinement", "dispatching")
	case r.Status != model.RefinementQueued && r.Status != model.RefinementApplying:
		// Applying may be re-requested when the previous dispatch failed.
		st := r.Status
		c.mu.Unlock()
		return model.RefinementMessage{}, invalid("apply refinement", st)
	}
	r.Status = model.RefinementApplying
	subIssue := r.IssueID
	oldJob := e.state.JobID
	project := e.state.ProjectRoot
	e.busy = true
	out := e.state.Clone()
	c.mu.Unlock()
	c.observe(issueID, out)

	if oldJob != "" {
		if err := c.kernel.KillJob(ctx, oldJob); err != nil {
			c.logger.Warn("refinement: kill job failed", "issue_id", issueID, "job_id", oldJob, "error", err)
			c.publish(model.NoticeTransient, issueID, fmt.Sprintf("Could not interrupt the running job: %v", err))
		}
	}
	job, err := c.kernel.StartJob(ctx, model.JobRequest{
		ProjectRoot: project,
		Command:     kernel.RunOnceCommand(subIssue),
		Label:       "refinement " + refID,
	})

	c.mu.Lock()
	e.busy = false
	r, ok = e.state.Refinement(refID)
	if !ok || c.builds[issueID] != e {
		// Cancelled or dismissed while the job was being started.
		c.mu.Unlock()
		if err == nil {
			if kerr := c.kernel.KillJob(ctx, job.JobID); kerr != nil {
				c.logger.Warn("refinement: kill orphaned job failed", "issue_id", issueID, "job_id", job.JobID, "error", kerr)
			}
		}
		return model.RefinementMessage{}, ErrNotFound
	}
	msg := *r
	if err != nil {
		c.mu.Unlock()
		c.publish(model.NoticeTransient, issueID, fmt.Sprintf("Could not start refinement job: %v", err))
		return msg, fmt.Errorf("builds: apply refinement: %w", err)
	}
	e.state.JobID = job.JobID
	e.state.RunID = job.RunID
	out = e.state.Clone()
	c.mu.Unlock()

	c.logger.Info("refinement applying", "issue_id", issueID, "refinement_id", refID, "job_id", job.JobID)
	c.record(ctx, issueID, model.RecentWorldUpdate{JobID: model.Ptr(job.JobID)})
	c.observe(issueID, out)
	return msg, nil
}
