package builds

import (
	"context"
	"fmt"
	"time"

	"github.com/ashita-ai/hearth/internal/model"
	"github.com/ashita-ai/hearth/internal/service/projection"
)

// ApplyEvents folds a merged event sequence into the build. Events already
// applied are skipped, so the whole merged window can be passed every time.
// Reports whether the state changed.
//
// Status only ever comes from the kernel, and only the newest report counts:
// within one batch the latest build status wins, and a report older than one
// already applied is dropped. Generation and best fitness only move up. A
// terminal build ignores everything. A paused build ignores non-terminal
// status reports, since pause reflects user intent.
func (c *Controller) ApplyEvents(ctx context.Context, issueID string, merged []model.BuildEvent) (bool, error) {
	c.mu.Lock()
	e, ok := c.builds[issueID]
	if !ok {
		c.mu.Unlock()
		return false, ErrNotFound
	}

	before := e.state.Status
	latest := e.latestStatus(merged)
	changed := false
	applied := 0
	for i, ev := range merged {
		k := ev.Key()
		if e.seen(k) {
			continue
		}
		e.mark(k)
		if _, ok := ev.Payload.(model.StatusPayload); ok && ev.IssueID == issueID && i != latest {
			continue
		}
		if e.apply(ev, c.now) {
			changed = true
			applied++
		}
	}

	var (
		out    *model.WorldBuildState
		update model.RecentWorldUpdate
		after  = e.state.Status
	)
	if changed {
		out = e.state.Clone()
		update = summary(out)
	}
	c.mu.Unlock()

	if !changed {
		return false, nil
	}
	if c.applied != nil {
		c.applied.Add(ctx, int64(applied))
	}
	if after != before {
		c.countTransition(ctx, after)
		c.logger.Info("build status", "issue_id", issueID, "from", before, "to", after)
	}
	c.record(ctx, issueID, update)
	c.observe(issueID, out)
	return true, nil
}

// latestStatus returns the index of the unseen build status report with the
// newest timestamp in merged, or -1. Ties go to the later position.
func (e *entry) latestStatus(merged []model.BuildEvent) int {
	idx := -1
	for i, ev := range merged {
		if _, ok := ev.Payload.(model.StatusPayload); !ok || ev.IssueID != e.state.IssueID || e.seen(ev.Key()) {
			continue
		}
		if idx < 0 || ev.Timestamp >= merged[idx].Timestamp {
			idx = i
		}
	}
	return idx
}

// summary is the registry view of a build after events were applied.
func summary(s *model.WorldBuildState) model.RecentWorldUpdate {
	u := model.RecentWorldUpdate{
		Status:     model.Ptr(model.RecentStatusFor(s.Status)),
		Fitness:    model.Ptr(s.BestFitness),
		Generation: model.Ptr(s.Generation),
	}
	switch s.Status {
	case model.BuildComplete:
		u.LastRunOutcome = model.Ptr(fmt.Sprintf("complete: fitness %.2f", s.BestFitness))
	case model.BuildFailed:
		u.LastRunOutcome = model.Ptr("failed: " + s.Error)
	}
	return u
}

// newer reports whether a report stamped ts is at least as recent as the
// last one applied. Unstamped reports are always taken.
func newer(ts, last string) bool {
	return ts == "" || ts >= last
}

func (e *entry) apply(ev model.BuildEvent, now func() time.Time) bool {
	s := e.state
	if s.Status.IsTerminal() {
		return false
	}

	switch p := ev.Payload.(type) {
	case model.StatusPayload:
		if ev.IssueID != s.IssueID || !newer(ev.Timestamp, e.statusAt) {
			return false
		}
		if ev.Timestamp != "" {
			e.statusAt = ev.Timestamp
		}
		return applyStatus(s, p, now)

	case model.AgentPayload:
		if ev.IssueID != s.IssueID {
			return false
		}
		a := ensureAgent(s, p.AgentID)
		if p.Toolchain != "" {
			a.Toolchain = p.Toolchain
		}
		if p.WorkcellID != "" {
			a.WorkcellID = p.WorkcellID
		}
		if newer(ev.Timestamp, e.agentAt[p.AgentID]) {
			if ev.Timestamp != "" {
				e.agentAt[p.AgentID] = ev.Timestamp
			}
			if a.Status.CanAdvanceTo(p.Status) {
				a.Status = p.Status
			}
			if p.Stage != "" {
				a.CurrentStage = p.Stage
			}
			if p.Error != "" {
				a.Error = p.Error
			}
		}
		a.Events = append(a.Events, ev)
		if p.Speculating || len(s.Agents) > 1 {
			s.IsSpeculating = true
		}
		return true

	case model.FitnessPayload:
		if ev.IssueID != s.IssueID {
			return false
		}
		a := ensureAgent(s, p.AgentID)
		if newer(ev.Timestamp, e.fitnessAt[p.AgentID]) {
			if ev.Timestamp != "" {
				e.fitnessAt[p.AgentID] = ev.Timestamp
			}
			a.Fitness = p.Fitness
		}
		a.Events = append(a.Events, ev)
		s.BestFitness = max(s.BestFitness, p.Fitness)
		s.Generation = max(s.Generation, p.Generation)
		if len(s.Agents) > 1 {
			s.IsSpeculating = true
		}
		return true

	case model.LeaderPayload:
		if ev.IssueID != s.IssueID {
			return false
		}
		ensureAgent(s, p.AgentID)
		s.LeadingAgentID = p.AgentID
		if p.Winner {
			s.WinnerAgentID = p.AgentID
		}
		return true

	case model.RefinementPayload:
		r := findRefinement(s, p)
		if r == nil || !r.Status.CanAdvanceTo(p.Status) {
			return false
		}
		r.Status = p.Status
		if r.IssueID == "" && p.IssueID != s.IssueID {
			r.IssueID = p.IssueID
		}
		return true
	}

	// Log lines and opaque events attach to the agent working the workcell.
	if a, ok := s.AgentByWorkcell(ev.WorkcellID); ok && (ev.IssueID == "" || ev.IssueID == s.IssueID) {
		a.Events = append(a.Events, ev)
		return true
	}
	return false
}

func ensureAgent(s *model.WorldBuildState, id string) *model.AgentState {
	if a, ok := s.Agent(id); ok {
		return a
	}
	s.Agents = append(s.Agents, model.AgentState{ID: id, Status: model.AgentPending})
	return &s.Agents[len(s.Agents)-1]
}

func findRefinement(s *model.WorldBuildState, p model.RefinementPayload) *model.RefinementMessage {
	if p.RefinementID != "" {
		if r, ok := s.Refinement(p.RefinementID); ok {
			return r
		}
	}
	if p.IssueID == "" || p.IssueID == s.IssueID {
		return nil
	}
	for i := range s.Refinements {
		if s.Refinements[i].IssueID == p.IssueID {
			return &s.Refinements[i]
		}
	}
	return nil
}
