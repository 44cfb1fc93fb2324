// Package projection derives the view-facing summary of a build. It is pure:
// the same state and job list always produce the same Projection.
package projection

import (
	"github.com/ashita-ai/hearth/internal/model"
)

// KernelIndicator tells whether the kernel is running a job for the build.
type KernelIndicator string

const (
	KernelRunning KernelIndicator = "running"
	KernelIdle    KernelIndicator = "idle"
)

// Projection is what presentation needs to render a build.
type Projection struct {
	IssueID            string            `json:"issue_id"`
	Status             model.BuildStatus `json:"status"`
	IsBuilding         bool              `json:"is_building"`
	LeadingAgent       *model.AgentState `json:"leading_agent,omitempty"`
	CurrentStage       string            `json:"current_stage,omitempty"`
	BestFitness        float64           `json:"best_fitness"`
	Generation         int               `json:"generation"`
	KernelIndicator    KernelIndicator   `json:"kernel_indicator"`
	AgentCount         int               `json:"agent_count"`
	PendingRefinements int               `json:"pending_refinements"`
	WinnerAgentID      string            `json:"winner_agent_id,omitempty"`
	Error              string            `json:"error,omitempty"`
}

// Project computes the Projection for state given the kernel's active jobs.
// A nil state yields the zero Projection.
func Project(state *model.WorldBuildState, activeJobs []model.Job) Projection {
	if state == nil {
		return Projection{KernelIndicator: KernelIdle}
	}
	p := Projection{
		IssueID:         state.IssueID,
		Status:          state.Status,
		IsBuilding:      !state.Status.IsTerminal(),
		BestFitness:     state.BestFitness,
		Generation:      state.Generation,
		KernelIndicator: indicator(state, activeJobs),
		AgentCount:      len(state.Agents),
		WinnerAgentID:   state.WinnerAgentID,
		Error:           state.Error,
	}
	if lead := LeadingAgent(state); lead != nil {
		a := *lead
		a.Events = nil
		p.LeadingAgent = &a
		p.CurrentStage = a.CurrentStage
	}
	for _, r := range state.Refinements {
		if r.Status != model.RefinementApplied {
			p.PendingRefinements++
		}
	}
	return p
}

// LeadingAgent picks the agent to show: the winner if one is set, else the
// kernel-reported leader, else the agent with the highest fitness. Ties go to
// the agent seen first.
func LeadingAgent(state *model.WorldBuildState) *model.AgentState {
	if state == nil || len(state.Agents) == 0 {
		return nil
	}
	if a, ok := state.Agent(state.WinnerAgentID); ok && state.WinnerAgentID != "" {
		return a
	}
	if a, ok := state.Agent(state.LeadingAgentID); ok && state.LeadingAgentID != "" {
		return a
	}
	best := &state.Agents[0]
	for i := 1; i < len(state.Agents); i++ {
		if state.Agents[i].Fitness > best.Fitness {
			best = &state.Agents[i]
		}
	}
	return best
}

func indicator(state *model.WorldBuildState, jobs []model.Job) KernelIndicator {
	for _, j := range jobs {
		if state.RunID != "" && j.RunID == state.RunID {
			return KernelRunning
		}
		if state.JobID != "" && j.JobID == state.JobID {
			return KernelRunning
		}
	}
	return KernelIdle
}
