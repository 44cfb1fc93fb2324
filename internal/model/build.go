package model

import (
	"slices"
	"strings"
	"time"
)

// BuildStatus is the lifecycle state of a world build.
type BuildStatus string

const (
	BuildQueued     BuildStatus = "queued"
	BuildScheduling BuildStatus = "scheduling"
	BuildGenerating BuildStatus = "generating"
	BuildRendering  BuildStatus = "rendering"
	BuildCritiquing BuildStatus = "critiquing"
	BuildRepairing  BuildStatus = "repairing"
	BuildExporting  BuildStatus = "exporting"
	BuildVoting     BuildStatus = "voting"
	BuildComplete   BuildStatus = "complete"
	BuildFailed     BuildStatus = "failed"
	BuildPaused     BuildStatus = "paused"
)

var buildStatuses = map[BuildStatus]bool{
	BuildQueued: true, BuildScheduling: true, BuildGenerating: true, BuildRendering: true,
	BuildCritiquing: true, BuildRepairing: true, BuildExporting: true, BuildVoting: true,
	BuildComplete: true, BuildFailed: true, BuildPaused: true,
}

// ParseBuildStatus returns the status named by s (case-insensitive) and
// whether it is a known status.
func ParseBuildStatus(s string) (BuildStatus, bool) {
	st := BuildStatus(strings.ToLower(strings.TrimSpace(s)))
	return st, buildStatuses[st]
}

// IsTerminal reports whether no further mutation is allowed except retry or dismiss.
func (s BuildStatus) IsTerminal() bool {
	return s == BuildComplete || s == BuildFailed
}

// IsActive reports whether the build is running (non-terminal, not paused).
func (s BuildStatus) IsActive() bool {
	return !s.IsTerminal() && s != BuildPaused
}

// AgentStatus is the state of one speculating agent.
type AgentStatus string

const (
	AgentPending   AgentStatus = "pending"
	AgentRunning   AgentStatus = "running"
	AgentVerifying AgentStatus = "verifying"
	AgentPassed    AgentStatus = "passed"
	AgentFailed    AgentStatus = "failed"
)

// ParseAgentStatus returns the agent status named by s and whether it is known.
func ParseAgentStatus(s string) (AgentStatus, bool) {
	st := AgentStatus(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case AgentPending, AgentRunning, AgentVerifying, AgentPassed, AgentFailed:
		return st, true
	}
	return st, false
}

func (s AgentStatus) rank() int {
	switch s {
	case AgentPending:
		return 0
	case AgentRunning, AgentVerifying:
		return 1
	case AgentPassed, AgentFailed:
		return 2
	}
	return -1
}

// CanAdvanceTo reports whether an agent in s may move to next. Running and
// verifying alternate across generations; passed and failed are final.
func (s AgentStatus) CanAdvanceTo(next AgentStatus) bool {
	if next == s || next.rank() < 0 {
		return false
	}
	if s.rank() == 1 && next.rank() == 1 {
		return true
	}
	return next.rank() > s.rank()
}

// AgentState is one agent racing on a build. Events are append-only.
type AgentState struct {
	ID           string       `json:"id"`
	Toolchain    string       `json:"toolchain"`
	Status       AgentStatus  `json:"status"`
	Fitness      float64      `json:"fitness"`
	CurrentStage string       `json:"current_stage,omitempty"`
	Error        string       `json:"error,omitempty"`
	WorkcellID   string       `json:"workcell_id,omitempty"`
	Events       []BuildEvent `json:"events"`
}

// RefinementStatus tracks a user refinement through the kernel.
type RefinementStatus string

const (
	RefinementPending  RefinementStatus = "pending"
	RefinementQueued   RefinementStatus = "queued"
	RefinementApplying RefinementStatus = "applying"
	RefinementApplied  RefinementStatus = "applied"
)

func (s RefinementStatus) rank() int {
	switch s {
	case RefinementPending:
		return 0
	case RefinementQueued:
		return 1
	case RefinementApplying:
		return 2
	case RefinementApplied:
		return 3
	}
	return -1
}

// ParseRefinementStatus returns the refinement status named by s and whether it is known.
func ParseRefinementStatus(s string) (RefinementStatus, bool) {
	st := RefinementStatus(strings.ToLower(strings.TrimSpace(s)))
	return st, st.rank() >= 0
}

// CanAdvanceTo reports whether moving from s to next goes strictly forward.
func (s RefinementStatus) CanAdvanceTo(next RefinementStatus) bool {
	return next.rank() > s.rank() && s.rank() >= 0
}

// RefinementMessage is a user instruction submitted while a build runs.
type RefinementMessage struct {
	ID        string           `json:"id"`
	Text      string           `json:"text"`
	Timestamp time.Time        `json:"timestamp"`
	Status    RefinementStatus `json:"status"`
	IssueID   string           `json:"issue_id,omitempty"`
}

// WorldBuildState is the root aggregate for one active or terminal build.
// It is owned by the lifecycle controller; everyone else sees clones.
type WorldBuildState struct {
	IssueID        string              `json:"issue_id"`
	RunID          string              `json:"run_id,omitempty"`
	JobID          string              `json:"job_id,omitempty"`
	ProjectRoot    string              `json:"project_root"`
	Status         BuildStatus         `json:"status"`
	Prompt         string              `json:"prompt"`
	Blueprint      Blueprint           `json:"blueprint"`
	IsSpeculating  bool                `json:"is_speculating"`
	Agents         []AgentState        `json:"agents"`
	LeadingAgentID string              `json:"leading_agent_id,omitempty"`
	WinnerAgentID  string              `json:"winner_agent_id,omitempty"`
	Generation     int                 `json:"generation"`
	BestFitness    float64             `json:"best_fitness"`
	Refinements    []RefinementMessage `json:"refinements"`
	StartedAt      time.Time           `json:"started_at"`
	CompletedAt    *time.Time          `json:"completed_at,omitempty"`
	Error          string              `json:"error,omitempty"`
	// Attempt counts dispatches under this issue: 1 on submit, +1 per resume or retry.
	Attempt int `json:"attempt"`
}

// Agent returns the agent with the given id.
func (w *WorldBuildState) Agent(id string) (*AgentState, bool) {
	for i := range w.Agents {
		if w.Agents[i].ID == id {
			return &w.Agents[i], true
		}
	}
	return nil, false
}

// AgentByWorkcell returns the agent assigned to the given workcell.
func (w *WorldBuildState) AgentByWorkcell(workcellID string) (*AgentState, bool) {
	if workcellID == "" {
		return nil, false
	}
	for i := range w.Agents {
		if w.Agents[i].WorkcellID == workcellID {
			return &w.Agents[i], true
		}
	}
	return nil, false
}

// Refinement returns the refinement with the given id.
func (w *WorldBuildState) Refinement(id string) (*RefinementMessage, bool) {
	for i := range w.Refinements {
		if w.Refinements[i].ID == id {
			return &w.Refinements[i], true
		}
	}
	return nil, false
}

// Clone returns a deep copy safe to hand outside the controller.
func (w *WorldBuildState) Clone() *WorldBuildState {
	if w == nil {
		return nil
	}
	c := *w
	c.Blueprint = w.Blueprint.Clone()
	c.Agents = make([]AgentState, len(w.Agents))
	for i, a := range w.Agents {
		a.Events = slices.Clone(a.Events)
		c.Agents[i] = a
	}
	c.Refinements = slices.Clone(w.Refinements)
	if w.CompletedAt != nil {
		t := *w.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
