package hearth

import "time"

// Build is the public view of a tracked world build, passed to BuildHook.
// It is a curated copy of the internal build state; mutating it has no effect.
type Build struct {
	IssueID        string
	RunID          string
	JobID          string
	ProjectRoot    string
	Status         string
	Prompt         string
	Generation     int
	BestFitness    float64
	LeadingAgentID string
	WinnerAgentID  string
	Attempt        int
	Error          string
	StartedAt      time.Time
	CompletedAt    *time.Time
	// Refinements counts refinement messages in any state.
	Refinements int
}

// Terminal reports whether the build has finished, successfully or not.
func (b Build) Terminal() bool {
	return b.Status == "complete" || b.Status == "failed"
}
