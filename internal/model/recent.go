package model

import (
	"strings"
	"time"
)

// RecentStatus is the coarse status stored for a recent world.
type RecentStatus string

const (
	RecentBuilding RecentStatus = "building"
	RecentPaused   RecentStatus = "paused"
	RecentComplete RecentStatus = "complete"
	RecentFailed   RecentStatus = "failed"
	RecentCanceled RecentStatus = "canceled"
	RecentEvolving RecentStatus = "evolving"
)

// ParseRecentStatus returns the recent status named by s and whether it is known.
func ParseRecentStatus(s string) (RecentStatus, bool) {
	st := RecentStatus(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case RecentBuilding, RecentPaused, RecentComplete, RecentFailed, RecentCanceled, RecentEvolving:
		return st, true
	}
	return st, false
}

// RecentStatusFor maps a detailed build status onto the coarse recent status.
func RecentStatusFor(s BuildStatus) RecentStatus {
	switch s {
	case BuildComplete:
		return RecentComplete
	case BuildFailed:
		return RecentFailed
	case BuildPaused:
		return RecentPaused
	case BuildRepairing, BuildCritiquing, BuildVoting:
		return RecentEvolving
	default:
		return RecentBuilding
	}
}

// RecentWorld is the persisted summary of a build. It outlives the detailed
// WorldBuildState and is the only thing written to durable storage.
type RecentWorld struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	ProjectRoot    string       `json:"project_root,omitempty"`
	Status         RecentStatus `json:"status"`
	LastPrompt     string       `json:"last_prompt"`
	UpdatedAt      time.Time    `json:"updated_at"`
	Fitness        float64      `json:"fitness"`
	Generation     int          `json:"generation"`
	LastRunOutcome string       `json:"last_run_outcome,omitempty"`
	JobID          string       `json:"job_id,omitempty"`
}

// Valid reports whether the record is usable. Invalid records read back from
// storage are dropped.
func (r RecentWorld) Valid() bool {
	if strings.TrimSpace(r.ID) == "" {
		return false
	}
	_, ok := ParseRecentStatus(string(r.Status))
	return ok
}

// RecentWorldUpdate is a partial update; nil fields are left untouched.
type RecentWorldUpdate struct {
	Name           *string
	ProjectRoot    *string
	Status         *RecentStatus
	LastPrompt     *string
	Fitness        *float64
	Generation     *int
	LastRunOutcome *string
	JobID          *string
}

// Apply merges u into r and stamps UpdatedAt.
func (u RecentWorldUpdate) Apply(r RecentWorld, now time.Time) RecentWorld {
	if u.Name != nil {
		r.Name = *u.Name
	}
	if u.ProjectRoot != nil {
		r.ProjectRoot = *u.ProjectRoot
	}
	if u.Status != nil {
		r.Status = *u.Status
	}
	if u.LastPrompt != nil {
		r.LastPrompt = *u.LastPrompt
	}
	if u.Fitness != nil {
		r.Fitness = *u.Fitness
	}
	if u.Generation != nil {
		r.Generation = *u.Generation
	}
	if u.LastRunOutcome != nil {
		r.LastRunOutcome = *u.LastRunOutcome
	}
	if u.JobID != nil {
		r.JobID = *u.JobID
	}
	r.UpdatedAt = now.UTC()
	return r
}

// Ptr returns a pointer to v. Handy for building partial updates.
func Ptr[T any](v T) *T {
	return &v
}
