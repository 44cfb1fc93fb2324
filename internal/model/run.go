package model

// Issue is a kernel-tracked unit of work.
type Issue struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Status      string   `json:"status,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	ParentID    string   `json:"parent_id,omitempty"`
}

// IssueRequest is the body of a createIssue command.
type IssueRequest struct {
	ProjectRoot string   `json:"project_root"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Tags        []string `json:"tags,omitempty"`
	Priority    int      `json:"priority"`
	Risk        string   `json:"risk,omitempty"`
	Size        string   `json:"size,omitempty"`
	ToolHint    string   `json:"tool_hint,omitempty"`
	ParentID    string   `json:"parent_id,omitempty"`
}

// JobRequest is the body of a startJob command. Command encodes build
// intent, e.g. "run --once --issue X".
type JobRequest struct {
	ProjectRoot string `json:"project_root"`
	Command     string `json:"command"`
	Label       string `json:"label"`
}

// Job is a dispatched kernel process. A build may span many jobs.
type Job struct {
	JobID       string `json:"job_id"`
	RunID       string `json:"run_id,omitempty"`
	Command     string `json:"command"`
	Label       string `json:"label,omitempty"`
	ProjectRoot string `json:"project_root,omitempty"`
	StartedAt   string `json:"started_at,omitempty"`
}

// Workcell is a kernel sandbox assigned to one agent on one issue.
type Workcell struct {
	ID        string `json:"id"`
	IssueID   string `json:"issue_id"`
	Toolchain string `json:"toolchain,omitempty"`
	Status    string `json:"status,omitempty"`
}

// Snapshot is the result of a kernelSnapshot poll.
type Snapshot struct {
	Issues    []Issue          `json:"issues"`
	Workcells []Workcell       `json:"workcells"`
	Events    []map[string]any `json:"events"`
}
