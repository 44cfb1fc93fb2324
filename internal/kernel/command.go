package kernel

import (
	"strings"

	"github.com/ashita-ai/hearth/internal/model"
)

// RunOnceCommand is the job command that runs the kernel once for an issue.
func RunOnceCommand(issueID string) string {
	return "run --once --issue " + issueID
}

// IssueFromCommand extracts the issue id from a job command, if it carries
// one. Both "--issue X" and "--issue=X" are recognized.
func IssueFromCommand(command string) (string, bool) {
	fields := strings.Fields(command)
	for i, f := range fields {
		if f == "--issue" && i+1 < len(fields) {
			return fields[i+1], true
		}
		if v, ok := strings.CutPrefix(f, "--issue="); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

// FindJobForIssue returns the first job whose command targets issueID.
func FindJobForIssue(jobs []model.Job, issueID string) (model.Job, bool) {
	for _, j := range jobs {
		if id, ok := IssueFromCommand(j.Command); ok && id == issueID {
			return j, true
		}
	}
	return model.Job{}, false
}
