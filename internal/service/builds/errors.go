package builds

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no build is tracked under the issue id.
	ErrNotFound = errors.New("builds: not found")

	// ErrInvalidTransition is returned when a user action is not allowed
	// from the build's current status.
	ErrInvalidTransition = errors.New("builds: invalid transition")

	// ErrInvalidInput is returned for operator text that fails validation.
	ErrInvalidInput = errors.New("builds: invalid input")
)

// SubmissionError reports that a submission could not be dispatched. No
// build state exists when this is returned.
type SubmissionError struct {
	// Stage is "validate", "create_issue", or "start_job".
	Stage string
	// IssueID is set when the issue was created but the job was not started.
	// Submitting the same request again reuses it.
	IssueID string
	Err     error
}

func (e *SubmissionError) Error() string {
	if e.IssueID != "" {
		return fmt.Sprintf("builds: submit: %s (issue %s): %v", e.Stage, e.IssueID, e.Err)
	}
	return fmt.Sprintf("builds: submit: %s: %v", e.Stage, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

func invalid(op string, from any) error {
	return fmt.Errorf("%w: cannot %s from %v", ErrInvalidTransition, op, from)
}
