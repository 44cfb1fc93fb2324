package model

import (
	"time"

	"github.com/google/uuid"
)

// NoticeKind classifies an ambient notification.
type NoticeKind string

const (
	NoticeSubmission NoticeKind = "submission"
	NoticeTransient  NoticeKind = "transient"
	NoticeStorage    NoticeKind = "storage"
	NoticeKernel     NoticeKind = "kernel"
)

// Notice is a dismissible, user-visible error that is not scoped to a single
// build's terminal state.
type Notice struct {
	ID      uuid.UUID  `json:"id"`
	Kind    NoticeKind `json:"kind"`
	Message string     `json:"message"`
	IssueID string     `json:"issue_id,omitempty"`
	At      time.Time  `json:"at"`
}
