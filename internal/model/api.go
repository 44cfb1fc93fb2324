package model

import (
	"fmt"
	"strings"
	"time"
)

// Field length limits for operator-supplied text. They keep one oversized
// prompt from being shipped verbatim into kernel issue descriptions.
const (
	MaxPromptLen     = 32 * 1024 // 32 KB
	MaxRefinementLen = 8 * 1024  // 8 KB
	MaxNameLen       = 200
)

// ValidateSubmit checks a build submission before anything is sent to the kernel.
func ValidateSubmit(req SubmitBuildRequest) error {
	if strings.TrimSpace(req.ProjectRoot) == "" {
		return fmt.Errorf("project_root is required")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return fmt.Errorf("prompt is required")
	}
	if len(req.Prompt) > MaxPromptLen {
		return fmt.Errorf("prompt exceeds maximum length of %d bytes", MaxPromptLen)
	}
	if len(req.Name) > MaxNameLen {
		return fmt.Errorf("name exceeds maximum length of %d characters", MaxNameLen)
	}
	return nil
}

// ValidateRefinement checks refinement text.
func ValidateRefinement(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("text is required")
	}
	if len(text) > MaxRefinementLen {
		return fmt.Errorf("text exceeds maximum length of %d bytes", MaxRefinementLen)
	}
	return nil
}

// SubmitBuildRequest is the request body for POST /v1/builds.
type SubmitBuildRequest struct {
	ProjectRoot string    `json:"project_root" yaml:"project_root"`
	Prompt      string    `json:"prompt" yaml:"prompt"`
	Name        string    `json:"name,omitempty" yaml:"name,omitempty"`
	Blueprint   Blueprint `json:"blueprint" yaml:"blueprint"`
}

// RefinementRequest is the request body for POST /v1/builds/{issue_id}/refinements.
type RefinementRequest struct {
	Text string `json:"text"`
}

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeSubmission    = "SUBMISSION_FAILED"
	ErrCodeKernel        = "KERNEL_UNAVAILABLE"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Kernel        string `json:"kernel"`
	Registry      string `json:"registry"`
	TrackedBuilds int    `json:"tracked_builds"`
	FocusedBuild  string `json:"focused_build,omitempty"`
	Uptime        int64  `json:"uptime_seconds"`
}
