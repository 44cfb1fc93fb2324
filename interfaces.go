package hearth

import (
	"context"
	"net/http"
)

// BuildHook receives build lifecycle notifications. Multiple hooks may be
// registered via WithBuildHook. Hook methods run in goroutines and must not
// block indefinitely. Failures are logged and never affect the build.
type BuildHook interface {
	// OnBuildChanged is called after every state change of a tracked build.
	OnBuildChanged(ctx context.Context, build Build) error
	// OnBuildDiscarded is called when a build is canceled or dismissed.
	OnBuildDiscarded(ctx context.Context, issueID string) error
}

// Middleware wraps the root HTTP handler. It is applied outermost, so it
// sees every request including /health and /mcp. Multiple middlewares are
// applied in registration order (first registered is outermost).
type Middleware func(http.Handler) http.Handler
