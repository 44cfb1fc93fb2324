// Package server implements the local HTTP API of the hearth control panel.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/hearth/internal/kernel"
	"github.com/ashita-ai/hearth/internal/model"
	"github.com/ashita-ai/hearth/internal/registry"
	"github.com/ashita-ai/hearth/internal/service/builds"
	"github.com/ashita-ai/hearth/internal/service/projection"
	"github.com/ashita-ai/hearth/internal/service/reconcile"
)

// Builds is the lifecycle controller surface the API drives.
type Builds interface {
	Submit(ctx context.Context, req model.SubmitBuildRequest) (*model.WorldBuildState, error)
	Pause(ctx context.Context, issueID string) (*model.WorldBuildState, error)
	Resume(ctx context.Context, issueID string) (*model.WorldBuildState, error)
	Retry(ctx context.Context, issueID string) (*model.WorldBuildState, error)
	Cancel(ctx context.Context, issueID string) error
	Dismiss(issueID string) error
	Get(issueID string) (*model.WorldBuildState, error)
	List() []*model.WorldBuildState
	QueueRefinement(ctx context.Context, issueID, text string) (model.RefinementMessage, error)
	RetryRefinement(ctx context.Context, issueID, refID string) (model.RefinementMessage, error)
	ApplyRefinementNow(ctx context.Context, issueID, refID string) (model.RefinementMessage, error)
}

// Focus controls which build is reconciled live.
type Focus interface {
	Focus(issueID string) error
	Blur()
	Focused() string
	ActiveJobs(ctx context.Context) ([]model.Job, error)
}

// Recents is the recent-builds registry surface.
type Recents interface {
	List(limit int) []model.RecentWorld
	Remove(ctx context.Context, id string) error
	Healthy() bool
}

// Notices is the ambient notice list.
type Notices interface {
	List() []model.Notice
	Dismiss(id uuid.UUID) bool
}

// KernelPinger reports whether the kernel bridge answers.
type KernelPinger func(ctx context.Context) error

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	builds              Builds
	focus               Focus
	recents             Recents
	notices             Notices
	broker              *Broker
	pingKernel          KernelPinger
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	recentLimit         int
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Broker, PingKernel, OpenAPISpec.
type HandlersDeps struct {
	Builds              Builds
	Focus               Focus
	Recents             Recents
	Notices             Notices
	Broker              *Broker
	PingKernel          KernelPinger
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	RecentLimit         int
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	if d.MaxRequestBodyBytes <= 0 {
		d.MaxRequestBodyBytes = 1 << 20
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Handlers{
		builds:              d.Builds,
		focus:               d.Focus,
		recents:             d.Recents,
		notices:             d.Notices,
		broker:              d.Broker,
		pingKernel:          d.PingKernel,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		recentLimit:         d.RecentLimit,
		openapiSpec:         d.OpenAPISpec,
	}
}

// BuildView is a build's state together with its projection.
type BuildView struct {
	State      *model.WorldBuildState `json:"state"`
	Projection projection.Projection  `json:"projection"`
	Focused    bool                   `json:"focused"`
}

func (h *Handlers) view(ctx context.Context, state *model.WorldBuildState) BuildView {
	// Best effort: an unreachable kernel shows the build as idle.
	jobs, err := h.focus.ActiveJobs(ctx)
	if err != nil {
		h.logger.Debug("active jobs unavailable for projection", "error", err)
	}
	return BuildView{
		State:      state,
		Projection: projection.Project(state, jobs),
		Focused:    h.focus.Focused() == state.IssueID,
	}
}

// HandleSubmitBuild handles POST /v1/builds. The body is JSON, or YAML when
// Content-Type says so.
func (h *Handlers) HandleSubmitBuild(w http.ResponseWriter, r *http.Request) {
	var req model.SubmitBuildRequest
	if err := decodeBody(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	state, err := h.builds.Submit(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	// A freshly submitted build takes focus.
	if err := h.focus.Focus(state.IssueID); err != nil {
		h.logger.Warn("focus after submit failed", "issue_id", state.IssueID, "error", err)
	}
	writeJSON(w, r, http.StatusCreated, h.view(r.Context(), state))
}

// HandleListBuilds handles GET /v1/builds.
func (h *Handlers) HandleListBuilds(w http.ResponseWriter, r *http.Request) {
	states := h.builds.List()
	jobs, _ := h.focus.ActiveJobs(r.Context())
	focused := h.focus.Focused()
	out := make([]BuildView, 0, len(states))
	for _, s := range states {
		out = append(out, BuildView{State: s, Projection: projection.Project(s, jobs), Focused: s.IssueID == focused})
	}
	writeJSON(w, r, http.StatusOK, out)
}

// HandleGetBuild handles GET /v1/builds/{issue_id}.
func (h *Handlers) HandleGetBuild(w http.ResponseWriter, r *http.Request) {
	state, err := h.builds.Get(r.PathValue("issue_id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, h.view(r.Context(), state))
}

// HandleBuildAction handles POST /v1/builds/{issue_id}/{action} for
// pause, resume, retry, cancel, dismiss and focus.
func (h *Handlers) HandleBuildAction(w http.ResponseWriter, r *http.Request) {
	issueID := r.PathValue("issue_id")
	ctx := r.Context()

	var (
		state *model.WorldBuildState
		err   error
	)
	switch action := r.PathValue("action"); action {
	case "pause":
		state, err = h.builds.Pause(ctx, issueID)
	case "resume":
		state, err = h.builds.Resume(ctx, issueID)
	case "retry":
		state, err = h.builds.Retry(ctx, issueID)
	case "cancel", "dismiss":
		if action == "cancel" {
			err = h.builds.Cancel(ctx, issueID)
		} else {
			err = h.builds.Dismiss(issueID)
		}
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		if h.focus.Focused() == issueID {
			h.focus.Blur()
		}
		writeJSON(w, r, http.StatusOK, map[string]string{"issue_id": issueID, "status": action + "ed"})
		return
	case "focus":
		if err := h.focus.Focus(issueID); err != nil {
			if errors.Is(err, reconcile.ErrNotTracked) {
				writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "build not found: "+issueID)
				return
			}
			h.writeInternalError(w, r, "failed to focus build", err)
			return
		}
		state, err = h.builds.Get(issueID)
	default:
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "unknown action: "+action)
		return
	}
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, h.view(ctx, state))
}

// HandleBlur handles DELETE /v1/focus.
func (h *Handlers) HandleBlur(w http.ResponseWriter, r *http.Request) {
	h.focus.Blur()
	w.WriteHeader(http.StatusNoContent)
}

// HandleQueueRefinement handles POST /v1/builds/{issue_id}/refinements.
// A refinement that could not reach the kernel is still returned, as pending,
// with 202 so the caller can retry it.
func (h *Handlers) HandleQueueRefinement(w http.ResponseWriter, r *http.Request) {
	var req model.RefinementRequest
	if err := decodeBody(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	ref, err := h.builds.QueueRefinement(r.Context(), r.PathValue("issue_id"), req.Text)
	h.writeRefinement(w, r, ref, err, http.StatusCreated)
}

// HandleRefinementAction handles POST /v1/builds/{issue_id}/refinements/{ref_id}/{action}
// for apply and retry.
func (h *Handlers) HandleRefinementAction(w http.ResponseWriter, r *http.Request) {
	issueID, refID := r.PathValue("issue_id"), r.PathValue("ref_id")
	var (
		ref model.RefinementMessage
		err error
	)
	switch action := r.PathValue("action"); action {
	case "apply":
		ref, err = h.builds.ApplyRefinementNow(r.Context(), issueID, refID)
	case "retry":
		ref, err = h.builds.RetryRefinement(r.Context(), issueID, refID)
	default:
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "unknown action: "+action)
		return
	}
	h.writeRefinement(w, r, ref, err, http.StatusOK)
}

func (h *Handlers) writeRefinement(w http.ResponseWriter, r *http.Request, ref model.RefinementMessage, err error, okStatus int) {
	if err == nil {
		writeJSON(w, r, okStatus, ref)
		return
	}
	if ref.ID != "" && !errors.Is(err, builds.ErrInvalidTransition) && !errors.Is(err, builds.ErrNotFound) {
		writeJSON(w, r, http.StatusAccepted, ref)
		return
	}
	h.writeServiceError(w, r, err)
}

// HandleListRecent handles GET /v1/recent?limit=N.
func (h *Handlers) HandleListRecent(w http.ResponseWriter, r *http.Request) {
	limit := h.recentLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	writeJSON(w, r, http.StatusOK, h.recents.List(limit))
}

// HandleDeleteRecent handles DELETE /v1/recent/{id}.
func (h *Handlers) HandleDeleteRecent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.recents.Remove(r.Context(), id); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "recent world not found: "+id)
			return
		}
		h.writeInternalError(w, r, "failed to remove recent world", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleListNotices handles GET /v1/notices.
func (h *Handlers) HandleListNotices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.notices.List())
}

// HandleDismissNotice handles DELETE /v1/notices/{id}.
func (h *Handlers) HandleDismissNotice(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid notice id")
		return
	}
	if !h.notices.Dismiss(id) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "notice not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleSubscribe handles GET /v1/subscribe (SSE).
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "event stream not available")
		return
	}

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return
	}

	// Long-lived connection: lift the server's WriteTimeout.
	_ = rc.SetWriteDeadline(time.Time{})

	ch := h.broker.Subscribe()
	defer h.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			_ = rc.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			_ = rc.Flush()
		}
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	httpStatus := http.StatusOK

	kernelStatus := "unknown"
	if h.pingKernel != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := h.pingKernel(ctx); err != nil {
			kernelStatus = "disconnected"
			status = "degraded"
		} else {
			kernelStatus = "connected"
		}
	}

	registryStatus := "ok"
	if !h.recents.Healthy() {
		registryStatus = "load_failed"
		status = "degraded"
	}

	writeJSON(w, r, httpStatus, model.HealthResponse{
		Status:        status,
		Version:       h.version,
		Kernel:        kernelStatus,
		Registry:      registryStatus,
		TrackedBuilds: len(h.builds.List()),
		FocusedBuild:  h.focus.Focused(),
		Uptime:        int64(time.Since(h.startedAt).Seconds()),
	})
}

// HandleOpenAPISpec serves the embedded OpenAPI document.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// writeServiceError maps controller and kernel errors to HTTP responses.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var sub *builds.SubmissionError
	switch {
	case errors.As(err, &sub):
		if sub.Stage == "validate" {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, sub.Err.Error())
			return
		}
		details := map[string]string{"stage": sub.Stage}
		if sub.IssueID != "" {
			details["issue_id"] = sub.IssueID
		}
		writeErrorDetails(w, r, http.StatusBadGateway, model.ErrCodeSubmission, sub.Error(), details)
	case errors.Is(err, builds.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "build not found: "+r.PathValue("issue_id"))
	case errors.Is(err, builds.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	case errors.Is(err, builds.ErrInvalidTransition):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
	case kernel.IsUnavailable(err):
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeKernel, err.Error())
	default:
		var ke *kernel.Error
		if errors.As(err, &ke) {
			writeError(w, r, http.StatusBadGateway, model.ErrCodeKernel, err.Error())
			return
		}
		h.writeInternalError(w, r, "request failed", err)
	}
}

func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}
