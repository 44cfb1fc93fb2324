// Package mcp implements the Model Context Protocol surface of hearth.
//
// It exposes the same build lifecycle as the HTTP API as MCP tools and
// resources, so an agent can submit, steer and inspect world builds.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/hearth/internal/kernel"
	"github.com/ashita-ai/hearth/internal/model"
	"github.com/ashita-ai/hearth/internal/service/builds"
	"github.com/ashita-ai/hearth/internal/service/projection"
	"github.com/ashita-ai/hearth/internal/service/reconcile"
)

// Builds is the lifecycle controller surface the tools drive.
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

// Focus selects the build reconciled live.
type Focus interface {
	Focus(issueID string) error
	Blur()
	Focused() string
	ActiveJobs(ctx context.Context) ([]model.Job, error)
}

// Recents lists recently touched worlds.
type Recents interface {
	List(limit int) []model.RecentWorld
}

// Server wraps the MCP server with hearth's service layer.
type Server struct {
	mcpServer   *mcpserver.MCPServer
	builds      Builds
	focus       Focus
	recents     Recents
	logger      *slog.Logger
	rootsCache  *rootsCache
	recentLimit int
}

// New creates an MCP server with all tools and resources registered.
func New(b Builds, focus Focus, recents Recents, logger *slog.Logger, version string, recentLimit int) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if recentLimit <= 0 {
		recentLimit = 50
	}
	s := &Server{
		builds:      b,
		focus:       focus,
		recents:     recents,
		logger:      logger,
		rootsCache:  newRootsCache(),
		recentLimit: recentLimit,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"hearth",
		version,
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithInstructions("hearth drives world builds on the local kernel. "+
			"Submit a prompt with hearth_submit, watch it with hearth_get_build, "+
			"and steer a running build with hearth_refine."),
	)

	s.registerResources()
	s.registerTools()
	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// buildView mirrors the HTTP API's build representation.
type buildView struct {
	State      *model.WorldBuildState `json:"state"`
	Projection projection.Projection  `json:"projection"`
	Focused    bool                   `json:"focused"`
}

func (s *Server) view(ctx context.Context, state *model.WorldBuildState) buildView {
	jobs, err := s.focus.ActiveJobs(ctx)
	if err != nil {
		s.logger.Debug("mcp: active jobs unavailable for projection", "error", err)
	}
	return buildView{
		State:      state,
		Projection: projection.Project(state, jobs),
		Focused:    s.focus.Focused() == state.IssueID,
	}
}

func jsonResult(v any) *mcplib.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("encode result: %v", err))
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

// serviceError turns a controller error into a tool error an agent can act on.
func serviceError(err error) *mcplib.CallToolResult {
	var subErr *builds.SubmissionError
	switch {
	case errors.As(err, &subErr):
		return errorResult(fmt.Sprintf("submission failed at %s: %v", subErr.Stage, subErr.Err))
	case errors.Is(err, builds.ErrNotFound), errors.Is(err, reconcile.ErrNotTracked):
		return errorResult("build not found")
	case errors.Is(err, builds.ErrInvalidTransition):
		return errorResult(err.Error())
	case kernel.IsUnavailable(err):
		return errorResult("kernel unavailable: " + err.Error())
	default:
		return errorResult(err.Error())
	}
}
