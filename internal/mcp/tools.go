package mcp

import (
	"context"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/hearth/internal/model"
)

func (s *Server) registerTools() {
	// hearth_submit: start a new world build.
	s.mcpServer.AddTool(
		mcplib.NewTool("hearth_submit",
			mcplib.WithDescription(`Submit a prompt and blueprint as a new world build.

The kernel creates an issue and starts a job; the returned state carries the
issue_id used by every other tool. The new build becomes the focused build.

Submitting the same project, prompt and blueprint again while the first
attempt is still tracked returns the existing build instead of a duplicate.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("prompt",
				mcplib.Description("What to build, in plain language"),
				mcplib.Required(),
			),
			mcplib.WithString("project_root",
				mcplib.Description("Absolute project directory. Defaults to the client's first file:// root."),
			),
			mcplib.WithString("name",
				mcplib.Description("Display name for the recent-builds list"),
			),
			mcplib.WithString("blueprint",
				mcplib.Description("Blueprint as a YAML or JSON document (template, toolchains, speculate, max_agents, priority, risk, size, extra)"),
			),
		),
		s.handleSubmit,
	)

	// hearth_get_build: state and projection of one build.
	s.mcpServer.AddTool(
		mcplib.NewTool("hearth_get_build",
			mcplib.WithDescription("Return a tracked build's state and its derived projection (status, fitness, leading agent, refinements)."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("issue_id", mcplib.Description("Kernel issue id of the build"), mcplib.Required()),
		),
		s.handleGetBuild,
	)

	// hearth_list_builds: every build tracked this session.
	s.mcpServer.AddTool(
		mcplib.NewTool("hearth_list_builds",
			mcplib.WithDescription("List every build tracked in this session, oldest first."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleListBuilds,
	)

	// hearth_list_recent: the persistent recent-builds registry.
	s.mcpServer.AddTool(
		mcplib.NewTool("hearth_list_recent",
			mcplib.WithDescription("List recently touched worlds, newest first, including builds from earlier sessions."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum entries to return"),
				mcplib.Min(1),
				mcplib.Max(500),
			),
		),
		s.handleListRecent,
	)

	for _, a := range lifecycleActions {
		s.mcpServer.AddTool(
			mcplib.NewTool("hearth_"+a.name,
				mcplib.WithDescription(a.description),
				mcplib.WithDestructiveHintAnnotation(a.destructive),
				mcplib.WithIdempotentHintAnnotation(false),
				mcplib.WithOpenWorldHintAnnotation(true),
				mcplib.WithString("issue_id", mcplib.Description("Kernel issue id of the build"), mcplib.Required()),
			),
			s.lifecycleHandler(a.name),
		)
	}

	// hearth_refine: queue a refinement message on a build.
	s.mcpServer.AddTool(
		mcplib.NewTool("hearth_refine",
			mcplib.WithDescription(`Queue a refinement message on a build.

The message is converted into a kernel sub-issue. If the kernel cannot take
it yet the message stays pending; retry it later with
hearth_apply_refinement mode="retry".`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("issue_id", mcplib.Description("Kernel issue id of the build"), mcplib.Required()),
			mcplib.WithString("text", mcplib.Description("The refinement, in plain language"), mcplib.Required()),
		),
		s.handleRefine,
	)

	// hearth_apply_refinement: push a refinement forward.
	s.mcpServer.AddTool(
		mcplib.NewTool("hearth_apply_refinement",
			mcplib.WithDescription(`Push a refinement forward.

mode="now" (default) asks the kernel to apply a queued refinement
immediately. mode="retry" converts a pending refinement that failed to
reach the kernel.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("issue_id", mcplib.Description("Kernel issue id of the build"), mcplib.Required()),
			mcplib.WithString("refinement_id", mcplib.Description("Refinement id returned by hearth_refine"), mcplib.Required()),
			mcplib.WithString("mode",
				mcplib.Description("now or retry"),
				mcplib.Enum("now", "retry"),
				mcplib.DefaultString("now"),
			),
		),
		s.handleApplyRefinement,
	)
}

type lifecycleAction struct {
	name        string
	description string
	destructive bool
}

var lifecycleActions = []lifecycleAction{
	{name: "pause", description: "Pause a running build. The kernel job is killed; resume restarts it."},
	{name: "resume", description: "Resume a paused build with a fresh kernel job."},
	{name: "retry", description: "Start a failed build again with a fresh kernel job."},
	{name: "cancel", description: "Cancel a build, kill its kernel job and stop tracking it. The recent-builds entry records the cancellation.", destructive: true},
	{name: "dismiss", description: "Stop tracking a build. Its recent-builds entry is kept.", destructive: true},
	{name: "focus", description: "Make a tracked build the one reconciled live against the kernel."},
}

func (s *Server) handleSubmit(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	req := model.SubmitBuildRequest{
		ProjectRoot: strings.TrimSpace(request.GetString("project_root", "")),
		Prompt:      request.GetString("prompt", ""),
		Name:        request.GetString("name", ""),
	}
	if req.ProjectRoot == "" {
		req.ProjectRoot = projectRootFromRoots(s.requestRoots(ctx))
	}
	if raw := request.GetString("blueprint", ""); raw != "" {
		bp, err := model.ParseBlueprint([]byte(raw))
		if err != nil {
			return errorResult(err.Error()), nil
		}
		req.Blueprint = bp
	}
	if err := model.ValidateSubmit(req); err != nil {
		return errorResult(err.Error()), nil
	}

	state, err := s.builds.Submit(ctx, req)
	if err != nil {
		return serviceError(err), nil
	}
	if err := s.focus.Focus(state.IssueID); err != nil {
		s.logger.Warn("mcp: focus submitted build", "issue_id", state.IssueID, "error", err)
	}
	return jsonResult(s.view(ctx, state)), nil
}

func (s *Server) handleGetBuild(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	issueID := request.GetString("issue_id", "")
	if issueID == "" {
		return errorResult("issue_id is required"), nil
	}
	state, err := s.builds.Get(issueID)
	if err != nil {
		return serviceError(err), nil
	}
	return jsonResult(s.view(ctx, state)), nil
}

func (s *Server) handleListBuilds(ctx context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	states := s.builds.List()
	views := make([]buildView, 0, len(states))
	for _, st := range states {
		views = append(views, s.view(ctx, st))
	}
	return jsonResult(map[string]any{
		"builds":  views,
		"focused": s.focus.Focused(),
		"total":   len(views),
	}), nil
}

func (s *Server) handleListRecent(_ context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	limit := request.GetInt("limit", s.recentLimit)
	if limit <= 0 {
		return errorResult("limit must be positive"), nil
	}
	worlds := s.recents.List(limit)
	return jsonResult(map[string]any{
		"worlds": worlds,
		"total":  len(worlds),
	}), nil
}

func (s *Server) lifecycleHandler(action string) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		issueID := request.GetString("issue_id", "")
		if issueID == "" {
			return errorResult("issue_id is required"), nil
		}

		var (
			state *model.WorldBuildState
			err   error
		)
		switch action {
		case "pause":
			state, err = s.builds.Pause(ctx, issueID)
		case "resume":
			state, err = s.builds.Resume(ctx, issueID)
		case "retry":
			state, err = s.builds.Retry(ctx, issueID)
		case "cancel":
			err = s.builds.Cancel(ctx, issueID)
		case "dismiss":
			err = s.builds.Dismiss(issueID)
		case "focus":
			err = s.focus.Focus(issueID)
		}
		if err != nil {
			return serviceError(err), nil
		}

		switch action {
		case "cancel", "dismiss":
			if s.focus.Focused() == issueID {
				s.focus.Blur()
			}
			return jsonResult(map[string]string{"issue_id": issueID, "status": action + "ed"}), nil
		case "focus":
			state, err = s.builds.Get(issueID)
			if err != nil {
				return serviceError(err), nil
			}
		}
		return jsonResult(s.view(ctx, state)), nil
	}
}

func (s *Server) handleRefine(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	issueID := request.GetString("issue_id", "")
	text := request.GetString("text", "")
	if issueID == "" || strings.TrimSpace(text) == "" {
		return errorResult("issue_id and text are required"), nil
	}
	ref, err := s.builds.QueueRefinement(ctx, issueID, text)
	if err != nil {
		if ref.ID == "" {
			return serviceError(err), nil
		}
		// Kept as pending; the caller can retry it.
		return jsonResult(map[string]any{
			"refinement": ref,
			"warning":    err.Error(),
		}), nil
	}
	return jsonResult(map[string]any{"refinement": ref}), nil
}

func (s *Server) handleApplyRefinement(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	issueID := request.GetString("issue_id", "")
	refID := request.GetString("refinement_id", "")
	if issueID == "" || refID == "" {
		return errorResult("issue_id and refinement_id are required"), nil
	}

	var (
		ref model.RefinementMessage
		err error
	)
	switch mode := request.GetString("mode", "now"); mode {
	case "now":
		ref, err = s.builds.ApplyRefinementNow(ctx, issueID, refID)
	case "retry":
		ref, err = s.builds.RetryRefinement(ctx, issueID, refID)
	default:
		return errorResult(`mode must be "now" or "retry"`), nil
	}
	if err != nil {
		return serviceError(err), nil
	}
	return jsonResult(map[string]any{"refinement": ref}), nil
}
