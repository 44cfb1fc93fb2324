package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const (
	uriBuilds      = "hearth://builds"
	uriRecent      = "hearth://recent"
	uriBuildPrefix = "hearth://builds/"
)

func (s *Server) registerResources() {
	// hearth://builds: every tracked build.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			uriBuilds,
			"Tracked Builds",
			mcplib.WithResourceDescription("Every world build tracked in this session"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleBuildsResource,
	)

	// hearth://recent: the recent-builds registry.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			uriRecent,
			"Recent Worlds",
			mcplib.WithResourceDescription("Recently touched worlds, newest first"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleRecentResource,
	)

	// hearth://builds/{issue_id}: one build with its projection.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			uriBuildPrefix+"{issue_id}",
			"Build",
			mcplib.WithTemplateDescription("State and projection of one world build"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleBuildResource,
	)
}

func (s *Server) handleBuildsResource(ctx context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	states := s.builds.List()
	views := make([]buildView, 0, len(states))
	for _, st := range states {
		views = append(views, s.view(ctx, st))
	}
	return jsonContents(uriBuilds, views)
}

func (s *Server) handleRecentResource(_ context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	return jsonContents(uriRecent, s.recents.List(s.recentLimit))
}

func (s *Server) handleBuildResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	issueID, err := parseBuildURI(uri)
	if err != nil {
		return nil, err
	}
	state, err := s.builds.Get(issueID)
	if err != nil {
		return nil, fmt.Errorf("mcp: build %s: %w", issueID, err)
	}
	return jsonContents(uri, s.view(ctx, state))
}

// parseBuildURI extracts the issue id from hearth://builds/{issue_id}.
func parseBuildURI(uri string) (string, error) {
	rest, ok := strings.CutPrefix(uri, uriBuildPrefix)
	if !ok {
		return "", fmt.Errorf("mcp: invalid build URI %q: expected %s{issue_id}", uri, uriBuildPrefix)
	}
	if rest == "" || strings.Contains(rest, "/") {
		return "", fmt.Errorf("mcp: invalid build URI %q: empty or nested issue_id", uri)
	}
	return rest, nil
}

func jsonContents(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
