package mcp

import (
	"context"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// rootsRequestTimeout bounds the round-trip to the client.
const rootsRequestTimeout = 3 * time.Second

// rootsCache holds the client's roots per MCP session. One request per
// session.
type rootsCache struct {
	mu    sync.RWMutex
	cache map[string][]mcplib.Root // sessionID -> roots
}

func newRootsCache() *rootsCache {
	return &rootsCache{
		cache: make(map[string][]mcplib.Root),
	}
}

// Get returns cached roots for a session, or nil if not cached.
func (rc *rootsCache) Get(sessionID string) ([]mcplib.Root, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	roots, ok := rc.cache[sessionID]
	return roots, ok
}

// Set caches roots for a session.
func (rc *rootsCache) Set(sessionID string, roots []mcplib.Root) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.cache[sessionID] = roots
}

// requestRoots asks the client for its roots once per session. Failures
// yield nil.
func (s *Server) requestRoots(ctx context.Context) []mcplib.Root {
	session := mcpserver.ClientSessionFromContext(ctx)
	if session == nil {
		return nil
	}

	sessionID := session.SessionID()
	if sessionID == "" {
		return nil
	}

	if roots, ok := s.rootsCache.Get(sessionID); ok {
		return roots
	}

	reqCtx, cancel := context.WithTimeout(ctx, rootsRequestTimeout)
	defer cancel()
	result, err := s.mcpServer.RequestRoots(reqCtx, mcplib.ListRootsRequest{})
	if err != nil {
		s.logger.Debug("mcp: roots unavailable", "error", err, "session_id", sessionID)
		s.rootsCache.Set(sessionID, []mcplib.Root{})
		return nil
	}

	s.rootsCache.Set(sessionID, result.Roots)
	return result.Roots
}

// projectRootFromRoots returns the local path of the first usable file://
// root, or "" when there is none.
//
//	file:///home/user/worlds/harbor  -> /home/user/worlds/harbor
//	file:///C:/Users/dev/harbor      -> C:/Users/dev/harbor
func projectRootFromRoots(roots []mcplib.Root) string {
	for _, root := range roots {
		if !strings.HasPrefix(root.URI, "file://") {
			continue
		}
		parsed, err := url.Parse(root.URI)
		if err != nil {
			continue
		}
		path := filepath.Clean(parsed.Path)
		if path == "" || path == "/" || path == "." {
			continue
		}
		// Drive-letter paths arrive as /C:/...
		if len(path) >= 3 && path[0] == '/' && path[2] == ':' {
			path = path[1:]
		}
		return path
	}
	return ""
}
