package mcpconn

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mark3labs/mcp-go/mcp"
)

// Session is the subset of the mcp-go client a Handle needs.
// *client.Client satisfies it.
type Session interface {
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
}

// Handle is a live connection to one server within one scope. It must not be
// used after its scope is released; calls then return ErrHandleClosed.
//
// Concurrent calls on a Handle are passed straight to the underlying client.
type Handle struct {
	server  string
	scope   string
	session Session

	mu    sync.RWMutex
	tools []mcp.Tool

	closed atomic.Bool
}

func newHandle(server, scope string, session Session) *Handle {
	return &Handle{server: server, scope: scope, session: session}
}

// Server returns the identifier of the server this handle talks to.
func (h *Handle) Server() string { return h.server }

// Scope returns the owning scope, or "" for an ephemeral handle.
func (h *Handle) Scope() string { return h.scope }

// Closed reports whether the handle's connection has been torn down.
func (h *Handle) Closed() bool { return h.closed.Load() }

// ListTools fetches the server's advertised tools, following pagination,
// and refreshes the handle's view of them.
func (h *Handle) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	if h.closed.Load() {
		return nil, ErrHandleClosed
	}

	var (
		all []mcp.Tool
		req mcp.ListToolsRequest
	)
	for {
		res, err := h.session.ListTools(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("listing tools on %s: %w", h.server, err)
		}
		all = append(all, res.Tools...)
		if res.NextCursor == "" {
			break
		}
		req.Params.Cursor = res.NextCursor
	}

	h.mu.Lock()
	h.tools = all
	h.mu.Unlock()
	return all, nil
}

// CallTool invokes a tool by name. The name must be among the server's
// advertised tools; the list is refreshed once before giving up, so tools
// added after the handshake are still found.
func (h *Handle) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	if h.closed.Load() {
		return nil, ErrHandleClosed
	}

	ok, err := h.advertises(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s on server %s", ErrCapabilityNotFound, name, h.server)
	}

	res, err := h.session.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("calling tool %s on %s: %w", name, h.server, err)
	}
	return res, nil
}

func (h *Handle) advertises(ctx context.Context, name string) (bool, error) {
	h.mu.RLock()
	found := hasTool(h.tools, name)
	h.mu.RUnlock()
	if found {
		return true, nil
	}

	// Unknown so far: refresh once in case the list changed or was never fetched.
	tools, err := h.ListTools(ctx)
	if err != nil {
		return false, err
	}
	return hasTool(tools, name), nil
}

func (h *Handle) markClosed() {
	h.closed.Store(true)
}

func hasTool(tools []mcp.Tool, name string) bool {
	for _, t := range tools {
		if t.Name == name {
			return true
		}
	}
	return false
}
