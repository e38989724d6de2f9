package tools

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelbrown/toolsmith/internal/mcpconn"
	"github.com/michaelbrown/toolsmith/internal/probe"
)

type staticResolver []mcpconn.Descriptor

func (s staticResolver) ResolveAll(context.Context) ([]mcpconn.Descriptor, error) {
	return append([]mcpconn.Descriptor(nil), s...), nil
}

func (s staticResolver) Resolve(_ context.Context, id string) (mcpconn.Descriptor, error) {
	for _, d := range s {
		if d.ID == id {
			return d, nil
		}
	}
	return mcpconn.Descriptor{}, fmt.Errorf("server %s not found", id)
}

// cannedSession answers every tool with "<server>:<tool>".
type cannedSession struct {
	server string
	tools  []mcp.Tool
}

func (s *cannedSession) ListTools(context.Context, mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	return &mcp.ListToolsResult{Tools: s.tools}, nil
}

func (s *cannedSession) CallTool(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if req.Params.Name == "fail" {
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.TextContent{Type: "text", Text: "bad input"}},
			IsError: true,
		}, nil
	}
	return mcp.NewToolResultText(s.server + ":" + req.Params.Name), nil
}

type cannedDialer struct {
	tools  map[string][]string // server -> tool names
	dials  atomic.Int32
	closed atomic.Int32
}

func (c *cannedDialer) dial(_ context.Context, d mcpconn.Descriptor) (mcpconn.Session, *mcpconn.Teardown, error) {
	names, ok := c.tools[d.ID]
	if !ok {
		return nil, nil, &mcpconn.ConnectError{Server: d.ID, Kind: mcpconn.ErrConnectionUnreachable, Err: errors.New("connection refused")}
	}
	c.dials.Add(1)
	s := &cannedSession{server: d.ID}
	for _, n := range names {
		s.tools = append(s.tools, mcp.Tool{Name: n, Description: n + " tool", InputSchema: mcp.ToolInputSchema{Type: "object"}})
	}
	td := &mcpconn.Teardown{}
	td.Push("canned", func() error { c.closed.Add(1); return nil })
	return s, td, nil
}

func desc(id string) mcpconn.Descriptor {
	return mcpconn.Descriptor{ID: id, Transport: mcpconn.TransportNetwork, URL: "http://" + id}
}

func newTestRouter(t *testing.T, cd *cannedDialer, ids ...string) (*Router, *mcpconn.Manager) {
	t.Helper()
	m := mcpconn.NewManager(mcpconn.WithDialFunc(cd.dial))
	t.Cleanup(func() { _ = m.Close() })
	var descs staticResolver
	for _, id := range ids {
		descs = append(descs, desc(id))
	}
	return NewRouter(descs, m), m
}

func TestOpen_IndexesToolsInServerOrder(t *testing.T) {
	cd := &cannedDialer{tools: map[string][]string{
		"beta":  {"search", "fetch"},
		"alpha": {"search", "fail"},
	}}
	r, m := newTestRouter(t, cd, "beta", "alpha", "down")
	ctx := context.Background()

	ts, err := r.Open(ctx, "run_1")
	require.NoError(t, err)
	defer ts.Close()

	var names []string
	for _, d := range ts.Defs() {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"search", "fail", "fetch"}, names)
	assert.Equal(t, []string{"alpha", "beta"}, ts.Servers())
	assert.Equal(t, 2, m.Len())

	out, err := ts.Call(ctx, "search", nil)
	require.NoError(t, err)
	assert.Equal(t, "alpha:search", out, "first server in name order wins")

	out, err = ts.Call(ctx, "fetch", map[string]any{"url": "x"})
	require.NoError(t, err)
	assert.Equal(t, "beta:fetch", out)

	out, err = ts.Call(ctx, "fail", nil)
	require.NoError(t, err)
	assert.Equal(t, "error: bad input", out)

	_, err = ts.Call(ctx, "nope", nil)
	assert.ErrorIs(t, err, mcpconn.ErrCapabilityNotFound)

	assert.EqualValues(t, 2, cd.dials.Load(), "calls reuse the scope's connections")
}

func TestToolset_CloseReleasesScope(t *testing.T) {
	cd := &cannedDialer{tools: map[string][]string{"a": {"x"}, "b": {"y"}}}
	r, m := newTestRouter(t, cd, "a", "b")
	ctx := context.Background()

	ts1, err := r.Open(ctx, "run_1")
	require.NoError(t, err)
	ts2, err := r.Open(ctx, "run_2")
	require.NoError(t, err)
	assert.Equal(t, 4, m.Len())

	require.NoError(t, ts1.Close())
	require.NoError(t, ts1.Close())
	assert.Equal(t, 2, m.Len())
	assert.EqualValues(t, 2, cd.closed.Load())

	_, err = ts2.Call(ctx, "y", nil)
	require.NoError(t, err)
	require.NoError(t, ts2.Close())
	assert.Zero(t, m.Len())
}

// rotatingResolver hands out a new token each time a server is resolved.
type rotatingResolver struct {
	ids      []string
	resolves atomic.Int32
}

func (r *rotatingResolver) descriptor(id string) mcpconn.Descriptor {
	n := r.resolves.Add(1)
	d := desc(id)
	d.Headers = map[string]string{"Authorization": fmt.Sprintf("Bearer token-%d", n)}
	return d
}

func (r *rotatingResolver) ResolveAll(context.Context) ([]mcpconn.Descriptor, error) {
	var out []mcpconn.Descriptor
	for _, id := range r.ids {
		out = append(out, r.descriptor(id))
	}
	return out, nil
}

func (r *rotatingResolver) Resolve(_ context.Context, id string) (mcpconn.Descriptor, error) {
	return r.descriptor(id), nil
}

func TestToolset_ReconnectsWithFreshDescriptor(t *testing.T) {
	cd := &cannedDialer{tools: map[string][]string{"a": {"x"}}}
	var (
		mu   sync.Mutex
		seen []string
	)
	m := mcpconn.NewManager(mcpconn.WithDialFunc(func(ctx context.Context, d mcpconn.Descriptor) (mcpconn.Session, *mcpconn.Teardown, error) {
		mu.Lock()
		seen = append(seen, d.Headers["Authorization"])
		mu.Unlock()
		return cd.dial(ctx, d)
	}))
	t.Cleanup(func() { _ = m.Close() })
	res := &rotatingResolver{ids: []string{"a"}}
	ctx := context.Background()

	ts, err := NewRouter(res, m).Open(ctx, "run_1")
	require.NoError(t, err)
	defer ts.Close()
	assert.EqualValues(t, 1, res.resolves.Load())

	_, err = ts.Call(ctx, "x", nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.resolves.Load(), "cached connection needs no descriptor")

	require.NoError(t, m.Release("run_1"))
	out, err := ts.Call(ctx, "x", nil)
	require.NoError(t, err)
	assert.Equal(t, "a:x", out)
	assert.EqualValues(t, 2, res.resolves.Load())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"Bearer token-1", "Bearer token-2"}, seen)
}

func TestOpen_EmptyScope(t *testing.T) {
	r, _ := newTestRouter(t, &cannedDialer{})
	_, err := r.Open(context.Background(), "")
	assert.ErrorIs(t, err, mcpconn.ErrEmptyScope)
}

func TestResultText(t *testing.T) {
	res := &mcp.CallToolResult{Content: []mcp.Content{
		mcp.TextContent{Type: "text", Text: "line one"},
		mcp.ImageContent{Type: "image", MIMEType: "image/png", Data: "AAAA"},
		mcp.TextContent{Type: "text", Text: "line two"},
	}}
	assert.Equal(t, "line one\n[image image/png]\nline two", ResultText(res))
}

func TestToolDef_SchemaConversion(t *testing.T) {
	def := toolDef(mcp.Tool{
		Name: "echo",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{"text": map[string]any{"type": "string"}},
			Required:   []string{"text"},
		},
	})
	assert.Equal(t, "object", def.Parameters["type"])
	assert.Equal(t, []string{"text"}, def.Parameters["required"])

	raw := toolDef(mcp.Tool{Name: "raw", RawInputSchema: []byte(`{"type":"object","properties":{"n":{"type":"integer"}}}`)})
	assert.Contains(t, raw.Parameters, "properties")

	bare := toolDef(mcp.Tool{Name: "bare"})
	assert.Equal(t, map[string]any{"type": "object"}, bare.Parameters)
}

func TestRouter_ProbeOverHTTP(t *testing.T) {
	ts := httptest.NewServer(server.NewStreamableHTTPServer(probe.NewServer("toolsmith-probe")))
	defer ts.Close()

	m := mcpconn.NewManager()
	defer m.Close()
	r := NewRouter(staticResolver{{ID: "probe", Transport: mcpconn.TransportNetwork, URL: ts.URL + "/mcp"}}, m)
	ctx := context.Background()

	set, err := r.Open(ctx, mcpconn.NewScope())
	require.NoError(t, err)
	require.True(t, set.Has("whoami"))

	first, err := set.Call(ctx, "whoami", nil)
	require.NoError(t, err)
	second, err := set.Call(ctx, "whoami", nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.True(t, strings.HasPrefix(first, "pid="))

	other, err := r.Open(ctx, mcpconn.NewScope())
	require.NoError(t, err)
	third, err := other.Call(ctx, "whoami", nil)
	require.NoError(t, err)
	assert.NotEqual(t, first, third, "a new scope gets a new session")

	require.NoError(t, set.Close())
	require.NoError(t, other.Close())
	assert.Zero(t, m.Len())
}
