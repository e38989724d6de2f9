// Package tools exposes the tools of every enabled server to the agent,
// over connections scoped to one unit of work.
package tools

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/michaelbrown/toolsmith/internal/llm"
	"github.com/michaelbrown/toolsmith/internal/mcpconn"
)

// Resolver supplies server descriptors with their secrets filled in.
type Resolver interface {
	// ResolveAll lists the servers whose tools should be offered.
	ResolveAll(ctx context.Context) ([]mcpconn.Descriptor, error)
	// Resolve looks up one server by id.
	Resolve(ctx context.Context, id string) (mcpconn.Descriptor, error)
}

// Router opens toolsets over a shared connection manager.
type Router struct {
	servers Resolver
	conns   *mcpconn.Manager
}

func NewRouter(servers Resolver, conns *mcpconn.Manager) *Router {
	return &Router{servers: servers, conns: conns}
}

// Open connects to every enabled server within scope and indexes their
// tools. Servers that cannot be reached are skipped with a warning. The
// caller must Close the toolset when the unit of work ends.
func (r *Router) Open(ctx context.Context, scope string) (*Toolset, error) {
	if scope == "" {
		return nil, mcpconn.ErrEmptyScope
	}
	descs, err := r.servers.ResolveAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolving servers: %w", err)
	}
	sort.Slice(descs, func(i, j int) bool { return descs[i].ID < descs[j].ID })

	ts := &Toolset{
		resolver: r.servers,
		conns:    r.conns,
		scope:    scope,
		index:    make(map[string]string),
	}

	listed := make([][]mcp.Tool, len(descs))
	var wg sync.WaitGroup
	for i, d := range descs {
		wg.Add(1)
		go func(i int, d mcpconn.Descriptor) {
			defer wg.Done()
			h, err := r.conns.Acquire(ctx, d, scope)
			if err != nil {
				log.Printf("Warning: tool server %s unavailable: %v", d.ID, err)
				return
			}
			tools, err := h.ListTools(ctx)
			if err != nil {
				log.Printf("Warning: listing tools on %s: %v", d.ID, err)
				return
			}
			listed[i] = tools
		}(i, d)
	}
	wg.Wait()

	// Index in server name order so collisions resolve the same way every time.
	for i, d := range descs {
		if listed[i] == nil {
			continue
		}
		ts.servers = append(ts.servers, d.ID)
		for _, t := range listed[i] {
			if owner, dup := ts.index[t.Name]; dup {
				log.Printf("Warning: tool %s on %s shadowed by %s", t.Name, d.ID, owner)
				continue
			}
			ts.index[t.Name] = d.ID
			ts.defs = append(ts.defs, toolDef(t))
		}
	}
	return ts, nil
}

// Toolset is the set of tools available to one unit of work. It holds
// server ids only; descriptors are resolved again when a connection has to
// be re-established.
type Toolset struct {
	resolver Resolver
	conns    *mcpconn.Manager
	scope    string
	servers  []string          // contributing server ids, in name order
	index    map[string]string // tool name -> server id
	defs     []llm.ToolDef

	closeOnce sync.Once
	closeErr  error
}

// Scope returns the connection scope the toolset was opened in.
func (t *Toolset) Scope() string { return t.scope }

// Defs returns the tool definitions to advertise to the model.
func (t *Toolset) Defs() []llm.ToolDef { return t.defs }

// Has reports whether a tool with this name is available.
func (t *Toolset) Has(name string) bool {
	_, ok := t.index[name]
	return ok
}

// Servers returns the ids of the servers that contributed tools, in order.
func (t *Toolset) Servers() []string {
	return append([]string(nil), t.servers...)
}

// Call invokes a tool and returns its text output. Calls may run
// concurrently; each goes through the scope's cached connection.
func (t *Toolset) Call(ctx context.Context, name string, args map[string]any) (string, error) {
	id, ok := t.index[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", mcpconn.ErrCapabilityNotFound, name)
	}
	h, err := t.handle(ctx, id)
	if err != nil {
		return "", err
	}
	res, err := h.CallTool(ctx, name, args)
	if err != nil {
		return "", err
	}
	return ResultText(res), nil
}

// handle returns the scope's connection to server id, reconnecting with a
// freshly resolved descriptor if it is no longer cached.
func (t *Toolset) handle(ctx context.Context, id string) (*mcpconn.Handle, error) {
	if h, ok := t.conns.Lookup(id, t.scope); ok {
		return h, nil
	}
	d, err := t.resolver.Resolve(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("resolving server %s: %w", id, err)
	}
	return t.conns.Acquire(ctx, d, t.scope)
}

// Close releases every connection opened in the toolset's scope.
func (t *Toolset) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.conns.Release(t.scope)
	})
	return t.closeErr
}
