// Package servers keeps the registry of external tool servers and turns
// stored records into connection descriptors.
package servers

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"regexp"
	"sort"

	"github.com/michaelbrown/toolsmith/internal/mcpconn"
	"github.com/michaelbrown/toolsmith/internal/storage"
)

var (
	ErrInvalidName   = errors.New("invalid server name")
	ErrUnsetVariable = errors.New("unset environment variable")
)

// Config is a tool server as written in the config file.
type Config struct {
	Transport string            `mapstructure:"transport" yaml:"transport"`
	URL       string            `mapstructure:"url" yaml:"url"`
	Protocol  string            `mapstructure:"protocol" yaml:"protocol"`
	Headers   map[string]string `mapstructure:"headers" yaml:"headers"`
	Command   string            `mapstructure:"command" yaml:"command"`
	Args      []string          `mapstructure:"args" yaml:"args"`
	Env       map[string]string `mapstructure:"env" yaml:"env"`
	Dir       string            `mapstructure:"dir" yaml:"dir"`
	Enabled   *bool             `mapstructure:"enabled" yaml:"enabled"` // nil means enabled
}

// Record converts the config entry to a storage record.
func (c Config) Record(name string) *storage.ToolServer {
	enabled := c.Enabled == nil || *c.Enabled
	return &storage.ToolServer{
		Name:      name,
		Transport: c.Transport,
		URL:       c.URL,
		Protocol:  c.Protocol,
		Headers:   c.Headers,
		Command:   c.Command,
		Args:      c.Args,
		Env:       c.Env,
		Dir:       c.Dir,
		Enabled:   enabled,
	}
}

// namePattern keeps names usable as a tool-name prefix.
var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Registry stores tool servers and resolves them into descriptors.
type Registry struct {
	store storage.Store
}

func NewRegistry(store storage.Store) *Registry {
	return &Registry{store: store}
}

// Add validates and saves a tool server, replacing any server of the same name.
func (r *Registry) Add(ctx context.Context, ts *storage.ToolServer) error {
	if !namePattern.MatchString(ts.Name) {
		return fmt.Errorf("%w: %q (use letters, digits, '-' and '_')", ErrInvalidName, ts.Name)
	}
	// Shape only; references are expanded when connecting.
	if err := descriptor(ts).Validate(); err != nil {
		return err
	}
	return r.store.PutToolServer(ctx, ts)
}

func (r *Registry) Remove(ctx context.Context, name string) error {
	return r.store.DeleteToolServer(ctx, name)
}

func (r *Registry) Get(ctx context.Context, name string) (*storage.ToolServer, error) {
	return r.store.GetToolServer(ctx, name)
}

// List returns every registered server ordered by name.
func (r *Registry) List(ctx context.Context) ([]storage.ToolServer, error) {
	return r.store.ListToolServers(ctx)
}

// Sync upserts the servers defined in the config file. Servers added
// through the API or CLI are left alone.
func (r *Registry) Sync(ctx context.Context, defined map[string]Config) error {
	names := make([]string, 0, len(defined))
	for name := range defined {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		rec := defined[name].Record(name)
		if existing, err := r.store.GetToolServer(ctx, name); err == nil {
			rec.CreatedAt = existing.CreatedAt
		}
		if err := r.Add(ctx, rec); err != nil {
			errs = append(errs, fmt.Errorf("server %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Resolve loads a server and expands its ${VAR} references from the current
// environment. The result carries secrets and must not be logged.
func (r *Registry) Resolve(ctx context.Context, name string) (mcpconn.Descriptor, error) {
	ts, err := r.store.GetToolServer(ctx, name)
	if err != nil {
		return mcpconn.Descriptor{}, err
	}
	return Resolve(ts)
}

// ResolveAll resolves every enabled server in name order. A server that
// cannot be resolved is skipped with a warning.
func (r *Registry) ResolveAll(ctx context.Context) ([]mcpconn.Descriptor, error) {
	list, err := r.store.ListToolServers(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]mcpconn.Descriptor, 0, len(list))
	for i := range list {
		if !list[i].Enabled {
			continue
		}
		d, err := Resolve(&list[i])
		if err != nil {
			log.Printf("Warning: skipping tool server %s: %v", list[i].Name, err)
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// Resolve expands a record's references into a validated descriptor.
func Resolve(ts *storage.ToolServer) (mcpconn.Descriptor, error) {
	d := descriptor(ts)

	var err error
	if d.URL, err = Expand(d.URL); err != nil {
		return mcpconn.Descriptor{}, fmt.Errorf("server %s url: %w", ts.Name, err)
	}
	if d.Command, err = Expand(d.Command); err != nil {
		return mcpconn.Descriptor{}, fmt.Errorf("server %s command: %w", ts.Name, err)
	}
	if d.Dir, err = Expand(d.Dir); err != nil {
		return mcpconn.Descriptor{}, fmt.Errorf("server %s dir: %w", ts.Name, err)
	}
	if d.Headers, err = expandMap(ts.Headers); err != nil {
		return mcpconn.Descriptor{}, fmt.Errorf("server %s header: %w", ts.Name, err)
	}
	if d.Env, err = expandMap(ts.Env); err != nil {
		return mcpconn.Descriptor{}, fmt.Errorf("server %s env: %w", ts.Name, err)
	}
	d.Args = make([]string, len(ts.Args))
	for i, a := range ts.Args {
		if d.Args[i], err = Expand(a); err != nil {
			return mcpconn.Descriptor{}, fmt.Errorf("server %s arg %d: %w", ts.Name, i, err)
		}
	}

	if err := d.Validate(); err != nil {
		return mcpconn.Descriptor{}, err
	}
	return d, nil
}

func descriptor(ts *storage.ToolServer) mcpconn.Descriptor {
	return mcpconn.Descriptor{
		ID:        ts.Name,
		Transport: mcpconn.TransportKind(ts.Transport),
		URL:       ts.URL,
		Headers:   ts.Headers,
		Protocol:  ts.Protocol,
		Command:   ts.Command,
		Args:      ts.Args,
		Env:       ts.Env,
		Dir:       ts.Dir,
	}
}

var refPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Expand replaces ${VAR} references with values from the environment. An
// unset variable is an error naming the variable; its value never appears
// in errors.
func Expand(s string) (string, error) {
	var missing string
	out := refPattern.ReplaceAllStringFunc(s, func(ref string) string {
		name := refPattern.FindStringSubmatch(ref)[1]
		v, ok := os.LookupEnv(name)
		if !ok && missing == "" {
			missing = name
		}
		return v
	})
	if missing != "" {
		return "", fmt.Errorf("%w: %s", ErrUnsetVariable, missing)
	}
	return out, nil
}

func expandMap(m map[string]string) (map[string]string, error) {
	if len(m) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		ev, err := Expand(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = ev
	}
	return out, nil
}

const maskedValue = "********"

// Mask returns a copy safe to show: literal header and env values are hidden,
// values made only of references are shown as written.
func Mask(ts storage.ToolServer) storage.ToolServer {
	ts.Headers = maskMap(ts.Headers)
	ts.Env = maskMap(ts.Env)
	return ts
}

func maskMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		if isReferenceOnly(v) {
			out[k] = v
		} else {
			out[k] = maskedValue
		}
	}
	return out
}

// isReferenceOnly reports whether v holds references and no literal secret,
// e.g. "${TOKEN}" but not "Bearer ${TOKEN}" or "abc123".
func isReferenceOnly(v string) bool {
	return v != "" && refPattern.ReplaceAllString(v, "") == ""
}

// Unmask restores values that a client sent back still masked, so editing
// a server fetched through Mask keeps its stored secrets.
func Unmask(ts, stored *storage.ToolServer) {
	ts.Headers = unmaskMap(ts.Headers, stored.Headers)
	ts.Env = unmaskMap(ts.Env, stored.Env)
}

func unmaskMap(m, stored map[string]string) map[string]string {
	for k, v := range m {
		if v != maskedValue {
			continue
		}
		if old, ok := stored[k]; ok {
			m[k] = old
		} else {
			delete(m, k)
		}
	}
	return m
}
