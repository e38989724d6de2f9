package mcpconn

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

const (
	// ClientName and ClientVersion identify this client during the handshake.
	ClientName    = "toolsmith"
	ClientVersion = "0.1.0"

	// DefaultHandshakeTimeout is the initialize bound used by the config
	// layer. A Manager built without WithHandshakeTimeout has no bound of its
	// own; establishment then ends only with the caller's context.
	DefaultHandshakeTimeout = 30 * time.Second
)

type entryKey struct {
	server string
	scope  string
}

// entry is one live cached connection.
type entry struct {
	key       entryKey
	handle    *Handle
	teardown  *Teardown
	createdAt time.Time
}

func (e *entry) close() error {
	e.handle.markClosed()
	return e.teardown.Close()
}

// EntryInfo describes a cached connection without exposing its handle.
type EntryInfo struct {
	Server    string    `json:"server"`
	Scope     string    `json:"scope"`
	CreatedAt time.Time `json:"created_at"`
}

// Manager caches live connections keyed by (server, scope).
//
// Construct one per process and pass it to whatever needs connections.
type Manager struct {
	mu      sync.Mutex
	entries map[entryKey]*entry
	closed  bool

	dial DialFunc
}

type options struct {
	dial             DialFunc
	clientInfo       mcp.Implementation
	handshakeTimeout time.Duration
	tempDir          string
}

// Option configures a Manager.
type Option func(*options)

// WithDialFunc replaces the transport dialers, mainly for tests.
func WithDialFunc(f DialFunc) Option {
	return func(o *options) { o.dial = f }
}

// WithHandshakeTimeout bounds the initialize exchange. Zero disables the bound.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) { o.handshakeTimeout = d }
}

// WithClientInfo sets the implementation name and version sent during the handshake.
func WithClientInfo(name, version string) Option {
	return func(o *options) {
		o.clientInfo = mcp.Implementation{Name: name, Version: version}
	}
}

// WithTempDir sets where subprocess stderr captures are written.
func WithTempDir(dir string) Option {
	return func(o *options) { o.tempDir = dir }
}

// NewManager creates a Manager with an empty cache.
func NewManager(opts ...Option) *Manager {
	o := options{
		clientInfo: mcp.Implementation{Name: ClientName, Version: ClientVersion},
	}
	for _, opt := range opts {
		opt(&o)
	}

	dial := o.dial
	if dial == nil {
		dl := &dialer{
			clientInfo:       o.clientInfo,
			handshakeTimeout: o.handshakeTimeout,
			tempDir:          o.tempDir,
		}
		dial = dl.dial
	}

	return &Manager{
		entries: make(map[entryKey]*entry),
		dial:    dial,
	}
}

// Acquire returns the live handle for (server, scope), establishing one if
// none is cached. Establishment happens without holding the lock; if another
// caller inserts the same key meanwhile, this caller's connection is torn
// down and the cached one is returned.
//
// The caller must not close the handle. It stays valid until Release(scope).
func (m *Manager) Acquire(ctx context.Context, server Descriptor, scope string) (*Handle, error) {
	if scope == "" {
		return nil, ErrEmptyScope
	}
	if err := server.Validate(); err != nil {
		return nil, err
	}
	key := entryKey{server: server.ID, scope: scope}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if e, ok := m.entries[key]; ok {
		m.mu.Unlock()
		return e.handle, nil
	}
	m.mu.Unlock()

	e, err := m.establish(ctx, server, scope)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.discard(e, "manager closed")
		return nil, ErrManagerClosed
	}
	if winner, ok := m.entries[key]; ok {
		m.mu.Unlock()
		m.discard(e, "lost race")
		return winner.handle, nil
	}
	m.entries[key] = e
	m.mu.Unlock()

	log.Printf("[ConnManager] Connected to server '%s' in scope %s", server.ID, scope)
	return e.handle, nil
}

// Release tears down every connection opened under scope. Entries are
// removed under the lock and closed after it is released. A failed teardown
// is logged and does not stop the others; the joined failures are returned
// for reporting only, the scope is empty either way. Releasing an unknown
// scope is a no-op.
func (m *Manager) Release(scope string) error {
	m.mu.Lock()
	var doomed []*entry
	for key, e := range m.entries {
		if key.scope == scope {
			doomed = append(doomed, e)
			delete(m.entries, key)
		}
	}
	m.mu.Unlock()

	if len(doomed) == 0 {
		return nil
	}
	err := closeEntries(doomed)
	log.Printf("[ConnManager] Released scope %s (%d connections)", scope, len(doomed))
	return err
}

// Ephemeral establishes an uncached connection, passes it to fn and tears
// it down when fn returns or panics. Use it when no scope is available.
func (m *Manager) Ephemeral(ctx context.Context, server Descriptor, fn func(*Handle) error) error {
	if err := server.Validate(); err != nil {
		return err
	}
	e, err := m.establish(ctx, server, "")
	if err != nil {
		return err
	}
	defer func() {
		if err := e.close(); err != nil {
			log.Printf("[ConnManager] Error closing ephemeral connection to '%s': %v", server.ID, err)
		}
	}()
	return fn(e.handle)
}

// Close releases every scope and rejects further acquisitions.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	all := make([]*entry, 0, len(m.entries))
	for key, e := range m.entries {
		all = append(all, e)
		delete(m.entries, key)
	}
	m.mu.Unlock()

	err := closeEntries(all)
	log.Printf("[ConnManager] Closed all connections")
	return err
}

// Has reports whether a live connection is cached for (server, scope).
func (m *Manager) Has(server, scope string) bool {
	_, ok := m.Lookup(server, scope)
	return ok
}

// Lookup returns the cached handle for (server, scope) without connecting.
func (m *Manager) Lookup(server, scope string) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[entryKey{server: server, scope: scope}]
	if !ok {
		return nil, false
	}
	return e.handle, true
}

// Len returns the number of cached connections.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Entries returns a snapshot of the cache ordered by scope, then server.
func (m *Manager) Entries() []EntryInfo {
	m.mu.Lock()
	out := make([]EntryInfo, 0, len(m.entries))
	for key, e := range m.entries {
		out = append(out, EntryInfo{Server: key.server, Scope: key.scope, CreatedAt: e.createdAt})
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Scope != out[j].Scope {
			return out[i].Scope < out[j].Scope
		}
		return out[i].Server < out[j].Server
	})
	return out
}

func (m *Manager) establish(ctx context.Context, server Descriptor, scope string) (*entry, error) {
	session, td, err := m.dial(ctx, server)
	if err != nil {
		return nil, err
	}
	if td == nil {
		td = &Teardown{}
	}
	return &entry{
		key:       entryKey{server: server.ID, scope: scope},
		handle:    newHandle(server.ID, scope, session),
		teardown:  td,
		createdAt: time.Now(),
	}, nil
}

// discard closes a connection that will never be handed out.
func (m *Manager) discard(e *entry, reason string) {
	log.Printf("[ConnManager] Discarding connection to server '%s' in scope %s: %s", e.key.server, e.key.scope, reason)
	if err := e.close(); err != nil {
		log.Printf("[ConnManager] Error closing discarded connection to '%s': %v", e.key.server, err)
	}
}

// closeEntries tears entries down concurrently. Every entry is attempted.
func closeEntries(entries []*entry) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, e := range entries {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			if err := e.close(); err != nil {
				log.Printf("[ConnManager] Error closing connection to '%s' in scope %s: %v", e.key.server, e.key.scope, err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("%w: server %s scope %s: %w", ErrTeardown, e.key.server, e.key.scope, err))
				mu.Unlock()
			}
		}(e)
	}
	wg.Wait()
	return errors.Join(errs...)
}
