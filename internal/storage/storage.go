package storage

import (
	"context"
	"errors"
	"time"

	"github.com/michaelbrown/toolsmith/internal/llm"
)

// ErrNotFound is returned when a run or tool server does not exist.
var ErrNotFound = errors.New("not found")

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	StatusActive    RunStatus = "active"
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
)

// Run is the metadata for one conversation with the agent. Each invocation
// inside a run gets its own connection scope; the run only keeps history.
type Run struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Status    RunStatus `json:"status"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	Profile   string    `json:"profile"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RunListOptions controls filtering and pagination for ListRuns.
type RunListOptions struct {
	Status RunStatus
	Limit  int
	Offset int
}

// ToolServer is a registered external tool server. Header and Env values may
// contain ${VAR} references that are expanded only when connecting.
type ToolServer struct {
	Name      string            `json:"name"`
	Transport string            `json:"transport"`
	URL       string            `json:"url,omitempty"`
	Protocol  string            `json:"protocol,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Dir       string            `json:"dir,omitempty"`
	Enabled   bool              `json:"enabled"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Store is the persistence interface for runs, messages and tool servers.
type Store interface {
	// CreateRun inserts a new run. The ID field must be set by the caller.
	CreateRun(ctx context.Context, r *Run) error

	// GetRun returns a run by ID or unambiguous ID prefix.
	GetRun(ctx context.Context, id string) (*Run, error)

	// ListRuns returns runs ordered by updated_at descending.
	ListRuns(ctx context.Context, opts RunListOptions) ([]Run, error)

	// UpdateRun updates mutable fields (title, status, updated_at).
	UpdateRun(ctx context.Context, r *Run) error

	// DeleteRun removes a run and its messages.
	DeleteRun(ctx context.Context, id string) error

	// SaveMessages overwrites the full message history for a run.
	SaveMessages(ctx context.Context, runID string, messages []llm.Message) error

	// LoadMessages returns the message history for a run.
	LoadMessages(ctx context.Context, runID string) ([]llm.Message, error)

	// PutToolServer inserts or replaces a tool server by name.
	PutToolServer(ctx context.Context, ts *ToolServer) error

	GetToolServer(ctx context.Context, name string) (*ToolServer, error)

	// ListToolServers returns all tool servers ordered by name.
	ListToolServers(ctx context.Context) ([]ToolServer, error)

	DeleteToolServer(ctx context.Context, name string) error

	Close() error
}
