package mcpconn

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// TransportKind identifies how a server is reached.
type TransportKind string

const (
	// TransportNetwork talks to a server over HTTP.
	TransportNetwork TransportKind = "network"

	// TransportSubprocess spawns the server and talks to it over stdio.
	TransportSubprocess TransportKind = "subprocess"
)

// Wire protocols for network servers.
const (
	ProtocolStreamableHTTP = "streamable-http"
	ProtocolSSE            = "sse"
)

// Descriptor identifies one external tool server and how to reach it.
//
// Header and Env values carry resolved secrets. The manager reads them while
// establishing a connection and does not retain the descriptor afterwards.
type Descriptor struct {
	ID        string
	Transport TransportKind

	// Network parameters.
	URL      string
	Headers  map[string]string
	Protocol string // ProtocolStreamableHTTP when empty

	// Subprocess parameters.
	Command string
	Args    []string
	Env     map[string]string
	Dir     string
}

// Validate reports whether the descriptor has the fields its transport needs.
func (d Descriptor) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("%w: missing server id", ErrInvalidDescriptor)
	}
	switch d.Transport {
	case TransportNetwork:
		if d.URL == "" {
			return fmt.Errorf("%w: network server %s requires a url", ErrInvalidDescriptor, d.ID)
		}
		switch d.Protocol {
		case "", ProtocolStreamableHTTP, ProtocolSSE:
		default:
			return fmt.Errorf("%w: server %s has unknown protocol %q", ErrInvalidDescriptor, d.ID, d.Protocol)
		}
	case TransportSubprocess:
		if d.Command == "" {
			return fmt.Errorf("%w: subprocess server %s requires a command", ErrInvalidDescriptor, d.ID)
		}
	default:
		return fmt.Errorf("%w: server %s has unknown transport %q", ErrInvalidDescriptor, d.ID, d.Transport)
	}
	return nil
}

// NewScope returns a fresh scope identifier for one top-level unit of work,
// e.g. "run_3f9a0c12b7d4".
func NewScope() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "run_" + id[:12]
}
