package mcpconn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"syscall"
)

// Sentinel errors for the mcpconn package.
var (
	// ErrConnectionRejected means the server answered but refused the
	// handshake, e.g. a non-2xx status for bad credentials.
	ErrConnectionRejected = errors.New("mcpconn: connection rejected")

	// ErrConnectionUnreachable means the transport failed before any
	// response: dial errors, DNS failures, or a process that would not spawn.
	ErrConnectionUnreachable = errors.New("mcpconn: server unreachable")

	// ErrHandshakeFailed means the transport came up but capability
	// negotiation did not complete.
	ErrHandshakeFailed = errors.New("mcpconn: handshake failed")

	// ErrCapabilityNotFound is returned when a tool is not advertised by the
	// server at invocation time.
	ErrCapabilityNotFound = errors.New("mcpconn: capability not found")

	// ErrTeardown wraps failures while closing a connection. It is never
	// allowed to stop sibling teardowns.
	ErrTeardown = errors.New("mcpconn: teardown failed")

	ErrEmptyScope        = errors.New("mcpconn: empty scope")
	ErrInvalidDescriptor = errors.New("mcpconn: invalid server descriptor")
	ErrHandleClosed      = errors.New("mcpconn: handle used after teardown")
	ErrManagerClosed     = errors.New("mcpconn: manager closed")
)

// ConnectError describes a failed connection attempt. Kind is one of
// ErrConnectionRejected, ErrConnectionUnreachable or ErrHandshakeFailed, so
// callers can branch with errors.Is.
type ConnectError struct {
	Server string
	Kind   error
	Stderr string // captured diagnostic output of a subprocess, if any
	Err    error
}

func (e *ConnectError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%v: server %s", e.Kind, e.Server)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Stderr != "" {
		b.WriteString("\nstderr:\n")
		b.WriteString(e.Stderr)
	}
	return b.String()
}

func (e *ConnectError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// statusPattern matches the status code mcp-go embeds in HTTP failures,
// e.g. "request failed with status 403: ..." or "unexpected status code: 401".
var statusPattern = regexp.MustCompile(`status(?: code)?:? (\d{3})`)

// unreachablePatterns are error substrings that indicate no response was
// ever received from the server.
var unreachablePatterns = []string{
	"connection refused",
	"connection reset",
	"no such host",
	"network is unreachable",
	"no route to host",
	"dial tcp",
	"i/o timeout",
}

// classifyNetwork maps a network establishment failure to an error kind.
func classifyNetwork(err error) error {
	if code, ok := rejectedStatus(err); ok && code >= 300 {
		return ErrConnectionRejected
	}
	if isUnreachable(err) {
		return ErrConnectionUnreachable
	}
	return ErrHandshakeFailed
}

func rejectedStatus(err error) (int, bool) {
	m := statusPattern.FindStringSubmatch(err.Error())
	if m == nil {
		return 0, false
	}
	code, convErr := strconv.Atoi(m[1])
	if convErr != nil {
		return 0, false
	}
	return code, true
}

func isUnreachable(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range unreachablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
