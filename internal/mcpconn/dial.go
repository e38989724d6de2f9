package mcpconn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

// DialFunc establishes one connection, including the handshake. On error it
// must already have released everything it acquired.
type DialFunc func(ctx context.Context, d Descriptor) (Session, *Teardown, error)

const (
	// stderrTailBytes caps how much captured stderr is attached to errors.
	stderrTailBytes = 4096

	// stderrDrainWait bounds how long a failed handshake waits for the
	// subprocess's stderr to be copied out.
	stderrDrainWait = 500 * time.Millisecond

	// processStopGrace is how long a subprocess gets to exit after its stdin
	// is closed before it is killed.
	processStopGrace = 2 * time.Second
)

type dialer struct {
	clientInfo       mcp.Implementation
	handshakeTimeout time.Duration
	tempDir          string
}

func (dl *dialer) dial(ctx context.Context, d Descriptor) (Session, *Teardown, error) {
	var (
		session Session
		td      *Teardown
		err     error
	)
	switch d.Transport {
	case TransportNetwork:
		session, td, err = dl.dialNetwork(ctx, d)
	case TransportSubprocess:
		session, td, err = dl.dialSubprocess(ctx, d)
	default:
		return nil, nil, fmt.Errorf("%w: server %s has unknown transport %q", ErrInvalidDescriptor, d.ID, d.Transport)
	}
	if err != nil && ctx.Err() != nil {
		// Cancelled by the caller, not a server failure.
		return nil, nil, fmt.Errorf("connecting to server %s: %w", d.ID, ctx.Err())
	}
	return session, td, err
}

func (dl *dialer) dialNetwork(ctx context.Context, d Descriptor) (Session, *Teardown, error) {
	headers := make(map[string]string, len(d.Headers))
	for k, v := range d.Headers {
		headers[k] = v
	}

	var (
		c   *client.Client
		err error
	)
	switch d.Protocol {
	case ProtocolSSE:
		c, err = client.NewSSEMCPClient(d.URL, transport.WithHeaders(headers))
	default:
		c, err = client.NewStreamableHttpClient(d.URL, transport.WithHTTPHeaders(headers))
	}
	if err != nil {
		return nil, nil, &ConnectError{Server: d.ID, Kind: ErrConnectionUnreachable, Err: fmt.Errorf("creating client: %w", err)}
	}

	td := &Teardown{}
	td.Push("network channel", c.Close)

	// The channel must outlive the acquiring caller's context; it is closed
	// by the teardown stack, not by cancellation.
	if err := c.Start(context.Background()); err != nil {
		dl.abandon(d.ID, td)
		return nil, nil, &ConnectError{Server: d.ID, Kind: classifyNetwork(err), Err: fmt.Errorf("starting transport: %w", err)}
	}

	if err := dl.initialize(ctx, c); err != nil {
		dl.abandon(d.ID, td)
		return nil, nil, &ConnectError{Server: d.ID, Kind: classifyNetwork(err), Err: err}
	}
	return c, td, nil
}

func (dl *dialer) dialSubprocess(ctx context.Context, d Descriptor) (Session, *Teardown, error) {
	td := &Teardown{}

	capture, err := newStderrCapture(dl.tempDir, d.ID)
	if err != nil {
		return nil, nil, &ConnectError{Server: d.ID, Kind: ErrConnectionUnreachable, Err: err}
	}
	td.Push("stderr capture", capture.close)

	// The process lives until teardown cancels procCtx, which kills it.
	procCtx, kill := context.WithCancel(context.Background())
	td.Push("process context", func() error {
		kill()
		return nil
	})

	tr := transport.NewStdioWithOptions(d.Command, subprocessEnv(d.Env), d.Args,
		transport.WithCommandFunc(func(_ context.Context, command string, env []string, args []string) (*exec.Cmd, error) {
			cmd := exec.CommandContext(procCtx, command, args...)
			cmd.Env = env
			cmd.Dir = d.Dir
			cmd.WaitDelay = processStopGrace
			return cmd, nil
		}),
	)
	if err := tr.Start(context.Background()); err != nil {
		dl.abandon(d.ID, td)
		return nil, nil, &ConnectError{Server: d.ID, Kind: ErrConnectionUnreachable, Err: fmt.Errorf("spawning %s: %w", d.Command, err)}
	}

	capture.start(tr.Stderr())
	td.Push("stderr copier", func() error {
		capture.wait(stderrDrainWait)
		return nil
	})

	c := client.NewClient(tr)
	closeProcess := once(func() error { return stopProcess(c, kill) })
	td.Push("process", closeProcess)

	if err := dl.initialize(ctx, c); err != nil {
		// Give a crashing process the chance to flush stderr before its
		// pipes are closed, then read what it said.
		capture.wait(stderrDrainWait)
		if cerr := closeProcess(); cerr != nil {
			log.Printf("[ConnManager] Error stopping server '%s' after failed handshake: %v", d.ID, cerr)
		}
		capture.wait(stderrDrainWait)
		stderr := capture.tail(stderrTailBytes)
		dl.abandon(d.ID, td)
		return nil, nil, &ConnectError{Server: d.ID, Kind: ErrHandshakeFailed, Stderr: stderr, Err: err}
	}
	return c, td, nil
}

func (dl *dialer) initialize(ctx context.Context, c *client.Client) error {
	if dl.handshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dl.handshakeTimeout)
		defer cancel()
	}

	_, err := c.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			Capabilities:    mcp.ClientCapabilities{},
			ClientInfo:      dl.clientInfo,
		},
	})
	if err != nil {
		return fmt.Errorf("initializing: %w", err)
	}
	return nil
}

// stopProcess closes the client, which closes stdin and waits for the
// process to exit. A process still running after processStopGrace is killed.
func stopProcess(c *client.Client, kill context.CancelFunc) error {
	t := time.AfterFunc(processStopGrace, kill)
	defer t.Stop()
	return c.Close()
}

// abandon unwinds a partially built connection after a failed attempt.
func (dl *dialer) abandon(server string, td *Teardown) {
	if err := td.Close(); err != nil {
		log.Printf("[ConnManager] Error releasing failed connection to '%s': %v", server, err)
	}
}

// subprocessEnv layers the descriptor's variables over the parent environment.
func subprocessEnv(extra map[string]string) []string {
	env := os.Environ()
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

// stderrCapture copies a subprocess's stderr into a temporary file for the
// lifetime of the connection.
type stderrCapture struct {
	file *os.File
	done chan struct{}
}

func newStderrCapture(dir, server string) (*stderrCapture, error) {
	f, err := os.CreateTemp(dir, "toolsmith-"+safeName(server)+"-stderr-*.log")
	if err != nil {
		return nil, fmt.Errorf("creating stderr capture: %w", err)
	}
	return &stderrCapture{file: f, done: make(chan struct{})}, nil
}

func (s *stderrCapture) start(r io.Reader) {
	if r == nil {
		close(s.done)
		return
	}
	go func() {
		defer close(s.done)
		_, _ = io.Copy(s.file, r)
	}()
}

// wait blocks until the copier reaches EOF or the timeout passes.
func (s *stderrCapture) wait(timeout time.Duration) {
	select {
	case <-s.done:
	case <-time.After(timeout):
	}
}

func (s *stderrCapture) tail(limit int64) string {
	info, err := s.file.Stat()
	if err != nil {
		return ""
	}
	size := info.Size()
	off := int64(0)
	if size > limit {
		off = size - limit
	}
	buf := make([]byte, size-off)
	n, err := s.file.ReadAt(buf, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return ""
	}
	return strings.TrimSpace(string(buf[:n]))
}

func (s *stderrCapture) close() error {
	return errors.Join(s.file.Close(), os.Remove(s.file.Name()))
}

func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, s)
}
