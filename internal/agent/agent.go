package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/michaelbrown/toolsmith/internal/llm"
	"github.com/michaelbrown/toolsmith/internal/mcpconn"
	"github.com/michaelbrown/toolsmith/internal/tools"
)

const defaultSystemPrompt = `You are Toolsmith, a helpful AI assistant with access to tools.
When you need information or need to act on a system, use the available tools.
Explain what you are doing. After using a tool, interpret the results for the user.`

// ToolOpener opens the tools available to one unit of work.
type ToolOpener interface {
	Open(ctx context.Context, scope string) (*tools.Toolset, error)
}

// Agent holds a conversation and runs the ReAct loop. Each call to Run or
// RunStreaming is one unit of work: it gets a fresh connection scope that
// is released when the call returns.
type Agent struct {
	llm        llm.Client
	utilityLLM llm.Client // optional, for summaries
	tools      ToolOpener
	history    []llm.Message
	allow      []string // tool name globs; empty allows all
	maxIter    int
	maxDepth   int
	maxTokens  int

	OnToolCall   func(name string, args map[string]any)
	OnToolResult func(name string, result string)
	OnTextDelta  func(delta string)
	OnScope      func(scope string)
}

const (
	defaultMaxTokens = 6000
	defaultMaxDepth  = 2
)

// New creates an Agent. tools may be nil for an agent without tools.
func New(client llm.Client, tools ToolOpener, maxIterations int) *Agent {
	return &Agent{
		llm:       client,
		tools:     tools,
		maxIter:   maxIterations,
		maxDepth:  defaultMaxDepth,
		maxTokens: defaultMaxTokens,
		history:   []llm.Message{llm.SystemMessage(defaultSystemPrompt)},
	}
}

// SetSystemPrompt overrides the default system prompt.
func (a *Agent) SetSystemPrompt(prompt string) {
	if prompt != "" {
		a.history[0] = llm.SystemMessage(prompt)
	}
}

// FilterTools restricts the offered tools to names matching any of the
// glob patterns, e.g. "github_*" or "read_{file,dir}".
func (a *Agent) FilterTools(patterns []string) error {
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("invalid tool pattern %q", p)
		}
	}
	a.allow = patterns
	return nil
}

// SetMaxDelegationDepth bounds how deep delegate calls may nest. Zero
// disables delegation.
func (a *Agent) SetMaxDelegationDepth(depth int) {
	if depth >= 0 {
		a.maxDepth = depth
	}
}

// SetMaxTokens sets the history budget before older turns are summarized.
func (a *Agent) SetMaxTokens(maxTokens int) {
	if maxTokens > 0 {
		a.maxTokens = maxTokens
	}
}

// SetUtilityLLM sets a lightweight client for summaries.
func (a *Agent) SetUtilityLLM(client llm.Client) {
	a.utilityLLM = client
}

// SetClient swaps the conversation client.
func (a *Agent) SetClient(client llm.Client) {
	a.llm = client
}

// Run sends a user message and executes the full ReAct loop, returning the
// final assistant text.
func (a *Agent) Run(ctx context.Context, userMessage string) (string, error) {
	return a.invoke(ctx, userMessage, false)
}

// RunStreaming is like Run but streams text through OnTextDelta.
func (a *Agent) RunStreaming(ctx context.Context, userMessage string) (string, error) {
	return a.invoke(ctx, userMessage, true)
}

func (a *Agent) invoke(ctx context.Context, userMessage string, stream bool) (string, error) {
	scope := mcpconn.NewScope()
	if a.OnScope != nil {
		a.OnScope(scope)
	}

	var ts *tools.Toolset
	if a.tools != nil {
		var err error
		ts, err = a.tools.Open(ctx, scope)
		if err != nil {
			return "", fmt.Errorf("opening tools: %w", err)
		}
		defer func() {
			if err := ts.Close(); err != nil {
				log.Printf("Warning: releasing scope %s: %v", scope, err)
			}
		}()
	}

	a.compactHistory(ctx)
	a.history = append(a.history, llm.UserMessage(userMessage))

	r := &runner{agent: a, toolset: ts, stream: stream}
	final, history, err := r.loop(ctx, a.history, 0)
	a.history = history
	return final, err
}

// runner executes one unit of work. Nested delegate calls share it, and
// with it the unit's toolset and connection scope.
type runner struct {
	agent   *Agent
	toolset *tools.Toolset
	stream  bool
}

func (r *runner) loop(ctx context.Context, history []llm.Message, depth int) (string, []llm.Message, error) {
	a := r.agent
	defs := r.toolDefs(depth)

	for i := 0; i < a.maxIter; i++ {
		var (
			resp *llm.Response
			err  error
		)
		// Only the top level streams; nested output is returned as a tool result.
		if r.stream && depth == 0 {
			resp, err = a.llm.ChatCompletionStream(ctx, history, defs, a.OnTextDelta)
		} else {
			resp, err = a.llm.ChatCompletion(ctx, history, defs)
		}
		if err != nil {
			return "", history, fmt.Errorf("llm call (iteration %d): %w", i+1, err)
		}

		history = append(history, resp.Message)
		if len(resp.Message.ToolCalls) == 0 {
			return resp.Message.Content, history, nil
		}

		results := r.execute(ctx, resp.Message.ToolCalls, depth)
		for j, tc := range resp.Message.ToolCalls {
			history = append(history, llm.ToolResultMessage(tc.ID, results[j]))
		}
	}

	return "", history, fmt.Errorf("agent reached max iterations (%d) without a final response", a.maxIter)
}

// execute runs one turn's tool calls concurrently. Results are returned in
// call order.
func (r *runner) execute(ctx context.Context, calls []llm.ToolCall, depth int) []string {
	a := r.agent
	if a.OnToolCall != nil {
		for _, tc := range calls {
			a.OnToolCall(tc.Name, tc.Args)
		}
	}

	results := make([]string, len(calls))
	var wg sync.WaitGroup
	for i, tc := range calls {
		wg.Add(1)
		go func(i int, tc llm.ToolCall) {
			defer wg.Done()
			results[i] = r.executeTool(ctx, tc, depth)
		}(i, tc)
	}
	wg.Wait()

	if a.OnToolResult != nil {
		for i, tc := range calls {
			a.OnToolResult(tc.Name, results[i])
		}
	}
	return results
}

func (r *runner) executeTool(ctx context.Context, tc llm.ToolCall, depth int) string {
	if !r.agent.allowed(tc.Name) {
		return fmt.Sprintf("error: tool %q is not available", tc.Name)
	}
	if tc.Name == delegateToolName {
		if depth >= r.agent.maxDepth {
			return "error: delegation depth limit reached"
		}
		return r.delegate(ctx, tc.Args, depth)
	}
	if r.toolset == nil {
		return fmt.Sprintf("error: unknown tool %q", tc.Name)
	}

	result, err := r.toolset.Call(ctx, tc.Name, tc.Args)
	if err != nil {
		return fmt.Sprintf("error: %s", err)
	}
	return result
}

func (r *runner) toolDefs(depth int) []llm.ToolDef {
	a := r.agent
	var defs []llm.ToolDef
	if r.toolset != nil {
		for _, d := range r.toolset.Defs() {
			if a.allowed(d.Name) {
				defs = append(defs, d)
			}
		}
	}
	if depth < a.maxDepth && a.allowed(delegateToolName) {
		defs = append(defs, delegateToolDef())
	}
	return defs
}

func (a *Agent) allowed(name string) bool {
	if len(a.allow) == 0 {
		return true
	}
	for _, p := range a.allow {
		if ok, _ := doublestar.Match(p, name); ok {
			return true
		}
	}
	return false
}

// History returns the conversation history.
func (a *Agent) History() []llm.Message {
	return a.history
}

// HistoryJSON returns the conversation as formatted JSON.
func (a *Agent) HistoryJSON() string {
	data, _ := json.MarshalIndent(a.history, "", "  ")
	return string(data)
}

// SetHistory replaces the conversation history, e.g. when resuming a run.
func (a *Agent) SetHistory(messages []llm.Message) {
	if len(messages) == 0 {
		return
	}
	a.history = messages
}

// Reset clears the conversation, keeping the system prompt.
func (a *Agent) Reset() {
	a.history = a.history[:1]
}

func (a *Agent) String() string {
	return fmt.Sprintf("Agent(history=%d messages, maxIter=%d, maxDepth=%d)",
		len(a.history), a.maxIter, a.maxDepth)
}

// FormatToolCall returns a human-readable string for a tool call.
func FormatToolCall(name string, args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, args[k])
	}
	return fmt.Sprintf("%s(%s)", name, strings.Join(parts, ", "))
}
