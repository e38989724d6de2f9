package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/michaelbrown/toolsmith/internal/llm"
)

const (
	summaryMarker   = "[Prior conversation summary]"
	maxSummaryChars = 4000
	fallbackKeep    = 10
)

// estimateTokens approximates a message's size at four characters per token.
func estimateTokens(m llm.Message) int {
	n := len(m.Content)
	for _, tc := range m.ToolCalls {
		n += len(tc.Name)
		if args, err := json.Marshal(tc.Args); err == nil {
			n += len(args)
		}
	}
	return max(n/4, 1)
}

func estimateHistoryTokens(messages []llm.Message) int {
	total := 0
	for _, m := range messages {
		total += estimateTokens(m)
	}
	return total
}

// splitPoint returns the index where the recent part of history begins:
// the latest user message such that everything from it on fits in budget.
// It returns len(messages) when nothing should be summarized. Index 0, the
// system prompt, is never part of either side.
func splitPoint(messages []llm.Message, budget int) int {
	used := 0
	split := len(messages)
	for i := len(messages) - 1; i >= 1; i-- {
		used += estimateTokens(messages[i])
		if used > budget {
			break
		}
		if messages[i].Role == llm.RoleUser {
			split = i
		}
	}
	if used <= budget {
		// Everything fits.
		return len(messages)
	}
	if split == len(messages) {
		// The latest exchange alone exceeds the budget; keep it from its user message.
		for i := len(messages) - 1; i >= 1; i-- {
			if messages[i].Role == llm.RoleUser {
				split = i
				break
			}
		}
	}
	if split <= 1 {
		return len(messages)
	}
	return split
}

// compactHistory summarizes older turns once the history exceeds the token
// budget. When summarizing fails it falls back to keeping the latest messages.
func (a *Agent) compactHistory(ctx context.Context) {
	if estimateHistoryTokens(a.history) <= a.maxTokens {
		return
	}
	split := splitPoint(a.history, a.maxTokens*60/100)
	if split >= len(a.history) {
		return
	}

	summarizer := a.llm
	if a.utilityLLM != nil {
		summarizer = a.utilityLLM
	}
	summary, err := summarize(ctx, summarizer, a.history[1:split])
	if err != nil {
		a.trimHistory(fallbackKeep)
		return
	}

	compacted := make([]llm.Message, 0, 2+len(a.history)-split)
	compacted = append(compacted, a.history[0], llm.SystemMessage(summaryMarker+"\n"+summary))
	compacted = append(compacted, a.history[split:]...)
	a.history = compacted
}

// trimHistory keeps the system prompt and the last keep messages, starting
// at a user message so no tool result loses its call.
func (a *Agent) trimHistory(keep int) {
	if len(a.history) <= keep+1 {
		return
	}
	start := len(a.history) - keep
	for start < len(a.history) && a.history[start].Role != llm.RoleUser {
		start++
	}
	a.history = append([]llm.Message{a.history[0]}, a.history[start:]...)
}

func summarize(ctx context.Context, client llm.Client, messages []llm.Message) (string, error) {
	var b strings.Builder
	for _, m := range messages {
		label := string(m.Role)
		if m.ToolCallID != "" {
			label = "tool_result(" + m.ToolCallID + ")"
		}
		fmt.Fprintf(&b, "[%s]: %s", label, m.Content)
		for _, tc := range m.ToolCalls {
			args, _ := json.Marshal(tc.Args)
			fmt.Fprintf(&b, "\n[tool_call: %s(%s)]", tc.Name, args)
		}
		b.WriteByte('\n')
	}

	resp, err := client.ChatCompletion(ctx, []llm.Message{
		llm.SystemMessage("Summarize the following conversation excerpt. Keep facts, decisions and tool results " +
			"that may matter later. Output only the summary."),
		llm.UserMessage(b.String()),
	}, nil)
	if err != nil {
		return "", fmt.Errorf("summarizing history: %w", err)
	}

	summary := resp.Message.Content
	if len(summary) > maxSummaryChars {
		summary = summary[:maxSummaryChars] + "\n... (summary truncated)"
	}
	return summary, nil
}
