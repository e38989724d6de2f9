package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"

	"github.com/michaelbrown/toolsmith/internal/llm"
)

const delegateToolName = "delegate"

const subAgentPrompt = `You are a sub-agent working on one task for another agent.
Use the available tools as needed and reply with a concise, complete answer to the task.`

// delegateArgs are the arguments of the delegate tool.
type delegateArgs struct {
	Task         string `json:"task" jsonschema_description:"Self-contained description of the subtask, including any context the sub-agent needs"`
	Instructions string `json:"instructions,omitempty" jsonschema_description:"Optional system prompt for the sub-agent"`
}

var (
	delegateOnce sync.Once
	delegateDef  llm.ToolDef
)

func delegateToolDef() llm.ToolDef {
	delegateOnce.Do(func() {
		r := &jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}
		data, err := json.Marshal(r.Reflect(&delegateArgs{}))
		if err != nil {
			panic(fmt.Sprintf("delegate schema: %v", err))
		}
		var params map[string]any
		if err := json.Unmarshal(data, &params); err != nil {
			panic(fmt.Sprintf("delegate schema: %v", err))
		}
		delete(params, "$schema")
		delete(params, "$id")

		delegateDef = llm.ToolDef{
			Name: delegateToolName,
			Description: "Hand a self-contained subtask to a sub-agent with a fresh conversation. " +
				"The sub-agent has the same tools and returns its final answer.",
			Parameters: params,
		}
	})
	return delegateDef
}

// delegate runs a nested agent loop on the same toolset, so its tool calls
// reuse the unit of work's connections.
func (r *runner) delegate(ctx context.Context, raw map[string]any, depth int) string {
	args, err := parseDelegateArgs(raw)
	if err != nil {
		return "error: " + err.Error()
	}

	prompt := subAgentPrompt
	if args.Instructions != "" {
		prompt = args.Instructions
	}
	history := []llm.Message{llm.SystemMessage(prompt), llm.UserMessage(args.Task)}

	final, _, err := r.loop(ctx, history, depth+1)
	if err != nil {
		return fmt.Sprintf("error: sub-agent failed: %s", err)
	}
	return final
}

func parseDelegateArgs(raw map[string]any) (delegateArgs, error) {
	var args delegateArgs
	data, err := json.Marshal(raw)
	if err != nil {
		return args, err
	}
	if err := json.Unmarshal(data, &args); err != nil {
		return args, fmt.Errorf("invalid delegate arguments: %w", err)
	}
	if args.Task == "" {
		return args, fmt.Errorf("'task' argument must be a non-empty string")
	}
	return args, nil
}
