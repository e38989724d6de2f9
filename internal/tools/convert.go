package tools

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/michaelbrown/toolsmith/internal/llm"
)

// toolDef converts an MCP tool schema to the definition sent to the model.
func toolDef(t mcp.Tool) llm.ToolDef {
	var params map[string]any
	if len(t.RawInputSchema) > 0 {
		if err := json.Unmarshal(t.RawInputSchema, &params); err != nil {
			params = nil
		}
	}
	if params == nil {
		typ := t.InputSchema.Type
		if typ == "" {
			typ = "object"
		}
		params = map[string]any{"type": typ}
		if t.InputSchema.Properties != nil {
			params["properties"] = t.InputSchema.Properties
		}
		if len(t.InputSchema.Required) > 0 {
			params["required"] = t.InputSchema.Required
		}
	}
	return llm.ToolDef{
		Name:        t.Name,
		Description: t.Description,
		Parameters:  params,
	}
}

// ResultText flattens a tool result to text. Error results are prefixed
// with "error: " so the model can tell them apart.
func ResultText(res *mcp.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		switch c := c.(type) {
		case mcp.TextContent:
			parts = append(parts, c.Text)
		case mcp.ImageContent:
			parts = append(parts, fmt.Sprintf("[image %s]", c.MIMEType))
		case mcp.AudioContent:
			parts = append(parts, fmt.Sprintf("[audio %s]", c.MIMEType))
		case mcp.EmbeddedResource:
			if r, ok := c.Resource.(mcp.TextResourceContents); ok {
				parts = append(parts, r.Text)
			}
		}
	}

	text := strings.Join(parts, "\n")
	if res.IsError {
		return "error: " + text
	}
	return text
}
