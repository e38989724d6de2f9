// Package probe builds a small MCP server that reports on its own process and
// session. It is used to check connection reuse by hand (cmd/tools/probe) and
// as the server side of integration tests.
package probe

import (
	"context"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Version is reported in the server's implementation info.
const Version = "0.1.0"

// NewServer returns an MCP server exposing echo, whoami and env.
func NewServer(name string) *server.MCPServer {
	s := server.NewMCPServer(name, Version)

	s.AddTool(mcp.Tool{
		Name:        "echo",
		Description: "Return the given text unchanged.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"text": map[string]any{
					"type":        "string",
					"description": "Text to echo back",
				},
			},
			Required: []string{"text"},
		},
	}, handleEcho)

	s.AddTool(mcp.Tool{
		Name:        "whoami",
		Description: "Report the server's process id, working directory and MCP session id. Two calls that report the same values were served by the same connection.",
		InputSchema: mcp.ToolInputSchema{Type: "object"},
	}, handleWhoami)

	s.AddTool(mcp.Tool{
		Name:        "env",
		Description: "Return the value of an environment variable in the server process.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"name": map[string]any{
					"type":        "string",
					"description": "Variable name",
				},
			},
			Required: []string{"name"},
		},
	}, handleEnv)

	return s
}

func handleEcho(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, ok := request.GetArguments()["text"].(string)
	if !ok {
		return errorResult("'text' argument must be a string"), nil
	}
	return mcp.NewToolResultText(text), nil
}

func handleWhoami(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cwd, _ := os.Getwd()
	session := "none"
	if cs := server.ClientSessionFromContext(ctx); cs != nil {
		session = cs.SessionID()
	}
	return mcp.NewToolResultText(fmt.Sprintf("pid=%d cwd=%s session=%s", os.Getpid(), cwd, session)), nil
}

func handleEnv(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, ok := request.GetArguments()["name"].(string)
	if !ok || name == "" {
		return errorResult("'name' argument must be a non-empty string"), nil
	}
	return mcp.NewToolResultText(os.Getenv(name)), nil
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: "error: " + msg}},
		IsError: true,
	}
}
