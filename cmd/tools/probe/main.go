// Command toolsmith-probe is a stdio MCP server for checking connection reuse.
//
// Register it as a subprocess server and call its whoami tool from two tool
// calls in the same run: the reported pid is identical. Separate runs report
// different pids.
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/michaelbrown/toolsmith/internal/probe"
)

func main() {
	if err := server.ServeStdio(probe.NewServer("toolsmith-probe")); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}
