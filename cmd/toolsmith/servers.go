package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/toolsmith/internal/mcpconn"
	"github.com/michaelbrown/toolsmith/internal/servers"
	"github.com/michaelbrown/toolsmith/internal/storage"
)

var (
	transportFlag string
	urlFlag       string
	protocolFlag  string
	headerFlags   map[string]string
	commandFlag   string
	argFlags      []string
	envFlags      map[string]string
	dirFlag       string
	disabledFlag  bool
)

var serversCmd = &cobra.Command{
	Use:     "servers",
	Aliases: []string{"server"},
	Short:   "Manage MCP tool servers",
}

var serversListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered tool servers",
	RunE:  runServersList,
}

var serversAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Register or replace a tool server",
	Long: `Register a tool server. Values may reference environment variables as
${NAME}; they are expanded each time the server is connected.

Examples:
  toolsmith servers add github --url https://mcp.example.com/mcp --header 'Authorization=Bearer ${GITHUB_TOKEN}'
  toolsmith servers add probe --transport subprocess --command toolsmith-probe`,
	Args: cobra.ExactArgs(1),
	RunE: runServersAdd,
}

var serversRemoveCmd = &cobra.Command{
	Use:     "remove <name>",
	Aliases: []string{"rm"},
	Short:   "Remove a tool server",
	Args:    cobra.ExactArgs(1),
	RunE:    runServersRemove,
}

var serversToolsCmd = &cobra.Command{
	Use:   "tools <name>",
	Short: "Connect to a server once and list its tools",
	Args:  cobra.ExactArgs(1),
	RunE:  runServersTools,
}

func init() {
	rootCmd.AddCommand(serversCmd)
	serversCmd.AddCommand(serversListCmd, serversAddCmd, serversRemoveCmd, serversToolsCmd)

	f := serversAddCmd.Flags()
	f.StringVar(&transportFlag, "transport", string(mcpconn.TransportNetwork), "Transport: network or subprocess")
	f.StringVar(&urlFlag, "url", "", "Endpoint URL (network)")
	f.StringVar(&protocolFlag, "protocol", "", "Protocol: streamable-http (default) or sse (network)")
	f.StringToStringVar(&headerFlags, "header", nil, "Request header as Name=value, repeatable (network)")
	f.StringVar(&commandFlag, "command", "", "Executable to launch (subprocess)")
	f.StringArrayVar(&argFlags, "arg", nil, "Argument, repeatable (subprocess)")
	f.StringToStringVar(&envFlags, "env", nil, "Environment variable as NAME=value, repeatable (subprocess)")
	f.StringVar(&dirFlag, "dir", "", "Working directory (subprocess)")
	f.BoolVar(&disabledFlag, "disabled", false, "Register without enabling")
}

func runServersList(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd.Context())
	if err != nil {
		return err
	}
	defer e.close()

	list, err := e.registry.List(cmd.Context())
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No tool servers registered.")
		return nil
	}

	fmt.Printf("%s %s %s %s\n", cell("NAME", 18), cell("TRANSPORT", 11), cell("ENABLED", 8), "TARGET")
	fmt.Println(strings.Repeat("─", 80))
	for _, ts := range list {
		ts = servers.Mask(ts)
		fmt.Printf("%s %s %s %s\n",
			cell(ts.Name, 18), cell(ts.Transport, 11), cell(fmt.Sprint(ts.Enabled), 8), truncate(target(ts), 60))
	}
	return nil
}

// target describes where a server lives, without secrets.
func target(ts storage.ToolServer) string {
	if ts.Transport == string(mcpconn.TransportSubprocess) {
		return strings.Join(append([]string{ts.Command}, ts.Args...), " ")
	}
	if ts.Protocol != "" {
		return ts.URL + " (" + ts.Protocol + ")"
	}
	return ts.URL
}

func runServersAdd(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd.Context())
	if err != nil {
		return err
	}
	defer e.close()

	ts := &storage.ToolServer{
		Name:      args[0],
		Transport: transportFlag,
		URL:       urlFlag,
		Protocol:  protocolFlag,
		Headers:   headerFlags,
		Command:   commandFlag,
		Args:      argFlags,
		Env:       envFlags,
		Dir:       dirFlag,
		Enabled:   !disabledFlag,
	}
	if existing, err := e.registry.Get(cmd.Context(), ts.Name); err == nil {
		ts.CreatedAt = existing.CreatedAt
	}
	if err := e.registry.Add(cmd.Context(), ts); err != nil {
		return err
	}
	fmt.Printf("Saved tool server %s\n", ts.Name)
	return nil
}

func runServersRemove(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd.Context())
	if err != nil {
		return err
	}
	defer e.close()

	if err := e.registry.Remove(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Removed tool server %s\n", args[0])
	return nil
}

func runServersTools(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.close()

	d, err := e.registry.Resolve(ctx, args[0])
	if err != nil {
		return err
	}

	return e.conns.Ephemeral(ctx, d, func(h *mcpconn.Handle) error {
		list, err := h.ListTools(ctx)
		if err != nil {
			return err
		}
		sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
		for _, t := range list {
			fmt.Printf("  %s %s\n", cell(t.Name, 28), truncate(t.Description, 70))
		}
		fmt.Printf("\n%d tools on %s\n", len(list), args[0])
		return nil
	})
}
