package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/toolsmith/internal/llm"
	"github.com/michaelbrown/toolsmith/internal/storage"
	"github.com/michaelbrown/toolsmith/internal/storage/sqlite"
)

var (
	statusFilter string
	limitFlag    int
	exportFormat string
	exportOutput string
	forceFlag    bool
)

var runsCmd = &cobra.Command{
	Use:     "runs",
	Aliases: []string{"run", "r"},
	Short:   "Manage agent runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved runs",
	RunE:  runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show run details and messages",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

var runsResumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Continue a previous run in chat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resumeID = args[0]
		return runChat(cmd, args)
	},
}

var runsDeleteCmd = &cobra.Command{
	Use:   "delete <run-id>",
	Short: "Delete a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsDelete,
}

var runsExportCmd = &cobra.Command{
	Use:   "export <run-id>",
	Short: "Export a run as markdown, JSON or HTML",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsExport,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd, runsShowCmd, runsResumeCmd, runsDeleteCmd, runsExportCmd)

	runsListCmd.Flags().StringVar(&statusFilter, "status", "", "Filter by status (active, running, completed, failed)")
	runsListCmd.Flags().IntVar(&limitFlag, "limit", 20, "Max runs to show")

	runsExportCmd.Flags().StringVar(&exportFormat, "format", "md", "Export format: md, json or html")
	runsExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default: stdout)")

	runsDeleteCmd.Flags().BoolVar(&forceFlag, "force", false, "Skip confirmation")
}

func openStore() (storage.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return sqlite.Open(cfg.Storage.DBPath)
}

func runRunsList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.ListRuns(cmd.Context(), storage.RunListOptions{
		Status: storage.RunStatus(statusFilter),
		Limit:  limitFlag,
	})
	if err != nil {
		return err
	}

	if len(runs) == 0 {
		fmt.Println("No runs found.")
		return nil
	}

	fmt.Printf("%s %s %s %s %s\n", cell("ID", 10), cell("STATUS", 12), cell("TITLE", 40), cell("MODEL", 15), "UPDATED")
	fmt.Println(strings.Repeat("─", 95))

	for _, r := range runs {
		title := r.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Printf("%s %s %s %s %s\n",
			cell(shortID(r.ID), 10), cell(string(r.Status), 12), cell(title, 40), cell(r.Model, 15), timeAgo(r.UpdatedAt))
	}

	return nil
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	run, err := store.GetRun(ctx, args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Run:      %s\n", run.ID)
	fmt.Printf("Title:    %s\n", run.Title)
	fmt.Printf("Status:   %s\n", run.Status)
	fmt.Printf("Provider: %s\n", run.Provider)
	fmt.Printf("Model:    %s\n", run.Model)
	if run.Profile != "" {
		fmt.Printf("Profile:  %s\n", run.Profile)
	}
	fmt.Printf("Created:  %s\n", run.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Updated:  %s\n", run.UpdatedAt.Format(time.RFC3339))

	messages, err := store.LoadMessages(ctx, run.ID)
	if err != nil {
		return err
	}

	fmt.Printf("\nMessages: %d\n", len(messages))
	fmt.Println(strings.Repeat("─", 60))

	for _, m := range messages {
		switch m.Role {
		case llm.RoleSystem:
			continue
		case llm.RoleUser:
			fmt.Printf("\n\033[36myou>\033[0m %s\n", truncate(m.Content, 200))
		case llm.RoleAssistant:
			if m.Content != "" {
				fmt.Printf("\n\033[32mtoolsmith>\033[0m %s\n", truncate(m.Content, 200))
			}
			for _, tc := range m.ToolCalls {
				fmt.Printf("  \033[33m⚡ %s\033[0m\n", tc.Name)
			}
		case llm.RoleTool:
			fmt.Printf("  \033[90m│ %s\033[0m\n", truncate(m.Content, 100))
		}
	}

	return nil
}

func runRunsDelete(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	run, err := store.GetRun(ctx, args[0])
	if err != nil {
		return err
	}

	if !forceFlag {
		title := run.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Printf("Delete run %s - %q? [y/N] ", shortID(run.ID), title)
		var confirm string
		fmt.Scanln(&confirm)
		if strings.ToLower(confirm) != "y" {
			fmt.Println("Cancelled.")
			return nil
		}
	}

	if err := store.DeleteRun(ctx, run.ID); err != nil {
		return err
	}
	fmt.Printf("Deleted run %s\n", shortID(run.ID))
	return nil
}

func runRunsExport(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	output, err := exportRun(cmd.Context(), store, args[0], exportFormat)
	if err != nil {
		return err
	}

	if exportOutput != "" {
		return os.WriteFile(exportOutput, output, 0o644)
	}

	_, err = os.Stdout.Write(output)
	return err
}

func exportRun(ctx context.Context, store storage.Store, id, format string) ([]byte, error) {
	run, err := store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	messages, err := store.LoadMessages(ctx, run.ID)
	if err != nil {
		return nil, err
	}

	switch format {
	case "json":
		return storage.ExportJSON(run, messages)
	case "html":
		return storage.ExportHTML(run, messages)
	case "md", "markdown":
		return []byte(storage.ExportMarkdown(run, messages)), nil
	default:
		return nil, fmt.Errorf("unknown export format %q (use md, json or html)", format)
	}
}
