package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	providerFlag string
	modelFlag    string
	profileFlag  string
	configFlag   string
)

var rootCmd = &cobra.Command{
	Use:   "toolsmith",
	Short: "Toolsmith - agent runner with scoped MCP tool connections",
	Long: `Toolsmith runs LLM agents against MCP tool servers.

Each agent run gets its own connection scope: servers are connected on first
use, reused for the rest of the run, and torn down when the run ends.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&providerFlag, "provider", "", "LLM provider name from the config")
	rootCmd.PersistentFlags().StringVar(&modelFlag, "model", "", "Model to use (overrides config)")
	rootCmd.PersistentFlags().StringVar(&profileFlag, "profile", "", "Agent profile to use (e.g. default, researcher)")
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default: ./toolsmith.yaml or ~/.toolsmith/toolsmith.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
