package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/toolsmith/internal/server"
)

var portFlag int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Toolsmith API server",
	Long: `Start the Toolsmith HTTP server with REST API and WebSocket support.

Examples:
  toolsmith serve
  toolsmith serve --port 9090`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd.Context())
	if err != nil {
		return err
	}
	defer e.store.Close()

	list, err := e.registry.List(cmd.Context())
	if err != nil {
		return fmt.Errorf("listing tool servers: %w", err)
	}
	log.Printf("Tools: %d MCP servers registered", len(list))

	port := e.cfg.Server.Port
	if portFlag > 0 {
		port = portFlag
	}

	// The server closes the connection manager on shutdown.
	srv := server.New(e.cfg, e.store, e.conns)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		if err := srv.Shutdown(context.Background()); err != nil {
			log.Printf("Warning: shutdown: %v", err)
		}
	}()

	return srv.Start(port)
}
