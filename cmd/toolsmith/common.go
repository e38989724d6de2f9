package main

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/michaelbrown/toolsmith/internal/config"
	"github.com/michaelbrown/toolsmith/internal/mcpconn"
	"github.com/michaelbrown/toolsmith/internal/servers"
	"github.com/michaelbrown/toolsmith/internal/storage"
	"github.com/michaelbrown/toolsmith/internal/storage/sqlite"
)

func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configFlag != "" {
		cfg, err = config.LoadFile(configFlag)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// env is what every command that talks to tool servers needs.
type env struct {
	cfg      *config.Config
	store    storage.Store
	registry *servers.Registry
	conns    *mcpconn.Manager
}

// openEnv loads config, opens storage and syncs config-defined servers into
// the registry. Call close when done.
func openEnv(ctx context.Context) (*env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	store, err := sqlite.Open(cfg.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	registry := servers.NewRegistry(store)
	if err := registry.Sync(ctx, cfg.Servers); err != nil {
		log.Printf("Warning: syncing tool servers from config: %v", err)
	}

	return &env{
		cfg:      cfg,
		store:    store,
		registry: registry,
		conns:    mcpconn.NewManager(cfg.ManagerOptions()...),
	}, nil
}

func (e *env) close() {
	if err := e.conns.Close(); err != nil {
		log.Printf("Warning: closing tool server connections: %v", err)
	}
	e.store.Close()
}

// cell fits s into a column of the given display width.
func cell(s string, width int) string {
	return runewidth.FillRight(runewidth.Truncate(s, width, ".."), width)
}

func truncate(s string, maxLen int) string {
	return runewidth.Truncate(strings.TrimSpace(s), maxLen, "...")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
