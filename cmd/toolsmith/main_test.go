package main

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mattn/go-runewidth"

	"github.com/michaelbrown/toolsmith/internal/llm"
	"github.com/michaelbrown/toolsmith/internal/storage"
	"github.com/michaelbrown/toolsmith/internal/storage/sqlite"
)

func TestExportRun(t *testing.T) {
	store, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	ctx := context.Background()
	run := &storage.Run{ID: "abcdef12-0000", Title: "Probe", Status: storage.StatusCompleted, Provider: "local", Model: "m"}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	msgs := []llm.Message{
		{Role: llm.RoleUser, Content: "who are you?"},
		{Role: llm.RoleAssistant, Content: "a **probe**"},
	}
	if err := store.SaveMessages(ctx, run.ID, msgs); err != nil {
		t.Fatal(err)
	}

	md, err := exportRun(ctx, store, "abcdef12", "md")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(md), "who are you?") {
		t.Errorf("markdown export missing user message:\n%s", md)
	}

	js, err := exportRun(ctx, store, "abcdef12", "json")
	if err != nil {
		t.Fatal(err)
	}
	if !json.Valid(js) {
		t.Errorf("json export is not valid JSON: %s", js)
	}

	html, err := exportRun(ctx, store, "abcdef12", "html")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(html), "<strong>probe</strong>") {
		t.Errorf("html export did not render markdown:\n%s", html)
	}

	if _, err := exportRun(ctx, store, "abcdef12", "pdf"); err == nil {
		t.Error("expected error for unknown format")
	}
	if _, err := exportRun(ctx, store, "zzz", "md"); err == nil {
		t.Error("expected error for unknown run")
	}
}

func TestCell(t *testing.T) {
	tests := []struct {
		in    string
		width int
	}{
		{"short", 10},
		{"a-very-long-server-name", 10},
		{"日本語のサーバー名", 10},
	}
	for _, tt := range tests {
		got := cell(tt.in, tt.width)
		if w := runewidth.StringWidth(got); w != tt.width {
			t.Errorf("cell(%q, %d) has width %d: %q", tt.in, tt.width, w, got)
		}
	}
}

func TestTarget(t *testing.T) {
	sub := storage.ToolServer{Transport: "subprocess", Command: "toolsmith-probe", Args: []string{"--verbose"}}
	if got := target(sub); got != "toolsmith-probe --verbose" {
		t.Errorf("target(subprocess) = %q", got)
	}
	net := storage.ToolServer{Transport: "network", URL: "https://x/mcp", Protocol: "sse"}
	if got := target(net); got != "https://x/mcp (sse)" {
		t.Errorf("target(network) = %q", got)
	}
}
