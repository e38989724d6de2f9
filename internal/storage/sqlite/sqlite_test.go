package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/michaelbrown/toolsmith/internal/llm"
	"github.com/michaelbrown/toolsmith/internal/storage"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("opening memory db: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustCreate(t *testing.T, s *SQLiteStore, run *storage.Run) {
	t.Helper()
	if err := s.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("CreateRun(%s): %v", run.ID, err)
	}
}

func TestCreateAndGetRun(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	run := &storage.Run{
		ID:       "abc12345-0000-0000-0000-000000000000",
		Title:    "check probe",
		Status:   storage.StatusActive,
		Provider: "ollama",
		Model:    "qwen3:14b",
		Profile:  "default",
	}
	mustCreate(t, s, run)

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Title != "check probe" {
		t.Errorf("title = %q, want %q", got.Title, "check probe")
	}
	if got.Status != storage.StatusActive {
		t.Errorf("status = %q, want %q", got.Status, storage.StatusActive)
	}
	if got.Provider != "ollama" {
		t.Errorf("provider = %q, want %q", got.Provider, "ollama")
	}
	if got.CreatedAt.IsZero() {
		t.Error("created_at should not be zero")
	}
}

func TestGetRunByPrefix(t *testing.T) {
	s := testStore(t)
	run := &storage.Run{ID: "abc12345-0000-0000-0000-000000000000", Status: storage.StatusActive}
	mustCreate(t, s, run)

	got, err := s.GetRun(context.Background(), "abc12345")
	if err != nil {
		t.Fatalf("GetRun by prefix: %v", err)
	}
	if got.ID != run.ID {
		t.Errorf("got ID %q, want %q", got.ID, run.ID)
	}
}

func TestGetRunAmbiguousPrefix(t *testing.T) {
	s := testStore(t)
	mustCreate(t, s, &storage.Run{ID: "abc00000", Status: storage.StatusActive})
	mustCreate(t, s, &storage.Run{ID: "abc11111", Status: storage.StatusActive})

	_, err := s.GetRun(context.Background(), "abc")
	if err == nil {
		t.Fatal("expected error for ambiguous prefix")
	}
	if errors.Is(err, storage.ErrNotFound) {
		t.Error("ambiguous prefix should not report not found")
	}
}

func TestGetRunNotFound(t *testing.T) {
	s := testStore(t)
	_, err := s.GetRun(context.Background(), "zzz")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListRuns(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	mustCreate(t, s, &storage.Run{ID: "a1", Status: storage.StatusActive})
	mustCreate(t, s, &storage.Run{ID: "a2", Status: storage.StatusCompleted})
	mustCreate(t, s, &storage.Run{ID: "a3", Status: storage.StatusActive})

	all, err := s.ListRuns(ctx, storage.RunListOptions{})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("got %d runs, want 3", len(all))
	}

	active, err := s.ListRuns(ctx, storage.RunListOptions{Status: storage.StatusActive})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(active) != 2 {
		t.Errorf("got %d active runs, want 2", len(active))
	}

	limited, err := s.ListRuns(ctx, storage.RunListOptions{Limit: 2})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("got %d runs, want 2", len(limited))
	}
}

func TestUpdateRun(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	run := &storage.Run{ID: "upd1", Status: storage.StatusActive}
	mustCreate(t, s, run)

	run.Title = "updated title"
	run.Status = storage.StatusCompleted
	if err := s.UpdateRun(ctx, run); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}

	got, err := s.GetRun(ctx, "upd1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Title != "updated title" || got.Status != storage.StatusCompleted {
		t.Errorf("got %+v", got)
	}

	if err := s.UpdateRun(ctx, &storage.Run{ID: "missing", Status: storage.StatusFailed}); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("UpdateRun(missing) = %v, want ErrNotFound", err)
	}
}

func TestDeleteRun(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	mustCreate(t, s, &storage.Run{ID: "del1", Status: storage.StatusActive})
	if err := s.SaveMessages(ctx, "del1", []llm.Message{llm.UserMessage("hello")}); err != nil {
		t.Fatalf("SaveMessages: %v", err)
	}

	if err := s.DeleteRun(ctx, "del1"); err != nil {
		t.Fatalf("DeleteRun: %v", err)
	}
	if _, err := s.GetRun(ctx, "del1"); err == nil {
		t.Fatal("expected error after delete")
	}

	msgs, err := s.LoadMessages(ctx, "del1")
	if err != nil {
		t.Fatalf("LoadMessages after delete: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("expected no messages after delete, got %d", len(msgs))
	}
}

func TestSaveAndLoadMessages(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	mustCreate(t, s, &storage.Run{ID: "msg1", Status: storage.StatusActive})

	messages := []llm.Message{
		llm.SystemMessage("You are helpful."),
		llm.UserMessage("Which process serves the probe?"),
		{
			Role:    llm.RoleAssistant,
			Content: "Checking.",
			ToolCalls: []llm.ToolCall{
				{ID: "tc1", Name: "probe__whoami", Args: map[string]any{}},
			},
		},
		llm.ToolResultMessage("tc1", "pid=4242 cwd=/tmp session=none"),
		llm.AssistantMessage("pid 4242."),
	}
	if err := s.SaveMessages(ctx, "msg1", messages); err != nil {
		t.Fatalf("SaveMessages: %v", err)
	}

	// Overwrite keeps only the latest history.
	if err := s.SaveMessages(ctx, "msg1", messages[:4]); err != nil {
		t.Fatalf("SaveMessages: %v", err)
	}

	loaded, err := s.LoadMessages(ctx, "msg1")
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(loaded) != 4 {
		t.Fatalf("got %d messages, want 4", len(loaded))
	}
	if loaded[2].ToolCalls[0].Name != "probe__whoami" {
		t.Errorf("tool call name = %q", loaded[2].ToolCalls[0].Name)
	}
	if loaded[3].ToolCallID != "tc1" {
		t.Errorf("tool_call_id = %q, want tc1", loaded[3].ToolCallID)
	}
}

func TestLoadMessagesEmpty(t *testing.T) {
	s := testStore(t)
	msgs, err := s.LoadMessages(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if msgs != nil {
		t.Errorf("expected nil for nonexistent run, got %v", msgs)
	}
}

func TestToolServers(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	remote := &storage.ToolServer{
		Name:      "search",
		Transport: "network",
		URL:       "https://search.example/mcp",
		Headers:   map[string]string{"Authorization": "Bearer ${SEARCH_TOKEN}"},
		Enabled:   true,
	}
	local := &storage.ToolServer{
		Name:      "files",
		Transport: "subprocess",
		Command:   "files-mcp",
		Args:      []string{"--root", "/srv"},
		Env:       map[string]string{"LOG_LEVEL": "debug"},
		Dir:       "/srv",
	}
	for _, ts := range []*storage.ToolServer{remote, local} {
		if err := s.PutToolServer(ctx, ts); err != nil {
			t.Fatalf("PutToolServer(%s): %v", ts.Name, err)
		}
	}

	got, err := s.GetToolServer(ctx, "search")
	if err != nil {
		t.Fatalf("GetToolServer: %v", err)
	}
	if got.Headers["Authorization"] != "Bearer ${SEARCH_TOKEN}" || !got.Enabled {
		t.Errorf("got %+v", got)
	}

	list, err := s.ListToolServers(ctx)
	if err != nil {
		t.Fatalf("ListToolServers: %v", err)
	}
	if len(list) != 2 || list[0].Name != "files" || list[1].Name != "search" {
		t.Fatalf("unexpected list %+v", list)
	}
	if list[0].Enabled || len(list[0].Args) != 2 || list[0].Env["LOG_LEVEL"] != "debug" {
		t.Errorf("subprocess fields not preserved: %+v", list[0])
	}

	// Upsert replaces fields and keeps created_at.
	created := got.CreatedAt
	remote.URL = "https://search2.example/mcp"
	remote.CreatedAt = created
	if err := s.PutToolServer(ctx, remote); err != nil {
		t.Fatalf("PutToolServer update: %v", err)
	}
	got, _ = s.GetToolServer(ctx, "search")
	if got.URL != "https://search2.example/mcp" {
		t.Errorf("url = %q", got.URL)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("created_at changed: %v -> %v", created, got.CreatedAt)
	}

	if err := s.DeleteToolServer(ctx, "search"); err != nil {
		t.Fatalf("DeleteToolServer: %v", err)
	}
	if _, err := s.GetToolServer(ctx, "search"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetToolServer after delete = %v, want ErrNotFound", err)
	}
	if err := s.DeleteToolServer(ctx, "search"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second delete = %v, want ErrNotFound", err)
	}
}

func TestMigrationsReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "toolsmith.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	mustCreate(t, s, &storage.Run{ID: "keep", Status: storage.StatusActive})
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	var version int
	if err := s.db.QueryRow("SELECT version FROM schema_version").Scan(&version); err != nil {
		t.Fatalf("reading version: %v", err)
	}
	if version != len(migrations) {
		t.Errorf("schema version = %d, want %d", version, len(migrations))
	}
	if _, err := s.GetRun(context.Background(), "keep"); err != nil {
		t.Errorf("run lost across reopen: %v", err)
	}
}
