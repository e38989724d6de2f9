package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/michaelbrown/toolsmith/internal/llm"
	"github.com/michaelbrown/toolsmith/internal/storage"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements storage.Store backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ storage.Store = (*SQLiteStore)(nil)

// Open creates or opens a SQLite database at the given path and runs migrations.
// Use ":memory:" for an in-memory database (useful for testing).
func Open(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// Each connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

const runColumns = `id, title, status, provider, model, profile, created_at, updated_at`

func (s *SQLiteStore) CreateRun(ctx context.Context, run *storage.Run) error {
	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Title, run.Status, run.Provider, run.Model, run.Profile,
		formatTime(run.CreatedAt), formatTime(run.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO run_messages (run_id, messages) VALUES (?, '[]')`, run.ID); err != nil {
		return fmt.Errorf("inserting run messages: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*storage.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err == nil {
		return run, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("querying run: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id LIKE ? || '%' LIMIT 2`, id)
	if err != nil {
		return nil, fmt.Errorf("querying run: %w", err)
	}
	defer rows.Close()

	var matches []*storage.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("run %s: %w", id, storage.ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous run prefix %q", id)
	}
}

func (s *SQLiteStore) ListRuns(ctx context.Context, opts storage.RunListOptions) ([]storage.Run, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	var args []any
	if opts.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(opts.Status))
	}
	query += ` ORDER BY updated_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []storage.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, run *storage.Run) error {
	run.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET title = ?, status = ?, updated_at = ? WHERE id = ?`,
		run.Title, run.Status, formatTime(run.UpdatedAt), run.ID,
	)
	if err != nil {
		return fmt.Errorf("updating run: %w", err)
	}
	return requireAffected(res, "run "+run.ID)
}

func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	run, err := s.GetRun(ctx, id)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Messages first; foreign keys are only enforced per connection.
	if _, err := tx.ExecContext(ctx, `DELETE FROM run_messages WHERE run_id = ?`, run.ID); err != nil {
		return fmt.Errorf("deleting run messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, run.ID); err != nil {
		return fmt.Errorf("deleting run: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) SaveMessages(ctx context.Context, runID string, messages []llm.Message) error {
	data, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("marshaling messages: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO run_messages (run_id, messages, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET messages = excluded.messages, updated_at = excluded.updated_at`,
		runID, string(data), formatTime(time.Now().UTC()),
	)
	if err != nil {
		return fmt.Errorf("saving messages: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadMessages(ctx context.Context, runID string) ([]llm.Message, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT messages FROM run_messages WHERE run_id = ?`, runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading messages: %w", err)
	}

	var messages []llm.Message
	if err := json.Unmarshal([]byte(data), &messages); err != nil {
		return nil, fmt.Errorf("unmarshaling messages: %w", err)
	}
	return messages, nil
}

const toolServerColumns = `name, transport, url, protocol, headers, command, args, env, dir, enabled, created_at, updated_at`

func (s *SQLiteStore) PutToolServer(ctx context.Context, ts *storage.ToolServer) error {
	headers, err := marshalJSON(ts.Headers, "{}")
	if err != nil {
		return fmt.Errorf("marshaling headers: %w", err)
	}
	args, err := marshalJSON(ts.Args, "[]")
	if err != nil {
		return fmt.Errorf("marshaling args: %w", err)
	}
	env, err := marshalJSON(ts.Env, "{}")
	if err != nil {
		return fmt.Errorf("marshaling env: %w", err)
	}

	now := time.Now().UTC()
	if ts.CreatedAt.IsZero() {
		ts.CreatedAt = now
	}
	ts.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tool_servers (`+toolServerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			transport = excluded.transport, url = excluded.url, protocol = excluded.protocol,
			headers = excluded.headers, command = excluded.command, args = excluded.args,
			env = excluded.env, dir = excluded.dir, enabled = excluded.enabled,
			updated_at = excluded.updated_at`,
		ts.Name, ts.Transport, ts.URL, ts.Protocol, headers, ts.Command, args, env, ts.Dir,
		ts.Enabled, formatTime(ts.CreatedAt), formatTime(ts.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving tool server %s: %w", ts.Name, err)
	}
	return nil
}

func (s *SQLiteStore) GetToolServer(ctx context.Context, name string) (*storage.ToolServer, error) {
	ts, err := scanToolServer(s.db.QueryRowContext(ctx, `SELECT `+toolServerColumns+` FROM tool_servers WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tool server %s: %w", name, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying tool server: %w", err)
	}
	return ts, nil
}

func (s *SQLiteStore) ListToolServers(ctx context.Context) ([]storage.ToolServer, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+toolServerColumns+` FROM tool_servers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing tool servers: %w", err)
	}
	defer rows.Close()

	var out []storage.ToolServer
	for rows.Next() {
		ts, err := scanToolServer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ts)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteToolServer(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tool_servers WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("deleting tool server: %w", err)
	}
	return requireAffected(res, "tool server "+name)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*storage.Run, error) {
	var run storage.Run
	var createdAt, updatedAt string
	err := s.Scan(&run.ID, &run.Title, &run.Status, &run.Provider,
		&run.Model, &run.Profile, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	run.CreatedAt = parseTime(createdAt)
	run.UpdatedAt = parseTime(updatedAt)
	return &run, nil
}

func scanToolServer(s scanner) (*storage.ToolServer, error) {
	var ts storage.ToolServer
	var headers, args, env, createdAt, updatedAt string
	err := s.Scan(&ts.Name, &ts.Transport, &ts.URL, &ts.Protocol, &headers, &ts.Command,
		&args, &env, &ts.Dir, &ts.Enabled, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(headers), &ts.Headers); err != nil {
		return nil, fmt.Errorf("decoding headers of %s: %w", ts.Name, err)
	}
	if err := json.Unmarshal([]byte(args), &ts.Args); err != nil {
		return nil, fmt.Errorf("decoding args of %s: %w", ts.Name, err)
	}
	if err := json.Unmarshal([]byte(env), &ts.Env); err != nil {
		return nil, fmt.Errorf("decoding env of %s: %w", ts.Name, err)
	}
	ts.CreatedAt = parseTime(createdAt)
	ts.UpdatedAt = parseTime(updatedAt)
	return &ts, nil
}

func marshalJSON(v any, empty string) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(data) == "null" {
		return empty, nil
	}
	return string(data), nil
}

func requireAffected(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, storage.ErrNotFound)
	}
	return nil
}

func formatTime(t time.Time) string { return t.Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
