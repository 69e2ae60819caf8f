package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kingrea/grimoire/internal/state"

	_ "modernc.org/sqlite"
)

// SQLite writes events and traces to a single database file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating when needed) the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("audit: ensure dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	s, err := NewSQLite(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLite wraps an existing handle and migrates the schema.
func NewSQLite(db *sql.DB) (*SQLite, error) {
	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}
	return s, nil
}

// Close releases the database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS events (
		game_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		category TEXT NOT NULL,
		payload JSON,
		at TEXT,
		PRIMARY KEY (game_id, seq)
	);
	CREATE TABLE IF NOT EXISTS traces (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		game_id TEXT NOT NULL,
		iteration INTEGER NOT NULL,
		idx INTEGER NOT NULL,
		kind TEXT NOT NULL,
		detail TEXT,
		error TEXT,
		at TEXT
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLite) RecordEvent(ctx context.Context, gameID string, ev state.Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("audit: encode event %d: %w", ev.Seq, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO events (game_id, seq, category, payload, at) VALUES (?, ?, ?, ?, ?)`,
		gameID, ev.Seq, ev.Category, string(payload), ev.At.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("audit: insert event %d: %w", ev.Seq, err)
	}
	return nil
}

func (s *SQLite) RecordTrace(ctx context.Context, tr Trace) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO traces (game_id, iteration, idx, kind, detail, error, at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tr.GameID, tr.Iteration, tr.Index, tr.Kind, tr.Detail, tr.Error, tr.At.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("audit: insert trace: %w", err)
	}
	return nil
}

// Games lists game ids in the order their first event was written.
func (s *SQLite) Games(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT game_id FROM events GROUP BY game_id ORDER BY MIN(rowid)`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLite) Events(ctx context.Context, gameID string) ([]state.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, category, payload, at FROM events WHERE game_id = ? ORDER BY seq`, gameID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var events []state.Event
	for rows.Next() {
		var (
			ev      state.Event
			payload sql.NullString
			at      string
		)
		if err := rows.Scan(&ev.Seq, &ev.Category, &payload, &at); err != nil {
			return nil, err
		}
		if payload.Valid && payload.String != "" && payload.String != "null" {
			_ = json.Unmarshal([]byte(payload.String), &ev.Payload)
		}
		ev.At = parseTime(at)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *SQLite) Traces(ctx context.Context, gameID string) ([]Trace, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT iteration, idx, kind, detail, error, at FROM traces WHERE game_id = ? ORDER BY id`, gameID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var traces []Trace
	for rows.Next() {
		var (
			tr     = Trace{GameID: gameID}
			detail sql.NullString
			errStr sql.NullString
			at     string
		)
		if err := rows.Scan(&tr.Iteration, &tr.Index, &tr.Kind, &detail, &errStr, &at); err != nil {
			return nil, err
		}
		tr.Detail = detail.String
		tr.Error = errStr.String
		tr.At = parseTime(at)
		traces = append(traces, tr)
	}
	return traces, rows.Err()
}

func parseTime(value string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return t
}
