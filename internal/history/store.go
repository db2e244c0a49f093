// Package history keeps an append-only journal of sessions: what command
// ran, when, and how it ended. It is an audit trail consulted by the status
// API; sessions are never restored from it.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/g960059/termgram/internal/model"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) InsertEntry(ctx context.Context, entry model.JournalEntry) error {
	if entry.StartedAt.IsZero() {
		entry.StartedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO journal(entry_id, session_id, command, request_id, started_at, done_at, terminated)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, entry.EntryID, entry.SessionID, entry.Command, entry.RequestID, ts(entry.StartedAt), nullableTS(entry.DoneAt), boolToInt(entry.Terminated))
	if err != nil {
		return fmt.Errorf("insert journal entry: %w", err)
	}
	return nil
}

// MarkDone closes the newest open journal row for sessionID.
func (s *Store) MarkDone(ctx context.Context, sessionID int, doneAt time.Time, terminated bool) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE journal SET done_at = ?, terminated = ?
WHERE entry_id = (
	SELECT entry_id FROM journal
	WHERE session_id = ? AND done_at IS NULL
	ORDER BY started_at DESC LIMIT 1
)
`, ts(doneAt), boolToInt(terminated), sessionID)
	if err != nil {
		return fmt.Errorf("mark journal done: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark journal done rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRecent returns the newest entries first, at most limit rows.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]model.JournalEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT entry_id, session_id, command, request_id, started_at, done_at, terminated
FROM journal
ORDER BY started_at DESC, entry_id DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list journal: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.JournalEntry
	for rows.Next() {
		var entry model.JournalEntry
		var startedAt string
		var doneAt sql.NullString
		var terminated int
		if err := rows.Scan(&entry.EntryID, &entry.SessionID, &entry.Command, &entry.RequestID, &startedAt, &doneAt, &terminated); err != nil {
			return nil, fmt.Errorf("scan journal row: %w", err)
		}
		entry.StartedAt, err = parseTS(startedAt)
		if err != nil {
			return nil, err
		}
		if doneAt.Valid {
			t, err := parseTS(doneAt.String)
			if err != nil {
				return nil, err
			}
			entry.DoneAt = &t
		}
		entry.Terminated = terminated != 0
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate journal rows: %w", err)
	}
	return out, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullableTS(v *time.Time) any {
	if v == nil {
		return nil
	}
	return ts(*v)
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse journal timestamp %q: %w", v, err)
	}
	return t, nil
}
