// Package store persists scheduler and workspace snapshots plus a bounded
// event journal in a local sqlite database, so a process restart resumes
// mid-cycle instead of resetting to the initial phase.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"circadia/internal/attention"
	"circadia/internal/circadian"
	"circadia/internal/events"
	"circadia/internal/logging"
)

const schema = `
CREATE TABLE IF NOT EXISTS scheduler_snapshots (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	payload    TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS workspace_snapshots (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	payload    TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS event_journal (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id   TEXT NOT NULL,
	type       TEXT NOT NULL,
	payload    TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_event_journal_type ON event_journal(type);
`

// Store wraps the sqlite handle. Safe for concurrent use; database/sql
// serializes access.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	logging.Store("store: opened %s", path)
	return &Store{db: db, path: path}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	logging.Store("store: closed %s", s.path)
	return s.db.Close()
}

// SaveScheduler appends a scheduler snapshot.
func (s *Store) SaveScheduler(ctx context.Context, snap circadian.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding scheduler snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scheduler_snapshots (payload, created_at) VALUES (?, ?)`,
		string(payload), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("saving scheduler snapshot: %w", err)
	}
	logging.StoreDebug("store: scheduler snapshot saved (phase=%s)", snap.Phase)
	return nil
}

// LoadScheduler returns the most recent scheduler snapshot. The second
// return is false when none has been saved yet.
func (s *Store) LoadScheduler(ctx context.Context) (circadian.Snapshot, bool, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM scheduler_snapshots ORDER BY id DESC LIMIT 1`).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return circadian.Snapshot{}, false, nil
	}
	if err != nil {
		return circadian.Snapshot{}, false, fmt.Errorf("loading scheduler snapshot: %w", err)
	}
	var snap circadian.Snapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return circadian.Snapshot{}, false, fmt.Errorf("decoding scheduler snapshot: %w", err)
	}
	return snap, true, nil
}

// SaveWorkspace appends a workspace snapshot.
func (s *Store) SaveWorkspace(ctx context.Context, items []attention.ItemSnapshot) error {
	payload, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encoding workspace snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workspace_snapshots (payload, created_at) VALUES (?, ?)`,
		string(payload), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("saving workspace snapshot: %w", err)
	}
	logging.StoreDebug("store: workspace snapshot saved (%d items)", len(items))
	return nil
}

// LoadWorkspace returns the most recent workspace snapshot.
func (s *Store) LoadWorkspace(ctx context.Context) ([]attention.ItemSnapshot, bool, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM workspace_snapshots ORDER BY id DESC LIMIT 1`).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("loading workspace snapshot: %w", err)
	}
	var items []attention.ItemSnapshot
	if err := json.Unmarshal([]byte(payload), &items); err != nil {
		return nil, false, fmt.Errorf("decoding workspace snapshot: %w", err)
	}
	return items, true, nil
}

// AppendEvent journals one event.
func (s *Store) AppendEvent(ctx context.Context, ev events.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO event_journal (event_id, type, payload, created_at) VALUES (?, ?, ?, ?)`,
		ev.ID, string(ev.Type), string(payload), ev.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("journaling event: %w", err)
	}
	return nil
}

// RecentEvents returns up to limit journal entries, newest first.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]events.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM event_journal ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("reading event journal: %w", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		var ev events.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			logging.StoreError("store: corrupt journal entry skipped: %v", err)
			continue
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// PruneEvents keeps only the newest keep journal entries.
func (s *Store) PruneEvents(ctx context.Context, keep int) error {
	if keep < 0 {
		keep = 0
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM event_journal WHERE id NOT IN (
			SELECT id FROM event_journal ORDER BY id DESC LIMIT ?)`, keep)
	if err != nil {
		return fmt.Errorf("pruning event journal: %w", err)
	}
	return nil
}
