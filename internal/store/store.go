// Package store persists room metadata (creator identity, start/end
// timestamps) for operational introspection. The live media/routing
// state stays in-memory per spec Non-goals; this is purely a durable
// side record, grounded on the teacher's internal/store/store.go
// (modernc.org/sqlite, migration-on-open).
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrRoomNotFound is returned when no metadata row exists for a room.
var ErrRoomNotFound = errors.New("store: room not found")

// RoomRecord is one room's durable metadata.
type RoomRecord struct {
	RoomID      string
	CreatorID   string
	StartedAtMs int64
	EndedAtMs   int64 // 0 while the room is still active
}

// Store persists room lifecycle records in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at path and runs migrations.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("store: database path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("store: sqlite opened", "path", path)
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS rooms (
	room_id TEXT PRIMARY KEY,
	creator_id TEXT NOT NULL,
	started_at_unix_ms INTEGER NOT NULL,
	ended_at_unix_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_rooms_started ON rooms(started_at_unix_ms);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: run migrations: %w", err)
	}
	return nil
}

// RecordRoomStarted inserts a room's creation record. Safe to call
// more than once for the same room (idempotent via INSERT OR IGNORE),
// matching the room router's "creator does not change on subsequent
// joins" invariant.
func (s *Store) RecordRoomStarted(ctx context.Context, roomID, creatorID string, startedAtMs int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO rooms (room_id, creator_id, started_at_unix_ms) VALUES (?, ?, ?)`,
		roomID, creatorID, startedAtMs,
	)
	if err != nil {
		return fmt.Errorf("store: record room started: %w", err)
	}
	return nil
}

// RecordRoomEnded marks a room's end timestamp.
func (s *Store) RecordRoomEnded(ctx context.Context, roomID string, endedAtMs int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE rooms SET ended_at_unix_ms = ? WHERE room_id = ?`,
		endedAtMs, roomID,
	)
	if err != nil {
		return fmt.Errorf("store: record room ended: %w", err)
	}
	return nil
}

// GetRoom fetches one room's metadata.
func (s *Store) GetRoom(ctx context.Context, roomID string) (RoomRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT room_id, creator_id, started_at_unix_ms, ended_at_unix_ms FROM rooms WHERE room_id = ?`,
		roomID,
	)
	var rec RoomRecord
	if err := row.Scan(&rec.RoomID, &rec.CreatorID, &rec.StartedAtMs, &rec.EndedAtMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RoomRecord{}, ErrRoomNotFound
		}
		return RoomRecord{}, fmt.Errorf("store: get room: %w", err)
	}
	return rec, nil
}

// ListActiveRooms returns every room with no recorded end time,
// ordered by start time, for admin/introspection use.
func (s *Store) ListActiveRooms(ctx context.Context) ([]RoomRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT room_id, creator_id, started_at_unix_ms, ended_at_unix_ms FROM rooms WHERE ended_at_unix_ms = 0 ORDER BY started_at_unix_ms`,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list active rooms: %w", err)
	}
	defer rows.Close()

	var out []RoomRecord
	for rows.Next() {
		var rec RoomRecord
		if err := rows.Scan(&rec.RoomID, &rec.CreatorID, &rec.StartedAtMs, &rec.EndedAtMs); err != nil {
			return nil, fmt.Errorf("store: scan room: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Now is a seam so callers can stamp timestamps consistently; store
// itself never calls time.Now() to keep persistence deterministic
// given caller-supplied timestamps (matching the room router's
// caller-supplied nowMs convention).
var Now = func() int64 { return time.Now().UnixMilli() }
