package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jusunglee/pumpbot/internal/audit"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Store implements audit.Store using SQLite. Times are stored as unix
// nanoseconds.
type Store struct {
	db     *sql.DB
	closed atomic.Bool
}

var _ audit.Store = (*Store)(nil)

// New opens (or creates) the database at dbPath and applies the schema.
func New(ctx context.Context, dbPath string) (*Store, error) {
	dbPath = strings.TrimPrefix(dbPath, "sqlite://")

	sqliteDB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite database: %w", err)
	}
	// A single connection keeps :memory: databases coherent and serializes
	// writers.
	sqliteDB.SetMaxOpenConns(1)

	if _, err := sqliteDB.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		sqliteDB.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	if _, err := sqliteDB.ExecContext(ctx, schemaSQL); err != nil {
		sqliteDB.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	return &Store{db: sqliteDB}, nil
}

func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Append(ctx context.Context, events []audit.Event) error {
	if s.closed.Load() {
		return audit.ErrClosed
	}
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO security_events (kind, user_id, reason, threat, occurred_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		var expires sql.NullInt64
		if !ev.ExpiresAt.IsZero() {
			expires = sql.NullInt64{Int64: ev.ExpiresAt.UnixNano(), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, string(ev.Kind), ev.UserID, ev.Reason, ev.Threat, ev.At.UnixNano(), expires); err != nil {
			return fmt.Errorf("inserting %s event for user %d: %w", ev.Kind, ev.UserID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing audit events: %w", err)
	}
	return nil
}

func (s *Store) ListByUser(ctx context.Context, userID int64, limit int) ([]audit.Event, error) {
	if s.closed.Load() {
		return nil, audit.ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, user_id, reason, threat, occurred_at, expires_at
		FROM security_events
		WHERE user_id = ?
		ORDER BY occurred_at DESC, id DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

func (s *Store) Recent(ctx context.Context, limit int) ([]audit.Event, error) {
	if s.closed.Load() {
		return nil, audit.ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, user_id, reason, threat, occurred_at, expires_at
		FROM security_events
		ORDER BY occurred_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]audit.Event, error) {
	var events []audit.Event
	for rows.Next() {
		var (
			ev       audit.Event
			kind     string
			occurred int64
			expires  sql.NullInt64
		)
		if err := rows.Scan(&ev.ID, &kind, &ev.UserID, &ev.Reason, &ev.Threat, &occurred, &expires); err != nil {
			return nil, err
		}
		ev.Kind = audit.Kind(kind)
		ev.At = time.Unix(0, occurred).UTC()
		if expires.Valid {
			ev.ExpiresAt = time.Unix(0, expires.Int64).UTC()
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
