package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jusunglee/pumpbot/internal/audit"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS security_events (
    id          BIGSERIAL PRIMARY KEY,
    kind        TEXT        NOT NULL,
    user_id     BIGINT      NOT NULL,
    reason      TEXT        NOT NULL DEFAULT '',
    threat      TEXT        NOT NULL DEFAULT '',
    occurred_at TIMESTAMPTZ NOT NULL,
    expires_at  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_security_events_user ON security_events (user_id, occurred_at);
CREATE INDEX IF NOT EXISTS idx_security_events_occurred ON security_events (occurred_at);
`

// Store implements audit.Store using PostgreSQL via pgx.
type Store struct {
	pool *pgxpool.Pool
}

var _ audit.Store = (*Store)(nil)

func New(ctx context.Context, databaseURL string) (*Store, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database URL: %w", err)
	}

	// The recorder is the only writer and admin reads are rare.
	config.MaxConns = 3
	config.MinConns = 1
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 30 * time.Second
	config.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Append(ctx context.Context, events []audit.Event) error {
	if len(events) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, ev := range events {
		batch.Queue(`
			INSERT INTO security_events (kind, user_id, reason, threat, occurred_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, string(ev.Kind), ev.UserID, ev.Reason, ev.Threat, ev.At, timestamptz(ev.ExpiresAt))
	}

	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("inserting %d audit events: %w", len(events), err)
	}
	return nil
}

func (s *Store) ListByUser(ctx context.Context, userID int64, limit int) ([]audit.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, kind, user_id, reason, threat, occurred_at, expires_at
		FROM security_events
		WHERE user_id = $1
		ORDER BY occurred_at DESC, id DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

func (s *Store) Recent(ctx context.Context, limit int) ([]audit.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, kind, user_id, reason, threat, occurred_at, expires_at
		FROM security_events
		ORDER BY occurred_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

func collectEvents(rows pgx.Rows) ([]audit.Event, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (audit.Event, error) {
		var (
			ev      audit.Event
			kind    string
			expires pgtype.Timestamptz
		)
		if err := row.Scan(&ev.ID, &kind, &ev.UserID, &ev.Reason, &ev.Threat, &ev.At, &expires); err != nil {
			return audit.Event{}, err
		}
		ev.Kind = audit.Kind(kind)
		if expires.Valid {
			ev.ExpiresAt = expires.Time
		}
		return ev, nil
	})
}

func timestamptz(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t, Valid: true}
}
