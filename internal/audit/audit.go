// Package audit records security decisions worth reviewing later: blocks,
// unblocks and rate-limit rejections. Events are handed over without
// blocking and written by a background consumer.
package audit

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by stores that have been closed.
var ErrClosed = errors.New("audit store closed")

type Kind string

const (
	KindBlocked     Kind = "blocked"
	KindUnblocked   Kind = "unblocked"
	KindExpired     Kind = "expired"
	KindRateLimited Kind = "rate_limited"
)

type Event struct {
	ID        int64
	Kind      Kind
	UserID    int64
	Reason    string
	Threat    string
	At        time.Time
	ExpiresAt time.Time
}

// Sink accepts events from latency-sensitive callers. Publish must return
// immediately.
type Sink interface {
	Publish(ev Event)
}

// Store persists events.
type Store interface {
	Append(ctx context.Context, events []Event) error
	ListByUser(ctx context.Context, userID int64, limit int) ([]Event, error)
	Recent(ctx context.Context, limit int) ([]Event, error)
	Close() error
}

type discard struct{}

func (discard) Publish(Event) {}

// Discard is a Sink that drops everything.
var Discard Sink = discard{}
