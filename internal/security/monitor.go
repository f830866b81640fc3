// Package security decides, for every inbound chat interaction, whether the
// user may be served. It combines per-action sliding window limits, an
// activity tracker, username and frequency heuristics and a block-list.
package security

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jusunglee/pumpbot/internal/audit"
	"github.com/jusunglee/pumpbot/internal/metrics"
	"github.com/jusunglee/pumpbot/internal/ratelimit"
)

type userRecord struct {
	block      *BlockEntry
	violations []time.Time
	lastSeen   time.Time
	// flagged is set once the classifier has flagged the user.
	flagged bool
}

type shard struct {
	mu    sync.RWMutex
	users map[int64]*userRecord
}

type stats struct {
	startedAt    time.Time
	totalEvents  atomic.Int64
	totalBlocked atomic.Int64
	denied       atomic.Int64
	violations   atomic.Int64
	suspicious   atomic.Int64
	// perAction is built once and only its values change.
	perAction map[Action]*atomic.Int64
}

// Monitor is the single entry point for evaluating user events. Per-user
// state is striped across shards by user id: one event holds only its
// user's shard lock, and the sweep visits shards one at a time.
type Monitor struct {
	cfg        Config
	log        *slog.Logger
	clock      Clock
	sink       audit.Sink
	metrics    *metrics.Security
	limiter    *ratelimit.Limiter
	tracker    *ActivityTracker
	classifier *Classifier
	shards     []*shard
	stats      stats

	// sweepHook runs before each shard is swept. Tests use it to inject
	// failures.
	sweepHook func(shard int)
}

type Option func(*Monitor)

func WithClock(c Clock) Option {
	return func(m *Monitor) { m.clock = c }
}

func WithAuditSink(s audit.Sink) Option {
	return func(m *Monitor) { m.sink = s }
}

func WithMetrics(s *metrics.Security) Option {
	return func(m *Monitor) { m.metrics = s }
}

// NewMonitor validates cfg and builds a monitor. Invalid configuration is
// reported as a *ConfigError.
func NewMonitor(cfg Config, log *slog.Logger, opts ...Option) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	policies := make(map[string]ratelimit.Policy, len(cfg.Limits))
	for action, p := range cfg.Limits {
		policies[string(action)] = p
	}
	limiter, err := ratelimit.New(policies, cfg.Shards)
	if err != nil {
		return nil, newConfigError("limits", "building limiter", err)
	}

	classifier, err := NewClassifier(cfg.UsernamePatterns, cfg.RapidThreshold, cfg.SpamThreshold)
	if err != nil {
		return nil, err
	}

	m := &Monitor{
		cfg:        cfg,
		log:        log.With("subsystem", "security"),
		clock:      SystemClock{},
		sink:       audit.Discard,
		limiter:    limiter,
		tracker:    NewActivityTracker(cfg.ShortWindow, cfg.LongWindow, cfg.Shards),
		classifier: classifier,
		shards:     make([]*shard, cfg.Shards),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = metrics.NewSecurity(nil)
	}

	for i := range m.shards {
		m.shards[i] = &shard{users: make(map[int64]*userRecord)}
	}
	m.stats.startedAt = m.clock.Now()
	m.stats.perAction = make(map[Action]*atomic.Int64, len(Actions))
	for _, a := range Actions {
		m.stats.perAction[a] = new(atomic.Int64)
	}
	return m, nil
}

// Evaluate decides whether ev may be served and applies any resulting
// state change. Events from the same user are serialized; events from users
// on different shards run in parallel. Counters change under the shard lock
// together with the decision.
func (m *Monitor) Evaluate(ev UserEvent) Decision {
	now := ev.Timestamp
	if now.IsZero() {
		now = m.clock.Now()
	}
	if ev.UserID <= 0 {
		verdict := m.classifier.Classify(ev, Snapshot{})
		m.log.Warn("rejected event without a valid user id", "user_id", ev.UserID, "action", ev.Action)
		// No user state exists; shard 0's lock only orders the counters
		// against snapshots.
		sh := m.shards[0]
		sh.mu.Lock()
		defer sh.mu.Unlock()
		m.countEvent(ev.Action)
		m.stats.suspicious.Add(1)
		return m.deny(Decision{Reason: DecisionSuspicious, Threat: verdict.Reason})
	}

	sh := m.shardFor(ev.UserID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	m.countEvent(ev.Action)

	rec := sh.users[ev.UserID]
	if rec == nil {
		rec = &userRecord{}
		sh.users[ev.UserID] = rec
	}
	rec.lastSeen = now

	if rec.block != nil {
		if rec.block.Active(now) {
			return m.deny(Decision{
				Reason:    DecisionBlocked,
				Threat:    rec.block.Threat,
				ExpiresAt: rec.block.ExpiresAt,
			})
		}
		m.lift(ev.UserID, rec, now, audit.KindExpired)
	}

	res := m.limiter.Allow(ev.UserID, string(ev.Action), now)
	if !res.Allowed {
		return m.rateLimited(ev, rec, now, res.RetryAfter)
	}

	snap := m.tracker.Record(ev.UserID, now)
	verdict := m.classifier.Classify(ev, snap)
	if !verdict.Suspicious {
		m.metrics.Decisions.WithLabelValues("allow").Inc()
		return Decision{Allow: true}
	}

	m.stats.suspicious.Add(1)
	rec.flagged = true
	expires := now.Add(m.cfg.SuspiciousCooldown)
	if verdict.Reason == ThreatBotAccount {
		expires = time.Time{}
	}
	entry := m.block(ev.UserID, rec, BlockSuspiciousPattern, verdict.Reason, now, expires)
	m.log.Warn("suspicious activity",
		"user_id", ev.UserID,
		"username", ev.Username,
		"threat", verdict.Reason,
		"pattern", verdict.Pattern,
		"count_5min", snap.Count5Min,
		"count_1hour", snap.Count1Hour,
	)
	return m.deny(Decision{Reason: DecisionSuspicious, Threat: verdict.Reason, ExpiresAt: entry.ExpiresAt})
}

func (m *Monitor) rateLimited(ev UserEvent, rec *userRecord, now time.Time, retryAfter time.Duration) Decision {
	m.stats.violations.Add(1)
	rec.violations = append(retainAfter(rec.violations, now.Add(-m.cfg.ViolationWindow)), now)

	m.log.Warn("rate limit exceeded",
		"user_id", ev.UserID,
		"action", ev.Action,
		"retry_after", retryAfter,
		"violations", len(rec.violations),
	)
	m.sink.Publish(audit.Event{
		Kind:   audit.KindRateLimited,
		UserID: ev.UserID,
		Reason: string(ev.Action),
		At:     now,
	})

	d := Decision{Reason: DecisionRateLimited, RetryAfter: retryAfter}
	if len(rec.violations) > m.cfg.ViolationThreshold {
		entry := m.block(ev.UserID, rec, BlockRateLimit, ThreatNone, now, now.Add(m.cfg.RateLimitCooldown))
		d.ExpiresAt = entry.ExpiresAt
	}
	return m.deny(d)
}

// block must be called with the user's shard lock held.
func (m *Monitor) block(userID int64, rec *userRecord, reason BlockReason, threat ThreatReason, now, expires time.Time) BlockEntry {
	entry := BlockEntry{
		UserID:    userID,
		Reason:    reason,
		Threat:    threat,
		BlockedAt: now,
		ExpiresAt: expires,
	}
	rec.block = &entry
	m.stats.totalBlocked.Add(1)
	m.metrics.Blocks.WithLabelValues(string(reason)).Inc()

	args := []any{"user_id", userID, "reason", reason}
	if threat != ThreatNone {
		args = append(args, "threat", threat)
	}
	if entry.Permanent() {
		args = append(args, "expires", "never")
	} else {
		args = append(args, "expires_at", expires)
	}
	m.log.Error("user blocked", args...)

	m.sink.Publish(audit.Event{
		Kind:      audit.KindBlocked,
		UserID:    userID,
		Reason:    string(reason),
		Threat:    string(threat),
		At:        now,
		ExpiresAt: expires,
	})
	return entry
}

// lift removes the user's block and gives them a clean slate. It must be
// called with the user's shard lock held.
func (m *Monitor) lift(userID int64, rec *userRecord, now time.Time, kind audit.Kind) {
	prev := rec.block
	rec.block = nil
	rec.violations = nil
	m.limiter.Reset(userID)
	m.tracker.Forget(userID)

	m.metrics.Unblocks.WithLabelValues(string(kind)).Inc()
	m.log.Info("user unblocked", "user_id", userID, "cause", kind, "reason", prev.Reason)
	m.sink.Publish(audit.Event{
		Kind:   kind,
		UserID: userID,
		Reason: string(prev.Reason),
		Threat: string(prev.Threat),
		At:     now,
	})
}

func (m *Monitor) deny(d Decision) Decision {
	d.Allow = false
	m.stats.denied.Add(1)
	m.metrics.Decisions.WithLabelValues(string(d.Reason)).Inc()
	return d
}

func (m *Monitor) countEvent(a Action) {
	m.stats.totalEvents.Add(1)
	if c, ok := m.stats.perAction[a]; ok {
		c.Add(1)
	}
	m.metrics.Events.WithLabelValues(string(a)).Inc()
}

// Block places a manual block on userID. A non-positive duration blocks
// permanently. An existing block is replaced.
func (m *Monitor) Block(userID int64, duration time.Duration) (BlockEntry, error) {
	if userID <= 0 {
		return BlockEntry{}, fmt.Errorf("blocking user %d: invalid user id", userID)
	}
	now := m.clock.Now()
	var expires time.Time
	if duration > 0 {
		expires = now.Add(duration)
	}

	sh := m.shardFor(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec := sh.users[userID]
	if rec == nil {
		rec = &userRecord{lastSeen: now}
		sh.users[userID] = rec
	}
	return m.block(userID, rec, BlockManual, ThreatNone, now, expires), nil
}

// Unblock lifts any block on userID and reports whether one was in effect.
func (m *Monitor) Unblock(userID int64) bool {
	now := m.clock.Now()
	sh := m.shardFor(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec := sh.users[userID]
	if rec == nil || rec.block == nil {
		return false
	}
	active := rec.block.Active(now)
	m.lift(userID, rec, now, audit.KindUnblocked)
	return active
}

func (m *Monitor) IsBlocked(userID int64) bool {
	now := m.clock.Now()
	sh := m.shardFor(userID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	rec := sh.users[userID]
	return rec != nil && rec.block != nil && rec.block.Active(now)
}

// State reports where userID stands in the CLEAN -> WARNED -> BLOCKED
// machine at the current clock time.
func (m *Monitor) State(userID int64) UserState {
	now := m.clock.Now()
	sh := m.shardFor(userID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	rec := sh.users[userID]
	switch {
	case rec == nil:
		return StateClean
	case rec.block != nil && rec.block.Active(now):
		return StateBlocked
	}
	cutoff := now.Add(-m.cfg.ViolationWindow)
	for _, v := range rec.violations {
		if v.After(cutoff) {
			return StateWarned
		}
	}
	return StateClean
}

func (m *Monitor) Config() Config {
	return m.cfg
}

func (m *Monitor) shardFor(userID int64) *shard {
	return m.shards[m.shardIndex(userID)]
}

// shardIndex matches the limiter's and tracker's striping so a sweep of
// shard i covers the same users in all three.
func (m *Monitor) shardIndex(userID int64) int {
	return int(uint64(userID) % uint64(len(m.shards)))
}

// Run sweeps every SweepInterval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.log.InfoContext(ctx, "security sweeper started", "interval", m.cfg.SweepInterval)
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Info("context done, exiting security sweeper")
			return nil
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
				m.log.ErrorContext(ctx, "security sweep", "error", err)
			}
		}
	}
}
