package security

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jusunglee/pumpbot/internal/audit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMonitor(t *testing.T, mutate ...func(*Config)) (*Monitor, *ManualClock) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Shards = 4
	for _, fn := range mutate {
		fn(&cfg)
	}
	clock := NewManualClock(epoch)
	m, err := NewMonitor(cfg, discardLogger(), WithClock(clock))
	require.NoError(t, err)
	return m, clock
}

func at(userID int64, action Action, offset time.Duration) UserEvent {
	return UserEvent{UserID: userID, Action: action, Username: "alice", Timestamp: epoch.Add(offset)}
}

type recordingSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (s *recordingSink) Publish(ev audit.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) kinds() []audit.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]audit.Kind, len(s.events))
	for i, ev := range s.events {
		kinds[i] = ev.Kind
	}
	return kinds
}

func TestCleanEventIsAllowed(t *testing.T) {
	m, _ := newTestMonitor(t)
	d := m.Evaluate(at(1, ActionStart, 0))
	assert.Equal(t, Decision{Allow: true}, d)
	assert.Equal(t, StateClean, m.State(1))
}

func TestRateLimitedRetryAfter(t *testing.T) {
	m, _ := newTestMonitor(t)

	for _, off := range []time.Duration{0, 10 * time.Second, 20 * time.Second} {
		require.True(t, m.Evaluate(at(1, ActionRefresh, off)).Allow)
	}

	d := m.Evaluate(at(1, ActionRefresh, 25*time.Second))
	assert.False(t, d.Allow)
	assert.Equal(t, DecisionRateLimited, d.Reason)
	assert.Equal(t, 35*time.Second, d.RetryAfter)
	assert.True(t, d.ExpiresAt.IsZero())

	assert.True(t, m.Evaluate(at(1, ActionRefresh, 61*time.Second)).Allow)
}

func TestActionsHaveIndependentLimits(t *testing.T) {
	m, _ := newTestMonitor(t)

	for range 2 {
		require.True(t, m.Evaluate(at(1, ActionRefreshCallback, 0)).Allow)
	}
	assert.Equal(t, DecisionRateLimited, m.Evaluate(at(1, ActionRefreshCallback, time.Second)).Reason)
	assert.True(t, m.Evaluate(at(1, ActionRefresh, time.Second)).Allow)
	assert.True(t, m.Evaluate(at(2, ActionRefreshCallback, time.Second)).Allow)
}

func TestBotAccountBlockedPermanently(t *testing.T) {
	m, clock := newTestMonitor(t)

	ev := at(7, ActionStart, 0)
	ev.IsBot = true
	d := m.Evaluate(ev)
	assert.False(t, d.Allow)
	assert.Equal(t, DecisionSuspicious, d.Reason)
	assert.Equal(t, ThreatBotAccount, d.Threat)
	assert.True(t, d.ExpiresAt.IsZero())

	clock.Advance(30 * 24 * time.Hour)
	assert.True(t, m.IsBlocked(7))
	d = m.Evaluate(UserEvent{UserID: 7, Action: ActionHelp})
	assert.Equal(t, DecisionBlocked, d.Reason)
	assert.Equal(t, ThreatBotAccount, d.Threat)
}

func TestRapidFireAcrossActions(t *testing.T) {
	m, _ := newTestMonitor(t)
	cycle := []Action{ActionStart, ActionRefresh, ActionMessage, ActionRefreshCallback, ActionHelp}

	// ten events over three minutes, no action more than twice
	var d Decision
	for i := range 10 {
		d = m.Evaluate(at(1, cycle[i%len(cycle)], time.Duration(i)*20*time.Second))
		if i < 9 {
			require.True(t, d.Allow, "event %d", i+1)
		}
	}
	assert.False(t, d.Allow)
	assert.Equal(t, DecisionSuspicious, d.Reason)
	assert.Equal(t, ThreatRapidFire, d.Threat)
	assert.Equal(t, epoch.Add(180*time.Second+time.Hour), d.ExpiresAt)
	assert.True(t, m.IsBlocked(1))

	entries := m.tracker.Entries(1)
	count := m.limiter.Count(1, string(ActionMessage))

	d = m.Evaluate(at(1, ActionMessage, 190*time.Second))
	assert.False(t, d.Allow)
	assert.Equal(t, DecisionBlocked, d.Reason)
	assert.Equal(t, ThreatRapidFire, d.Threat)

	assert.Equal(t, entries, m.tracker.Entries(1), "blocked events are not tracked")
	assert.Equal(t, count, m.limiter.Count(1, string(ActionMessage)), "blocked events are not counted")
}

func TestSpamOverLongWindow(t *testing.T) {
	m, _ := newTestMonitor(t)

	var d Decision
	for i := range 20 {
		d = m.Evaluate(at(1, ActionMessage, time.Duration(i)*time.Minute))
		if i < 19 {
			require.True(t, d.Allow, "event %d", i+1)
		}
	}
	assert.Equal(t, DecisionSuspicious, d.Reason)
	assert.Equal(t, ThreatSpam, d.Threat)
}

func TestSuspiciousUsernameBlockExpires(t *testing.T) {
	m, clock := newTestMonitor(t)

	ev := at(3, ActionStart, 0)
	ev.Username = "free_gift_drops"
	d := m.Evaluate(ev)
	assert.Equal(t, DecisionSuspicious, d.Reason)
	assert.Equal(t, ThreatSuspiciousUsername, d.Threat)
	assert.Equal(t, epoch.Add(time.Hour), d.ExpiresAt)

	assert.Equal(t, DecisionBlocked, m.Evaluate(at(3, ActionStart, 30*time.Minute)).Reason)

	clock.Set(epoch.Add(time.Hour))
	assert.False(t, m.IsBlocked(3))
	assert.True(t, m.Evaluate(at(3, ActionStart, time.Hour)).Allow)
	assert.Equal(t, 1, m.tracker.Entries(3), "history restarts after a block is lifted")
}

func TestViolationsEscalateToBlock(t *testing.T) {
	m, clock := newTestMonitor(t)

	for i := range 3 {
		require.True(t, m.Evaluate(at(1, ActionRefresh, time.Duration(i)*time.Second)).Allow)
	}

	for i := range 5 {
		off := time.Duration(3+i) * time.Second
		d := m.Evaluate(at(1, ActionRefresh, off))
		require.Equal(t, DecisionRateLimited, d.Reason)
		require.True(t, d.ExpiresAt.IsZero(), "violation %d should not block", i+1)
	}
	clock.Set(epoch.Add(7 * time.Second))
	assert.Equal(t, StateWarned, m.State(1))

	d := m.Evaluate(at(1, ActionRefresh, 8*time.Second))
	assert.Equal(t, DecisionRateLimited, d.Reason)
	assert.Equal(t, epoch.Add(8*time.Second+15*time.Minute), d.ExpiresAt)

	clock.Set(epoch.Add(8 * time.Second))
	assert.Equal(t, StateBlocked, m.State(1))
	assert.Equal(t, DecisionBlocked, m.Evaluate(at(1, ActionHelp, 9*time.Second)).Reason)
}

func TestWarnedDecaysToClean(t *testing.T) {
	m, clock := newTestMonitor(t)
	for i := range 4 {
		m.Evaluate(at(1, ActionRefresh, time.Duration(i)*time.Second))
	}
	clock.Set(epoch.Add(4 * time.Second))
	require.Equal(t, StateWarned, m.State(1))

	clock.Advance(10 * time.Minute)
	assert.Equal(t, StateClean, m.State(1))
}

func TestExpiredBlockLiftedLazily(t *testing.T) {
	m, clock := newTestMonitor(t, func(c *Config) {
		c.ViolationThreshold = 1
		c.RateLimitCooldown = time.Minute
	})

	for i := range 3 {
		require.True(t, m.Evaluate(at(1, ActionRefresh, time.Duration(i)*time.Second)).Allow)
	}
	assert.True(t, m.Evaluate(at(1, ActionRefresh, 3*time.Second)).ExpiresAt.IsZero())
	d := m.Evaluate(at(1, ActionRefresh, 4*time.Second))
	require.Equal(t, epoch.Add(64*time.Second), d.ExpiresAt)

	assert.Equal(t, DecisionBlocked, m.Evaluate(at(1, ActionRefresh, 30*time.Second)).Reason)

	d = m.Evaluate(at(1, ActionRefresh, 64*time.Second))
	assert.True(t, d.Allow, "block expired and windows were reset")

	clock.Set(epoch.Add(64 * time.Second))
	assert.Equal(t, StateClean, m.State(1))
	assert.Equal(t, 1, m.limiter.Count(1, string(ActionRefresh)))
}

func TestInvalidIdentity(t *testing.T) {
	m, _ := newTestMonitor(t)

	for _, id := range []int64{0, -42} {
		d := m.Evaluate(UserEvent{UserID: id, Action: ActionStart, Timestamp: epoch})
		assert.False(t, d.Allow)
		assert.Equal(t, DecisionSuspicious, d.Reason)
		assert.Equal(t, ThreatInvalidIdentity, d.Threat)
	}

	r := NewReporter(m).Snapshot()
	assert.Zero(t, r.TrackedUsers)
	assert.Zero(t, r.TotalBlocked)
	assert.Equal(t, int64(2), r.DeniedEvents)
	assert.Zero(t, m.limiter.Len())
}

func TestManualBlockAndUnblock(t *testing.T) {
	m, clock := newTestMonitor(t)

	entry, err := m.Block(5, 0)
	require.NoError(t, err)
	assert.True(t, entry.Permanent())
	assert.Equal(t, BlockManual, entry.Reason)

	d := m.Evaluate(UserEvent{UserID: 5, Action: ActionStart})
	assert.Equal(t, DecisionBlocked, d.Reason)

	assert.True(t, m.Unblock(5))
	assert.True(t, m.Evaluate(UserEvent{UserID: 5, Action: ActionStart}).Allow)
	assert.False(t, m.Unblock(5))
	assert.False(t, m.Unblock(999))

	entry, err = m.Block(6, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(10*time.Minute), entry.ExpiresAt)
	clock.Advance(10 * time.Minute)
	assert.False(t, m.IsBlocked(6))

	_, err = m.Block(0, time.Minute)
	assert.Error(t, err)
}

func TestAuditEventsPublished(t *testing.T) {
	sink := &recordingSink{}
	cfg := DefaultConfig()
	cfg.ViolationThreshold = 1
	clock := NewManualClock(epoch)
	m, err := NewMonitor(cfg, discardLogger(), WithClock(clock), WithAuditSink(sink))
	require.NoError(t, err)

	for i := range 2 {
		m.Evaluate(at(1, ActionRefreshCallback, time.Duration(i)*time.Second))
	}
	m.Evaluate(at(1, ActionRefreshCallback, 2*time.Second))
	m.Evaluate(at(1, ActionRefreshCallback, 3*time.Second))
	m.Unblock(1)

	assert.Equal(t, []audit.Kind{
		audit.KindRateLimited,
		audit.KindRateLimited,
		audit.KindBlocked,
		audit.KindUnblocked,
	}, sink.kinds())

	blocked := sink.events[2]
	assert.Equal(t, int64(1), blocked.UserID)
	assert.Equal(t, string(BlockRateLimit), blocked.Reason)
	assert.Equal(t, epoch.Add(3*time.Second+15*time.Minute), blocked.ExpiresAt)
}

func TestConcurrentEventsSameUser(t *testing.T) {
	m, _ := newTestMonitor(t)

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.Evaluate(at(1, ActionRefresh, 0)).Allow {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(3), allowed.Load())
	r := NewReporter(m).Snapshot()
	assert.Equal(t, int64(50), r.TotalEvents)
	assert.Equal(t, int64(47), r.DeniedEvents)
}

func TestConcurrentEventsManyUsers(t *testing.T) {
	m, _ := newTestMonitor(t)

	var denied atomic.Int64
	var wg sync.WaitGroup
	for u := range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 3 {
				if !m.Evaluate(at(int64(u+1), ActionRefresh, time.Duration(i)*time.Second)).Allow {
					denied.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, denied.Load())
	assert.Equal(t, 100, NewReporter(m).Snapshot().TrackedUsers)
}

func TestSnapshotCountsDecisionsTogether(t *testing.T) {
	m, _ := newTestMonitor(t)
	for id := range int64(8) {
		_, err := m.Block(id+1, 0)
		require.NoError(t, err)
	}

	// Every event below is denied, so any snapshot must see equal totals.
	var (
		wg        sync.WaitGroup
		done      = make(chan struct{})
		mismatch  atomic.Int64
		snapshots atomic.Int64
	)
	go func() {
		r := NewReporter(m)
		for {
			select {
			case <-done:
				return
			default:
			}
			s := r.Snapshot()
			snapshots.Add(1)
			if s.TotalEvents != s.DeniedEvents || s.PerAction[ActionStart] != s.TotalEvents {
				mismatch.Add(1)
			}
		}
	}()

	for w := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 200 {
				id := int64((w+i)%8 + 1)
				if i%10 == 0 {
					id = 0
				}
				m.Evaluate(UserEvent{UserID: id, Action: ActionStart, Timestamp: epoch})
			}
		}()
	}
	wg.Wait()
	close(done)

	assert.Zero(t, mismatch.Load(), "snapshots with partially counted events")
	r := NewReporter(m).Snapshot()
	assert.Equal(t, int64(16*200), r.TotalEvents)
	assert.Equal(t, r.TotalEvents, r.DeniedEvents)
	assert.Equal(t, r.TotalEvents, r.PerAction[ActionStart])
}
