package security

import (
	"context"
	"fmt"
	"time"

	"github.com/jusunglee/pumpbot/internal/audit"
)

// SweepResult summarizes one maintenance pass.
type SweepResult struct {
	ExpiredBlocks    int
	EvictedUsers     int
	EvictedWindows   int
	EvictedHistories int
	FailedShards     int
	Duration         time.Duration
}

// Sweep removes expired blocks and idle state one shard at a time. Each
// shard is locked only while it is being cleaned, and a failure in one
// shard is logged without stopping the others. It returns ctx.Err() if
// cancelled between shards.
func (m *Monitor) Sweep(ctx context.Context) (SweepResult, error) {
	started := time.Now()
	now := m.clock.Now()
	var res SweepResult

	for i := range m.shards {
		if err := ctx.Err(); err != nil {
			res.Duration = time.Since(started)
			return res, fmt.Errorf("sweep interrupted at shard %d: %w", i, err)
		}

		ok := m.safely(i, "blocks", func() {
			expired, evicted := m.sweepShard(i, now)
			res.ExpiredBlocks += expired
			res.EvictedUsers += evicted
		})
		ok = m.safely(i, "rate windows", func() {
			res.EvictedWindows += m.limiter.PruneStripe(i, now)
		}) && ok
		ok = m.safely(i, "activity", func() {
			res.EvictedHistories += m.tracker.PruneStripe(i, now)
		}) && ok
		if !ok {
			res.FailedShards++
		}
	}

	res.Duration = time.Since(started)
	m.metrics.SweepDuration.Observe(res.Duration.Seconds())
	m.logStats(ctx, res)
	return res, nil
}

func (m *Monitor) safely(i int, part string, fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			m.metrics.SweepFailures.Inc()
			m.log.Error("sweeping shard", "shard", i, "part", part, "error", fmt.Sprint(r))
			ok = false
		}
	}()
	fn()
	return true
}

func (m *Monitor) sweepShard(i int, now time.Time) (expired, evicted int) {
	if m.sweepHook != nil {
		m.sweepHook(i)
	}

	sh := m.shards[i]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	violationCutoff := now.Add(-m.cfg.ViolationWindow)
	idleCutoff := now.Add(-m.cfg.RetentionHorizon)
	for userID, rec := range sh.users {
		if rec.block != nil && !rec.block.Active(now) {
			m.lift(userID, rec, now, audit.KindExpired)
			expired++
		}
		rec.violations = retainAfter(rec.violations, violationCutoff)
		if rec.block == nil && len(rec.violations) == 0 && !rec.lastSeen.After(idleCutoff) {
			delete(sh.users, userID)
			evicted++
		}
	}
	return expired, evicted
}

func (m *Monitor) logStats(ctx context.Context, res SweepResult) {
	report := m.snapshot()
	m.metrics.ActiveBlocks.Set(float64(report.ActiveBlocks))
	m.metrics.TrackedUsers.Set(float64(report.TrackedUsers))

	m.log.InfoContext(ctx, "security stats",
		"uptime", report.Uptime.Round(time.Second),
		"total_events", report.TotalEvents,
		"denied_events", report.DeniedEvents,
		"total_blocked", report.TotalBlocked,
		"active_blocks", report.ActiveBlocks,
		"suspicious_users", report.SuspiciousUsers,
		"rate_limit_violations", report.RateLimitViolations,
		"expired_blocks", res.ExpiredBlocks,
		"evicted_users", res.EvictedUsers,
		"evicted_windows", res.EvictedWindows,
		"evicted_histories", res.EvictedHistories,
		"failed_shards", res.FailedShards,
		"sweep_duration", res.Duration,
	)
}
