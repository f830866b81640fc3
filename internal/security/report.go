package security

import (
	"cmp"
	"slices"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
)

// Report is the admin view of the monitor.
type Report struct {
	StartedAt            time.Time        `json:"started_at"`
	Uptime               time.Duration    `json:"uptime"`
	TotalEvents          int64            `json:"total_events"`
	TotalBlocked         int64            `json:"total_blocked"`
	DeniedEvents         int64            `json:"denied_events"`
	RateLimitViolations  int64            `json:"rate_limit_violations"`
	SuspiciousDetections int64            `json:"suspicious_detections"`
	ActiveBlocks         int              `json:"active_blocks"`
	SuspiciousUsers      int              `json:"suspicious_users"`
	TrackedUsers         int              `json:"tracked_users"`
	PerAction            map[Action]int64 `json:"per_action"`
}

// Reporter produces Reports without mutating the monitor.
type Reporter struct {
	monitor *Monitor
}

func NewReporter(m *Monitor) *Reporter {
	return &Reporter{monitor: m}
}

func (r *Reporter) Snapshot() Report {
	return r.monitor.snapshot()
}

// BlockList returns the blocks in effect, oldest first.
func (r *Reporter) BlockList() []BlockEntry {
	return r.monitor.BlockList()
}

// snapshot holds every shard's read lock while reading the counters, so
// each evaluated event is either fully counted or not at all.
func (m *Monitor) snapshot() Report {
	for _, sh := range m.shards {
		sh.mu.RLock()
	}
	defer func() {
		for _, sh := range m.shards {
			sh.mu.RUnlock()
		}
	}()

	now := m.clock.Now()
	report := Report{
		StartedAt:            m.stats.startedAt,
		Uptime:               now.Sub(m.stats.startedAt),
		TotalEvents:          m.stats.totalEvents.Load(),
		TotalBlocked:         m.stats.totalBlocked.Load(),
		DeniedEvents:         m.stats.denied.Load(),
		RateLimitViolations:  m.stats.violations.Load(),
		SuspiciousDetections: m.stats.suspicious.Load(),
		PerAction: lo.MapValues(m.stats.perAction, func(c *atomic.Int64, _ Action) int64 {
			return c.Load()
		}),
	}

	for _, sh := range m.shards {
		report.TrackedUsers += len(sh.users)
		for _, rec := range sh.users {
			if rec.block != nil && rec.block.Active(now) {
				report.ActiveBlocks++
			}
			if rec.flagged {
				report.SuspiciousUsers++
			}
		}
	}
	return report
}

func (m *Monitor) BlockList() []BlockEntry {
	now := m.clock.Now()
	var entries []BlockEntry
	for _, sh := range m.shards {
		sh.mu.RLock()
		for _, rec := range sh.users {
			if rec.block != nil && rec.block.Active(now) {
				entries = append(entries, *rec.block)
			}
		}
		sh.mu.RUnlock()
	}
	slices.SortFunc(entries, func(a, b BlockEntry) int {
		if c := a.BlockedAt.Compare(b.BlockedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.UserID, b.UserID)
	})
	return entries
}
