package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Security holds the collectors fed by the security monitor and the audit
// recorder.
type Security struct {
	Events        *prometheus.CounterVec
	Decisions     *prometheus.CounterVec
	Blocks        *prometheus.CounterVec
	Unblocks      *prometheus.CounterVec
	ActiveBlocks  prometheus.Gauge
	TrackedUsers  prometheus.Gauge
	SweepDuration prometheus.Histogram
	SweepFailures prometheus.Counter
	AuditDropped  prometheus.Counter
}

// NewSecurity registers the collectors on reg. A nil reg gets a private
// registry so tests and tools can run without touching the global one.
func NewSecurity(reg prometheus.Registerer) *Security {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Security{
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pumpbot_security_events_total",
			Help: "Events evaluated by the security monitor, by action",
		}, []string{"action"}),

		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pumpbot_security_decisions_total",
			Help: "Security decisions by outcome",
		}, []string{"decision"}),

		Blocks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pumpbot_security_blocks_total",
			Help: "Users blocked, by reason",
		}, []string{"reason"}),

		Unblocks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pumpbot_security_unblocks_total",
			Help: "Blocks lifted, by cause",
		}, []string{"cause"}),

		ActiveBlocks: f.NewGauge(prometheus.GaugeOpts{
			Name: "pumpbot_security_active_blocks",
			Help: "Blocks in effect at the last sweep",
		}),

		TrackedUsers: f.NewGauge(prometheus.GaugeOpts{
			Name: "pumpbot_security_tracked_users",
			Help: "Users with retained state at the last sweep",
		}),

		SweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "pumpbot_security_sweep_duration_seconds",
			Help:    "Duration of each maintenance sweep",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),

		SweepFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "pumpbot_security_sweep_shard_failures_total",
			Help: "Shards whose cleanup failed during a sweep",
		}),

		AuditDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "pumpbot_audit_dropped_total",
			Help: "Audit events dropped because the buffer was full",
		}),
	}
}

// Bot metrics.
var (
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pumpbot_commands_total",
		Help: "Bot interactions by action and result",
	}, []string{"action", "result"})

	ListingFetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pumpbot_listing_fetch_duration_seconds",
		Help:    "Coin listing fetch duration in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	})

	ListingFetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pumpbot_listing_fetch_total",
		Help: "Coin listing fetches by result",
	}, []string{"result"})
)

// Ops server metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pumpbot_http_requests_total",
		Help: "Total ops HTTP requests by route, method, and status code",
	}, []string{"route", "method", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pumpbot_http_request_duration_seconds",
		Help:    "Ops HTTP request duration in seconds",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"route", "method"})
)
