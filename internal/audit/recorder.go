package audit

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jusunglee/pumpbot/internal/metrics"
)

const (
	defaultBatchSize = 64
	writeTimeout     = 10 * time.Second
)

// Recorder buffers events in a bounded channel and writes them to a Store
// from a single consumer goroutine. When the buffer is full new events are
// dropped and counted.
type Recorder struct {
	store     Store
	log       *slog.Logger
	metrics   *metrics.Security
	ch        chan Event
	batchSize int
	dropped   atomic.Int64
}

func NewRecorder(store Store, log *slog.Logger, m *metrics.Security, buffer int) *Recorder {
	if m == nil {
		m = metrics.NewSecurity(nil)
	}
	if buffer <= 0 {
		buffer = 1
	}
	return &Recorder{
		store:     store,
		log:       log.With("subsystem", "audit"),
		metrics:   m,
		ch:        make(chan Event, buffer),
		batchSize: defaultBatchSize,
	}
}

func (r *Recorder) Publish(ev Event) {
	select {
	case r.ch <- ev:
	default:
		r.dropped.Add(1)
		r.metrics.AuditDropped.Inc()
	}
}

// Dropped returns how many events were discarded because the buffer was full.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Run consumes events until ctx is cancelled, then flushes whatever is
// still buffered.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-r.ch:
			r.write(ctx, r.collect(ev))
		case <-ctx.Done():
			r.drain()
			r.log.Info("audit recorder stopped", "dropped", r.dropped.Load())
			return nil
		}
	}
}

// collect gathers first plus anything already waiting, up to batchSize.
func (r *Recorder) collect(first Event) []Event {
	batch := []Event{first}
	for len(batch) < r.batchSize {
		select {
		case ev := <-r.ch:
			batch = append(batch, ev)
		default:
			return batch
		}
	}
	return batch
}

func (r *Recorder) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	for {
		select {
		case ev := <-r.ch:
			r.write(ctx, r.collect(ev))
		default:
			return
		}
	}
}

func (r *Recorder) write(ctx context.Context, batch []Event) {
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := r.store.Append(writeCtx, batch); err != nil {
		r.log.ErrorContext(ctx, "writing audit events", "error", err, "count", len(batch))
	}
}
