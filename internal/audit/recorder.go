package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"clavis/internal/platform/metrics"
	"clavis/internal/platform/middleware"
)

// Store is the append-only persistence for audit entries.
type Store interface {
	Append(ctx context.Context, entry *Entry) error
}

// Sink receives a copy of every recorded entry (e.g. a Kafka topic).
// Sink failures are logged, never propagated.
type Sink interface {
	Publish(ctx context.Context, entry Entry) error
}

// Recorder writes audit entries. Recording is best-effort by contract:
// the calling operation must never fail because the audit write failed.
// Failed writes go to a bounded in-memory retry queue drained by Run.
type Recorder struct {
	store      Store
	sinks      []Sink
	logger     *slog.Logger
	metrics    *metrics.Metrics
	retryQueue chan retryItem
	maxRetries int
	backoff    time.Duration
	now        func() time.Time
}

type retryItem struct {
	entry    Entry
	attempts int
}

type RecorderOption func(*Recorder)

func WithLogger(logger *slog.Logger) RecorderOption {
	return func(r *Recorder) {
		r.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) RecorderOption {
	return func(r *Recorder) {
		r.metrics = m
	}
}

func WithSink(sink Sink) RecorderOption {
	return func(r *Recorder) {
		if sink != nil {
			r.sinks = append(r.sinks, sink)
		}
	}
}

// WithRetryPolicy bounds how often and how many times a failed write is
// retried before the entry is dropped with an error log.
func WithRetryPolicy(maxRetries int, backoff time.Duration) RecorderOption {
	return func(r *Recorder) {
		if maxRetries > 0 {
			r.maxRetries = maxRetries
		}
		if backoff > 0 {
			r.backoff = backoff
		}
	}
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

const retryQueueCapacity = 1024

func NewRecorder(store Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:      store,
		logger:     slog.Default(),
		retryQueue: make(chan retryItem, retryQueueCapacity),
		maxRetries: 3,
		backoff:    2 * time.Second,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record persists the entry and fans it out to sinks. It never returns
// an error: failures are logged, counted, and queued for retry.
func (r *Recorder) Record(ctx context.Context, entry Entry) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = r.now().UTC()
	}
	if entry.RequestID == "" {
		entry.RequestID = middleware.GetRequestID(ctx)
	}

	if err := r.store.Append(ctx, &entry); err != nil {
		r.logger.ErrorContext(ctx, "audit write failed, queueing for retry",
			"action", entry.Action,
			"entry_id", entry.ID.String(),
			"error", err,
		)
		if r.metrics != nil {
			r.metrics.IncrementAuditWriteErrors()
		}
		r.enqueue(retryItem{entry: entry, attempts: 1})
	} else if r.metrics != nil {
		r.metrics.IncrementAuditEntries()
	}

	for _, sink := range r.sinks {
		if err := sink.Publish(ctx, entry); err != nil {
			r.logger.WarnContext(ctx, "audit sink publish failed",
				"action", entry.Action,
				"entry_id", entry.ID.String(),
				"error", err,
			)
		}
	}
}

// Run drains the retry queue until ctx is cancelled. Entries that still
// fail after the configured retry budget are dropped and logged.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-r.retryQueue:
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.backoff):
			}
			if err := r.store.Append(ctx, &item.entry); err == nil {
				if r.metrics != nil {
					r.metrics.IncrementAuditEntries()
				}
				continue
			} else if item.attempts < r.maxRetries {
				item.attempts++
				r.enqueue(item)
			} else {
				r.logger.ErrorContext(ctx, "audit entry dropped after retries",
					"action", item.entry.Action,
					"entry_id", item.entry.ID.String(),
					"attempts", item.attempts,
					"error", err,
				)
			}
		}
	}
}

func (r *Recorder) enqueue(item retryItem) {
	select {
	case r.retryQueue <- item:
	default:
		r.logger.Error("audit retry queue full, dropping entry",
			"action", item.entry.Action,
			"entry_id", item.entry.ID.String(),
		)
	}
}
