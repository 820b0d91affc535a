// Package dispatcher delivers queued webhook events to tenant endpoints.
//
// Deliveries are durable rows claimed by a worker pool, so API request
// latency never depends on tenant-endpoint availability and pending
// events survive process restarts. Retries use jittered exponential
// backoff to avoid hammering a flaky endpoint in lockstep.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"clavis/internal/audit"
	directory "clavis/internal/directory/models"
	"clavis/internal/platform/metrics"
	"clavis/internal/webhook/models"
	id "clavis/pkg/domain"
	dErrors "clavis/pkg/domain-errors"
	"clavis/pkg/platform/sentinel"
	"clavis/pkg/secrets"
)

// Store is the durable delivery queue.
type Store interface {
	Enqueue(ctx context.Context, delivery *models.Delivery) error
	ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.Delivery, error)
	RecordAttempt(ctx context.Context, delivery *models.Delivery) error
	CountPending(ctx context.Context) (int, error)
}

// ApplicationDirectory resolves webhook configuration at delivery time,
// so URL or secret changes apply to already-queued events.
type ApplicationDirectory interface {
	FindApplication(ctx context.Context, appID id.ApplicationID) (*directory.Application, error)
}

// SecretOpener decrypts the application's webhook secret.
// Satisfied by the keywrap Wrapper.
type SecretOpener interface {
	Open(sealed []byte) ([]byte, error)
}

// AuditRecorder receives exhaustion escalations.
type AuditRecorder interface {
	Record(ctx context.Context, entry audit.Entry)
}

const (
	// SignatureHeader carries "sha256=<hex hmac>" over the raw body.
	SignatureHeader = "X-Clavis-Signature"
	// EventIDHeader carries the stable event id for deduplication.
	EventIDHeader = "X-Clavis-Event-Id"
	// EventTypeHeader names the event without parsing the body.
	EventTypeHeader = "X-Clavis-Event-Type"

	// maxResponseBody bounds how much of the endpoint's response is
	// retained in the delivery log.
	maxResponseBody = 1024
)

// envelope is the POST body contract tenants consume.
type envelope struct {
	EventType string         `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// Dispatcher owns the queue and the delivery worker pool.
type Dispatcher struct {
	store     Store
	directory ApplicationDirectory
	secrets   SecretOpener
	client    *http.Client

	workers      int
	batchSize    int
	pollInterval time.Duration
	maxAttempts  int
	baseBackoff  time.Duration
	maxBackoff   time.Duration
	lease        time.Duration

	logger  *slog.Logger
	metrics *metrics.Metrics
	auditor AuditRecorder
	tracer  trace.Tracer
	now     func() time.Time
	jitter  func() float64
}

type Option func(*Dispatcher)

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

func WithAuditRecorder(recorder AuditRecorder) Option {
	return func(d *Dispatcher) {
		d.auditor = recorder
	}
}

// WithHTTPClient overrides the delivery client (timeouts, proxies, tests).
func WithHTTPClient(client *http.Client) Option {
	return func(d *Dispatcher) {
		if client != nil {
			d.client = client
		}
	}
}

// WithWorkers sets the delivery pool size.
func WithWorkers(workers int) Option {
	return func(d *Dispatcher) {
		if workers > 0 {
			d.workers = workers
		}
	}
}

// WithPollInterval sets how often due deliveries are claimed.
func WithPollInterval(interval time.Duration) Option {
	return func(d *Dispatcher) {
		if interval > 0 {
			d.pollInterval = interval
		}
	}
}

// WithRetryPolicy bounds attempts and the backoff curve.
func WithRetryPolicy(maxAttempts int, base, cap time.Duration) Option {
	return func(d *Dispatcher) {
		if maxAttempts > 0 {
			d.maxAttempts = maxAttempts
		}
		if base > 0 {
			d.baseBackoff = base
		}
		if cap > 0 {
			d.maxBackoff = cap
		}
	}
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

func New(store Store, dir ApplicationDirectory, opener SecretOpener, opts ...Option) (*Dispatcher, error) {
	if store == nil {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "delivery store is required")
	}
	if dir == nil {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "application directory is required")
	}
	if opener == nil {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "secret opener is required")
	}
	d := &Dispatcher{
		store:        store,
		directory:    dir,
		secrets:      opener,
		client:       &http.Client{Timeout: 10 * time.Second},
		workers:      4,
		batchSize:    50,
		pollInterval: time.Second,
		maxAttempts:  5,
		baseBackoff:  time.Second,
		maxBackoff:   5 * time.Minute,
		lease:        time.Minute,
		logger:       slog.Default(),
		tracer:       otel.Tracer("clavis/webhook"),
		now:          time.Now,
		jitter:       rand.Float64,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Enqueue schedules asynchronous delivery of one event. The only cost
// to the caller is the queue insert. Applications without a webhook URL
// configured drop the event silently.
func (d *Dispatcher) Enqueue(ctx context.Context, appID id.ApplicationID, eventType string, payload map[string]any) error {
	if eventType == "" {
		return dErrors.New(dErrors.CodeInvalidInput, "event type is required")
	}

	app, err := d.directory.FindApplication(ctx, appID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.Wrap(err, dErrors.CodeNotFound, "application not found")
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "could not load application")
	}
	if app.WebhookURL == "" {
		d.logger.DebugContext(ctx, "webhook not configured, dropping event",
			"application_id", appID.String(),
			"event_type", eventType,
		)
		return nil
	}

	now := d.now()
	body, err := json.Marshal(envelope{EventType: eventType, Timestamp: now.UTC(), Payload: payload})
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "could not encode event payload")
	}

	delivery := &models.Delivery{
		ID:            uuid.New(),
		ApplicationID: appID,
		EventType:     eventType,
		Payload:       body,
		Status:        models.StatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
	if err := d.store.Enqueue(ctx, delivery); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "could not enqueue delivery")
	}
	return nil
}

// Start runs the poller and delivery workers until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) error {
	jobs := make(chan *models.Delivery)
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < d.workers; i++ {
		g.Go(func() error {
			for delivery := range jobs {
				d.attempt(ctx, delivery)
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(jobs)
		ticker := time.NewTicker(d.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				claimed, err := d.store.ClaimDue(ctx, d.now(), d.batchSize, d.lease)
				if err != nil {
					d.logger.ErrorContext(ctx, "failed to claim due deliveries", "error", err)
					continue
				}
				d.observeQueueDepth(ctx)
				for _, delivery := range claimed {
					select {
					case <-ctx.Done():
						return ctx.Err()
					case jobs <- delivery:
					}
				}
			}
		}
	})

	return g.Wait()
}

// RunOnce claims one batch and delivers it synchronously. Used by tests
// and manual drains.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	claimed, err := d.store.ClaimDue(ctx, d.now(), d.batchSize, d.lease)
	if err != nil {
		return 0, fmt.Errorf("claim due deliveries: %w", err)
	}
	for _, delivery := range claimed {
		d.attempt(ctx, delivery)
	}
	return len(claimed), nil
}

// attempt performs one POST and records the outcome: delivered,
// rescheduled with backoff, or permanently failed.
func (d *Dispatcher) attempt(ctx context.Context, delivery *models.Delivery) {
	ctx, span := d.tracer.Start(ctx, "webhook.deliver",
		trace.WithAttributes(
			attribute.String("webhook.event_id", delivery.ID.String()),
			attribute.String("webhook.event_type", delivery.EventType),
			attribute.String("webhook.application_id", delivery.ApplicationID.String()),
			attribute.Int("webhook.attempt", delivery.AttemptCount+1),
		),
	)
	defer span.End()

	delivery.AttemptCount++
	statusCode, responseBody, duration, err := d.post(ctx, delivery)
	delivery.LastStatusCode = statusCode
	delivery.LastResponseBody = responseBody
	delivery.LastDuration = duration
	delivery.LastError = ""
	if err != nil {
		delivery.LastError = err.Error()
	}

	if d.metrics != nil {
		d.metrics.ObserveWebhookLatency(duration.Seconds())
	}

	switch {
	case err == nil && statusCode >= 200 && statusCode < 300:
		delivery.MarkDelivered(d.now())
		span.SetStatus(codes.Ok, "")
		if d.metrics != nil {
			d.metrics.IncrementWebhookDeliveries("delivered")
		}
	case delivery.AttemptCount >= d.maxAttempts:
		delivery.MarkFailed()
		span.SetStatus(codes.Error, "retries exhausted")
		d.exhausted(ctx, delivery)
	default:
		delivery.NextAttemptAt = d.now().Add(d.backoff(delivery.AttemptCount))
		span.SetStatus(codes.Error, "attempt failed")
		if err != nil {
			span.RecordError(err)
		}
		if d.metrics != nil {
			d.metrics.IncrementWebhookDeliveries("retried")
		}
		d.logger.WarnContext(ctx, "webhook delivery attempt failed",
			"event_id", delivery.ID.String(),
			"event_type", delivery.EventType,
			"attempt", delivery.AttemptCount,
			"status_code", statusCode,
			"error", delivery.LastError,
		)
	}

	if err := d.store.RecordAttempt(ctx, delivery); err != nil {
		d.logger.ErrorContext(ctx, "failed to record delivery attempt",
			"event_id", delivery.ID.String(),
			"error", err,
		)
	}
}

// post signs and sends the event body. The signature covers the raw
// bytes so tenants can verify with a plain HMAC over what they read.
func (d *Dispatcher) post(ctx context.Context, delivery *models.Delivery) (int, string, time.Duration, error) {
	app, err := d.directory.FindApplication(ctx, delivery.ApplicationID)
	if err != nil {
		return 0, "", 0, fmt.Errorf("load application: %w", err)
	}
	if app.WebhookURL == "" {
		return 0, "", 0, fmt.Errorf("webhook URL no longer configured")
	}
	secret, err := d.secrets.Open(app.WebhookSecretEncrypted)
	if err != nil {
		return 0, "", 0, fmt.Errorf("open webhook secret: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, app.WebhookURL, bytes.NewReader(delivery.Payload))
	if err != nil {
		return 0, "", 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, "sha256="+secrets.Sign(secret, delivery.Payload))
	req.Header.Set(EventIDHeader, delivery.ID.String())
	req.Header.Set(EventTypeHeader, delivery.EventType)

	start := time.Now()
	resp, err := d.client.Do(req)
	duration := time.Since(start)
	if err != nil {
		return 0, "", duration, err
	}
	defer resp.Body.Close() //nolint:errcheck

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody)) //nolint:errcheck
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, string(body), duration, fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return resp.StatusCode, string(body), duration, nil
}

func (d *Dispatcher) exhausted(ctx context.Context, delivery *models.Delivery) {
	if d.metrics != nil {
		d.metrics.IncrementWebhookDeliveries("exhausted")
	}
	d.logger.ErrorContext(ctx, "webhook delivery permanently failed",
		"event_id", delivery.ID.String(),
		"event_type", delivery.EventType,
		"application_id", delivery.ApplicationID.String(),
		"attempts", delivery.AttemptCount,
		"last_status_code", delivery.LastStatusCode,
	)
	if d.auditor != nil {
		d.auditor.Record(ctx, audit.Entry{
			ApplicationID: delivery.ApplicationID,
			Action:        audit.ActionWebhookExhausted,
			ResourceType:  "webhook_delivery",
			ResourceID:    delivery.ID.String(),
			Metadata: map[string]string{
				"event_type": delivery.EventType,
				"attempts":   strconv.Itoa(delivery.AttemptCount),
			},
		})
	}
}

// backoff computes the delay before attempt n+1: base·4^(n-1), capped,
// with ±20% jitter.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	delay := d.baseBackoff
	for i := 1; i < attempt; i++ {
		delay *= 4
		if delay >= d.maxBackoff {
			delay = d.maxBackoff
			break
		}
	}
	jitter := 0.8 + 0.4*d.jitter()
	return time.Duration(float64(delay) * jitter)
}

func (d *Dispatcher) observeQueueDepth(ctx context.Context) {
	if d.metrics == nil {
		return
	}
	pending, err := d.store.CountPending(ctx)
	if err != nil {
		return
	}
	d.metrics.SetWebhookQueueDepth(int64(pending))
}
