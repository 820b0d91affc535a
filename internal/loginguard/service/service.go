// Package service implements the login guard: a sliding-window lockout
// on failed authentication attempts, scoped per (email, application).
package service

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"clavis/internal/audit"
	"clavis/internal/loginguard/models"
	"clavis/internal/platform/metrics"
	id "clavis/pkg/domain"
	dErrors "clavis/pkg/domain-errors"
)

// Store defines the persistence interface for login attempts.
type Store interface {
	RecordAttempt(ctx context.Context, attempt *models.Attempt) error
	WindowStats(ctx context.Context, email string, appID id.ApplicationID, since time.Time) (models.WindowStats, error)
	Clear(ctx context.Context, email string, appID id.ApplicationID) error
	PurgeBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// AuditRecorder receives lockout escalations.
type AuditRecorder interface {
	Record(ctx context.Context, entry audit.Entry)
}

// Verdict is the outcome of a lockout check. RetryAfter is only
// meaningful when Locked is true.
type Verdict struct {
	Locked     bool
	Failures   int
	RetryAfter time.Duration
}

// Service counts failed logins inside a sliding window and reports
// lockout state. Lockout is advisory: callers refuse to authenticate
// while locked, and the caller's error carries the retry-after hint.
type Service struct {
	store     Store
	window    time.Duration
	threshold int
	logger    *slog.Logger
	metrics   *metrics.Metrics
	auditor   AuditRecorder
	now       func() time.Time

	mu        sync.Mutex
	announced map[string]time.Time
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithAuditRecorder(recorder AuditRecorder) Option {
	return func(s *Service) {
		s.auditor = recorder
	}
}

// WithWindow sets the sliding lockout window.
func WithWindow(window time.Duration) Option {
	return func(s *Service) {
		if window > 0 {
			s.window = window
		}
	}
}

// WithThreshold sets how many failures inside the window trigger lockout.
func WithThreshold(threshold int) Option {
	return func(s *Service) {
		if threshold > 0 {
			s.threshold = threshold
		}
	}
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

const (
	defaultWindow    = 15 * time.Minute
	defaultThreshold = 5
)

func New(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "attempt store is required")
	}
	svc := &Service{
		store:     store,
		window:    defaultWindow,
		threshold: defaultThreshold,
		logger:    slog.Default(),
		now:       time.Now,
		announced: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// Window exposes the configured sliding window, for retention sweeps.
func (s *Service) Window() time.Duration {
	return s.window
}

// RecordFailure appends one failed attempt. Crossing the threshold logs
// and audits the lockout once per window. The check is >= rather than ==
// so concurrent attempts that push the count past the threshold in one
// step cannot lose the lockout event.
func (s *Service) RecordFailure(ctx context.Context, email string, appID id.ApplicationID, ipAddress string) error {
	email = normalizeEmail(email)
	if email == "" {
		return dErrors.New(dErrors.CodeInvalidInput, "email is required")
	}
	if appID.IsNil() {
		return dErrors.New(dErrors.CodeInvalidInput, "application ID is required")
	}

	now := s.now()
	if err := s.store.RecordAttempt(ctx, &models.Attempt{
		Email:         email,
		ApplicationID: appID,
		IPAddress:     ipAddress,
		CreatedAt:     now,
	}); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "could not record login attempt")
	}

	stats, err := s.store.WindowStats(ctx, email, appID, now.Add(-s.window))
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "could not count login attempts")
	}
	if stats.Count >= s.threshold && s.announceLockout(email, appID, now) {
		if s.metrics != nil {
			s.metrics.IncrementLockouts()
		}
		s.logger.WarnContext(ctx, "login lockout triggered",
			"application_id", appID.String(),
			"failures", stats.Count,
		)
		if s.auditor != nil {
			s.auditor.Record(ctx, audit.Entry{
				ApplicationID: appID,
				Action:        audit.ActionAccountLocked,
				ResourceType:  "login_guard",
				ResourceID:    email,
				Metadata:      map[string]string{"ip_address": ipAddress},
			})
		}
	}
	return nil
}

// Check reports the lockout state for (email, application). The lockout
// clears on its own once the oldest in-window failure slides out.
func (s *Service) Check(ctx context.Context, email string, appID id.ApplicationID) (Verdict, error) {
	email = normalizeEmail(email)
	now := s.now()

	stats, err := s.store.WindowStats(ctx, email, appID, now.Add(-s.window))
	if err != nil {
		return Verdict{}, dErrors.Wrap(err, dErrors.CodeInternal, "could not count login attempts")
	}

	verdict := Verdict{Failures: stats.Count}
	if stats.Count >= s.threshold {
		verdict.Locked = true
		verdict.RetryAfter = stats.Oldest.Add(s.window).Sub(now)
		if verdict.RetryAfter < time.Second {
			verdict.RetryAfter = time.Second
		}
	}
	return verdict, nil
}

// IsLocked is Check reduced to the lockout error contract: nil when the
// pair may attempt a login, account_locked with a retry-after hint when
// it may not.
func (s *Service) IsLocked(ctx context.Context, email string, appID id.ApplicationID) error {
	verdict, err := s.Check(ctx, email, appID)
	if err != nil {
		return err
	}
	if verdict.Locked {
		seconds := int(verdict.RetryAfter.Round(time.Second).Seconds())
		return dErrors.NewWithRetry(dErrors.CodeAccountLocked, "too many failed login attempts", seconds)
	}
	return nil
}

// ClearOnSuccess purges the attempt history for the pair after a
// successful login, resetting the failure count to zero. A later lockout
// for the same pair announces again.
func (s *Service) ClearOnSuccess(ctx context.Context, email string, appID id.ApplicationID) error {
	email = normalizeEmail(email)
	if err := s.store.Clear(ctx, email, appID); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "could not clear login attempts")
	}
	s.mu.Lock()
	delete(s.announced, announceKey(email, appID))
	s.mu.Unlock()
	return nil
}

// PurgeExpired removes attempts that slid out of every possible window.
// Called from the periodic sweep.
func (s *Service) PurgeExpired(ctx context.Context) (int, error) {
	now := s.now()
	purged, err := s.store.PurgeBefore(ctx, now.Add(-s.window))
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "could not purge login attempts")
	}

	s.mu.Lock()
	for key, at := range s.announced {
		if now.Sub(at) >= s.window {
			delete(s.announced, key)
		}
	}
	s.mu.Unlock()

	return purged, nil
}

// announceLockout reports whether this attempt should emit the lockout
// event. At most one announcement per (email, application) per window,
// even when several concurrent failures all observe a locked count.
func (s *Service) announceLockout(email string, appID id.ApplicationID, now time.Time) bool {
	key := announceKey(email, appID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.announced[key]; ok && now.Sub(last) < s.window {
		return false
	}
	s.announced[key] = now
	return true
}

func announceKey(email string, appID id.ApplicationID) string {
	return appID.String() + ":" + email
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
