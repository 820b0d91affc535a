package service

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"clavis/internal/audit"
	"clavis/internal/platform/metrics"
	"clavis/internal/session/device"
	"clavis/internal/session/models"
	id "clavis/pkg/domain"
	dErrors "clavis/pkg/domain-errors"
	"clavis/pkg/platform/sentinel"
	"clavis/pkg/secrets"
)

// Store defines the persistence interface for sessions.
// Error Contract: Rotate returns sentinel.ErrAlreadyUsed when the digest
// resolves to a non-Active session (the reuse signal), sentinel.ErrExpired
// when the session aged out, sentinel.ErrNotFound when no session matches.
type Store interface {
	Create(ctx context.Context, session *models.Session) error
	FindByID(ctx context.Context, sessionID id.SessionID) (*models.Session, error)
	FindByDigest(ctx context.Context, digest string) (*models.Session, error)
	ListByPrincipal(ctx context.Context, principal id.Principal) ([]*models.Session, error)
	Rotate(ctx context.Context, digest string, at time.Time, next func(old *models.Session) (*models.Session, error)) (*models.Session, *models.Session, error)
	RevokeByID(ctx context.Context, sessionID id.SessionID, at time.Time) error
	RevokeFamily(ctx context.Context, familyID id.FamilyID, at time.Time) (int, error)
	RevokeAllForPrincipal(ctx context.Context, principal id.Principal, at time.Time) (int, error)
	MarkExpired(ctx context.Context, now time.Time) (int, error)
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// WebhookEmitter schedules asynchronous event delivery to tenant endpoints.
type WebhookEmitter interface {
	Enqueue(ctx context.Context, appID id.ApplicationID, eventType string, payload map[string]any) error
}

// AuditRecorder receives security-relevant session lifecycle events.
type AuditRecorder interface {
	Record(ctx context.Context, entry audit.Entry)
}

// DeviceInput carries the request attributes captured at login.
type DeviceInput struct {
	UserAgent string
	IPAddress string
}

// Service owns the refresh-token lifecycle: creation, rotation-on-use
// with theft detection, revocation, and expiry sweeps.
type Service struct {
	store      Store
	webhooks   WebhookEmitter
	auditor    AuditRecorder
	refreshTTL time.Duration
	retention  time.Duration
	logger     *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
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

func WithWebhookEmitter(emitter WebhookEmitter) Option {
	return func(s *Service) {
		s.webhooks = emitter
	}
}

func WithAuditRecorder(recorder AuditRecorder) Option {
	return func(s *Service) {
		s.auditor = recorder
	}
}

// WithRefreshTTL sets the refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
	}
}

// WithRetentionGrace sets how long terminal sessions are kept past
// expiry before the sweep deletes them.
func WithRetentionGrace(grace time.Duration) Option {
	return func(s *Service) {
		if grace > 0 {
			s.retention = grace
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
	defaultRefreshTTL = 30 * 24 * time.Hour
	defaultRetention  = 72 * time.Hour

	// EventReuseDetected is sent to the application's webhook endpoint
	// when a rotated refresh token is replayed.
	EventReuseDetected = "session.reuse_detected"
)

func New(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "session store is required")
	}
	svc := &Service{
		store:      store,
		refreshTTL: defaultRefreshTTL,
		retention:  defaultRetention,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// Create starts a fresh Active session in a new token family and returns
// it together with the plaintext refresh token. The token is returned
// exactly once; only its digest is stored.
func (s *Service) Create(ctx context.Context, appID id.ApplicationID, principal id.Principal, dev DeviceInput) (*models.Session, string, error) {
	if appID.IsNil() {
		return nil, "", dErrors.New(dErrors.CodeInvalidInput, "application ID is required")
	}
	if principal.IsZero() {
		return nil, "", dErrors.New(dErrors.CodeInvalidInput, "principal is required")
	}

	plaintext, err := secrets.Generate()
	if err != nil {
		return nil, "", dErrors.Wrap(err, dErrors.CodeInternal, "could not generate refresh token")
	}

	now := s.now()
	session := &models.Session{
		ID:                 id.NewSessionID(),
		Principal:          principal,
		ApplicationID:      appID,
		FamilyID:           id.NewFamilyID(),
		RefreshTokenDigest: secrets.Digest(plaintext),
		Status:             models.StatusActive,
		Device: models.DeviceInfo{
			UserAgent:   dev.UserAgent,
			DisplayName: device.DisplayName(dev.UserAgent),
			IPAddress:   dev.IPAddress,
		},
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.refreshTTL),
		LastUsedAt: now,
	}

	if err := s.store.Create(ctx, session); err != nil {
		return nil, "", dErrors.Wrap(err, dErrors.CodeInternal, "could not persist session")
	}

	if s.metrics != nil {
		s.metrics.IncrementActiveSessions(1)
	}
	s.record(ctx, audit.Entry{
		Actor:         principal,
		ApplicationID: appID,
		Action:        audit.ActionSessionCreated,
		ResourceType:  "session",
		ResourceID:    session.ID.String(),
		Metadata:      map[string]string{"family_id": session.FamilyID.String(), "device": session.Device.DisplayName},
	})
	return session, plaintext, nil
}

// Rotate redeems a refresh token: the presented session is marked
// Rotated and a successor in the same family becomes the only redeemable
// token. Presenting an already-consumed token is treated as theft and
// revokes the entire family.
func (s *Service) Rotate(ctx context.Context, rawToken string) (*models.Session, string, error) {
	if rawToken == "" {
		return nil, "", dErrors.New(dErrors.CodeInvalidInput, "refresh token is required")
	}

	var plaintext string
	digest := secrets.Digest(rawToken)
	now := s.now()

	old, successor, err := s.store.Rotate(ctx, digest, now, func(old *models.Session) (*models.Session, error) {
		token, genErr := secrets.Generate()
		if genErr != nil {
			return nil, dErrors.Wrap(genErr, dErrors.CodeInternal, "could not generate refresh token")
		}
		plaintext = token
		return old.Successor(id.NewSessionID(), secrets.Digest(token), now, now.Add(s.refreshTTL)), nil
	})
	if err != nil {
		switch {
		case errors.Is(err, sentinel.ErrAlreadyUsed):
			return nil, "", s.handleReuse(ctx, old)
		case errors.Is(err, sentinel.ErrExpired):
			if s.metrics != nil {
				s.metrics.DecrementActiveSessions(1)
			}
			return nil, "", dErrors.Wrap(err, dErrors.CodeTokenExpired, "refresh token has expired")
		case errors.Is(err, sentinel.ErrNotFound):
			return nil, "", dErrors.Wrap(err, dErrors.CodeUnauthorized, "unknown refresh token")
		default:
			return nil, "", dErrors.Wrap(err, dErrors.CodeInternal, "could not rotate session")
		}
	}

	if s.metrics != nil {
		s.metrics.IncrementSessionsRotated()
	}
	s.record(ctx, audit.Entry{
		Actor:         successor.Principal,
		ApplicationID: successor.ApplicationID,
		Action:        audit.ActionTokenRefreshed,
		ResourceType:  "session",
		ResourceID:    successor.ID.String(),
		Metadata:      map[string]string{"family_id": successor.FamilyID.String(), "predecessor": old.ID.String()},
	})
	return successor, plaintext, nil
}

// handleReuse runs the theft-signal path: the whole family is revoked,
// the event escalates to audit as high severity, and the tenant gets a
// webhook. Favoring detectability over availability is deliberate: the
// legitimate holder is forced to re-authenticate.
func (s *Service) handleReuse(ctx context.Context, presented *models.Session) error {
	now := s.now()
	revoked, err := s.store.RevokeFamily(ctx, presented.FamilyID, now)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to revoke session family after reuse",
			"family_id", presented.FamilyID.String(),
			"error", err,
		)
	}

	if s.metrics != nil {
		s.metrics.IncrementReuseDetected()
		s.metrics.DecrementActiveSessions(revoked)
	}
	s.logger.WarnContext(ctx, "refresh token reuse detected, family revoked",
		"family_id", presented.FamilyID.String(),
		"application_id", presented.ApplicationID.String(),
		"sessions_revoked", revoked,
	)
	s.record(ctx, audit.Entry{
		Actor:         presented.Principal,
		ApplicationID: presented.ApplicationID,
		Action:        audit.ActionReuseDetected,
		ResourceType:  "session_family",
		ResourceID:    presented.FamilyID.String(),
		Metadata: map[string]string{
			"severity":         "high",
			"presented":        presented.ID.String(),
			"sessions_revoked": strconv.Itoa(revoked),
		},
	})
	s.emit(ctx, presented.ApplicationID, EventReuseDetected, map[string]any{
		"family_id":        presented.FamilyID.String(),
		"principal_type":   string(presented.Principal.Type),
		"principal_id":     presented.Principal.ID.String(),
		"sessions_revoked": revoked,
	})

	return dErrors.New(dErrors.CodeSessionReuseDetected, "refresh token reuse detected")
}

// Revoke terminates one session (logout). Idempotent for terminal sessions.
func (s *Service) Revoke(ctx context.Context, sessionID id.SessionID) error {
	session, err := s.store.FindByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.Wrap(err, dErrors.CodeNotFound, "session not found")
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "could not load session")
	}

	wasActive := session.Status == models.StatusActive
	if err := s.store.RevokeByID(ctx, sessionID, s.now()); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "could not revoke session")
	}

	if wasActive && s.metrics != nil {
		s.metrics.DecrementActiveSessions(1)
	}
	s.record(ctx, audit.Entry{
		Actor:         session.Principal,
		ApplicationID: session.ApplicationID,
		Action:        audit.ActionSessionRevoked,
		ResourceType:  "session",
		ResourceID:    sessionID.String(),
	})
	return nil
}

// RevokeByToken terminates the session a refresh token belongs to
// (logout). The token itself is the credential, so no session id is
// required from the caller.
func (s *Service) RevokeByToken(ctx context.Context, rawToken string) error {
	if rawToken == "" {
		return dErrors.New(dErrors.CodeInvalidInput, "refresh token is required")
	}
	session, err := s.store.FindByDigest(ctx, secrets.Digest(rawToken))
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.Wrap(err, dErrors.CodeUnauthorized, "unknown refresh token")
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "could not load session")
	}
	return s.Revoke(ctx, session.ID)
}

// RevokeFamily terminates every Active session in a token family.
func (s *Service) RevokeFamily(ctx context.Context, familyID id.FamilyID) (int, error) {
	revoked, err := s.store.RevokeFamily(ctx, familyID, s.now())
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "could not revoke session family")
	}
	if s.metrics != nil {
		s.metrics.DecrementActiveSessions(revoked)
	}
	s.record(ctx, audit.Entry{
		Action:       audit.ActionFamilyRevoked,
		ResourceType: "session_family",
		ResourceID:   familyID.String(),
		Metadata:     map[string]string{"sessions_revoked": strconv.Itoa(revoked)},
	})
	return revoked, nil
}

// RevokeAllForPrincipal terminates every Active session the principal
// holds, across devices and token families.
func (s *Service) RevokeAllForPrincipal(ctx context.Context, principal id.Principal) (int, error) {
	if principal.IsZero() {
		return 0, dErrors.New(dErrors.CodeInvalidInput, "principal is required")
	}
	revoked, err := s.store.RevokeAllForPrincipal(ctx, principal, s.now())
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "could not revoke principal sessions")
	}
	if s.metrics != nil {
		s.metrics.DecrementActiveSessions(revoked)
	}
	s.record(ctx, audit.Entry{
		Actor:        principal,
		Action:       audit.ActionSessionsRevoked,
		ResourceType: "principal",
		ResourceID:   principal.String(),
		Metadata:     map[string]string{"sessions_revoked": strconv.Itoa(revoked)},
	})
	return revoked, nil
}

// ListForPrincipal returns the principal's sessions for device listings.
func (s *Service) ListForPrincipal(ctx context.Context, principal id.Principal) ([]*models.Session, error) {
	sessions, err := s.store.ListByPrincipal(ctx, principal)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "could not list sessions")
	}
	return sessions, nil
}

// SweepExpired transitions aged-out Active sessions to Expired and
// deletes sessions past expiry plus the retention grace. Idempotent and
// safe to run concurrently from multiple nodes.
func (s *Service) SweepExpired(ctx context.Context) (expired, deleted int, err error) {
	now := s.now()
	expired, err = s.store.MarkExpired(ctx, now)
	if err != nil {
		return 0, 0, dErrors.Wrap(err, dErrors.CodeInternal, "could not mark expired sessions")
	}
	if expired > 0 && s.metrics != nil {
		s.metrics.DecrementActiveSessions(expired)
	}

	deleted, err = s.store.DeleteExpiredBefore(ctx, now.Add(-s.retention))
	if err != nil {
		return expired, 0, dErrors.Wrap(err, dErrors.CodeInternal, "could not delete expired sessions")
	}
	return expired, deleted, nil
}

func (s *Service) record(ctx context.Context, entry audit.Entry) {
	if s.auditor != nil {
		s.auditor.Record(ctx, entry)
	}
}

func (s *Service) emit(ctx context.Context, appID id.ApplicationID, eventType string, payload map[string]any) {
	if s.webhooks == nil {
		return
	}
	if err := s.webhooks.Enqueue(ctx, appID, eventType, payload); err != nil {
		s.logger.ErrorContext(ctx, "failed to enqueue webhook event",
			"application_id", appID.String(),
			"event_type", eventType,
			"error", err,
		)
	}
}
