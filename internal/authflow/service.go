// Package authflow orchestrates the login, refresh, and logout flows
// across the guard, credential, session, and token components. It owns
// no state of its own: every step delegates to the component that does.
package authflow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"clavis/internal/audit"
	directory "clavis/internal/directory/models"
	"clavis/internal/platform/metrics"
	sessionmodels "clavis/internal/session/models"
	sessionservice "clavis/internal/session/service"
	"clavis/internal/token"
	id "clavis/pkg/domain"
	dErrors "clavis/pkg/domain-errors"
	"clavis/pkg/platform/sentinel"
)

// ApplicationDirectory resolves the application a login targets.
type ApplicationDirectory interface {
	FindApplication(ctx context.Context, appID id.ApplicationID) (*directory.Application, error)
}

// LoginGuard applies the sliding-window lockout policy.
type LoginGuard interface {
	IsLocked(ctx context.Context, email string, appID id.ApplicationID) error
	RecordFailure(ctx context.Context, email string, appID id.ApplicationID, ipAddress string) error
	ClearOnSuccess(ctx context.Context, email string, appID id.ApplicationID) error
}

// SessionManager is the refresh-token lifecycle surface the flow needs.
type SessionManager interface {
	Create(ctx context.Context, appID id.ApplicationID, principal id.Principal, dev sessionservice.DeviceInput) (*sessionmodels.Session, string, error)
	Rotate(ctx context.Context, rawToken string) (*sessionmodels.Session, string, error)
	RevokeByToken(ctx context.Context, rawToken string) error
}

// TokenIssuer mints access tokens; satisfied by the token service.
type TokenIssuer interface {
	Issue(ctx context.Context, appID id.ApplicationID, params token.IssueParams) (string, *token.Claims, error)
	TTL() time.Duration
}

// AuditRecorder receives login outcome events.
type AuditRecorder interface {
	Record(ctx context.Context, entry audit.Entry)
}

// LoginInput carries everything a password login presents.
type LoginInput struct {
	ApplicationID id.ApplicationID
	Email         string
	Password      string
	UserAgent     string
	IPAddress     string
}

// TokenPair is the result of a successful login or refresh.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresIn    int
	Session      *sessionmodels.Session
}

// Service wires the login flow together.
type Service struct {
	directory ApplicationDirectory
	guard     LoginGuard
	verifier  CredentialVerifier
	resolver  IdentityResolver
	sessions  SessionManager
	tokens    TokenIssuer
	auditor   AuditRecorder
	logger    *slog.Logger
	metrics   *metrics.Metrics
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

// WithIdentityResolver sets the lookup used to re-derive roles at
// refresh time. When the verifier also resolves (the registry does),
// it is picked up automatically.
func WithIdentityResolver(resolver IdentityResolver) Option {
	return func(s *Service) {
		s.resolver = resolver
	}
}

func New(dir ApplicationDirectory, guard LoginGuard, verifier CredentialVerifier, sessions SessionManager, tokens TokenIssuer, opts ...Option) (*Service, error) {
	if dir == nil {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "application directory is required")
	}
	if guard == nil {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "login guard is required")
	}
	if verifier == nil {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "credential verifier is required")
	}
	if sessions == nil {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "session manager is required")
	}
	if tokens == nil {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "token issuer is required")
	}
	svc := &Service{
		directory: dir,
		guard:     guard,
		verifier:  verifier,
		sessions:  sessions,
		tokens:    tokens,
		logger:    slog.Default(),
	}
	if resolver, ok := verifier.(IdentityResolver); ok {
		svc.resolver = resolver
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// Login runs the full password flow: lockout check, credential
// verification, session creation, token issuance. Credential failures
// are indistinguishable to the caller whether the account exists or not.
func (s *Service) Login(ctx context.Context, input LoginInput) (*TokenPair, error) {
	app, err := s.application(ctx, input.ApplicationID)
	if err != nil {
		return nil, err
	}

	if err := s.guard.IsLocked(ctx, input.Email, app.ID); err != nil {
		return nil, err
	}

	identity, err := s.verifier.Verify(ctx, app.ID, input.Email, input.Password)
	if err != nil {
		s.loginFailed(ctx, app, input)
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid credentials")
	}

	if err := s.guard.ClearOnSuccess(ctx, input.Email, app.ID); err != nil {
		s.logger.ErrorContext(ctx, "failed to clear login attempts", "error", err)
	}

	session, refreshToken, err := s.sessions.Create(ctx, app.ID, identity.Principal, sessionservice.DeviceInput{
		UserAgent: input.UserAgent,
		IPAddress: input.IPAddress,
	})
	if err != nil {
		return nil, err
	}

	accessToken, _, err := s.tokens.Issue(ctx, app.ID, token.IssueParams{
		Principal: identity.Principal,
		SessionID: session.ID,
		Roles:     s.roles(identity, app),
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, audit.Entry{
		Actor:         identity.Principal,
		TenantID:      app.TenantID,
		ApplicationID: app.ID,
		Action:        audit.ActionLoginSucceeded,
		ResourceType:  "session",
		ResourceID:    session.ID.String(),
		Metadata:      map[string]string{"ip_address": input.IPAddress, "device": session.Device.DisplayName},
	})

	return s.pair(accessToken, refreshToken, session), nil
}

// Refresh redeems a refresh token for a new token pair. Rotation
// semantics, including family revocation on reuse, live in the session
// service; this adds the access token on top.
func (s *Service) Refresh(ctx context.Context, rawToken string) (*TokenPair, error) {
	session, refreshToken, err := s.sessions.Rotate(ctx, rawToken)
	if err != nil {
		return nil, err
	}

	app, err := s.application(ctx, session.ApplicationID)
	if err != nil {
		return nil, err
	}

	var roles []string
	if s.resolver != nil {
		if identity, resolveErr := s.resolver.Resolve(ctx, app.ID, session.Principal); resolveErr == nil {
			roles = s.roles(identity, app)
		}
	}
	if roles == nil && app.DefaultRole != "" {
		roles = []string{app.DefaultRole}
	}

	accessToken, _, err := s.tokens.Issue(ctx, app.ID, token.IssueParams{
		Principal: session.Principal,
		SessionID: session.ID,
		Roles:     roles,
	})
	if err != nil {
		return nil, err
	}

	return s.pair(accessToken, refreshToken, session), nil
}

// Logout revokes the session behind the presented refresh token.
func (s *Service) Logout(ctx context.Context, rawToken string) error {
	return s.sessions.RevokeByToken(ctx, rawToken)
}

func (s *Service) application(ctx context.Context, appID id.ApplicationID) (*directory.Application, error) {
	if appID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "application ID is required")
	}
	app, err := s.directory.FindApplication(ctx, appID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Wrap(err, dErrors.CodeNotFound, "application not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "could not load application")
	}
	if !app.Active {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "application is disabled")
	}
	return app, nil
}

func (s *Service) loginFailed(ctx context.Context, app *directory.Application, input LoginInput) {
	if err := s.guard.RecordFailure(ctx, input.Email, app.ID, input.IPAddress); err != nil {
		s.logger.ErrorContext(ctx, "failed to record login failure", "error", err)
	}
	if s.metrics != nil {
		s.metrics.IncrementAuthFailures()
	}
	s.record(ctx, audit.Entry{
		TenantID:      app.TenantID,
		ApplicationID: app.ID,
		Action:        audit.ActionLoginFailed,
		ResourceType:  "account",
		ResourceID:    normalizeEmail(input.Email),
		Metadata:      map[string]string{"ip_address": input.IPAddress},
	})
}

func (s *Service) roles(identity *Identity, app *directory.Application) []string {
	if len(identity.Roles) > 0 {
		return identity.Roles
	}
	if app.DefaultRole != "" {
		return []string{app.DefaultRole}
	}
	return nil
}

func (s *Service) pair(accessToken, refreshToken string, session *sessionmodels.Session) *TokenPair {
	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.tokens.TTL().Seconds()),
		Session:      session,
	}
}

func (s *Service) record(ctx context.Context, entry audit.Entry) {
	if s.auditor != nil {
		s.auditor.Record(ctx, entry)
	}
}
