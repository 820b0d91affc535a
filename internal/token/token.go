// Package token mints and verifies the access tokens issued to
// authenticated principals. Tokens are asymmetric JWTs signed with the
// owning application's active key; verification is stateless and never
// touches the session store.
package token

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	keys "clavis/internal/keys/service"
	"clavis/internal/platform/metrics"
	id "clavis/pkg/domain"
	dErrors "clavis/pkg/domain-errors"
)

// KeyProvider resolves signing and verification keys per application.
// Satisfied by the key service.
type KeyProvider interface {
	ActiveKey(ctx context.Context, appID id.ApplicationID) (*keys.SignerKey, error)
	VerificationKey(ctx context.Context, appID id.ApplicationID, kid id.KeyID) (*keys.VerificationKey, error)
}

// Claims carried in every access token alongside the registered set.
type Claims struct {
	PrincipalType string         `json:"principal_type"`
	SessionID     string         `json:"sid,omitempty"`
	Roles         []string       `json:"roles,omitempty"`
	CustomData    map[string]any `json:"custom_data,omitempty"`
	jwt.RegisteredClaims
}

// Principal reconstructs the token holder from the sub and type claims.
func (c *Claims) Principal() (id.Principal, error) {
	return id.ParsePrincipal(c.PrincipalType, c.Subject)
}

// IssueParams are the per-token inputs to Issue. Issuer and Audience are
// derived from the application, not caller-supplied.
type IssueParams struct {
	Principal  id.Principal
	SessionID  id.SessionID
	Roles      []string
	CustomData map[string]any
}

// Service issues and verifies access tokens.
type Service struct {
	keys       KeyProvider
	issuerBase string
	ttl        time.Duration
	leeway     time.Duration
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

// WithTTL sets the access token lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithLeeway sets the clock-skew allowance applied during verification.
func WithLeeway(leeway time.Duration) Option {
	return func(s *Service) {
		if leeway > 0 {
			s.leeway = leeway
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
	defaultTTL    = 10 * time.Minute
	defaultLeeway = 30 * time.Second
)

func New(keyProvider KeyProvider, issuerBase string, opts ...Option) (*Service, error) {
	if keyProvider == nil {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "key provider is required")
	}
	if issuerBase == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "issuer base is required")
	}
	svc := &Service{
		keys:       keyProvider,
		issuerBase: issuerBase,
		ttl:        defaultTTL,
		leeway:     defaultLeeway,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// TTL exposes the configured access token lifetime.
func (s *Service) TTL() time.Duration {
	return s.ttl
}

// Issuer renders the issuer claim value for an application.
func (s *Service) Issuer(appID id.ApplicationID) string {
	return s.issuerBase + "/" + appID.String()
}

// Issue mints an access token for the principal, signed with the
// application's active key. The kid rides in the token header so
// verifiers can pick the right public key across rotations.
func (s *Service) Issue(ctx context.Context, appID id.ApplicationID, params IssueParams) (string, *Claims, error) {
	if appID.IsNil() {
		return "", nil, dErrors.New(dErrors.CodeInvalidInput, "application ID is required")
	}
	if params.Principal.IsZero() {
		return "", nil, dErrors.New(dErrors.CodeInvalidInput, "principal is required")
	}

	signer, err := s.keys.ActiveKey(ctx, appID)
	if err != nil {
		return "", nil, err
	}

	now := s.now()
	claims := &Claims{
		PrincipalType: string(params.Principal.Type),
		Roles:         params.Roles,
		CustomData:    params.CustomData,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   params.Principal.Subject(),
			Issuer:    s.Issuer(appID),
			Audience:  jwt.ClaimStrings{appID.String()},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			ID:        uuid.New().String(),
		},
	}
	if !params.SessionID.IsNil() {
		claims.SessionID = params.SessionID.String()
	}

	tok := jwt.NewWithClaims(signingMethodFor(signer.Algorithm.String()), claims)
	tok.Header["kid"] = signer.Kid.String()

	signed, err := tok.SignedString(signer.Signer)
	if err != nil {
		return "", nil, dErrors.Wrap(err, dErrors.CodeInternal, "could not sign access token")
	}

	if s.metrics != nil {
		s.metrics.IncrementTokensIssued()
	}
	return signed, claims, nil
}

// Verify parses and validates a raw token against the application's
// verification keys. Failures carry distinct codes so callers can tell
// an expired token from a forged or cross-application one.
func (s *Service) Verify(ctx context.Context, appID id.ApplicationID, raw string) (*Claims, error) {
	if raw == "" {
		return nil, s.fail("invalid_input", dErrors.New(dErrors.CodeInvalidInput, "token is required"))
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg(), jwt.SigningMethodES256.Alg()}),
		jwt.WithLeeway(s.leeway),
		jwt.WithIssuer(s.Issuer(appID)),
		jwt.WithAudience(appID.String()),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)

	var keyErr error
	tok, err := parser.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			keyErr = dErrors.New(dErrors.CodeUnknownKey, "token header missing kid")
			return nil, keyErr
		}
		vk, err := s.keys.VerificationKey(ctx, appID, id.KeyID(kid))
		if err != nil {
			keyErr = err
			return nil, err
		}
		if vk.Algorithm.String() != t.Method.Alg() {
			keyErr = dErrors.New(dErrors.CodeInvalidSignature, "token algorithm does not match key")
			return nil, keyErr
		}
		return vk.Public, nil
	})
	if err != nil {
		return nil, s.classify(err, keyErr)
	}

	claims, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid {
		return nil, s.fail("claim_mismatch", dErrors.New(dErrors.CodeClaimMismatch, "token claims are invalid"))
	}
	if _, err := claims.Principal(); err != nil {
		return nil, s.fail("claim_mismatch", dErrors.New(dErrors.CodeClaimMismatch, "token subject is not a valid principal"))
	}

	if s.metrics != nil {
		s.metrics.IncrementTokensVerified("ok")
	}
	return claims, nil
}

// classify maps jwt library errors onto the domain error codes.
// keyErr wins: the keyfunc already produced a typed error.
func (s *Service) classify(err, keyErr error) error {
	if keyErr != nil {
		return s.fail(failResult(keyErr), keyErr)
	}
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return s.fail("expired", dErrors.Wrap(err, dErrors.CodeTokenExpired, "token has expired"))
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return s.fail("invalid_signature", dErrors.Wrap(err, dErrors.CodeInvalidSignature, "token signature is invalid"))
	case errors.Is(err, jwt.ErrTokenInvalidIssuer), errors.Is(err, jwt.ErrTokenInvalidAudience):
		return s.fail("claim_mismatch", dErrors.Wrap(err, dErrors.CodeClaimMismatch, "token issuer or audience mismatch"))
	case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return s.fail("claim_mismatch", dErrors.Wrap(err, dErrors.CodeClaimMismatch, "token is not valid yet"))
	default:
		return s.fail("malformed", dErrors.Wrap(err, dErrors.CodeInvalidSignature, "token could not be verified"))
	}
}

func (s *Service) fail(result string, err error) error {
	if s.metrics != nil {
		s.metrics.IncrementTokensVerified(result)
	}
	return err
}

func failResult(err error) string {
	switch {
	case dErrors.HasCode(err, dErrors.CodeUnknownKey):
		return "unknown_key"
	case dErrors.HasCode(err, dErrors.CodeInvalidSignature):
		return "invalid_signature"
	default:
		return "error"
	}
}

func signingMethodFor(alg string) jwt.SigningMethod {
	if alg == jwt.SigningMethodES256.Alg() {
		return jwt.SigningMethodES256
	}
	return jwt.SigningMethodRS256
}
