package service

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"log/slog"
	"time"

	"clavis/internal/audit"
	"clavis/internal/keys/keywrap"
	"clavis/internal/keys/models"
	"clavis/internal/platform/metrics"
	id "clavis/pkg/domain"
	dErrors "clavis/pkg/domain-errors"
	"clavis/pkg/platform/sentinel"
	shardedsync "clavis/pkg/platform/sync"
)

// Store defines the persistence interface for signing keys.
// Error Contract: Find methods return sentinel.ErrNotFound (wrapped) when
// the key doesn't exist; Create and Rotate return sentinel.ErrConflict
// when the single-active-key invariant would break.
type Store interface {
	Create(ctx context.Context, key *models.SigningKey) error
	FindByKid(ctx context.Context, appID id.ApplicationID, kid id.KeyID) (*models.SigningKey, error)
	FindActive(ctx context.Context, appID id.ApplicationID) (*models.SigningKey, error)
	ListCandidates(ctx context.Context, appID id.ApplicationID) ([]*models.SigningKey, error)
	Rotate(ctx context.Context, appID id.ApplicationID, newKey *models.SigningKey, at time.Time) error
	MarkRevoked(ctx context.Context, appID id.ApplicationID, kid id.KeyID, at time.Time) error
	RevokeRetiredBefore(ctx context.Context, cutoff, at time.Time) (int, error)
}

// AuditRecorder receives security-relevant key lifecycle events.
type AuditRecorder interface {
	Record(ctx context.Context, entry audit.Entry)
}

// SignerKey is an active key with its private half decrypted in memory.
// It must never be logged or serialized.
type SignerKey struct {
	Kid       id.KeyID
	Algorithm models.Algorithm
	Signer    crypto.Signer
}

// VerificationKey is a public key usable for signature verification.
type VerificationKey struct {
	Kid       id.KeyID
	Algorithm models.Algorithm
	Public    crypto.PublicKey
}

// Service owns per-application signing key lifecycles: provisioning,
// rotation, revocation, and verification key lookup.
type Service struct {
	store     Store
	wrapper   *keywrap.Wrapper
	algorithm models.Algorithm
	grace     time.Duration
	cache     *verificationCache
	rotations *shardedsync.ShardedMutex
	logger    *slog.Logger
	auditor   AuditRecorder
	metrics   *metrics.Metrics
	now       func() time.Time
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithAuditRecorder(recorder AuditRecorder) Option {
	return func(s *Service) {
		s.auditor = recorder
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithAlgorithm sets the algorithm used for newly provisioned keys.
func WithAlgorithm(alg models.Algorithm) Option {
	return func(s *Service) {
		if alg.Valid() {
			s.algorithm = alg
		}
	}
}

// WithGraceWindow sets how long retiring keys remain verifiable.
func WithGraceWindow(grace time.Duration) Option {
	return func(s *Service) {
		if grace > 0 {
			s.grace = grace
		}
	}
}

// WithCacheTTL bounds the verification key cache freshness. It should not
// exceed the grace window, or revoked keys could outlive their window in
// the cache.
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.cache.ttl = ttl
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
	defaultGraceWindow = 24 * time.Hour
	defaultCacheTTL    = 5 * time.Minute
)

func New(store Store, wrapper *keywrap.Wrapper, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "signing key store is required")
	}
	if wrapper == nil {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "key wrapper is required")
	}
	svc := &Service{
		store:     store,
		wrapper:   wrapper,
		algorithm: models.AlgRS256,
		grace:     defaultGraceWindow,
		cache:     newVerificationCache(defaultCacheTTL),
		rotations: shardedsync.NewShardedMutex(),
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// GraceWindow exposes the configured retiring-key grace window.
func (s *Service) GraceWindow() time.Duration {
	return s.grace
}

// Provision generates a fresh key pair for an application, seals the
// private half, and installs it as the application's active key.
func (s *Service) Provision(ctx context.Context, appID id.ApplicationID) (*models.SigningKey, error) {
	if appID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "application ID is required")
	}

	key, err := s.generate(appID)
	if err != nil {
		return nil, err
	}

	if err := s.store.Create(ctx, key); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.Wrap(err, dErrors.CodeConflict, "application already has an active key")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to store signing key")
	}

	s.cache.invalidate(appID)
	s.logKeyEvent(ctx, audit.ActionKeyProvisioned, appID, key.Kid)
	return key, nil
}

// Rotate provisions a new active key and demotes the previous active key
// to retiring. Only one rotation may be in flight per application.
func (s *Service) Rotate(ctx context.Context, appID id.ApplicationID) (*models.SigningKey, error) {
	if appID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "application ID is required")
	}

	lockKey := appID.String()
	s.rotations.Lock(lockKey)
	defer s.rotations.Unlock(lockKey)

	key, err := s.generate(appID)
	if err != nil {
		return nil, err
	}

	if err := s.store.Rotate(ctx, appID, key, s.now()); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.Wrap(err, dErrors.CodeConflict, "rotation already in progress")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to rotate signing key")
	}

	s.cache.invalidate(appID)
	if s.metrics != nil {
		s.metrics.IncrementKeyRotations()
	}
	s.logKeyEvent(ctx, audit.ActionKeyRotated, appID, key.Kid)
	return key, nil
}

// ActiveKey returns the application's current signing key with its
// private half decrypted in memory only.
func (s *Service) ActiveKey(ctx context.Context, appID id.ApplicationID) (*SignerKey, error) {
	record, err := s.store.FindActive(ctx, appID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Wrap(err, dErrors.CodeUnknownKey, "no active signing key for application")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load active key")
	}

	signer, err := s.unseal(record)
	if err != nil {
		return nil, err
	}
	return &SignerKey{Kid: record.Kid, Algorithm: record.Algorithm, Signer: signer}, nil
}

// VerificationKeys returns the application's active and retiring public
// keys whose grace window has not elapsed. Results are cached with a
// short TTL; verification is read-only and lock-free on the hot path.
func (s *Service) VerificationKeys(ctx context.Context, appID id.ApplicationID) ([]VerificationKey, error) {
	now := s.now()
	if cached, ok := s.cache.get(appID, now); ok {
		return cached, nil
	}

	records, err := s.store.ListCandidates(ctx, appID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list verification keys")
	}

	keys := make([]VerificationKey, 0, len(records))
	for _, record := range records {
		if !record.Verifiable(now, s.grace) {
			continue
		}
		pub, err := parsePublicKeyPEM(record.PublicKeyPEM)
		if err != nil {
			s.logger.ErrorContext(ctx, "corrupt public key in store",
				"application_id", appID.String(),
				"kid", record.Kid.String(),
				"error", err,
			)
			continue
		}
		keys = append(keys, VerificationKey{Kid: record.Kid, Algorithm: record.Algorithm, Public: pub})
	}

	s.cache.put(appID, keys, now)
	return keys, nil
}

// VerificationKey returns the single public key matching kid, or a
// CodeUnknownKey error when the kid is absent, revoked, or past grace.
// An unknown kid signals either a revoked key or cross-tenant token misuse.
func (s *Service) VerificationKey(ctx context.Context, appID id.ApplicationID, kid id.KeyID) (*VerificationKey, error) {
	keys, err := s.VerificationKeys(ctx, appID)
	if err != nil {
		return nil, err
	}
	for i := range keys {
		if keys[i].Kid == kid {
			return &keys[i], nil
		}
	}
	return nil, dErrors.New(dErrors.CodeUnknownKey, "unknown key ID")
}

// Revoke immediately removes a key from future verification.
// Used for suspected compromise; in-flight tokens signed by it fail closed.
func (s *Service) Revoke(ctx context.Context, appID id.ApplicationID, kid id.KeyID) error {
	if err := s.store.MarkRevoked(ctx, appID, kid, s.now()); err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.Wrap(err, dErrors.CodeNotFound, "signing key not found")
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to revoke signing key")
	}

	s.cache.invalidate(appID)
	if s.metrics != nil {
		s.metrics.IncrementKeysRevoked()
	}
	s.logKeyEvent(ctx, audit.ActionKeyRevoked, appID, kid)
	return nil
}

// RevokeElapsed demotes retiring keys whose grace window has elapsed.
// Intended to run on a schedule; idempotent and safe to run concurrently.
func (s *Service) RevokeElapsed(ctx context.Context) (int, error) {
	now := s.now()
	count, err := s.store.RevokeRetiredBefore(ctx, now.Add(-s.grace), now)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to revoke elapsed keys")
	}
	if count > 0 {
		s.logger.InfoContext(ctx, "revoked retiring keys past grace window", "count", count)
	}
	return count, nil
}

func (s *Service) generate(appID id.ApplicationID) (*models.SigningKey, error) {
	var (
		signer  crypto.Signer
		keyPEM  []byte
		pubPEM  []byte
		err     error
		keyType string
	)

	switch s.algorithm {
	case models.AlgRS256:
		keyType = "RSA PRIVATE KEY"
		signer, err = rsa.GenerateKey(rand.Reader, 2048)
	case models.AlgES256:
		keyType = "EC PRIVATE KEY"
		signer, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	default:
		return nil, dErrors.New(dErrors.CodeKeyGenerationFailed, "unsupported signing algorithm")
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeKeyGenerationFailed, "key pair generation failed")
	}

	der, err := x509.MarshalPKCS8PrivateKey(signer)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeKeyGenerationFailed, "could not encode private key")
	}
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: keyType, Bytes: der})

	pubDER, err := x509.MarshalPKIXPublicKey(signer.Public())
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeKeyGenerationFailed, "could not encode public key")
	}
	pubPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

	sealed, err := s.wrapper.Seal(keyPEM)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeKeyGenerationFailed, "could not seal private key")
	}

	return &models.SigningKey{
		Kid:           id.NewKeyID(),
		ApplicationID: appID,
		Algorithm:     s.algorithm,
		PublicKeyPEM:  pubPEM,
		PrivateKeyEnc: sealed,
		Status:        models.StatusActive,
		CreatedAt:     s.now(),
	}, nil
}

func (s *Service) unseal(record *models.SigningKey) (crypto.Signer, error) {
	keyPEM, err := s.wrapper.Open(record.PrivateKeyEnc)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "could not unseal signing key")
	}
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, dErrors.New(dErrors.CodeInternal, "malformed private key PEM")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "could not parse private key")
	}
	signer, ok := parsed.(crypto.Signer)
	if !ok {
		return nil, dErrors.New(dErrors.CodeInternal, "private key does not implement crypto.Signer")
	}
	return signer, nil
}

func (s *Service) logKeyEvent(ctx context.Context, event string, appID id.ApplicationID, kid id.KeyID) {
	s.logger.InfoContext(ctx, event,
		"application_id", appID.String(),
		"kid", kid.String(),
		"event", event,
		"log_type", "audit",
	)
	if s.auditor != nil {
		s.auditor.Record(ctx, audit.Entry{
			Action:       event,
			ResourceType: "signing_key",
			ResourceID:   kid.String(),
			Metadata:     map[string]string{"application_id": appID.String()},
		})
	}
}

func parsePublicKeyPEM(pemBytes []byte) (crypto.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("malformed public key PEM")
	}
	return x509.ParsePKIXPublicKey(block.Bytes)
}
