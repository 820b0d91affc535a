package authflow

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	id "clavis/pkg/domain"
	dErrors "clavis/pkg/domain-errors"
	"clavis/pkg/secrets"
)

// Identity is the resolved account behind a set of credentials.
type Identity struct {
	Principal id.Principal
	Email     string
	Roles     []string
}

// CredentialVerifier checks a password against the stored credential for
// an account scoped to one application. Implementations return
// unauthorized for unknown accounts and wrong passwords alike.
type CredentialVerifier interface {
	Verify(ctx context.Context, appID id.ApplicationID, email, password string) (*Identity, error)
}

// IdentityResolver looks an account up by principal, used at refresh
// time to re-derive roles without re-prompting for credentials.
type IdentityResolver interface {
	Resolve(ctx context.Context, appID id.ApplicationID, principal id.Principal) (*Identity, error)
}

type registryKey struct {
	appID id.ApplicationID
	email string
}

type registryAccount struct {
	identity     Identity
	passwordHash string
}

// dummyHash is a bcrypt hash of a random string nobody knows. Verify
// runs one comparison whether or not the account exists, keeping the
// timing of both outcomes alike.
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// BcryptRegistry is an in-memory credential backend: accounts keyed by
// (application, email) with bcrypt password hashes. Production installs
// put their own directory behind CredentialVerifier; this one backs
// development and tests.
type BcryptRegistry struct {
	mu          sync.RWMutex
	byEmail     map[registryKey]*registryAccount
	byPrincipal map[id.Principal]*registryAccount
}

func NewBcryptRegistry() *BcryptRegistry {
	return &BcryptRegistry{
		byEmail:     make(map[registryKey]*registryAccount),
		byPrincipal: make(map[id.Principal]*registryAccount),
	}
}

// Register creates an account and returns its identity.
func (r *BcryptRegistry) Register(_ context.Context, appID id.ApplicationID, email, password string, roles []string) (*Identity, error) {
	email = normalizeEmail(email)
	if email == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "email is required")
	}
	hash, err := secrets.Hash(password)
	if err != nil {
		return nil, err
	}
	principal, err := id.NewPrincipal(id.PrincipalUser, uuid.New())
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	key := registryKey{appID: appID, email: email}
	if _, exists := r.byEmail[key]; exists {
		return nil, dErrors.New(dErrors.CodeConflict, "account already exists")
	}
	account := &registryAccount{
		identity:     Identity{Principal: principal, Email: email, Roles: roles},
		passwordHash: hash,
	}
	r.byEmail[key] = account
	r.byPrincipal[principal] = account

	identity := account.identity
	return &identity, nil
}

func (r *BcryptRegistry) Verify(_ context.Context, appID id.ApplicationID, email, password string) (*Identity, error) {
	r.mu.RLock()
	account, ok := r.byEmail[registryKey{appID: appID, email: normalizeEmail(email)}]
	r.mu.RUnlock()

	hash := dummyHash
	if ok {
		hash = account.passwordHash
	}
	if err := secrets.Verify(password, hash); err != nil || !ok {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid credentials")
	}

	identity := account.identity
	return &identity, nil
}

func (r *BcryptRegistry) Resolve(_ context.Context, _ id.ApplicationID, principal id.Principal) (*Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	account, ok := r.byPrincipal[principal]
	if !ok {
		return nil, dErrors.New(dErrors.CodeNotFound, "account not found")
	}
	identity := account.identity
	return &identity, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
