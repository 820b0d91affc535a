package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"clavis/internal/keys/models"
	id "clavis/pkg/domain"
	"clavis/pkg/platform/sentinel"
)

// Error Contract:
// All store methods follow this error pattern:
// - Return sentinel.ErrNotFound (wrapped) when the requested key does not exist
// - Return sentinel.ErrConflict (wrapped) when the single-active-key invariant would break
// - Return nil for successful operations

// InMemoryStore keeps signing keys in memory for tests/dev.
type InMemoryStore struct {
	mu   sync.RWMutex
	keys map[id.ApplicationID]map[id.KeyID]*models.SigningKey
}

// NewMemory constructs an empty in-memory signing key store.
func NewMemory() *InMemoryStore {
	return &InMemoryStore{keys: make(map[id.ApplicationID]map[id.KeyID]*models.SigningKey)}
}

func (s *InMemoryStore) Create(_ context.Context, key *models.SigningKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(key)
}

func (s *InMemoryStore) createLocked(key *models.SigningKey) error {
	appKeys, ok := s.keys[key.ApplicationID]
	if !ok {
		appKeys = make(map[id.KeyID]*models.SigningKey)
		s.keys[key.ApplicationID] = appKeys
	}
	if _, exists := appKeys[key.Kid]; exists {
		return fmt.Errorf("key %s already exists: %w", key.Kid, sentinel.ErrConflict)
	}
	if key.IsActive() {
		for _, existing := range appKeys {
			if existing.IsActive() {
				return fmt.Errorf("application already has an active key: %w", sentinel.ErrConflict)
			}
		}
	}
	cp := *key
	appKeys[key.Kid] = &cp
	return nil
}

func (s *InMemoryStore) FindByKid(_ context.Context, appID id.ApplicationID, kid id.KeyID) (*models.SigningKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if key, ok := s.keys[appID][kid]; ok {
		cp := *key
		return &cp, nil
	}
	return nil, fmt.Errorf("signing key not found: %w", sentinel.ErrNotFound)
}

func (s *InMemoryStore) FindActive(_ context.Context, appID id.ApplicationID) (*models.SigningKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, key := range s.keys[appID] {
		if key.IsActive() {
			cp := *key
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("no active signing key: %w", sentinel.ErrNotFound)
}

// ListCandidates returns the application's active and retiring keys.
// The service applies the grace-window filter; the store is pure I/O.
func (s *InMemoryStore) ListCandidates(_ context.Context, appID id.ApplicationID) ([]*models.SigningKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]*models.SigningKey, 0)
	for _, key := range s.keys[appID] {
		if key.Status == models.StatusActive || key.Status == models.StatusRetiring {
			cp := *key
			keys = append(keys, &cp)
		}
	}
	return keys, nil
}

// Rotate atomically demotes the current active key to retiring and
// installs newKey as the single active key.
func (s *InMemoryStore) Rotate(_ context.Context, appID id.ApplicationID, newKey *models.SigningKey, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range s.keys[appID] {
		if key.IsActive() {
			key.Retire(at)
		}
	}
	return s.createLocked(newKey)
}

func (s *InMemoryStore) MarkRevoked(_ context.Context, appID id.ApplicationID, kid id.KeyID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.keys[appID][kid]
	if !ok {
		return fmt.Errorf("signing key not found: %w", sentinel.ErrNotFound)
	}
	if !key.Revoke(at) {
		return fmt.Errorf("signing key already revoked: %w", sentinel.ErrInvalidState)
	}
	return nil
}

// RevokeRetiredBefore revokes retiring keys whose retirement happened
// before cutoff (i.e. whose grace window has elapsed). Returns the count.
func (s *InMemoryStore) RevokeRetiredBefore(_ context.Context, cutoff, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := 0
	for _, appKeys := range s.keys {
		for _, key := range appKeys {
			if key.Status == models.StatusRetiring && key.RetiredAt != nil && key.RetiredAt.Before(cutoff) {
				if key.Revoke(at) {
					revoked++
				}
			}
		}
	}
	return revoked, nil
}
