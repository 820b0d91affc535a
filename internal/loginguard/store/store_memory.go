package store

import (
	"context"
	"sync"
	"time"

	"clavis/internal/loginguard/models"
	id "clavis/pkg/domain"
)

type attemptKey struct {
	email string
	appID id.ApplicationID
}

// InMemoryStore keeps login attempts in memory for tests/dev.
type InMemoryStore struct {
	mu       sync.Mutex
	attempts map[attemptKey][]models.Attempt
}

// NewMemory constructs an empty in-memory attempt store.
func NewMemory() *InMemoryStore {
	return &InMemoryStore{attempts: make(map[attemptKey][]models.Attempt)}
}

func (s *InMemoryStore) RecordAttempt(_ context.Context, attempt *models.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := attemptKey{email: attempt.Email, appID: attempt.ApplicationID}
	s.attempts[key] = append(s.attempts[key], *attempt)
	return nil
}

func (s *InMemoryStore) WindowStats(_ context.Context, email string, appID id.ApplicationID, since time.Time) (models.WindowStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats models.WindowStats
	for _, attempt := range s.attempts[attemptKey{email: email, appID: appID}] {
		if attempt.CreatedAt.Before(since) {
			continue
		}
		if stats.Count == 0 || attempt.CreatedAt.Before(stats.Oldest) {
			stats.Oldest = attempt.CreatedAt
		}
		stats.Count++
	}
	return stats, nil
}

func (s *InMemoryStore) Clear(_ context.Context, email string, appID id.ApplicationID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attempts, attemptKey{email: email, appID: appID})
	return nil
}

// PurgeBefore drops attempts older than cutoff across all pairs.
func (s *InMemoryStore) PurgeBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for key, attempts := range s.attempts {
		kept := attempts[:0]
		for _, attempt := range attempts {
			if attempt.CreatedAt.Before(cutoff) {
				purged++
				continue
			}
			kept = append(kept, attempt)
		}
		if len(kept) == 0 {
			delete(s.attempts, key)
		} else {
			s.attempts[key] = kept
		}
	}
	return purged, nil
}
