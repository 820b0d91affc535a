package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"clavis/internal/session/models"
	id "clavis/pkg/domain"
	"clavis/pkg/platform/sentinel"
)

// Error Contract:
// All store methods follow this error pattern:
// - Return sentinel.ErrNotFound (wrapped) when no session matches
// - Return sentinel.ErrAlreadyUsed (wrapped) from Rotate when the token
//   digest resolves to a non-Active session (reuse signal)
// - Return sentinel.ErrExpired (wrapped) from Rotate when the session is
//   Active but past expiry
// - Return sentinel.ErrConflict (wrapped) on duplicate IDs or digests

// InMemoryStore keeps sessions in memory for tests/dev.
type InMemoryStore struct {
	mu       sync.Mutex
	sessions map[id.SessionID]*models.Session
	byDigest map[string]id.SessionID
}

// NewMemory constructs an empty in-memory session store.
func NewMemory() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[id.SessionID]*models.Session),
		byDigest: make(map[string]id.SessionID),
	}
}

func (s *InMemoryStore) Create(_ context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(session)
}

func (s *InMemoryStore) createLocked(session *models.Session) error {
	if _, exists := s.sessions[session.ID]; exists {
		return fmt.Errorf("session %s already exists: %w", session.ID, sentinel.ErrConflict)
	}
	if _, exists := s.byDigest[session.RefreshTokenDigest]; exists {
		return fmt.Errorf("refresh token digest collision: %w", sentinel.ErrConflict)
	}
	cp := *session
	s.sessions[session.ID] = &cp
	s.byDigest[session.RefreshTokenDigest] = session.ID
	return nil
}

func (s *InMemoryStore) FindByID(_ context.Context, sessionID id.SessionID) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[sessionID]; ok {
		cp := *session
		return &cp, nil
	}
	return nil, fmt.Errorf("session not found: %w", sentinel.ErrNotFound)
}

func (s *InMemoryStore) FindByDigest(_ context.Context, digest string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sessionID, ok := s.byDigest[digest]; ok {
		cp := *s.sessions[sessionID]
		return &cp, nil
	}
	return nil, fmt.Errorf("session not found: %w", sentinel.ErrNotFound)
}

func (s *InMemoryStore) ListByPrincipal(_ context.Context, principal id.Principal) ([]*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions := make([]*models.Session, 0)
	for _, session := range s.sessions {
		if session.Principal == principal {
			cp := *session
			sessions = append(sessions, &cp)
		}
	}
	return sessions, nil
}

// Rotate atomically consumes the Active session matching digest and
// installs its successor, built by next from the locked session state.
// The check-and-transition and the successor insert happen under one
// lock so two concurrent refreshes with the same token cannot both win.
func (s *InMemoryStore) Rotate(_ context.Context, digest string, at time.Time, next func(old *models.Session) (*models.Session, error)) (*models.Session, *models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessionID, ok := s.byDigest[digest]
	if !ok {
		return nil, nil, fmt.Errorf("session not found: %w", sentinel.ErrNotFound)
	}
	session := s.sessions[sessionID]

	if session.Status != models.StatusActive {
		cp := *session
		return &cp, nil, fmt.Errorf("refresh token already consumed: %w", sentinel.ErrAlreadyUsed)
	}
	if session.TimedOut(at) {
		session.ApplyExpiry()
		cp := *session
		return &cp, nil, fmt.Errorf("session expired: %w", sentinel.ErrExpired)
	}

	successor, err := next(session)
	if err != nil {
		return nil, nil, err
	}

	session.ApplyRotation(at)
	if err := s.createLocked(successor); err != nil {
		return nil, nil, err
	}

	oldCp := *session
	newCp := *successor
	return &oldCp, &newCp, nil
}

// RevokeByID terminates a session. Revoking an already-terminal session
// is a no-op so logout stays idempotent.
func (s *InMemoryStore) RevokeByID(_ context.Context, sessionID id.SessionID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session not found: %w", sentinel.ErrNotFound)
	}
	if session.Status == models.StatusActive {
		session.ApplyRevocation(at)
	}
	return nil
}

// RevokeFamily terminates every Active session in a token family.
func (s *InMemoryStore) RevokeFamily(_ context.Context, familyID id.FamilyID, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := 0
	for _, session := range s.sessions {
		if session.FamilyID == familyID && session.Status == models.StatusActive {
			session.ApplyRevocation(at)
			revoked++
		}
	}
	return revoked, nil
}

// RevokeAllForPrincipal terminates every Active session held by the
// principal across all its token families.
func (s *InMemoryStore) RevokeAllForPrincipal(_ context.Context, principal id.Principal, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := 0
	for _, session := range s.sessions {
		if session.Principal == principal && session.Status == models.StatusActive {
			session.ApplyRevocation(at)
			revoked++
		}
	}
	return revoked, nil
}

// MarkExpired transitions Active sessions past expiry to Expired.
func (s *InMemoryStore) MarkExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expired := 0
	for _, session := range s.sessions {
		if session.TimedOut(now) {
			session.ApplyExpiry()
			expired++
		}
	}
	return expired, nil
}

// DeleteExpiredBefore removes sessions whose expiry predates cutoff,
// regardless of status. Keyed deletes make concurrent sweeps idempotent.
func (s *InMemoryStore) DeleteExpiredBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for sessionID, session := range s.sessions {
		if session.ExpiresAt.Before(cutoff) {
			delete(s.byDigest, session.RefreshTokenDigest)
			delete(s.sessions, sessionID)
			deleted++
		}
	}
	return deleted, nil
}
