package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"clavis/internal/webhook/models"
	id "clavis/pkg/domain"
	"clavis/pkg/platform/sentinel"
)

// InMemoryStore keeps webhook deliveries in memory for tests/dev.
type InMemoryStore struct {
	mu         sync.Mutex
	deliveries map[uuid.UUID]*models.Delivery
}

// NewMemory constructs an empty in-memory delivery store.
func NewMemory() *InMemoryStore {
	return &InMemoryStore{deliveries: make(map[uuid.UUID]*models.Delivery)}
}

func (s *InMemoryStore) Enqueue(_ context.Context, delivery *models.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.deliveries[delivery.ID]; exists {
		return fmt.Errorf("delivery %s already exists: %w", delivery.ID, sentinel.ErrConflict)
	}
	cp := *delivery
	s.deliveries[delivery.ID] = &cp
	return nil
}

// ClaimDue leases up to limit pending deliveries whose next attempt is
// due, pushing their next_attempt_at forward by lease so concurrent
// pollers do not pick the same rows.
func (s *InMemoryStore) ClaimDue(_ context.Context, now time.Time, limit int, lease time.Duration) ([]*models.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	due := make([]*models.Delivery, 0)
	for _, delivery := range s.deliveries {
		if delivery.Status == models.StatusPending && !delivery.NextAttemptAt.After(now) {
			due = append(due, delivery)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*models.Delivery, 0, len(due))
	for _, delivery := range due {
		delivery.NextAttemptAt = now.Add(lease)
		cp := *delivery
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

// RecordAttempt persists the outcome of one delivery attempt.
func (s *InMemoryStore) RecordAttempt(_ context.Context, delivery *models.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.deliveries[delivery.ID]; !exists {
		return fmt.Errorf("delivery not found: %w", sentinel.ErrNotFound)
	}
	cp := *delivery
	s.deliveries[delivery.ID] = &cp
	return nil
}

func (s *InMemoryStore) FindByID(_ context.Context, deliveryID uuid.UUID) (*models.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if delivery, ok := s.deliveries[deliveryID]; ok {
		cp := *delivery
		return &cp, nil
	}
	return nil, fmt.Errorf("delivery not found: %w", sentinel.ErrNotFound)
}

// ListByApplication returns the delivery log for an application, newest
// first, capped at limit.
func (s *InMemoryStore) ListByApplication(_ context.Context, appID id.ApplicationID, limit int) ([]*models.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deliveries := make([]*models.Delivery, 0)
	for _, delivery := range s.deliveries {
		if delivery.ApplicationID == appID {
			cp := *delivery
			deliveries = append(deliveries, &cp)
		}
	}
	sort.Slice(deliveries, func(i, j int) bool {
		return deliveries[i].CreatedAt.After(deliveries[j].CreatedAt)
	})
	if limit > 0 && len(deliveries) > limit {
		deliveries = deliveries[:limit]
	}
	return deliveries, nil
}

// CountPending reports the queue depth.
func (s *InMemoryStore) CountPending(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := 0
	for _, delivery := range s.deliveries {
		if delivery.Status == models.StatusPending {
			pending++
		}
	}
	return pending, nil
}
