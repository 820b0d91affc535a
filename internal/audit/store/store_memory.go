package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"clavis/internal/audit"
	id "clavis/pkg/domain"
)

// InMemoryStore keeps audit entries in memory for tests/dev.
// Append-only: there is no update or delete path.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries []audit.Entry
}

func NewMemory() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) Append(_ context.Context, entry *audit.Entry) error {
	if entry == nil {
		return fmt.Errorf("audit entry is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, *entry)
	return nil
}

// ListByTenant returns entries for a tenant recorded at or after since,
// newest first, capped at limit.
func (s *InMemoryStore) ListByTenant(_ context.Context, tenantID id.TenantID, since time.Time, limit int) ([]audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]audit.Entry, 0)
	for _, entry := range s.entries {
		if entry.TenantID == tenantID && !entry.Timestamp.Before(since) {
			matched = append(matched, entry)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// Len reports the number of stored entries.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
