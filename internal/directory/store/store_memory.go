package store

import (
	"context"
	"fmt"
	"sync"

	"clavis/internal/directory/models"
	id "clavis/pkg/domain"
	"clavis/pkg/platform/sentinel"
)

// Error Contract:
// All store methods follow this error pattern:
// - Return sentinel.ErrNotFound (wrapped) when the requested entity does not exist
// - Return nil for successful operations
// - Return wrapped errors with context for infrastructure failures

// InMemoryStore holds tenants and applications in memory for tests/dev.
type InMemoryStore struct {
	mu           sync.RWMutex
	tenants      map[id.TenantID]*models.Tenant
	applications map[id.ApplicationID]*models.Application
}

// NewMemory constructs an empty in-memory directory store.
func NewMemory() *InMemoryStore {
	return &InMemoryStore{
		tenants:      make(map[id.TenantID]*models.Tenant),
		applications: make(map[id.ApplicationID]*models.Application),
	}
}

func (s *InMemoryStore) SaveTenant(_ context.Context, tenant *models.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[tenant.ID] = tenant
	return nil
}

func (s *InMemoryStore) FindTenant(_ context.Context, tenantID id.TenantID) (*models.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if tenant, ok := s.tenants[tenantID]; ok {
		return tenant, nil
	}
	return nil, fmt.Errorf("tenant not found: %w", sentinel.ErrNotFound)
}

func (s *InMemoryStore) SaveApplication(_ context.Context, app *models.Application) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applications[app.ID] = app
	return nil
}

func (s *InMemoryStore) FindApplication(_ context.Context, appID id.ApplicationID) (*models.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if app, ok := s.applications[appID]; ok {
		return app, nil
	}
	return nil, fmt.Errorf("application not found: %w", sentinel.ErrNotFound)
}

func (s *InMemoryStore) ListApplicationsByTenant(_ context.Context, tenantID id.TenantID) ([]*models.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	apps := make([]*models.Application, 0)
	for _, app := range s.applications {
		if app.TenantID == tenantID {
			apps = append(apps, app)
		}
	}
	return apps, nil
}
