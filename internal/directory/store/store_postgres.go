package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"clavis/internal/directory/models"
	id "clavis/pkg/domain"
	"clavis/pkg/platform/sentinel"
)

// PostgresStore persists tenants and applications in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed directory store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) SaveTenant(ctx context.Context, tenant *models.Tenant) error {
	if tenant == nil {
		return fmt.Errorf("tenant is required")
	}
	query := `
		INSERT INTO tenants (id, name, contact_email, active, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			contact_email = EXCLUDED.contact_email,
			active = EXCLUDED.active
	`
	_, err := s.db.ExecContext(ctx, query,
		uuid.UUID(tenant.ID),
		tenant.Name,
		tenant.ContactEmail,
		tenant.Active,
		tenant.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save tenant: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindTenant(ctx context.Context, tenantID id.TenantID) (*models.Tenant, error) {
	query := `
		SELECT id, name, contact_email, active, created_at
		FROM tenants
		WHERE id = $1
	`
	var tenant models.Tenant
	var tid uuid.UUID
	err := s.db.QueryRowContext(ctx, query, uuid.UUID(tenantID)).
		Scan(&tid, &tenant.Name, &tenant.ContactEmail, &tenant.Active, &tenant.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("tenant not found: %w", sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("find tenant: %w", err)
	}
	tenant.ID = id.TenantID(tid)
	return &tenant, nil
}

func (s *PostgresStore) SaveApplication(ctx context.Context, app *models.Application) error {
	if app == nil {
		return fmt.Errorf("application is required")
	}
	query := `
		INSERT INTO applications (id, tenant_id, name, allowed_origins, default_role, webhook_url, webhook_secret_encrypted, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			allowed_origins = EXCLUDED.allowed_origins,
			default_role = EXCLUDED.default_role,
			webhook_url = EXCLUDED.webhook_url,
			webhook_secret_encrypted = EXCLUDED.webhook_secret_encrypted,
			active = EXCLUDED.active
	`
	origins, err := json.Marshal(app.AllowedOrigins)
	if err != nil {
		return fmt.Errorf("marshal allowed origins: %w", err)
	}
	_, err = s.db.ExecContext(ctx, query,
		uuid.UUID(app.ID),
		uuid.UUID(app.TenantID),
		app.Name,
		origins,
		app.DefaultRole,
		app.WebhookURL,
		app.WebhookSecretEncrypted,
		app.Active,
		app.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save application: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindApplication(ctx context.Context, appID id.ApplicationID) (*models.Application, error) {
	query := `
		SELECT id, tenant_id, name, allowed_origins, default_role, webhook_url, webhook_secret_encrypted, active, created_at
		FROM applications
		WHERE id = $1
	`
	record, err := scanApplication(s.db.QueryRowContext(ctx, query, uuid.UUID(appID)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("application not found: %w", sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("find application: %w", err)
	}
	return record, nil
}

func (s *PostgresStore) ListApplicationsByTenant(ctx context.Context, tenantID id.TenantID) ([]*models.Application, error) {
	query := `
		SELECT id, tenant_id, name, allowed_origins, default_role, webhook_url, webhook_secret_encrypted, active, created_at
		FROM applications
		WHERE tenant_id = $1
		ORDER BY created_at
	`
	rows, err := s.db.QueryContext(ctx, query, uuid.UUID(tenantID))
	if err != nil {
		return nil, fmt.Errorf("list applications: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	apps := make([]*models.Application, 0)
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, fmt.Errorf("scan application: %w", err)
		}
		apps = append(apps, app)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applications: %w", err)
	}
	return apps, nil
}

type applicationRow interface {
	Scan(dest ...any) error
}

func scanApplication(row applicationRow) (*models.Application, error) {
	var app models.Application
	var appID, tenantID uuid.UUID
	var origins []byte
	if err := row.Scan(&appID, &tenantID, &app.Name, &origins, &app.DefaultRole,
		&app.WebhookURL, &app.WebhookSecretEncrypted, &app.Active, &app.CreatedAt); err != nil {
		return nil, err
	}
	app.ID = id.ApplicationID(appID)
	app.TenantID = id.TenantID(tenantID)
	if len(origins) > 0 {
		if err := json.Unmarshal(origins, &app.AllowedOrigins); err != nil {
			return nil, fmt.Errorf("unmarshal allowed origins: %w", err)
		}
	}
	return &app, nil
}
