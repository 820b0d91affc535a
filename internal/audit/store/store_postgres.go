package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"clavis/internal/audit"
	id "clavis/pkg/domain"
)

// PostgresStore persists audit entries in PostgreSQL. The table is
// append-only; nothing in this store updates or deletes rows.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, entry *audit.Entry) error {
	if entry == nil {
		return fmt.Errorf("audit entry is required")
	}
	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("marshal audit metadata: %w", err)
	}

	query := `
		INSERT INTO audit_entries (id, occurred_at, actor_type, actor_id, tenant_id, application_id, action, resource_type, resource_id, request_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = s.db.ExecContext(ctx, query,
		entry.ID,
		entry.Timestamp,
		nullString(string(entry.Actor.Type)),
		nullUUID(entry.Actor.ID),
		nullUUID(uuid.UUID(entry.TenantID)),
		nullUUID(uuid.UUID(entry.ApplicationID)),
		entry.Action,
		entry.ResourceType,
		entry.ResourceID,
		entry.RequestID,
		metadata,
	)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// ListByTenant returns entries for a tenant recorded at or after since,
// newest first, capped at limit.
func (s *PostgresStore) ListByTenant(ctx context.Context, tenantID id.TenantID, since time.Time, limit int) ([]audit.Entry, error) {
	query := `
		SELECT id, occurred_at, actor_type, actor_id, tenant_id, application_id, action, resource_type, resource_id, request_id, metadata
		FROM audit_entries
		WHERE tenant_id = $1 AND occurred_at >= $2
		ORDER BY occurred_at DESC
		LIMIT $3
	`
	rows, err := s.db.QueryContext(ctx, query, uuid.UUID(tenantID), since, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	entries := make([]audit.Entry, 0)
	for rows.Next() {
		var entry audit.Entry
		var actorType sql.NullString
		var actorID, tenant, app uuid.NullUUID
		var metadata []byte
		if err := rows.Scan(&entry.ID, &entry.Timestamp, &actorType, &actorID, &tenant, &app,
			&entry.Action, &entry.ResourceType, &entry.ResourceID, &entry.RequestID, &metadata); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if actorType.Valid && actorID.Valid {
			entry.Actor = id.Principal{Type: id.PrincipalType(actorType.String), ID: actorID.UUID}
		}
		if tenant.Valid {
			entry.TenantID = id.TenantID(tenant.UUID)
		}
		if app.Valid {
			entry.ApplicationID = id.ApplicationID(app.UUID)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &entry.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal audit metadata: %w", err)
			}
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return entries, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullUUID(u uuid.UUID) uuid.NullUUID {
	if u == uuid.Nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: u, Valid: true}
}
