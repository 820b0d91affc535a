package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"clavis/internal/loginguard/models"
	id "clavis/pkg/domain"
)

// PostgresStore persists login attempts in PostgreSQL. Attempt rows are
// the only source of truth for lockout state; the window count query
// strictly determines whether a pair is locked.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed attempt store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) RecordAttempt(ctx context.Context, attempt *models.Attempt) error {
	if attempt == nil {
		return fmt.Errorf("attempt is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO login_attempts (email, application_id, ip_address, created_at)
		VALUES ($1, $2, $3, $4)
	`, attempt.Email, uuid.UUID(attempt.ApplicationID), attempt.IPAddress, attempt.CreatedAt)
	if err != nil {
		return fmt.Errorf("record login attempt: %w", err)
	}
	return nil
}

func (s *PostgresStore) WindowStats(ctx context.Context, email string, appID id.ApplicationID, since time.Time) (models.WindowStats, error) {
	var stats models.WindowStats
	var oldest sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), MIN(created_at)
		FROM login_attempts
		WHERE email = $1 AND application_id = $2 AND created_at >= $3
	`, email, uuid.UUID(appID), since).Scan(&stats.Count, &oldest)
	if err != nil {
		return models.WindowStats{}, fmt.Errorf("count login attempts: %w", err)
	}
	if oldest.Valid {
		stats.Oldest = oldest.Time
	}
	return stats, nil
}

func (s *PostgresStore) Clear(ctx context.Context, email string, appID id.ApplicationID) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM login_attempts
		WHERE email = $1 AND application_id = $2
	`, email, uuid.UUID(appID))
	if err != nil {
		return fmt.Errorf("clear login attempts: %w", err)
	}
	return nil
}

// PurgeBefore removes attempts older than cutoff. Keyed deletes keep
// concurrent purge runs idempotent.
func (s *PostgresStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM login_attempts WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge login attempts: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge login attempts rows: %w", err)
	}
	return int(rows), nil
}
