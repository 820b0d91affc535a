package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"clavis/internal/keys/models"
	id "clavis/pkg/domain"
	"clavis/pkg/platform/sentinel"
)

// PostgresStore persists signing keys in PostgreSQL.
// The single-active-key invariant is backed by a partial unique index:
//
//	CREATE UNIQUE INDEX idx_one_active_key_per_application
//	ON signing_keys (application_id) WHERE status = 'active';
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed signing key store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const signingKeyColumns = `kid, application_id, algorithm, public_key_pem, private_key_enc, status, created_at, retired_at, revoked_at`

func (s *PostgresStore) Create(ctx context.Context, key *models.SigningKey) error {
	if key == nil {
		return fmt.Errorf("signing key is required")
	}
	query := `
		INSERT INTO signing_keys (kid, application_id, algorithm, public_key_pem, private_key_enc, status, created_at, retired_at, revoked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := s.db.ExecContext(ctx, query,
		string(key.Kid),
		uuid.UUID(key.ApplicationID),
		string(key.Algorithm),
		key.PublicKeyPEM,
		key.PrivateKeyEnc,
		string(key.Status),
		key.CreatedAt,
		nullTime(key.RetiredAt),
		nullTime(key.RevokedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("active key already present: %w", sentinel.ErrConflict)
		}
		return fmt.Errorf("create signing key: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByKid(ctx context.Context, appID id.ApplicationID, kid id.KeyID) (*models.SigningKey, error) {
	query := `
		SELECT ` + signingKeyColumns + `
		FROM signing_keys
		WHERE application_id = $1 AND kid = $2
	`
	key, err := scanSigningKey(s.db.QueryRowContext(ctx, query, uuid.UUID(appID), string(kid)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("signing key not found: %w", sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("find signing key: %w", err)
	}
	return key, nil
}

func (s *PostgresStore) FindActive(ctx context.Context, appID id.ApplicationID) (*models.SigningKey, error) {
	query := `
		SELECT ` + signingKeyColumns + `
		FROM signing_keys
		WHERE application_id = $1 AND status = 'active'
	`
	key, err := scanSigningKey(s.db.QueryRowContext(ctx, query, uuid.UUID(appID)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("no active signing key: %w", sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("find active signing key: %w", err)
	}
	return key, nil
}

// ListCandidates returns the application's active and retiring keys.
// The service applies the grace-window filter; the store is pure I/O.
func (s *PostgresStore) ListCandidates(ctx context.Context, appID id.ApplicationID) ([]*models.SigningKey, error) {
	query := `
		SELECT ` + signingKeyColumns + `
		FROM signing_keys
		WHERE application_id = $1 AND status IN ('active', 'retiring')
		ORDER BY created_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query, uuid.UUID(appID))
	if err != nil {
		return nil, fmt.Errorf("list signing keys: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	keys := make([]*models.SigningKey, 0)
	for rows.Next() {
		key, err := scanSigningKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan signing key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate signing keys: %w", err)
	}
	return keys, nil
}

// Rotate atomically demotes the current active key to retiring and
// installs newKey as the single active key. The demote-then-insert order
// keeps the partial unique index satisfied inside the transaction.
func (s *PostgresStore) Rotate(ctx context.Context, appID id.ApplicationID, newKey *models.SigningKey, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin key rotation tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx, `
		UPDATE signing_keys
		SET status = 'retiring', retired_at = $2
		WHERE application_id = $1 AND status = 'active'
	`, uuid.UUID(appID), at)
	if err != nil {
		return fmt.Errorf("retire active key: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO signing_keys (kid, application_id, algorithm, public_key_pem, private_key_enc, status, created_at, retired_at, revoked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULL, NULL)
	`,
		string(newKey.Kid),
		uuid.UUID(newKey.ApplicationID),
		string(newKey.Algorithm),
		newKey.PublicKeyPEM,
		newKey.PrivateKeyEnc,
		string(newKey.Status),
		newKey.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("concurrent rotation detected: %w", sentinel.ErrConflict)
		}
		return fmt.Errorf("insert rotated key: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit key rotation: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkRevoked(ctx context.Context, appID id.ApplicationID, kid id.KeyID, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE signing_keys
		SET status = 'revoked', revoked_at = $3
		WHERE application_id = $1 AND kid = $2 AND status <> 'revoked'
	`, uuid.UUID(appID), string(kid), at)
	if err != nil {
		return fmt.Errorf("revoke signing key: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke signing key rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("signing key not found or already revoked: %w", sentinel.ErrNotFound)
	}
	return nil
}

// RevokeRetiredBefore revokes retiring keys whose retirement happened
// before cutoff (i.e. whose grace window has elapsed). Returns the count.
// Safe to run concurrently from multiple nodes: the update is keyed by
// status and cutoff, so overlapping sweeps are idempotent.
func (s *PostgresStore) RevokeRetiredBefore(ctx context.Context, cutoff, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE signing_keys
		SET status = 'revoked', revoked_at = $2
		WHERE status = 'retiring' AND retired_at < $1
	`, cutoff, at)
	if err != nil {
		return 0, fmt.Errorf("revoke retired keys: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("revoke retired keys rows: %w", err)
	}
	return int(rows), nil
}

type signingKeyRow interface {
	Scan(dest ...any) error
}

func scanSigningKey(row signingKeyRow) (*models.SigningKey, error) {
	var key models.SigningKey
	var kid, algorithm, status string
	var appID uuid.UUID
	var retiredAt, revokedAt sql.NullTime
	if err := row.Scan(&kid, &appID, &algorithm, &key.PublicKeyPEM, &key.PrivateKeyEnc, &status, &key.CreatedAt, &retiredAt, &revokedAt); err != nil {
		return nil, err
	}
	key.Kid = id.KeyID(kid)
	key.ApplicationID = id.ApplicationID(appID)
	key.Algorithm = models.Algorithm(algorithm)
	key.Status = models.KeyStatus(status)
	if retiredAt.Valid {
		key.RetiredAt = &retiredAt.Time
	}
	if revokedAt.Valid {
		key.RevokedAt = &revokedAt.Time
	}
	return &key, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// isUniqueViolation detects PostgreSQL unique constraint errors (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	type sqlState interface{ SQLState() string }
	var state sqlState
	if errors.As(err, &state) {
		return state.SQLState() == "23505"
	}
	return false
}
