package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"clavis/internal/session/models"
	id "clavis/pkg/domain"
	"clavis/pkg/platform/sentinel"
)

// PostgresStore persists sessions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed session store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const sessionColumns = `id, principal_type, principal_id, application_id, family_id, refresh_token_digest, status, user_agent, device_name, ip_address, created_at, expires_at, last_used_at, rotated_at, revoked_at`

const insertSessionQuery = `
	INSERT INTO sessions (id, principal_type, principal_id, application_id, family_id, refresh_token_digest, status, user_agent, device_name, ip_address, created_at, expires_at, last_used_at, rotated_at, revoked_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
`

func (s *PostgresStore) Create(ctx context.Context, session *models.Session) error {
	if session == nil {
		return fmt.Errorf("session is required")
	}
	if err := s.insert(ctx, s.db, session); err != nil {
		return err
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *PostgresStore) insert(ctx context.Context, db execer, session *models.Session) error {
	_, err := db.ExecContext(ctx, insertSessionQuery,
		uuid.UUID(session.ID),
		string(session.Principal.Type),
		session.Principal.ID,
		uuid.UUID(session.ApplicationID),
		uuid.UUID(session.FamilyID),
		session.RefreshTokenDigest,
		string(session.Status),
		session.Device.UserAgent,
		session.Device.DisplayName,
		session.Device.IPAddress,
		session.CreatedAt,
		session.ExpiresAt,
		session.LastUsedAt,
		nullTime(session.RotatedAt),
		nullTime(session.RevokedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("session already exists: %w", sentinel.ErrConflict)
		}
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, sessionID id.SessionID) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	session, err := scanSession(s.db.QueryRowContext(ctx, query, uuid.UUID(sessionID)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("session not found: %w", sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("find session by id: %w", err)
	}
	return session, nil
}

func (s *PostgresStore) FindByDigest(ctx context.Context, digest string) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE refresh_token_digest = $1`
	session, err := scanSession(s.db.QueryRowContext(ctx, query, digest))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("session not found: %w", sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("find session by digest: %w", err)
	}
	return session, nil
}

func (s *PostgresStore) ListByPrincipal(ctx context.Context, principal id.Principal) ([]*models.Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE principal_type = $1 AND principal_id = $2
		ORDER BY created_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query, string(principal.Type), principal.ID)
	if err != nil {
		return nil, fmt.Errorf("list sessions by principal: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	sessions := make([]*models.Session, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// Rotate atomically consumes the Active session matching digest and
// installs its successor, built by next from the locked session row.
// FOR UPDATE on the token row closes the race where two concurrent
// refresh calls with the same token both succeed.
func (s *PostgresStore) Rotate(ctx context.Context, digest string, at time.Time, next func(old *models.Session) (*models.Session, error)) (*models.Session, *models.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin session rotation tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback() //nolint:errcheck
	}()

	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE refresh_token_digest = $1 FOR UPDATE`
	session, err := scanSession(tx.QueryRowContext(ctx, query, digest))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, fmt.Errorf("session not found: %w", sentinel.ErrNotFound)
		}
		return nil, nil, fmt.Errorf("find session for rotation: %w", err)
	}

	if session.Status != models.StatusActive {
		return session, nil, fmt.Errorf("refresh token already consumed: %w", sentinel.ErrAlreadyUsed)
	}
	if session.TimedOut(at) {
		session.ApplyExpiry()
		if err := s.setStatus(ctx, tx, session.ID, session.Status, nil, nil); err != nil {
			return nil, nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, nil, fmt.Errorf("commit session expiry: %w", err)
		}
		return session, nil, fmt.Errorf("session expired: %w", sentinel.ErrExpired)
	}

	successor, err := next(session)
	if err != nil {
		return nil, nil, err
	}

	session.ApplyRotation(at)
	if err := s.setStatus(ctx, tx, session.ID, session.Status, session.RotatedAt, nil); err != nil {
		return nil, nil, err
	}
	if err := s.insert(ctx, tx, successor); err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit session rotation: %w", err)
	}
	return session, successor, nil
}

func (s *PostgresStore) setStatus(ctx context.Context, db execer, sessionID id.SessionID, status models.Status, rotatedAt, revokedAt *time.Time) error {
	res, err := db.ExecContext(ctx, `
		UPDATE sessions
		SET status = $2,
		    last_used_at = COALESCE($3, last_used_at),
		    rotated_at = COALESCE($3, rotated_at),
		    revoked_at = COALESCE($4, revoked_at)
		WHERE id = $1
	`, uuid.UUID(sessionID), string(status), nullTime(rotatedAt), nullTime(revokedAt))
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session status rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("session not found: %w", sentinel.ErrNotFound)
	}
	return nil
}

// RevokeByID terminates a session. Revoking an already-terminal session
// is a no-op so logout stays idempotent.
func (s *PostgresStore) RevokeByID(ctx context.Context, sessionID id.SessionID, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET status = 'revoked', revoked_at = $2
		WHERE id = $1 AND status = 'active'
	`, uuid.UUID(sessionID), at)
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke session rows: %w", err)
	}
	if rows == 0 {
		// Distinguish missing from already-terminal.
		if _, err := s.FindByID(ctx, sessionID); err != nil {
			return err
		}
	}
	return nil
}

// RevokeFamily terminates every Active session in a token family.
func (s *PostgresStore) RevokeFamily(ctx context.Context, familyID id.FamilyID, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET status = 'revoked', revoked_at = $2
		WHERE family_id = $1 AND status = 'active'
	`, uuid.UUID(familyID), at)
	if err != nil {
		return 0, fmt.Errorf("revoke session family: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("revoke session family rows: %w", err)
	}
	return int(rows), nil
}

// RevokeAllForPrincipal terminates every Active session the principal holds.
func (s *PostgresStore) RevokeAllForPrincipal(ctx context.Context, principal id.Principal, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET status = 'revoked', revoked_at = $3
		WHERE principal_type = $1 AND principal_id = $2 AND status = 'active'
	`, string(principal.Type), principal.ID, at)
	if err != nil {
		return 0, fmt.Errorf("revoke principal sessions: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("revoke principal sessions rows: %w", err)
	}
	return int(rows), nil
}

// MarkExpired transitions Active sessions past expiry to Expired.
// Safe to run concurrently from multiple nodes.
func (s *PostgresStore) MarkExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET status = 'expired'
		WHERE status = 'active' AND expires_at <= $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("mark expired sessions: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark expired sessions rows: %w", err)
	}
	return int(rows), nil
}

// DeleteExpiredBefore removes sessions whose expiry predates cutoff.
func (s *PostgresStore) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions rows: %w", err)
	}
	return int(rows), nil
}

type sessionRow interface {
	Scan(dest ...any) error
}

func scanSession(row sessionRow) (*models.Session, error) {
	var session models.Session
	var principalType, status string
	var principalID uuid.UUID
	var sessionID, appID, familyID uuid.UUID
	var rotatedAt, revokedAt sql.NullTime
	if err := row.Scan(
		&sessionID,
		&principalType,
		&principalID,
		&appID,
		&familyID,
		&session.RefreshTokenDigest,
		&status,
		&session.Device.UserAgent,
		&session.Device.DisplayName,
		&session.Device.IPAddress,
		&session.CreatedAt,
		&session.ExpiresAt,
		&session.LastUsedAt,
		&rotatedAt,
		&revokedAt,
	); err != nil {
		return nil, err
	}
	session.ID = id.SessionID(sessionID)
	session.Principal = id.Principal{Type: id.PrincipalType(principalType), ID: principalID}
	session.ApplicationID = id.ApplicationID(appID)
	session.FamilyID = id.FamilyID(familyID)
	session.Status = models.Status(status)
	if rotatedAt.Valid {
		session.RotatedAt = &rotatedAt.Time
	}
	if revokedAt.Valid {
		session.RevokedAt = &revokedAt.Time
	}
	return &session, nil
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
