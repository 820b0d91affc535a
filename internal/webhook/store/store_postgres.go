package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"clavis/internal/webhook/models"
	id "clavis/pkg/domain"
	"clavis/pkg/platform/sentinel"
)

// PostgresStore persists webhook deliveries in PostgreSQL. The table is
// the durable delivery queue: pending rows survive process restarts and
// are claimed with FOR UPDATE SKIP LOCKED so multiple dispatcher nodes
// never double-deliver.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed delivery store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const deliveryColumns = `id, application_id, event_type, payload, status, attempt_count, next_attempt_at, last_status_code, last_response_body, last_error, last_duration_ms, created_at, delivered_at`

func (s *PostgresStore) Enqueue(ctx context.Context, delivery *models.Delivery) error {
	if delivery == nil {
		return fmt.Errorf("delivery is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (id, application_id, event_type, payload, status, attempt_count, next_attempt_at, last_status_code, last_response_body, last_error, last_duration_ms, created_at, delivered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		delivery.ID,
		uuid.UUID(delivery.ApplicationID),
		delivery.EventType,
		delivery.Payload,
		string(delivery.Status),
		delivery.AttemptCount,
		delivery.NextAttemptAt,
		delivery.LastStatusCode,
		delivery.LastResponseBody,
		delivery.LastError,
		delivery.LastDuration.Milliseconds(),
		delivery.CreatedAt,
		nullTime(delivery.DeliveredAt),
	)
	if err != nil {
		return fmt.Errorf("enqueue webhook delivery: %w", err)
	}
	return nil
}

// ClaimDue leases up to limit due pending deliveries inside one
// transaction. SKIP LOCKED lets concurrent pollers each claim a
// disjoint batch; the lease pushes next_attempt_at forward so a
// crashed worker's claim expires on its own.
func (s *PostgresStore) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.Delivery, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback() //nolint:errcheck
	}()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+deliveryColumns+`
		FROM webhook_deliveries
		WHERE status = 'pending' AND next_attempt_at <= $1
		ORDER BY next_attempt_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due deliveries: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	deliveries := make([]*models.Delivery, 0)
	for rows.Next() {
		delivery, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		deliveries = append(deliveries, delivery)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deliveries: %w", err)
	}

	for _, delivery := range deliveries {
		if _, err := tx.ExecContext(ctx, `
			UPDATE webhook_deliveries SET next_attempt_at = $2 WHERE id = $1
		`, delivery.ID, now.Add(lease)); err != nil {
			return nil, fmt.Errorf("lease delivery: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return deliveries, nil
}

// RecordAttempt persists the outcome of one delivery attempt.
func (s *PostgresStore) RecordAttempt(ctx context.Context, delivery *models.Delivery) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET status = $2,
		    attempt_count = $3,
		    next_attempt_at = $4,
		    last_status_code = $5,
		    last_response_body = $6,
		    last_error = $7,
		    last_duration_ms = $8,
		    delivered_at = $9
		WHERE id = $1
	`,
		delivery.ID,
		string(delivery.Status),
		delivery.AttemptCount,
		delivery.NextAttemptAt,
		delivery.LastStatusCode,
		delivery.LastResponseBody,
		delivery.LastError,
		delivery.LastDuration.Milliseconds(),
		nullTime(delivery.DeliveredAt),
	)
	if err != nil {
		return fmt.Errorf("record delivery attempt: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("record delivery attempt rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("delivery not found: %w", sentinel.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, deliveryID uuid.UUID) (*models.Delivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM webhook_deliveries WHERE id = $1`
	delivery, err := scanDelivery(s.db.QueryRowContext(ctx, query, deliveryID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("delivery not found: %w", sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("find delivery: %w", err)
	}
	return delivery, nil
}

// ListByApplication returns the delivery log for an application, newest
// first, capped at limit.
func (s *PostgresStore) ListByApplication(ctx context.Context, appID id.ApplicationID, limit int) ([]*models.Delivery, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+deliveryColumns+`
		FROM webhook_deliveries
		WHERE application_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, uuid.UUID(appID), limit)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	deliveries := make([]*models.Delivery, 0)
	for rows.Next() {
		delivery, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		deliveries = append(deliveries, delivery)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deliveries: %w", err)
	}
	return deliveries, nil
}

// CountPending reports the queue depth.
func (s *PostgresStore) CountPending(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM webhook_deliveries WHERE status = 'pending'
	`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending deliveries: %w", err)
	}
	return count, nil
}

type deliveryRow interface {
	Scan(dest ...any) error
}

func scanDelivery(row deliveryRow) (*models.Delivery, error) {
	var delivery models.Delivery
	var appID uuid.UUID
	var status string
	var durationMs int64
	var deliveredAt sql.NullTime
	if err := row.Scan(
		&delivery.ID,
		&appID,
		&delivery.EventType,
		&delivery.Payload,
		&status,
		&delivery.AttemptCount,
		&delivery.NextAttemptAt,
		&delivery.LastStatusCode,
		&delivery.LastResponseBody,
		&delivery.LastError,
		&durationMs,
		&delivery.CreatedAt,
		&deliveredAt,
	); err != nil {
		return nil, err
	}
	delivery.ApplicationID = id.ApplicationID(appID)
	delivery.Status = models.DeliveryStatus(status)
	delivery.LastDuration = time.Duration(durationMs) * time.Millisecond
	if deliveredAt.Valid {
		delivery.DeliveredAt = &deliveredAt.Time
	}
	return &delivery, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
