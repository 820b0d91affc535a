package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"clavis/internal/webhook/models"
	id "clavis/pkg/domain"
	"clavis/pkg/platform/sentinel"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgres(db), mock
}

func TestEnqueueInsertsPendingRow(t *testing.T) {
	store, mock := newMockStore(t)

	now := time.Now()
	delivery := &models.Delivery{
		ID:            uuid.New(),
		ApplicationID: id.NewApplicationID(),
		EventType:     "session.reuse_detected",
		Payload:       []byte(`{"event_type":"session.reuse_detected"}`),
		Status:        models.StatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
	}

	mock.ExpectExec("INSERT INTO webhook_deliveries").
		WithArgs(
			delivery.ID,
			uuid.UUID(delivery.ApplicationID),
			delivery.EventType,
			delivery.Payload,
			"pending",
			0,
			now,
			0,
			"",
			"",
			int64(0),
			now,
			sqlmock.AnyArg(),
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Enqueue(context.Background(), delivery))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimDueLeasesRowsInOneTx(t *testing.T) {
	store, mock := newMockStore(t)

	now := time.Now()
	deliveryID := uuid.New()
	appID := id.NewApplicationID()

	rows := sqlmock.NewRows([]string{
		"id", "application_id", "event_type", "payload", "status", "attempt_count",
		"next_attempt_at", "last_status_code", "last_response_body", "last_error",
		"last_duration_ms", "created_at", "delivered_at",
	}).AddRow(
		deliveryID, uuid.UUID(appID), "session.revoked", []byte(`{}`), "pending", 1,
		now.Add(-time.Second), 502, "bad gateway", "endpoint returned 502",
		int64(120), now.Add(-time.Minute), nil,
	)

	mock.ExpectBegin()
	mock.ExpectQuery("(?s)SELECT (.+) FROM webhook_deliveries").
		WithArgs(now, 10).
		WillReturnRows(rows)
	mock.ExpectExec("UPDATE webhook_deliveries SET next_attempt_at").
		WithArgs(deliveryID, now.Add(time.Minute)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	claimed, err := store.ClaimDue(context.Background(), now, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, deliveryID, claimed[0].ID)
	require.Equal(t, appID, claimed[0].ApplicationID)
	require.Equal(t, models.StatusPending, claimed[0].Status)
	require.Equal(t, 1, claimed[0].AttemptCount)
	require.Equal(t, 120*time.Millisecond, claimed[0].LastDuration)
	require.Nil(t, claimed[0].DeliveredAt)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordAttemptUnknownDelivery(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE webhook_deliveries").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.RecordAttempt(context.Background(), &models.Delivery{ID: uuid.New(), Status: models.StatusDelivered})
	require.True(t, errors.Is(err, sentinel.ErrNotFound))
	require.NoError(t, mock.ExpectationsWereMet())
}
