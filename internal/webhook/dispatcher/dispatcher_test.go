package dispatcher

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	auditstore "clavis/internal/audit/store"
	directory "clavis/internal/directory/models"
	dirstore "clavis/internal/directory/store"
	"clavis/internal/keys/keywrap"
	"clavis/internal/webhook/models"
	"clavis/internal/webhook/store"

	"clavis/internal/audit"
	id "clavis/pkg/domain"
	"clavis/pkg/secrets"
)

type fixture struct {
	dispatcher *Dispatcher
	store      *store.InMemoryStore
	directory  *dirstore.InMemoryStore
	audits     *auditstore.InMemoryStore
	secret     []byte
	clock      *time.Time
}

func newFixture(t *testing.T, endpoint string, opts ...Option) (*fixture, id.ApplicationID) {
	t.Helper()

	wrapper, err := keywrap.New("test-master-key")
	require.NoError(t, err)

	secret := []byte("whsec_0123456789abcdef")
	sealed, err := wrapper.Seal(secret)
	require.NoError(t, err)

	appID := id.NewApplicationID()
	dir := dirstore.NewMemory()
	require.NoError(t, dir.SaveApplication(context.Background(), &directory.Application{
		ID:                     appID,
		TenantID:               id.NewTenantID(),
		Name:                   "acme-web",
		WebhookURL:             endpoint,
		WebhookSecretEncrypted: sealed,
		Active:                 true,
	}))

	audits := auditstore.NewMemory()
	recorder := audit.NewRecorder(audits)

	now := time.Now().Truncate(time.Second)
	clock := &now

	deliveries := store.NewMemory()
	opts = append([]Option{
		WithClock(func() time.Time { return *clock }),
		WithAuditRecorder(recorder),
	}, opts...)
	d, err := New(deliveries, dir, wrapper, opts...)
	require.NoError(t, err)
	d.jitter = func() float64 { return 0.5 } // factor 1.0, deterministic backoff

	return &fixture{
		dispatcher: d,
		store:      deliveries,
		directory:  dir,
		audits:     audits,
		secret:     secret,
		clock:      clock,
	}, appID
}

func (f *fixture) advance(d time.Duration) {
	*f.clock = f.clock.Add(d)
}

func TestDeliverySignsAndDelivers(t *testing.T) {
	ctx := context.Background()

	var gotBody []byte
	var gotHeaders http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	f, appID := newFixture(t, server.URL)
	err := f.dispatcher.Enqueue(ctx, appID, "session.reuse_detected", map[string]any{
		"family_id": "fam-1",
	})
	require.NoError(t, err)

	processed, err := f.dispatcher.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, processed)

	var env envelope
	require.NoError(t, json.Unmarshal(gotBody, &env))
	require.Equal(t, "session.reuse_detected", env.EventType)
	require.Equal(t, "fam-1", env.Payload["family_id"])
	require.False(t, env.Timestamp.IsZero())

	require.Equal(t, "application/json", gotHeaders.Get("Content-Type"))
	require.Equal(t, "session.reuse_detected", gotHeaders.Get(EventTypeHeader))
	require.Equal(t, "sha256="+secrets.Sign(f.secret, gotBody), gotHeaders.Get(SignatureHeader))

	eventID := gotHeaders.Get(EventIDHeader)
	require.NotEmpty(t, eventID)

	listed, err := f.store.ListByApplication(ctx, appID, 10)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.Equal(t, models.StatusDelivered, listed[0].Status)
	require.Equal(t, eventID, listed[0].ID.String())
	require.Equal(t, http.StatusOK, listed[0].LastStatusCode)
	require.NotNil(t, listed[0].DeliveredAt)
}

func TestDeliveryRetriesUntilSuccess(t *testing.T) {
	ctx := context.Background()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	f, appID := newFixture(t, server.URL)
	require.NoError(t, f.dispatcher.Enqueue(ctx, appID, "session.revoked", nil))

	_, err := f.dispatcher.RunOnce(ctx)
	require.NoError(t, err)

	listed, err := f.store.ListByApplication(ctx, appID, 10)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.Equal(t, models.StatusPending, listed[0].Status)
	require.Equal(t, 1, listed[0].AttemptCount)
	require.True(t, listed[0].NextAttemptAt.After(*f.clock))

	// Not due yet: nothing to claim.
	processed, err := f.dispatcher.RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, processed)

	f.advance(5 * time.Second)
	_, err = f.dispatcher.RunOnce(ctx)
	require.NoError(t, err)

	listed, err = f.store.ListByApplication(ctx, appID, 10)
	require.NoError(t, err)
	require.Equal(t, models.StatusDelivered, listed[0].Status)
	require.Equal(t, 2, listed[0].AttemptCount)
	require.Equal(t, int32(2), calls.Load())

	// Delivered rows are never re-claimed.
	f.advance(time.Hour)
	processed, err = f.dispatcher.RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, processed)
	require.Equal(t, int32(2), calls.Load())
}

func TestExhaustionMarksPermanentlyFailed(t *testing.T) {
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	f, appID := newFixture(t, server.URL, WithRetryPolicy(3, time.Second, time.Minute))
	require.NoError(t, f.dispatcher.Enqueue(ctx, appID, "session.revoked", nil))

	for i := 0; i < 3; i++ {
		_, err := f.dispatcher.RunOnce(ctx)
		require.NoError(t, err)
		f.advance(time.Hour)
	}

	listed, err := f.store.ListByApplication(ctx, appID, 10)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.Equal(t, models.StatusFailed, listed[0].Status)
	require.Equal(t, 3, listed[0].AttemptCount)
	require.Equal(t, http.StatusBadGateway, listed[0].LastStatusCode)

	// The failure shows up in the audit trail, not as a caller error.
	entries, err := f.audits.ListByTenant(ctx, id.TenantID{}, time.Time{}, 10)
	require.NoError(t, err)
	found := false
	for _, entry := range entries {
		if entry.Action == audit.ActionWebhookExhausted {
			found = true
			require.Equal(t, listed[0].ID.String(), entry.ResourceID)
		}
	}
	require.True(t, found)

	// Terminal rows stay terminal.
	processed, err := f.dispatcher.RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, processed)
}

func TestBackoffCurve(t *testing.T) {
	f, _ := newFixture(t, "http://unused.invalid")
	require.Equal(t, time.Second, f.dispatcher.backoff(1))
	require.Equal(t, 4*time.Second, f.dispatcher.backoff(2))
	require.Equal(t, 16*time.Second, f.dispatcher.backoff(3))
	require.Equal(t, 64*time.Second, f.dispatcher.backoff(4))
	require.Equal(t, 5*time.Minute, f.dispatcher.backoff(10))
}

func TestResponseBodyTruncated(t *testing.T) {
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(strings.Repeat("x", 8192)))
	}))
	defer server.Close()

	f, appID := newFixture(t, server.URL)
	require.NoError(t, f.dispatcher.Enqueue(ctx, appID, "session.revoked", nil))

	_, err := f.dispatcher.RunOnce(ctx)
	require.NoError(t, err)

	listed, err := f.store.ListByApplication(ctx, appID, 10)
	require.NoError(t, err)
	require.Len(t, listed[0].LastResponseBody, maxResponseBody)
}

func TestEnqueueDroppedWithoutWebhookURL(t *testing.T) {
	ctx := context.Background()

	f, appID := newFixture(t, "")
	require.NoError(t, f.dispatcher.Enqueue(ctx, appID, "session.revoked", nil))

	pending, err := f.store.CountPending(ctx)
	require.NoError(t, err)
	require.Zero(t, pending)
}

func TestEnqueueUnknownApplication(t *testing.T) {
	f, _ := newFixture(t, "http://unused.invalid")
	err := f.dispatcher.Enqueue(context.Background(), id.NewApplicationID(), "session.revoked", nil)
	require.Error(t, err)
}
