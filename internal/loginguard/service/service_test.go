package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"clavis/internal/audit"
	"clavis/internal/loginguard/models"
	"clavis/internal/loginguard/store"
	id "clavis/pkg/domain"
	dErrors "clavis/pkg/domain-errors"
)

type captureAuditor struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (c *captureAuditor) Record(_ context.Context, entry audit.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, entry)
}

func (c *captureAuditor) lockouts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, entry := range c.entries {
		if entry.Action == audit.ActionAccountLocked {
			count++
		}
	}
	return count
}

func newGuard(t *testing.T, opts ...Option) (*Service, *time.Time) {
	t.Helper()
	now := time.Now().Truncate(time.Second)
	clock := &now

	base := []Option{
		WithWindow(15 * time.Minute),
		WithThreshold(3),
		WithClock(func() time.Time { return *clock }),
	}
	svc, err := New(store.NewMemory(), append(base, opts...)...)
	require.NoError(t, err)
	return svc, clock
}

func TestLockoutAtThreshold(t *testing.T) {
	guard, _ := newGuard(t)
	ctx := context.Background()
	appID := id.NewApplicationID()

	for i := 0; i < 2; i++ {
		require.NoError(t, guard.RecordFailure(ctx, "user@example.com", appID, "203.0.113.7"))
		require.NoError(t, guard.IsLocked(ctx, "user@example.com", appID))
	}

	require.NoError(t, guard.RecordFailure(ctx, "user@example.com", appID, "203.0.113.7"))

	err := guard.IsLocked(ctx, "user@example.com", appID)
	require.Error(t, err)
	require.True(t, dErrors.HasCode(err, dErrors.CodeAccountLocked))
	require.Positive(t, dErrors.RetryAfter(err))
}

func TestLockoutScopedPerApplication(t *testing.T) {
	guard, _ := newGuard(t)
	ctx := context.Background()
	appA := id.NewApplicationID()
	appB := id.NewApplicationID()

	for i := 0; i < 3; i++ {
		require.NoError(t, guard.RecordFailure(ctx, "user@example.com", appA, ""))
	}

	require.Error(t, guard.IsLocked(ctx, "user@example.com", appA))
	require.NoError(t, guard.IsLocked(ctx, "user@example.com", appB))
}

func TestWindowSlidesOpen(t *testing.T) {
	guard, clock := newGuard(t)
	ctx := context.Background()
	appID := id.NewApplicationID()

	for i := 0; i < 3; i++ {
		require.NoError(t, guard.RecordFailure(ctx, "user@example.com", appID, ""))
	}
	require.Error(t, guard.IsLocked(ctx, "user@example.com", appID))

	*clock = clock.Add(16 * time.Minute)
	require.NoError(t, guard.IsLocked(ctx, "user@example.com", appID))
}

func TestRetryAfterTracksOldestAttempt(t *testing.T) {
	guard, clock := newGuard(t)
	ctx := context.Background()
	appID := id.NewApplicationID()

	require.NoError(t, guard.RecordFailure(ctx, "user@example.com", appID, ""))
	*clock = clock.Add(5 * time.Minute)
	require.NoError(t, guard.RecordFailure(ctx, "user@example.com", appID, ""))
	require.NoError(t, guard.RecordFailure(ctx, "user@example.com", appID, ""))

	verdict, err := guard.Check(ctx, "user@example.com", appID)
	require.NoError(t, err)
	require.True(t, verdict.Locked)
	// Oldest attempt was 5 minutes ago in a 15-minute window.
	require.InDelta(t, (10 * time.Minute).Seconds(), verdict.RetryAfter.Seconds(), 1)
}

func TestClearOnSuccessResetsCount(t *testing.T) {
	guard, _ := newGuard(t)
	ctx := context.Background()
	appID := id.NewApplicationID()

	for i := 0; i < 3; i++ {
		require.NoError(t, guard.RecordFailure(ctx, "user@example.com", appID, ""))
	}
	require.Error(t, guard.IsLocked(ctx, "user@example.com", appID))

	require.NoError(t, guard.ClearOnSuccess(ctx, "user@example.com", appID))

	verdict, err := guard.Check(ctx, "user@example.com", appID)
	require.NoError(t, err)
	require.False(t, verdict.Locked)
	require.Zero(t, verdict.Failures)
}

func TestEmailNormalization(t *testing.T) {
	guard, _ := newGuard(t)
	ctx := context.Background()
	appID := id.NewApplicationID()

	for i := 0; i < 3; i++ {
		require.NoError(t, guard.RecordFailure(ctx, "  User@Example.COM ", appID, ""))
	}

	err := guard.IsLocked(ctx, "user@example.com", appID)
	require.True(t, dErrors.HasCode(err, dErrors.CodeAccountLocked))
}

func TestLockoutAnnouncedWhenCountJumpsPastThreshold(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	clock := &now
	attempts := store.NewMemory()
	auditor := &captureAuditor{}
	guard, err := New(attempts,
		WithWindow(15*time.Minute),
		WithThreshold(3),
		WithAuditRecorder(auditor),
		WithClock(func() time.Time { return *clock }),
	)
	require.NoError(t, err)

	ctx := context.Background()
	appID := id.NewApplicationID()

	require.NoError(t, guard.RecordFailure(ctx, "user@example.com", appID, "203.0.113.7"))
	require.Zero(t, auditor.lockouts())

	// Two attempts land through another replica, so the next failure
	// sees the window count jump from 1 straight past the threshold.
	for i := 0; i < 2; i++ {
		require.NoError(t, attempts.RecordAttempt(ctx, &models.Attempt{
			Email:         "user@example.com",
			ApplicationID: appID,
			CreatedAt:     now,
		}))
	}
	require.NoError(t, guard.RecordFailure(ctx, "user@example.com", appID, "203.0.113.7"))
	require.Equal(t, 1, auditor.lockouts())

	// Further failures while locked do not re-announce.
	require.NoError(t, guard.RecordFailure(ctx, "user@example.com", appID, "203.0.113.7"))
	require.Equal(t, 1, auditor.lockouts())

	// After a successful login the guard resets and a fresh lockout
	// announces again.
	require.NoError(t, guard.ClearOnSuccess(ctx, "user@example.com", appID))
	for i := 0; i < 3; i++ {
		require.NoError(t, guard.RecordFailure(ctx, "user@example.com", appID, "203.0.113.7"))
	}
	require.Equal(t, 2, auditor.lockouts())
}

func TestPurgeExpired(t *testing.T) {
	guard, clock := newGuard(t)
	ctx := context.Background()
	appID := id.NewApplicationID()

	require.NoError(t, guard.RecordFailure(ctx, "user@example.com", appID, ""))
	*clock = clock.Add(20 * time.Minute)
	require.NoError(t, guard.RecordFailure(ctx, "user@example.com", appID, ""))

	purged, err := guard.PurgeExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, purged)
}
