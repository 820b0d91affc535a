package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	guardservice "clavis/internal/loginguard/service"
	guardstore "clavis/internal/loginguard/store"
	"clavis/internal/session/service"
	"clavis/internal/session/store"
	id "clavis/pkg/domain"
)

func TestRunOnceSweepsSessionsAndAttempts(t *testing.T) {
	ctx := context.Background()

	now := time.Now().Truncate(time.Second)
	clock := &now
	tick := func() time.Time { return *clock }

	sessions, err := service.New(store.NewMemory(),
		service.WithRefreshTTL(time.Hour),
		service.WithRetentionGrace(time.Hour),
		service.WithClock(tick),
	)
	require.NoError(t, err)

	guard, err := guardservice.New(guardstore.NewMemory(),
		guardservice.WithWindow(15*time.Minute),
		guardservice.WithClock(tick),
	)
	require.NoError(t, err)

	principal, err := id.NewPrincipal(id.PrincipalUser, id.NewUserID().UUID())
	require.NoError(t, err)
	appID := id.NewApplicationID()

	_, _, err = sessions.Create(ctx, appID, principal, service.DeviceInput{})
	require.NoError(t, err)
	require.NoError(t, guard.RecordFailure(ctx, "user@example.com", appID, ""))

	worker, err := New(sessions, guard, WithInterval(time.Minute))
	require.NoError(t, err)

	// Nothing is stale yet.
	res, err := worker.RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, res.ExpiredSessions)
	require.Zero(t, res.PurgedAttempts)

	*clock = clock.Add(90 * time.Minute)
	res, err = worker.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.ExpiredSessions)
	require.Zero(t, res.DeletedSessions)
	require.Equal(t, 1, res.PurgedAttempts)

	// Past retention the session row is deleted.
	*clock = clock.Add(2 * time.Hour)
	res, err = worker.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.DeletedSessions)
}
