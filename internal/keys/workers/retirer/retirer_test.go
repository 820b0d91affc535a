package retirer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"clavis/internal/keys/keywrap"
	"clavis/internal/keys/models"
	"clavis/internal/keys/service"
	"clavis/internal/keys/store"
	id "clavis/pkg/domain"
)

func TestRunOnceRevokesElapsedKeys(t *testing.T) {
	ctx := context.Background()

	wrapper, err := keywrap.New("test-master-key")
	require.NoError(t, err)

	now := time.Now()
	clock := &now
	keys, err := service.New(store.NewMemory(), wrapper,
		service.WithAlgorithm(models.AlgES256),
		service.WithGraceWindow(time.Hour),
		service.WithCacheTTL(time.Nanosecond),
		service.WithClock(func() time.Time { return *clock }),
	)
	require.NoError(t, err)

	appID := id.NewApplicationID()
	_, err = keys.Provision(ctx, appID)
	require.NoError(t, err)
	rotated, err := keys.Rotate(ctx, appID)
	require.NoError(t, err)

	worker, err := New(keys, WithInterval(10*time.Second))
	require.NoError(t, err)

	count, err := worker.RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, count)

	advanced := now.Add(2 * time.Hour)
	clock = &advanced
	count, err = worker.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	remaining, err := keys.VerificationKeys(ctx, appID)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	require.Equal(t, rotated.Kid, remaining[0].Kid)
}

func TestNewRequiresKeyService(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
}
