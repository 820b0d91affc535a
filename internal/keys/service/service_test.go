package service

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"clavis/internal/keys/keywrap"
	"clavis/internal/keys/models"
	"clavis/internal/keys/store"
	id "clavis/pkg/domain"
	dErrors "clavis/pkg/domain-errors"
)

func newTestService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	wrapper, err := keywrap.New("test-master-key")
	require.NoError(t, err)

	base := []Option{WithAlgorithm(models.AlgES256)}
	svc, err := New(store.NewMemory(), wrapper, append(base, opts...)...)
	require.NoError(t, err)
	return svc
}

func TestProvisionCreatesActiveKey(t *testing.T) {
	svc := newTestService(t)
	appID := id.NewApplicationID()

	key, err := svc.Provision(context.Background(), appID)
	require.NoError(t, err)
	require.Equal(t, models.StatusActive, key.Status)
	require.NotEmpty(t, key.Kid)
	require.NotEmpty(t, key.PublicKeyPEM)
	require.NotEmpty(t, key.PrivateKeyEnc)
	require.NotContains(t, string(key.PrivateKeyEnc), "PRIVATE KEY")
}

func TestProvisionTwiceConflicts(t *testing.T) {
	svc := newTestService(t)
	appID := id.NewApplicationID()

	_, err := svc.Provision(context.Background(), appID)
	require.NoError(t, err)

	_, err = svc.Provision(context.Background(), appID)
	require.Error(t, err)
	require.True(t, dErrors.HasCode(err, dErrors.CodeConflict))
}

func TestActiveKeyUnsealsSigner(t *testing.T) {
	svc := newTestService(t)
	appID := id.NewApplicationID()

	provisioned, err := svc.Provision(context.Background(), appID)
	require.NoError(t, err)

	signer, err := svc.ActiveKey(context.Background(), appID)
	require.NoError(t, err)
	require.Equal(t, provisioned.Kid, signer.Kid)

	priv, ok := signer.Signer.(*ecdsa.PrivateKey)
	require.True(t, ok)

	keys, err := svc.VerificationKeys(context.Background(), appID)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	pub, ok := keys[0].Public.(*ecdsa.PublicKey)
	require.True(t, ok)
	require.True(t, priv.PublicKey.Equal(pub))
}

func TestActiveKeyMissing(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.ActiveKey(context.Background(), id.NewApplicationID())
	require.Error(t, err)
	require.True(t, dErrors.HasCode(err, dErrors.CodeUnknownKey))
}

func TestRS256Generation(t *testing.T) {
	svc := newTestService(t, WithAlgorithm(models.AlgRS256))
	appID := id.NewApplicationID()

	_, err := svc.Provision(context.Background(), appID)
	require.NoError(t, err)

	signer, err := svc.ActiveKey(context.Background(), appID)
	require.NoError(t, err)
	priv, ok := signer.Signer.(*rsa.PrivateKey)
	require.True(t, ok)
	require.Equal(t, 2048, priv.N.BitLen())
}

func TestRotateKeepsOldKeyVerifiable(t *testing.T) {
	now := time.Now()
	clock := &now
	svc := newTestService(t,
		WithGraceWindow(24*time.Hour),
		WithCacheTTL(time.Nanosecond),
		WithClock(func() time.Time { return *clock }),
	)
	appID := id.NewApplicationID()

	first, err := svc.Provision(context.Background(), appID)
	require.NoError(t, err)

	second, err := svc.Rotate(context.Background(), appID)
	require.NoError(t, err)
	require.NotEqual(t, first.Kid, second.Kid)

	// Inside the grace window both keys verify, only the new one signs.
	signer, err := svc.ActiveKey(context.Background(), appID)
	require.NoError(t, err)
	require.Equal(t, second.Kid, signer.Kid)

	keys, err := svc.VerificationKeys(context.Background(), appID)
	require.NoError(t, err)
	require.Len(t, keys, 2)

	// Past the grace window the retired key drops out.
	advanced := now.Add(25 * time.Hour)
	clock = &advanced
	keys, err = svc.VerificationKeys(context.Background(), appID)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.Equal(t, second.Kid, keys[0].Kid)
}

func TestConcurrentRotationsKeepSingleActiveKey(t *testing.T) {
	wrapper, err := keywrap.New("test-master-key")
	require.NoError(t, err)
	st := store.NewMemory()
	svc, err := New(st, wrapper, WithAlgorithm(models.AlgES256))
	require.NoError(t, err)

	appID := id.NewApplicationID()
	_, err = svc.Provision(context.Background(), appID)
	require.NoError(t, err)

	const rotations = 8
	var wg sync.WaitGroup
	errs := make(chan error, rotations)
	for i := 0; i < rotations; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Rotate(context.Background(), appID)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// Every rotation succeeded and exactly one key survived as active;
	// the rest retired in order.
	candidates, err := st.ListCandidates(context.Background(), appID)
	require.NoError(t, err)
	active, retiring := 0, 0
	for _, key := range candidates {
		switch key.Status {
		case models.StatusActive:
			active++
		case models.StatusRetiring:
			retiring++
		}
	}
	require.Equal(t, 1, active)
	require.Equal(t, rotations, retiring)

	signer, err := svc.ActiveKey(context.Background(), appID)
	require.NoError(t, err)
	require.NotNil(t, signer.Signer)
}

func TestRevokeRemovesKeyImmediately(t *testing.T) {
	svc := newTestService(t, WithCacheTTL(time.Hour))
	appID := id.NewApplicationID()

	key, err := svc.Provision(context.Background(), appID)
	require.NoError(t, err)

	// Warm the cache, then revoke; invalidation must bypass the TTL.
	_, err = svc.VerificationKeys(context.Background(), appID)
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(context.Background(), appID, key.Kid))

	keys, err := svc.VerificationKeys(context.Background(), appID)
	require.NoError(t, err)
	require.Empty(t, keys)

	_, err = svc.VerificationKey(context.Background(), appID, key.Kid)
	require.True(t, dErrors.HasCode(err, dErrors.CodeUnknownKey))
}

func TestVerificationKeyUnknownKid(t *testing.T) {
	svc := newTestService(t)
	appID := id.NewApplicationID()

	_, err := svc.Provision(context.Background(), appID)
	require.NoError(t, err)

	_, err = svc.VerificationKey(context.Background(), appID, id.NewKeyID())
	require.Error(t, err)
	require.True(t, dErrors.HasCode(err, dErrors.CodeUnknownKey))
}

func TestRevokeElapsedSweepsRetiringKeys(t *testing.T) {
	now := time.Now()
	clock := &now
	svc := newTestService(t,
		WithGraceWindow(time.Hour),
		WithCacheTTL(time.Nanosecond),
		WithClock(func() time.Time { return *clock }),
	)
	appID := id.NewApplicationID()

	_, err := svc.Provision(context.Background(), appID)
	require.NoError(t, err)
	_, err = svc.Rotate(context.Background(), appID)
	require.NoError(t, err)

	// Grace not yet elapsed: nothing to revoke.
	count, err := svc.RevokeElapsed(context.Background())
	require.NoError(t, err)
	require.Zero(t, count)

	advanced := now.Add(2 * time.Hour)
	clock = &advanced
	count, err = svc.RevokeElapsed(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, count)

	keys, err := svc.VerificationKeys(context.Background(), appID)
	require.NoError(t, err)
	require.Len(t, keys, 1)
}

func TestJWKSDocumentListsVerifiableKeys(t *testing.T) {
	svc := newTestService(t, WithCacheTTL(time.Nanosecond))
	appID := id.NewApplicationID()

	first, err := svc.Provision(context.Background(), appID)
	require.NoError(t, err)
	second, err := svc.Rotate(context.Background(), appID)
	require.NoError(t, err)

	doc, err := svc.JWKSDocument(context.Background(), appID)
	require.NoError(t, err)

	var parsed struct {
		Keys []struct {
			Kid string `json:"kid"`
			Alg string `json:"alg"`
			Use string `json:"use"`
			Kty string `json:"kty"`
		} `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(doc, &parsed))
	require.Len(t, parsed.Keys, 2)

	kids := []string{parsed.Keys[0].Kid, parsed.Keys[1].Kid}
	require.Contains(t, kids, first.Kid.String())
	require.Contains(t, kids, second.Kid.String())
	for _, k := range parsed.Keys {
		require.Equal(t, "ES256", k.Alg)
		require.Equal(t, "sig", k.Use)
		require.Equal(t, "EC", k.Kty)
	}
}

func TestVerificationKeysServedFromCache(t *testing.T) {
	svc := newTestService(t, WithCacheTTL(time.Hour))
	appID := id.NewApplicationID()

	key, err := svc.Provision(context.Background(), appID)
	require.NoError(t, err)

	first, err := svc.VerificationKeys(context.Background(), appID)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// Mutate the store behind the cache; the cached set must still serve.
	require.NoError(t, svc.store.MarkRevoked(context.Background(), appID, key.Kid, time.Now()))

	cached, err := svc.VerificationKeys(context.Background(), appID)
	require.NoError(t, err)
	require.Len(t, cached, 1)
}
