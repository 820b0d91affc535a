package authflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	directory "clavis/internal/directory/models"
	dirstore "clavis/internal/directory/store"
	"clavis/internal/keys/keywrap"
	keyservice "clavis/internal/keys/service"
	keystore "clavis/internal/keys/store"
	guardservice "clavis/internal/loginguard/service"
	guardstore "clavis/internal/loginguard/store"
	sessionservice "clavis/internal/session/service"
	sessionstore "clavis/internal/session/store"
	"clavis/internal/token"
	id "clavis/pkg/domain"
	dErrors "clavis/pkg/domain-errors"
)

type fixture struct {
	flow     *Service
	tokens   *token.Service
	registry *BcryptRegistry
	appID    id.ApplicationID
}

func newFixture(t *testing.T, app *directory.Application) *fixture {
	t.Helper()
	ctx := context.Background()

	if app == nil {
		app = &directory.Application{Active: true}
	}
	if app.ID.IsNil() {
		app.ID = id.NewApplicationID()
	}
	if app.TenantID.IsNil() {
		app.TenantID = id.NewTenantID()
	}

	dir := dirstore.NewMemory()
	require.NoError(t, dir.SaveApplication(ctx, app))

	wrapper, err := keywrap.New("test-master-key")
	require.NoError(t, err)
	keys, err := keyservice.New(keystore.NewMemory(), wrapper)
	require.NoError(t, err)
	_, err = keys.Provision(ctx, app.ID)
	require.NoError(t, err)

	tokens, err := token.New(keys, "https://auth.example.com", token.WithTTL(10*time.Minute))
	require.NoError(t, err)

	sessions, err := sessionservice.New(sessionstore.NewMemory())
	require.NoError(t, err)

	guard, err := guardservice.New(guardstore.NewMemory(),
		guardservice.WithThreshold(3),
		guardservice.WithWindow(15*time.Minute),
	)
	require.NoError(t, err)

	registry := NewBcryptRegistry()

	flow, err := New(dir, guard, registry, sessions, tokens)
	require.NoError(t, err)

	return &fixture{flow: flow, tokens: tokens, registry: registry, appID: app.ID}
}

func TestLoginIssuesVerifiableTokenPair(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	identity, err := f.registry.Register(ctx, f.appID, "alice@example.com", "s3cret-pass", []string{"admin"})
	require.NoError(t, err)

	pair, err := f.flow.Login(ctx, LoginInput{
		ApplicationID: f.appID,
		Email:         "alice@example.com",
		Password:      "s3cret-pass",
		UserAgent:     "Mozilla/5.0 (Macintosh) AppleWebKit/537.36 Chrome/120.0 Safari/537.36",
		IPAddress:     "203.0.113.7",
	})
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)
	require.Equal(t, "Bearer", pair.TokenType)
	require.Equal(t, 600, pair.ExpiresIn)
	require.NotNil(t, pair.Session)

	claims, err := f.tokens.Verify(ctx, f.appID, pair.AccessToken)
	require.NoError(t, err)
	require.Equal(t, identity.Principal.Subject(), claims.Subject)
	require.Equal(t, pair.Session.ID.String(), claims.SessionID)
	require.Equal(t, []string{"admin"}, claims.Roles)
}

func TestLoginWrongPassword(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.registry.Register(ctx, f.appID, "alice@example.com", "s3cret-pass", nil)
	require.NoError(t, err)

	_, err = f.flow.Login(ctx, LoginInput{ApplicationID: f.appID, Email: "alice@example.com", Password: "wrong"})
	require.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))

	// Unknown accounts fail with the identical error.
	_, err = f.flow.Login(ctx, LoginInput{ApplicationID: f.appID, Email: "nobody@example.com", Password: "wrong"})
	require.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
}

func TestLockoutBlocksCorrectPassword(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.registry.Register(ctx, f.appID, "alice@example.com", "s3cret-pass", nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = f.flow.Login(ctx, LoginInput{ApplicationID: f.appID, Email: "alice@example.com", Password: "wrong"})
		require.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
	}

	_, err = f.flow.Login(ctx, LoginInput{ApplicationID: f.appID, Email: "alice@example.com", Password: "s3cret-pass"})
	require.True(t, dErrors.HasCode(err, dErrors.CodeAccountLocked))
	require.Positive(t, dErrors.RetryAfter(err))
}

func TestSuccessfulLoginClearsFailureWindow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.registry.Register(ctx, f.appID, "alice@example.com", "s3cret-pass", nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = f.flow.Login(ctx, LoginInput{ApplicationID: f.appID, Email: "alice@example.com", Password: "wrong"})
		require.Error(t, err)
	}
	_, err = f.flow.Login(ctx, LoginInput{ApplicationID: f.appID, Email: "alice@example.com", Password: "s3cret-pass"})
	require.NoError(t, err)

	// The counter restarted: two more failures stay under the threshold.
	for i := 0; i < 2; i++ {
		_, err = f.flow.Login(ctx, LoginInput{ApplicationID: f.appID, Email: "alice@example.com", Password: "wrong"})
		require.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
	}
	_, err = f.flow.Login(ctx, LoginInput{ApplicationID: f.appID, Email: "alice@example.com", Password: "s3cret-pass"})
	require.NoError(t, err)
}

func TestRefreshRotatesTokenPair(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.registry.Register(ctx, f.appID, "alice@example.com", "s3cret-pass", []string{"admin"})
	require.NoError(t, err)

	first, err := f.flow.Login(ctx, LoginInput{ApplicationID: f.appID, Email: "alice@example.com", Password: "s3cret-pass"})
	require.NoError(t, err)

	second, err := f.flow.Refresh(ctx, first.RefreshToken)
	require.NoError(t, err)
	require.NotEqual(t, first.RefreshToken, second.RefreshToken)
	require.Equal(t, first.Session.FamilyID, second.Session.FamilyID)

	claims, err := f.tokens.Verify(ctx, f.appID, second.AccessToken)
	require.NoError(t, err)
	require.Equal(t, second.Session.ID.String(), claims.SessionID)
	require.Equal(t, []string{"admin"}, claims.Roles)

	// Replaying the consumed token is theft: the family dies.
	_, err = f.flow.Refresh(ctx, first.RefreshToken)
	require.True(t, dErrors.HasCode(err, dErrors.CodeSessionReuseDetected))
	_, err = f.flow.Refresh(ctx, second.RefreshToken)
	require.True(t, dErrors.HasCode(err, dErrors.CodeSessionReuseDetected))
}

func TestLogoutRevokesRefreshToken(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.registry.Register(ctx, f.appID, "alice@example.com", "s3cret-pass", nil)
	require.NoError(t, err)

	pair, err := f.flow.Login(ctx, LoginInput{ApplicationID: f.appID, Email: "alice@example.com", Password: "s3cret-pass"})
	require.NoError(t, err)

	require.NoError(t, f.flow.Logout(ctx, pair.RefreshToken))

	_, err = f.flow.Refresh(ctx, pair.RefreshToken)
	require.Error(t, err)
}

func TestLoginDisabledApplication(t *testing.T) {
	f := newFixture(t, &directory.Application{Active: false})

	_, err := f.flow.Login(context.Background(), LoginInput{ApplicationID: f.appID, Email: "alice@example.com", Password: "x"})
	require.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
}

func TestLoginUnknownApplication(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.flow.Login(context.Background(), LoginInput{ApplicationID: id.NewApplicationID(), Email: "a@b.c", Password: "x"})
	require.True(t, dErrors.HasCode(err, dErrors.CodeNotFound))
}

func TestDefaultRoleApplied(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &directory.Application{Active: true, DefaultRole: "member"})

	_, err := f.registry.Register(ctx, f.appID, "alice@example.com", "s3cret-pass", nil)
	require.NoError(t, err)

	pair, err := f.flow.Login(ctx, LoginInput{ApplicationID: f.appID, Email: "alice@example.com", Password: "s3cret-pass"})
	require.NoError(t, err)

	claims, err := f.tokens.Verify(ctx, f.appID, pair.AccessToken)
	require.NoError(t, err)
	require.Equal(t, []string{"member"}, claims.Roles)
}
