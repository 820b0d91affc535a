package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"clavis/internal/authflow"
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
)

type stack struct {
	server *httptest.Server
	keys   *keyservice.Service
	appID  id.ApplicationID
}

func newStack(t *testing.T) *stack {
	t.Helper()
	ctx := context.Background()

	appID := id.NewApplicationID()
	dir := dirstore.NewMemory()
	require.NoError(t, dir.SaveApplication(ctx, &directory.Application{
		ID:       appID,
		TenantID: id.NewTenantID(),
		Name:     "acme-web",
		Active:   true,
	}))

	wrapper, err := keywrap.New("test-master-key")
	require.NoError(t, err)
	keys, err := keyservice.New(keystore.NewMemory(), wrapper)
	require.NoError(t, err)
	_, err = keys.Provision(ctx, appID)
	require.NoError(t, err)

	tokens, err := token.New(keys, "https://auth.example.com")
	require.NoError(t, err)

	sessions, err := sessionservice.New(sessionstore.NewMemory())
	require.NoError(t, err)

	guard, err := guardservice.New(guardstore.NewMemory(), guardservice.WithThreshold(3))
	require.NoError(t, err)

	registry := authflow.NewBcryptRegistry()
	_, err = registry.Register(ctx, appID, "alice@example.com", "s3cret-pass", []string{"admin"})
	require.NoError(t, err)

	flow, err := authflow.New(dir, guard, registry, sessions, tokens)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := NewHandler(flow, tokens, keys, sessions, WithLogger(logger))
	server := httptest.NewServer(NewRouter(handler, logger))
	t.Cleanup(server.Close)

	return &stack{server: server, keys: keys, appID: appID}
}

func (s *stack) post(t *testing.T, path string, body map[string]any) (*http.Response, map[string]any) {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(s.server.URL+path, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	decoded := make(map[string]any)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &decoded))
	}
	return resp, decoded
}

func (s *stack) login(t *testing.T, password string) (*http.Response, map[string]any) {
	t.Helper()
	return s.post(t, "/auth/login", map[string]any{
		"application_id": s.appID.String(),
		"email":          "alice@example.com",
		"password":       password,
	})
}

func TestLoginEndpoint(t *testing.T) {
	s := newStack(t)

	resp, body := s.login(t, "s3cret-pass")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, body["access_token"])
	require.NotEmpty(t, body["refresh_token"])
	require.Equal(t, "Bearer", body["token_type"])
	require.EqualValues(t, 600, body["expires_in"])
	require.NotNil(t, body["session"])
}

func TestLoginValidation(t *testing.T) {
	s := newStack(t)

	resp, body := s.post(t, "/auth/login", map[string]any{
		"application_id": s.appID.String(),
		"email":          "not-an-email",
		"password":       "x",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "validation_failed", body["error"])
	require.Equal(t, "email must be a valid email", body["error_description"])
}

func TestLoginWrongPassword(t *testing.T) {
	s := newStack(t)

	resp, body := s.login(t, "wrong")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "unauthorized", body["error"])
}

func TestLoginLockoutSetsRetryAfter(t *testing.T) {
	s := newStack(t)

	for i := 0; i < 3; i++ {
		resp, _ := s.login(t, "wrong")
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}

	resp, body := s.login(t, "s3cret-pass")
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.Equal(t, "account_locked", body["error"])
	require.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestRefreshAndReuseDetection(t *testing.T) {
	s := newStack(t)

	_, first := s.login(t, "s3cret-pass")

	resp, second := s.post(t, "/auth/refresh", map[string]any{"refresh_token": first["refresh_token"]})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEqual(t, first["refresh_token"], second["refresh_token"])

	// Replaying the consumed token kills the family.
	resp, body := s.post(t, "/auth/refresh", map[string]any{"refresh_token": first["refresh_token"]})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "session_reuse_detected", body["error"])

	resp, _ = s.post(t, "/auth/refresh", map[string]any{"refresh_token": second["refresh_token"]})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLogoutEndpoint(t *testing.T) {
	s := newStack(t)

	_, pair := s.login(t, "s3cret-pass")

	resp, _ := s.post(t, "/auth/logout", map[string]any{"refresh_token": pair["refresh_token"]})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = s.post(t, "/auth/refresh", map[string]any{"refresh_token": pair["refresh_token"]})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestIntrospectEndpoint(t *testing.T) {
	s := newStack(t)

	_, pair := s.login(t, "s3cret-pass")

	resp, body := s.post(t, "/auth/introspect", map[string]any{
		"application_id": s.appID.String(),
		"token":          pair["access_token"],
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, body["active"])
	require.NotEmpty(t, body["sub"])
	require.NotEmpty(t, body["sid"])

	resp, body = s.post(t, "/auth/introspect", map[string]any{
		"application_id": s.appID.String(),
		"token":          "not-a-token",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, false, body["active"])
}

func TestJWKSEndpoint(t *testing.T) {
	s := newStack(t)

	resp, err := http.Get(s.server.URL + "/applications/" + s.appID.String() + "/jwks.json")
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var doc struct {
		Keys []map[string]any `json:"keys"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	require.Len(t, doc.Keys, 1)
	require.NotEmpty(t, doc.Keys[0]["kid"])
}

func TestKeyRotateAndRevokeEndpoints(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	resp, body := s.post(t, "/applications/"+s.appID.String()+"/keys/rotate", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.NotEmpty(t, body["kid"])
	require.Equal(t, "active", body["status"])

	// Both the new active and retiring key verify for now.
	keys, err := s.keys.VerificationKeys(ctx, s.appID)
	require.NoError(t, err)
	require.Len(t, keys, 2)

	retiringKid := keys[0].Kid
	if retiringKid.String() == body["kid"].(string) {
		retiringKid = keys[1].Kid
	}

	req, err := http.NewRequest(http.MethodDelete,
		s.server.URL+"/applications/"+s.appID.String()+"/keys/"+retiringKid.String(), nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer delResp.Body.Close() //nolint:errcheck
	require.Equal(t, http.StatusNoContent, delResp.StatusCode)
}

func TestSessionAdminEndpoints(t *testing.T) {
	s := newStack(t)

	_, pair := s.login(t, "s3cret-pass")

	_, intro := s.post(t, "/auth/introspect", map[string]any{
		"application_id": s.appID.String(),
		"token":          pair["access_token"],
	})
	sub := intro["sub"].(string)

	resp, err := http.Get(s.server.URL + "/principals/user/" + sub + "/sessions")
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var listing struct {
		Sessions []map[string]any `json:"sessions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listing))
	require.Len(t, listing.Sessions, 1)
	require.Equal(t, "active", listing.Sessions[0]["status"])

	revokeResp, body := s.post(t, "/principals/user/"+sub+"/sessions/revoke", nil)
	require.Equal(t, http.StatusOK, revokeResp.StatusCode)
	require.EqualValues(t, 1, body["sessions_revoked"])

	// The revoked refresh token no longer rotates.
	refreshResp, _ := s.post(t, "/auth/refresh", map[string]any{"refresh_token": pair["refresh_token"]})
	require.Equal(t, http.StatusUnauthorized, refreshResp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	s := newStack(t)

	resp, err := http.Get(s.server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUnknownApplicationJWKS(t *testing.T) {
	s := newStack(t)

	// Unknown applications publish an empty key set rather than leaking
	// which application ids exist.
	resp, err := http.Get(s.server.URL + "/applications/" + id.NewApplicationID().String() + "/jwks.json")
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var doc struct {
		Keys []map[string]any `json:"keys"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	require.Empty(t, doc.Keys)
}
