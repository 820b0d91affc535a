package httptransport

import (
	"context"
	"net/http"
	"time"

	"clavis/internal/authflow"
	sessionmodels "clavis/internal/session/models"
	"clavis/internal/token"
	id "clavis/pkg/domain"
	"clavis/pkg/platform/httputil"
	s "clavis/pkg/string"
	"clavis/pkg/validation"
)

// AuthFlow is the login orchestration surface.
type AuthFlow interface {
	Login(ctx context.Context, input authflow.LoginInput) (*authflow.TokenPair, error)
	Refresh(ctx context.Context, rawToken string) (*authflow.TokenPair, error)
	Logout(ctx context.Context, rawToken string) error
}

// TokenVerifier validates access tokens for introspection.
type TokenVerifier interface {
	Verify(ctx context.Context, appID id.ApplicationID, raw string) (*token.Claims, error)
}

type loginRequest struct {
	ApplicationID string `json:"application_id" validate:"required,uuid"`
	Email         string `json:"email" validate:"required,email"`
	Password      string `json:"password" validate:"required"`
}

func (r *loginRequest) Normalize() {
	s.TrimStrings(&r.ApplicationID, &r.Email)
}

func (r *loginRequest) Validate() error {
	return validation.Validate(r)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required,notblank"`
}

func (r *refreshRequest) Validate() error {
	return validation.Validate(r)
}

type introspectRequest struct {
	ApplicationID string `json:"application_id" validate:"required,uuid"`
	Token         string `json:"token" validate:"required,notblank"`
}

func (r *introspectRequest) Normalize() {
	s.TrimStrings(&r.ApplicationID, &r.Token)
}

func (r *introspectRequest) Validate() error {
	return validation.Validate(r)
}

type tokenPairResponse struct {
	AccessToken  string          `json:"access_token"`
	RefreshToken string          `json:"refresh_token"`
	TokenType    string          `json:"token_type"`
	ExpiresIn    int             `json:"expires_in"`
	Session      *sessionSummary `json:"session,omitempty"`
}

type sessionSummary struct {
	ID         string    `json:"id"`
	FamilyID   string    `json:"family_id"`
	Device     string    `json:"device,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	LastUsedAt time.Time `json:"last_used_at"`
}

func summarize(session *sessionmodels.Session) *sessionSummary {
	if session == nil {
		return nil
	}
	return &sessionSummary{
		ID:         session.ID.String(),
		FamilyID:   session.FamilyID.String(),
		Device:     session.Device.DisplayName,
		CreatedAt:  session.CreatedAt,
		ExpiresAt:  session.ExpiresAt,
		LastUsedAt: session.LastUsedAt,
	}
}

func pairResponse(pair *authflow.TokenPair) tokenPairResponse {
	return tokenPairResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    pair.TokenType,
		ExpiresIn:    pair.ExpiresIn,
		Session:      summarize(pair.Session),
	}
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	req, ok := httputil.DecodeAndPrepare[loginRequest](w, r, h.logger)
	if !ok {
		return
	}

	appID, err := id.ParseApplicationID(req.ApplicationID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	pair, err := h.flow.Login(r.Context(), authflow.LoginInput{
		ApplicationID: appID,
		Email:         req.Email,
		Password:      req.Password,
		UserAgent:     r.UserAgent(),
		IPAddress:     clientIP(r),
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, pairResponse(pair))
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	req, ok := httputil.DecodeAndPrepare[refreshRequest](w, r, h.logger)
	if !ok {
		return
	}

	pair, err := h.flow.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, pairResponse(pair))
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	req, ok := httputil.DecodeAndPrepare[refreshRequest](w, r, h.logger)
	if !ok {
		return
	}

	if err := h.flow.Logout(r.Context(), req.RefreshToken); err != nil {
		httputil.WriteError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleIntrospect reports token validity without leaking why an
// invalid token failed: inactive tokens get {"active": false} and 200.
func (h *Handler) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	req, ok := httputil.DecodeAndPrepare[introspectRequest](w, r, h.logger)
	if !ok {
		return
	}

	appID, err := id.ParseApplicationID(req.ApplicationID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	claims, err := h.tokens.Verify(r.Context(), appID, req.Token)
	if err != nil {
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"active": false})
		return
	}

	response := map[string]any{
		"active":         true,
		"sub":            claims.Subject,
		"principal_type": claims.PrincipalType,
		"iss":            claims.Issuer,
		"aud":            claims.Audience,
		"jti":            claims.ID,
	}
	if claims.SessionID != "" {
		response["sid"] = claims.SessionID
	}
	if len(claims.Roles) > 0 {
		response["roles"] = claims.Roles
	}
	if claims.ExpiresAt != nil {
		response["exp"] = claims.ExpiresAt.Unix()
	}
	if claims.IssuedAt != nil {
		response["iat"] = claims.IssuedAt.Unix()
	}
	httputil.WriteJSON(w, http.StatusOK, response)
}

// clientIP prefers the gateway-set forwarding header over the socket
// peer address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}
