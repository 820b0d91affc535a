package httptransport

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	keysmodels "clavis/internal/keys/models"
	id "clavis/pkg/domain"
	"clavis/pkg/platform/httputil"
)

// KeyManager is the signing-key admin surface.
type KeyManager interface {
	JWKSDocument(ctx context.Context, appID id.ApplicationID) ([]byte, error)
	Rotate(ctx context.Context, appID id.ApplicationID) (*keysmodels.SigningKey, error)
	Revoke(ctx context.Context, appID id.ApplicationID, kid id.KeyID) error
}

func (h *Handler) handleJWKS(w http.ResponseWriter, r *http.Request) {
	appID, err := id.ParseApplicationID(chi.URLParam(r, "app_id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	doc, err := h.keys.JWKSDocument(r.Context(), appID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc) //nolint:errcheck
}

type keyResponse struct {
	Kid       string    `json:"kid"`
	Algorithm string    `json:"algorithm"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

func (h *Handler) handleKeyRotate(w http.ResponseWriter, r *http.Request) {
	appID, err := id.ParseApplicationID(chi.URLParam(r, "app_id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	key, err := h.keys.Rotate(r.Context(), appID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, keyResponse{
		Kid:       key.Kid.String(),
		Algorithm: key.Algorithm.String(),
		Status:    string(key.Status),
		CreatedAt: key.CreatedAt,
	})
}

func (h *Handler) handleKeyRevoke(w http.ResponseWriter, r *http.Request) {
	appID, err := id.ParseApplicationID(chi.URLParam(r, "app_id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	kid, err := id.ParseKeyID(chi.URLParam(r, "kid"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	if err := h.keys.Revoke(r.Context(), appID, kid); err != nil {
		httputil.WriteError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
