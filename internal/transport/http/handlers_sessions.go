package httptransport

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	sessionmodels "clavis/internal/session/models"
	id "clavis/pkg/domain"
	"clavis/pkg/platform/httputil"
)

// SessionAdmin is the per-principal session admin surface.
type SessionAdmin interface {
	ListForPrincipal(ctx context.Context, principal id.Principal) ([]*sessionmodels.Session, error)
	RevokeAllForPrincipal(ctx context.Context, principal id.Principal) (int, error)
}

func principalFromPath(r *http.Request) (id.Principal, error) {
	return id.ParsePrincipal(chi.URLParam(r, "type"), chi.URLParam(r, "id"))
}

type sessionListItem struct {
	sessionSummary
	Status string `json:"status"`
}

func (h *Handler) handleSessionList(w http.ResponseWriter, r *http.Request) {
	principal, err := principalFromPath(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	sessions, err := h.sessions.ListForPrincipal(r.Context(), principal)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	items := make([]sessionListItem, 0, len(sessions))
	for _, session := range sessions {
		items = append(items, sessionListItem{
			sessionSummary: *summarize(session),
			Status:         string(session.Status),
		})
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"sessions": items})
}

func (h *Handler) handleSessionRevokeAll(w http.ResponseWriter, r *http.Request) {
	principal, err := principalFromPath(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	revoked, err := h.sessions.RevokeAllForPrincipal(r.Context(), principal)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{"sessions_revoked": revoked})
}
