package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"turbodriver/internal/dispatch"
)

// RegisterIdentity is POST /api/auth/register, issuing a bearer token for
// the given role. Real credential verification is out of scope; this is
// the ambient token-issuance plumbing the rest of the API's auth
// middleware depends on.
func (h *Handler) RegisterIdentity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Role string `json:"role"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	identity, err := h.auth.store.Register(dispatch.IdentityRole(req.Role), h.auth.ttl)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, identity)
}

// ListEvents is GET /api/admin/events/{subjectID}, exposing the
// append-only event log for a dispatch or ride id.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFromContext(r.Context())
	if !ok || identity.Role != dispatch.RoleAdmin {
		respondError(w, http.StatusForbidden, "admin identity required")
		return
	}
	if h.events == nil {
		respondJSON(w, http.StatusOK, []any{})
		return
	}
	subjectID := chi.URLParam(r, "subjectID")
	limit := parseIntOr(r.URL.Query().Get("limit"), 50)
	offset := parseIntOr(r.URL.Query().Get("offset"), 0)

	events, err := h.events.ListEvents(r.Context(), subjectID, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	respondJSON(w, http.StatusOK, events)
}

func parseIntOr(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}
