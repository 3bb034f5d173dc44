package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"turbodriver/internal/dispatch"
)

type driverLocationRequest struct {
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	VehicleType string  `json:"vehicleType"`
}

// UpdateDriverLocation is POST /api/drivers/{id}/location: the heartbeat
// endpoint feeding the GeoIndex, without which C1 has no candidates to
// offer anyone.
func (h *Handler) UpdateDriverLocation(w http.ResponseWriter, r *http.Request) {
	driverID := chi.URLParam(r, "driverID")
	identity, ok := identityFromContext(r.Context())
	if !ok || identity.Role != dispatch.RoleDriver || identity.ID != driverID {
		respondError(w, http.StatusForbidden, "driver identity required")
		return
	}

	var req driverLocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	loc := dispatch.Coordinate{Latitude: req.Latitude, Longitude: req.Longitude}
	vt := dispatch.NormalizeVehicleType(req.VehicleType)
	if err := h.geo.Upsert(r.Context(), driverID, loc, vt); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to record location")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// SetDriverAvailability is POST /api/drivers/{id}/availability, letting a
// driver go on/off duty outside of an assignment.
func (h *Handler) SetDriverAvailability(w http.ResponseWriter, r *http.Request) {
	driverID := chi.URLParam(r, "driverID")
	identity, ok := identityFromContext(r.Context())
	if !ok || identity.Role != dispatch.RoleDriver || identity.ID != driverID {
		respondError(w, http.StatusForbidden, "driver identity required")
		return
	}

	var req struct {
		Availability string `json:"availability"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.geo.SetAvailability(r.Context(), driverID, dispatch.Availability(req.Availability)); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to set availability")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
