package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"turbodriver/internal/dispatch"
)

type rideResponse struct {
	ID          string            `json:"id"`
	Rider       string            `json:"rider"`
	Driver      string            `json:"driver"`
	Pickup      string            `json:"pickup"`
	Destination string            `json:"destination"`
	FareMinor   int64             `json:"fare"`
	Status      dispatch.RideStatus `json:"status"`
	OTP         string            `json:"otp,omitempty"`
}

func toRideResponse(r *dispatch.Ride) rideResponse {
	return rideResponse{
		ID:          r.ID,
		Rider:       r.Rider,
		Driver:      r.Driver,
		Pickup:      r.Pickup,
		Destination: r.Destination,
		FareMinor:   r.FareMinor,
		Status:      r.Status,
		OTP:         r.OTP,
	}
}

// GetRide is GET /api/rides/{id}. The rider and driver on the ride (or an
// admin) may read it; only the rider and driver see the handoff OTP.
func (h *Handler) GetRide(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "rideID")
	identity, _ := identityFromContext(r.Context())

	ride, err := h.rides.Read(r.Context(), id, true)
	if err != nil {
		writeErr(w, err)
		return
	}
	if !canAccessRide(identity, *ride) {
		respondError(w, http.StatusForbidden, "not a party to this ride")
		return
	}

	out := toRideResponse(ride)
	if !(identity.Role == dispatch.RoleRider || identity.Role == dispatch.RoleDriver) {
		out.OTP = ""
	}
	respondJSON(w, http.StatusOK, out)
}

func canAccessRide(identity dispatch.Identity, ride dispatch.Ride) bool {
	switch identity.Role {
	case dispatch.RoleAdmin:
		return true
	case dispatch.RoleRider:
		return identity.ID == ride.Rider
	case dispatch.RoleDriver:
		return identity.ID == ride.Driver
	default:
		return false
	}
}

// StartRide is POST /api/rides/{id}/start, the driver confirming pickup
// and moving the ride from accepted to ongoing.
func (h *Handler) StartRide(w http.ResponseWriter, r *http.Request) {
	h.transitionRide(w, r, dispatch.RideAccepted, dispatch.RideOngoing)
}

// CompleteRide is POST /api/rides/{id}/complete.
func (h *Handler) CompleteRide(w http.ResponseWriter, r *http.Request) {
	h.transitionRide(w, r, dispatch.RideOngoing, dispatch.RideCompleted)
}

// CancelRide is POST /api/rides/{id}/cancel. Legal from either accepted
// or ongoing, so it doesn't go through transitionRide's single-from
// helper.
func (h *Handler) CancelRide(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "rideID")
	identity, ok := identityFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "identity required")
		return
	}
	ride, err := h.rides.Read(r.Context(), id, false)
	if err != nil {
		writeErr(w, err)
		return
	}
	if !canAccessRide(identity, *ride) {
		respondError(w, http.StatusForbidden, "not a party to this ride")
		return
	}
	updated, err := h.rides.Transition(r.Context(), id, ride.Status, dispatch.RideCancelled, ride.Version)
	if err != nil {
		writeErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toRideResponse(updated))
}

func (h *Handler) transitionRide(w http.ResponseWriter, r *http.Request, from, to dispatch.RideStatus) {
	id := chi.URLParam(r, "rideID")
	identity, ok := identityFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "identity required")
		return
	}
	ride, err := h.rides.Read(r.Context(), id, false)
	if err != nil {
		writeErr(w, err)
		return
	}
	if !canAccessRide(identity, *ride) {
		respondError(w, http.StatusForbidden, "not a party to this ride")
		return
	}
	updated, err := h.rides.Transition(r.Context(), id, from, to, ride.Version)
	if err != nil {
		writeErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toRideResponse(updated))
}
