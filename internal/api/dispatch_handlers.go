package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"turbodriver/internal/dispatch"
	"turbodriver/internal/scheduler"
)

type createDispatchRequest struct {
	PickupLat       float64 `json:"pickupLat"`
	PickupLong      float64 `json:"pickupLong"`
	PickupLabel     string  `json:"pickupLabel"`
	DestLat         float64 `json:"destLat"`
	DestLong        float64 `json:"destLong"`
	DestLabel       string  `json:"destLabel"`
	VehicleType     string  `json:"vehicleType"`
	IdempotencyKey  string  `json:"idempotencyKey"`
}

type dispatchResponse struct {
	ID          string               `json:"id"`
	Owner       string               `json:"owner"`
	Pickup      string               `json:"pickup"`
	Destination string               `json:"destination"`
	Outcome     dispatch.Outcome     `json:"outcome"`
	RideID      string               `json:"rideId,omitempty"`
	Cursor      int                  `json:"cursor"`
	Candidates  []dispatch.Candidate `json:"candidates"`
}

func toDispatchResponse(d *dispatch.Dispatch) dispatchResponse {
	return dispatchResponse{
		ID:          d.ID,
		Owner:       d.Owner,
		Pickup:      d.Pickup,
		Destination: d.Destination,
		Outcome:     d.Outcome,
		RideID:      d.RideID,
		Cursor:      d.Cursor,
		Candidates:  d.Candidates,
	}
}

// CreateDispatch is POST /dispatch. A repeated call with the same
// (rider, idempotencyKey) pair returns the original Dispatch instead of
// starting a second one.
func (h *Handler) CreateDispatch(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFromContext(r.Context())
	if !ok || identity.Role != dispatch.RoleRider {
		respondError(w, http.StatusForbidden, "rider identity required")
		return
	}

	var req createDispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.IdempotencyKey != "" {
		if existing, ok := h.idem.Lookup(r.Context(), identity.ID, req.IdempotencyKey); ok {
			d, err := h.scheduler.Store.Read(r.Context(), existing)
			if err == nil {
				respondJSON(w, http.StatusOK, toDispatchResponse(d))
				return
			}
		}
	}

	params := scheduler.StartParams{
		Rider:       identity.ID,
		Pickup:      dispatch.Coordinate{Latitude: req.PickupLat, Longitude: req.PickupLong},
		PickupLabel: req.PickupLabel,
		Destination: dispatch.Coordinate{Latitude: req.DestLat, Longitude: req.DestLong},
		DestLabel:   req.DestLabel,
		VehicleType: dispatch.NormalizeVehicleType(req.VehicleType),
	}

	d, err := h.scheduler.StartDispatch(r.Context(), params)
	if err != nil {
		writeErr(w, err)
		return
	}

	if req.IdempotencyKey != "" {
		_, _, _ = h.idem.Reserve(r.Context(), identity.ID, req.IdempotencyKey, d.ID)
	}

	h.rideStarts++
	respondJSON(w, http.StatusCreated, toDispatchResponse(d))
}

// GetDispatch is GET /dispatch/{id}.
func (h *Handler) GetDispatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "dispatchID")
	d, err := h.scheduler.Store.Read(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toDispatchResponse(d))
}

type ackRequest struct {
	DriverID string `json:"driverId"`
}

// AckDispatch is POST /dispatch/{id}/ack, called by the driver currently
// at the front of the candidate queue.
func (h *Handler) AckDispatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "dispatchID")
	var req ackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	d, err := h.scheduler.Ack(r.Context(), id, req.DriverID)
	if err != nil {
		writeErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toDispatchResponse(d))
}

// RejectDispatch is POST /dispatch/{id}/reject.
func (h *Handler) RejectDispatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "dispatchID")
	var req ackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	d, err := h.scheduler.Reject(r.Context(), id, req.DriverID)
	if err != nil {
		writeErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toDispatchResponse(d))
}

// CancelDispatch is POST /dispatch/{id}/cancel.
func (h *Handler) CancelDispatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "dispatchID")
	d, err := h.scheduler.Cancel(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toDispatchResponse(d))
}

// DispatchWebsocket is GET /ws/dispatch/{id}, joining the caller's
// connection to that dispatch's event room.
func (h *Handler) DispatchWebsocket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "dispatchID")
	if err := h.bus.ServeHTTP(id, w, r); err != nil {
		respondError(w, http.StatusBadRequest, "websocket upgrade failed")
	}
}

func writeErr(w http.ResponseWriter, err error) {
	switch dispatch.KindOf(err) {
	case dispatch.KindBadInput:
		respondError(w, http.StatusBadRequest, err.Error())
	case dispatch.KindNotFound:
		respondError(w, http.StatusNotFound, err.Error())
	case dispatch.KindGone:
		respondError(w, http.StatusGone, err.Error())
	case dispatch.KindConflict:
		respondError(w, http.StatusConflict, err.Error())
	case dispatch.KindUnavailable:
		respondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}
