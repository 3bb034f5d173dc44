package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"turbodriver/internal/auth"
	"turbodriver/internal/dispatch"
	"turbodriver/internal/eventbus"
	"turbodriver/internal/geoindex"
	"turbodriver/internal/scheduler"
)

// AttachRoutes wires every HTTP entry point (C7) onto r.
func AttachRoutes(r chi.Router, sch *scheduler.Scheduler, rides dispatch.RideRepository, geo geoindex.Index, bus *eventbus.WebsocketBus, idem *dispatch.IdempotencyCache, authStore *auth.InMemoryStore, authTTL time.Duration, events EventLogger) *Handler {
	authCfg := newAuthConfig(authStore, nil, authTTL)
	handler := NewHandler(sch, rides, geo, bus, idem, authCfg, events)

	r.Use(handler.metricsMiddleware)
	r.Use(middleware.RequestID)
	r.Use(JSONLogger)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/metrics", handler.Metrics)
	r.Post("/api/auth/register", handler.RegisterIdentity)

	r.Group(func(pr chi.Router) {
		pr.Use(authCfg.middleware)

		pr.Post("/dispatch", handler.CreateDispatch)
		pr.Get("/dispatch/{dispatchID}", handler.GetDispatch)
		pr.Post("/dispatch/{dispatchID}/ack", handler.AckDispatch)
		pr.Post("/dispatch/{dispatchID}/reject", handler.RejectDispatch)
		pr.Post("/dispatch/{dispatchID}/cancel", handler.CancelDispatch)

		pr.Post("/api/drivers/{driverID}/location", handler.UpdateDriverLocation)
		pr.Post("/api/drivers/{driverID}/availability", handler.SetDriverAvailability)

		pr.Get("/api/rides/{rideID}", handler.GetRide)
		pr.Post("/api/rides/{rideID}/start", handler.StartRide)
		pr.Post("/api/rides/{rideID}/cancel", handler.CancelRide)
		pr.Post("/api/rides/{rideID}/complete", handler.CompleteRide)

		pr.Get("/api/admin/events/{subjectID}", handler.ListEvents)
	})

	r.Get("/ws/dispatch/{dispatchID}", handler.DispatchWebsocket)

	return handler
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
