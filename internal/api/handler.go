package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"turbodriver/internal/dispatch"
	"turbodriver/internal/eventbus"
	"turbodriver/internal/geoindex"
	"turbodriver/internal/scheduler"
	"turbodriver/internal/storage"
)

// EventLogger is the narrow read contract the admin event-listing
// endpoint depends on; storage.DispatchStore satisfies it.
type EventLogger interface {
	ListEvents(ctx context.Context, subjectID string, limit, offset int) ([]storage.DispatchEvent, error)
}

// Handler holds every collaborator the HTTP layer dispatches into. It is
// built once in cmd/server and carries no package-level state, per this
// codebase's no-singletons convention.
type Handler struct {
	scheduler *scheduler.Scheduler
	rides     dispatch.RideRepository
	geo       geoindex.Index
	bus       *eventbus.WebsocketBus
	idem      *dispatch.IdempotencyCache
	auth      authConfig
	events    EventLogger

	startTime time.Time
	staleTTL  time.Duration

	requestCount bucketCounter
	matchLatency bucketCounter
	eventsLogged int64
	rideStarts   int64
}

func NewHandler(sch *scheduler.Scheduler, rides dispatch.RideRepository, geo geoindex.Index, bus *eventbus.WebsocketBus, idem *dispatch.IdempotencyCache, auth authConfig, events EventLogger) *Handler {
	return &Handler{
		scheduler:    sch,
		rides:        rides,
		geo:          geo,
		bus:          bus,
		idem:         idem,
		auth:         auth,
		events:       events,
		startTime:    time.Now(),
		staleTTL:     5 * time.Minute,
		requestCount: newBucketCounter(map[float64]int64{0.1: 0, 0.25: 0, 0.5: 0, 1: 0, 2.5: 0}),
		matchLatency: newBucketCounter(map[float64]int64{0.5: 0, 1: 0, 2: 0, 5: 0, 10: 0}),
	}
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func (h *Handler) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: 200}
		next.ServeHTTP(rec, r)
		h.requestCount.observe(time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
