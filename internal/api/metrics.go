package api

import (
	"fmt"
	"net/http"
	"time"
)

// Metrics is GET /metrics, a minimal Prometheus-text-format exposition of
// the counters this codebase hand-rolls rather than pulling in a metrics
// client library.
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprintf(w, "turbodriver_uptime_seconds %f\n", time.Since(h.startTime).Seconds())
	fmt.Fprintf(w, "turbodriver_ride_starts_total %d\n", h.rideStarts)
	fmt.Fprintf(w, "turbodriver_events_logged_total %d\n", h.eventsLogged)

	for le, count := range h.requestCount.snapshot() {
		fmt.Fprintf(w, "turbodriver_request_duration_seconds_bucket{le=\"%g\"} %d\n", le, count)
	}
	for le, count := range h.matchLatency.snapshot() {
		fmt.Fprintf(w, "turbodriver_match_latency_seconds_bucket{le=\"%g\"} %d\n", le, count)
	}
}
