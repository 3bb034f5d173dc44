package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"turbodriver/internal/auth"
	"turbodriver/internal/clockz"
	"turbodriver/internal/dispatch"
	"turbodriver/internal/eta"
	"turbodriver/internal/eventbus"
	"turbodriver/internal/geoindex"
	"turbodriver/internal/queue"
	"turbodriver/internal/scheduler"
)

// flatETAOracle returns a fixed per-origin duration, ascending with
// origin index, so candidate ranking in these HTTP-level tests is
// deterministic without depending on eta/calibration_test.go's fixtures.
type flatETAOracle struct{}

func (flatETAOracle) MultiETA(ctx context.Context, origins []dispatch.Coordinate, dest dispatch.Coordinate, boundSeconds *int) (eta.Result, error) {
	durations := make([]*int, len(origins))
	for i := range origins {
		v := 60 + i*30
		durations[i] = &v
	}
	best := 0
	for i, d := range durations {
		if *d < *durations[best] {
			best = i
		}
	}
	return eta.Result{DurationsSeconds: durations, BestIndex: best}, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *scheduler.Scheduler) {
	t.Helper()
	server, sch, startWorker := newTestServerDeferredWorker(t)
	startWorker()
	return server, sch
}

// newTestServerDeferredWorker builds the same server as newTestServer but
// leaves the scheduler's worker loop unstarted, returning a func to start
// it. Tests that need to subscribe to a dispatch's websocket room before
// anything can offer a candidate (there's no event replay for a late
// subscriber) create the dispatch, dial the socket, then call this to let
// the first offer happen only once a listener is attached.
func newTestServerDeferredWorker(t *testing.T) (*httptest.Server, *scheduler.Scheduler, func()) {
	t.Helper()

	geo := geoindex.NewMemoryIndex()
	ctx := context.Background()
	require.NoError(t, geo.Upsert(ctx, "driver_near", dispatch.Coordinate{Latitude: 40.758, Longitude: -73.9855}, dispatch.VehicleCar))

	// the scheduler's Bus and the one AttachRoutes serves websocket
	// subscribers through must be the same WebsocketBus instance, exactly
	// as cmd/server/main.go shares cfg.WS between cfg.Bus and AttachRoutes
	// — otherwise events the scheduler emits never reach a subscriber.
	ws := eventbus.NewWebsocketBus()
	sch := &scheduler.Scheduler{
		Store:      dispatch.NewStore(),
		Rides:      dispatch.NewRideStore(),
		GeoIndex:   geo,
		ETA:        flatETAOracle{},
		Bus:        eventbus.NewLoggingBus(ws),
		Queue:      queue.NewMemoryQueue(16),
		Clock:      clockz.RealClock{},
		Registry:   geo,
		Fares:      scheduler.FlatFareEstimator{BaseMinor: 500, PerSecondMinor: 2},
		AckSeconds: 30,
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	startWorker := func() { go sch.RunWorker(workerCtx) }

	authStore := auth.NewInMemoryStore()
	idem := dispatch.NewIdempotencyCache(time.Minute, time.Now)

	r := chi.NewRouter()
	AttachRoutes(r, sch, sch.Rides, geo, ws, idem, authStore, time.Hour, nil)

	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	return server, sch, startWorker
}

func registerIdentity(t *testing.T, server *httptest.Server, role string) dispatch.Identity {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"role": role})
	resp, err := http.Post(server.URL+"/api/auth/register", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var identity dispatch.Identity
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&identity))
	return identity
}

func authedRequest(t *testing.T, method, url, token string, payload any) *http.Response {
	t.Helper()
	var body *bytes.Buffer
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewBuffer(raw)
	} else {
		body = bytes.NewBuffer(nil)
	}
	req, err := http.NewRequest(method, url, body)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// dialDispatchEvents subscribes to a dispatch's websocket event stream and
// returns a channel of decoded envelopes plus a closer.
func dialDispatchEvents(t *testing.T, server *httptest.Server, dispatchID string) (<-chan map[string]any, func()) {
	t.Helper()
	wsURL := "ws" + server.URL[len("http"):] + "/ws/dispatch/" + dispatchID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	events := make(chan map[string]any, 16)
	go func() {
		defer close(events)
		for {
			var envelope map[string]any
			if err := conn.ReadJSON(&envelope); err != nil {
				return
			}
			events <- envelope
		}
	}()
	return events, func() { conn.Close() }
}

func TestDispatchOfferEventDeliveredOverWebsocket(t *testing.T) {
	// the worker is held back until the websocket subscription below is
	// registered — WebsocketBus has no replay for a late joiner, so if the
	// worker ran immediately it could offer and emit before anyone's
	// listening and this test would hang on its own deadline.
	server, _, startWorker := newTestServerDeferredWorker(t)
	rider := registerIdentity(t, server, "rider")

	createResp := authedRequest(t, http.MethodPost, server.URL+"/dispatch", rider.Token, map[string]any{
		"pickupLat":   40.758,
		"pickupLong":  -73.9855,
		"destLat":     40.748,
		"destLong":    -73.985,
		"vehicleType": "car",
	})
	require.Equal(t, http.StatusCreated, createResp.StatusCode)
	var created dispatchResponse
	require.NoError(t, json.NewDecoder(createResp.Body).Decode(&created))
	createResp.Body.Close()

	events, closeWS := dialDispatchEvents(t, server, created.ID)
	defer closeWS()
	startWorker()

	var sawOffer bool
	deadline := time.After(2 * time.Second)
	for !sawOffer {
		select {
		case envelope, ok := <-events:
			if !ok {
				t.Fatal("websocket closed before dispatch.offer arrived")
			}
			if envelope["event"] == "dispatch.offer" {
				sawOffer = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for dispatch.offer over the websocket")
		}
	}
}

func TestRegisterIdentityIssuesToken(t *testing.T) {
	server, _ := newTestServer(t)
	identity := registerIdentity(t, server, "rider")
	require.NotEmpty(t, identity.Token)
	require.Equal(t, dispatch.RoleRider, identity.Role)
}

func TestDispatchLifecycleEndToEnd(t *testing.T) {
	server, _ := newTestServer(t)

	rider := registerIdentity(t, server, "rider")
	driver := registerIdentity(t, server, "driver")

	// seed the driver's location through the authenticated endpoint too,
	// so the candidate pool reflects a driver actually registered via
	// the API rather than only through the test's direct geo.Upsert call.
	locResp := authedRequest(t, http.MethodPost,
		fmt.Sprintf("%s/api/drivers/%s/location", server.URL, driver.ID),
		driver.Token,
		map[string]any{"latitude": 40.758, "longitude": -73.9855, "vehicleType": "car"})
	require.Equal(t, http.StatusOK, locResp.StatusCode)
	locResp.Body.Close()

	createResp := authedRequest(t, http.MethodPost, server.URL+"/dispatch", rider.Token, map[string]any{
		"pickupLat":   40.758,
		"pickupLong":  -73.9855,
		"destLat":     40.748,
		"destLong":    -73.985,
		"vehicleType": "car",
	})
	require.Equal(t, http.StatusCreated, createResp.StatusCode)
	var created dispatchResponse
	require.NoError(t, json.NewDecoder(createResp.Body).Decode(&created))
	createResp.Body.Close()
	require.NotEmpty(t, created.ID)
	require.Equal(t, dispatch.OutcomePending, created.Outcome)

	var currentCandidate string
	require.Eventually(t, func() bool {
		getResp := authedRequest(t, http.MethodGet, server.URL+"/dispatch/"+created.ID, rider.Token, nil)
		defer getResp.Body.Close()
		var fresh dispatchResponse
		if err := json.NewDecoder(getResp.Body).Decode(&fresh); err != nil {
			return false
		}
		if len(fresh.Candidates) == 0 {
			return false
		}
		cand := fresh.Candidates[fresh.Cursor]
		if cand.Status == dispatch.CandidateOffered {
			currentCandidate = cand.DriverID
			return true
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)

	ackResp := authedRequest(t, http.MethodPost, server.URL+"/dispatch/"+created.ID+"/ack", driver.Token, map[string]any{
		"driverId": currentCandidate,
	})
	require.Equal(t, http.StatusOK, ackResp.StatusCode)
	ackResp.Body.Close()

	require.Eventually(t, func() bool {
		getResp := authedRequest(t, http.MethodGet, server.URL+"/dispatch/"+created.ID, rider.Token, nil)
		defer getResp.Body.Close()
		var fresh dispatchResponse
		if err := json.NewDecoder(getResp.Body).Decode(&fresh); err != nil {
			return false
		}
		return fresh.Outcome == dispatch.OutcomeAssigned && fresh.RideID != ""
	}, 2*time.Second, 20*time.Millisecond)
}

func TestCreateDispatchRejectsNonRiderIdentity(t *testing.T) {
	server, _ := newTestServer(t)
	driver := registerIdentity(t, server, "driver")

	resp := authedRequest(t, http.MethodPost, server.URL+"/dispatch", driver.Token, map[string]any{
		"pickupLat": 40.758, "pickupLong": -73.9855,
		"destLat": 40.748, "destLong": -73.985,
	})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()
}

func TestProtectedRouteRejectsMissingToken(t *testing.T) {
	server, _ := newTestServer(t)
	resp, err := http.Get(server.URL + "/dispatch/nonexistent")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHealthEndpointIsUnauthenticated(t *testing.T) {
	server, _ := newTestServer(t)
	resp, err := http.Get(server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
