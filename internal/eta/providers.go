package eta

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"

	"turbodriver/internal/dispatch"
	"turbodriver/internal/retry"
)

// RouteProvider answers a single origin->destination duration query.
// Implementations are grounded on the sibling ride-service example's
// routing client shapes (Google Maps, Mapbox, OSRM), with a haversine
// mock used for local/dev/test.
type RouteProvider interface {
	Name() string
	RouteDuration(ctx context.Context, origin, dest dispatch.Coordinate) (time.Duration, error)
}

// MockRouteProvider estimates duration from great-circle distance at a
// flat urban speed, the same fallback shape the sibling example uses when
// no real provider is configured.
type MockRouteProvider struct {
	AverageSpeedKPH float64
}

func NewMockRouteProvider() *MockRouteProvider {
	return &MockRouteProvider{AverageSpeedKPH: 30}
}

func (m *MockRouteProvider) Name() string { return "mock" }

func (m *MockRouteProvider) RouteDuration(ctx context.Context, origin, dest dispatch.Coordinate) (time.Duration, error) {
	meters := haversineMeters(origin, dest)
	speedMps := m.AverageSpeedKPH * 1000 / 3600
	if speedMps <= 0 {
		speedMps = 1
	}
	return time.Duration(meters/speedMps) * time.Second, nil
}

const earthRadiusM = 6371000.0

func haversineMeters(a, b dispatch.Coordinate) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180
	sinDLat := math.Sin(dLat / 2)
	sinDLon := math.Sin(dLon / 2)
	h := sinDLat*sinDLat + math.Cos(lat1)*math.Cos(lat2)*sinDLon*sinDLon
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusM * c
}

// HTTPRouteProvider calls an HTTP routing API and extracts the route
// duration from the response with a per-provider decode func. GoogleMaps,
// Mapbox, and OSRM providers below all share this shape with different URL
// builders and response decoders, mirroring the sibling example's three
// concrete routing clients.
type HTTPRouteProvider struct {
	name       string
	client     *http.Client
	buildURL   func(origin, dest dispatch.Coordinate) string
	decode     func([]byte) (time.Duration, error)
}

func (h *HTTPRouteProvider) Name() string { return h.name }

func (h *HTTPRouteProvider) RouteDuration(ctx context.Context, origin, dest dispatch.Coordinate) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.buildURL(origin, dest), nil)
	if err != nil {
		return 0, fmt.Errorf("eta: %s: build request: %w", h.name, err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("eta: %s: request: %w", h.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return 0, fmt.Errorf("eta: %s: status %s", h.name, resp.Status)
	}
	var buf [1 << 16]byte
	n, _ := resp.Body.Read(buf[:])
	return h.decode(buf[:n])
}

func NewGoogleMapsProvider(client *http.Client, apiKey string) *HTTPRouteProvider {
	return &HTTPRouteProvider{
		name:   "google-maps",
		client: client,
		buildURL: func(origin, dest dispatch.Coordinate) string {
			return fmt.Sprintf(
				"https://maps.googleapis.com/maps/api/distancematrix/json?origins=%f,%f&destinations=%f,%f&key=%s",
				origin.Latitude, origin.Longitude, dest.Latitude, dest.Longitude, apiKey,
			)
		},
		decode: decodeGoogleMaps,
	}
}

func decodeGoogleMaps(body []byte) (time.Duration, error) {
	var payload struct {
		Rows []struct {
			Elements []struct {
				Duration struct {
					Value int `json:"value"`
				} `json:"duration"`
				Status string `json:"status"`
			} `json:"elements"`
		} `json:"rows"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, fmt.Errorf("eta: google-maps: decode: %w", err)
	}
	if len(payload.Rows) == 0 || len(payload.Rows[0].Elements) == 0 {
		return 0, fmt.Errorf("eta: google-maps: empty response")
	}
	el := payload.Rows[0].Elements[0]
	if el.Status != "OK" {
		return 0, fmt.Errorf("eta: google-maps: element status %s", el.Status)
	}
	return time.Duration(el.Duration.Value) * time.Second, nil
}

func NewMapboxProvider(client *http.Client, apiKey string) *HTTPRouteProvider {
	return &HTTPRouteProvider{
		name:   "mapbox",
		client: client,
		buildURL: func(origin, dest dispatch.Coordinate) string {
			return fmt.Sprintf(
				"https://api.mapbox.com/directions/v5/mapbox/driving/%f,%f;%f,%f?access_token=%s",
				origin.Longitude, origin.Latitude, dest.Longitude, dest.Latitude, apiKey,
			)
		},
		decode: decodeMapbox,
	}
}

func decodeMapbox(body []byte) (time.Duration, error) {
	var payload struct {
		Routes []struct {
			Duration float64 `json:"duration"`
		} `json:"routes"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, fmt.Errorf("eta: mapbox: decode: %w", err)
	}
	if len(payload.Routes) == 0 {
		return 0, fmt.Errorf("eta: mapbox: no routes")
	}
	return time.Duration(payload.Routes[0].Duration) * time.Second, nil
}

func NewOSRMProvider(client *http.Client, baseURL string) *HTTPRouteProvider {
	return &HTTPRouteProvider{
		name:   "osrm",
		client: client,
		buildURL: func(origin, dest dispatch.Coordinate) string {
			return fmt.Sprintf(
				"%s/route/v1/driving/%f,%f;%f,%f?overview=false",
				baseURL, origin.Longitude, origin.Latitude, dest.Longitude, dest.Latitude,
			)
		},
		decode: decodeOSRM,
	}
}

func decodeOSRM(body []byte) (time.Duration, error) {
	var payload struct {
		Routes []struct {
			Duration float64 `json:"duration"`
		} `json:"routes"`
		Code string `json:"code"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, fmt.Errorf("eta: osrm: decode: %w", err)
	}
	if payload.Code != "Ok" || len(payload.Routes) == 0 {
		return 0, fmt.Errorf("eta: osrm: code %s", payload.Code)
	}
	return time.Duration(payload.Routes[0].Duration) * time.Second, nil
}

// MultiProviderOracle tries each RouteProvider in order per origin,
// falling back to the next on failure, retrying each with retry.Do before
// giving up on it. Grounded on the sibling example's
// MultiProviderRoutingClient.
type MultiProviderOracle struct {
	Providers []RouteProvider
	Policy    retry.Policy
}

func NewMultiProviderOracle(providers ...RouteProvider) *MultiProviderOracle {
	return &MultiProviderOracle{Providers: providers, Policy: retry.DefaultPolicy}
}

func (m *MultiProviderOracle) MultiETA(ctx context.Context, origins []dispatch.Coordinate, dest dispatch.Coordinate, boundSeconds *int) (Result, error) {
	durations := make([]*int, len(origins))
	for i, origin := range origins {
		d, ok := m.routeOne(ctx, origin, dest)
		if !ok {
			continue
		}
		secs := int(d / time.Second)
		if boundSeconds != nil && secs > *boundSeconds {
			continue
		}
		durations[i] = seconds(secs)
	}
	return Result{DurationsSeconds: durations, BestIndex: bestIndex(durations)}, nil
}

func (m *MultiProviderOracle) routeOne(ctx context.Context, origin, dest dispatch.Coordinate) (time.Duration, bool) {
	for _, p := range m.Providers {
		var d time.Duration
		err := retry.Do(ctx, m.Policy, func(ctx context.Context) error {
			var innerErr error
			d, innerErr = p.RouteDuration(ctx, origin, dest)
			return innerErr
		})
		if err == nil {
			return d, true
		}
	}
	return 0, false
}
