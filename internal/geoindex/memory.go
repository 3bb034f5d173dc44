package geoindex

import (
	"context"
	"math"
	"sort"
	"sync"

	"turbodriver/internal/dispatch"
)

// entry is one driver's last-known position and dispatch eligibility.
type entry struct {
	loc          dispatch.Coordinate
	vehicleType  dispatch.VehicleType
	availability dispatch.Availability
	pushAddress  string
}

// MemoryIndex is an in-process haversine scan returning a capped,
// vehicle-type-filtered, distance-ordered slice of nearby drivers.
type MemoryIndex struct {
	mu      sync.RWMutex
	drivers map[string]*entry
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{drivers: make(map[string]*entry)}
}

func (m *MemoryIndex) Upsert(ctx context.Context, driverID string, loc dispatch.Coordinate, vehicleType dispatch.VehicleType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.drivers[driverID]
	if !ok {
		e = &entry{availability: dispatch.AvailabilityActive}
		m.drivers[driverID] = e
	}
	e.loc = loc
	e.vehicleType = vehicleType
	return nil
}

func (m *MemoryIndex) SetAvailability(ctx context.Context, driverID string, availability dispatch.Availability) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.drivers[driverID]
	if !ok {
		return nil
	}
	e.availability = availability
	return nil
}

func (m *MemoryIndex) Remove(ctx context.Context, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.drivers, driverID)
	return nil
}

func (m *MemoryIndex) Nearby(ctx context.Context, q Query) ([]dispatch.DriverSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}

	out := make([]dispatch.DriverSnapshot, 0, len(m.drivers))
	for id, e := range m.drivers {
		if e.availability != dispatch.AvailabilityActive {
			continue
		}
		if q.VehicleType != "" && e.vehicleType != q.VehicleType {
			continue
		}
		d := haversineMeters(q.Origin, e.loc)
		if q.RadiusM > 0 && d > q.RadiusM {
			continue
		}
		out = append(out, dispatch.DriverSnapshot{
			DriverID:     id,
			Location:     e.loc,
			VehicleType:  e.vehicleType,
			Availability: e.availability,
			PushAddress:  e.pushAddress,
			DistanceM:    d,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].DistanceM < out[j].DistanceM })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

const earthRadiusM = 6371000.0

// haversineMeters is the standard great-circle distance formula.
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
