// Package geoindex is the GeoIndex gateway (C1): it answers "which
// available drivers are near this point" queries, backed either by Redis
// geo commands in production or an in-process scan in tests and local dev.
package geoindex

import (
	"context"

	"turbodriver/internal/dispatch"
)

// Query describes a nearby-drivers lookup.
type Query struct {
	Origin      dispatch.Coordinate
	VehicleType dispatch.VehicleType // empty means any
	RadiusM     float64
	Limit       int
}

// Index is the C1 contract the scheduler and API depend on.
type Index interface {
	Nearby(ctx context.Context, q Query) ([]dispatch.DriverSnapshot, error)
	Upsert(ctx context.Context, driverID string, loc dispatch.Coordinate, vehicleType dispatch.VehicleType) error
	SetAvailability(ctx context.Context, driverID string, availability dispatch.Availability) error
	Remove(ctx context.Context, driverID string) error
}
