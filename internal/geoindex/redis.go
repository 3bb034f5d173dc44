package geoindex

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"turbodriver/internal/dispatch"
)

const (
	geoKey  = "turbodriver:drivers:geo"
	metaKey = "turbodriver:drivers:meta"
)

// driverMeta is the side-table GEO itself can't carry: GEOSEARCH only
// knows about member name and position, so vehicle type, availability,
// and push address live in a companion hash keyed by driver id.
type driverMeta struct {
	VehicleType  dispatch.VehicleType  `json:"vehicleType"`
	Availability dispatch.Availability `json:"availability"`
	PushAddress  string                `json:"pushAddress"`
}

// RedisIndex wraps Redis GEOADD/GEOSEARCH to serve a capped ordered list
// of nearby drivers, with vehicle-type and availability filtering
// applied via the companion meta hash.
type RedisIndex struct {
	client *redis.Client
}

func NewRedisIndex(client *redis.Client) *RedisIndex {
	return &RedisIndex{client: client}
}

func (r *RedisIndex) Upsert(ctx context.Context, driverID string, loc dispatch.Coordinate, vehicleType dispatch.VehicleType) error {
	if err := r.client.GeoAdd(ctx, geoKey, &redis.GeoLocation{
		Name:      driverID,
		Longitude: loc.Longitude,
		Latitude:  loc.Latitude,
	}).Err(); err != nil {
		return fmt.Errorf("geoindex: geoadd: %w", err)
	}

	meta, err := r.readMeta(ctx, driverID)
	if err != nil {
		return err
	}
	meta.VehicleType = vehicleType
	if meta.Availability == "" {
		meta.Availability = dispatch.AvailabilityActive
	}
	return r.writeMeta(ctx, driverID, meta)
}

func (r *RedisIndex) SetAvailability(ctx context.Context, driverID string, availability dispatch.Availability) error {
	meta, err := r.readMeta(ctx, driverID)
	if err != nil {
		return err
	}
	meta.Availability = availability
	return r.writeMeta(ctx, driverID, meta)
}

func (r *RedisIndex) Remove(ctx context.Context, driverID string) error {
	if err := r.client.ZRem(ctx, geoKey, driverID).Err(); err != nil {
		return fmt.Errorf("geoindex: zrem: %w", err)
	}
	return r.client.HDel(ctx, metaKey, driverID).Err()
}

func (r *RedisIndex) Nearby(ctx context.Context, q Query) ([]dispatch.DriverSnapshot, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	radius := q.RadiusM
	if radius <= 0 {
		radius = 15000
	}

	// over-fetch before filtering by vehicle type/availability, since
	// GEOSEARCH alone can't apply those predicates.
	res, err := r.client.GeoSearchLocation(ctx, geoKey, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  q.Origin.Longitude,
			Latitude:   q.Origin.Latitude,
			Radius:     radius,
			RadiusUnit: "m",
			Sort:       "ASC",
			Count:      limit * 4,
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geoindex: geosearch: %w", err)
	}

	out := make([]dispatch.DriverSnapshot, 0, len(res))
	for _, loc := range res {
		meta, err := r.readMeta(ctx, loc.Name)
		if err != nil {
			continue
		}
		if meta.Availability != dispatch.AvailabilityActive {
			continue
		}
		if q.VehicleType != "" && meta.VehicleType != q.VehicleType {
			continue
		}
		out = append(out, dispatch.DriverSnapshot{
			DriverID: loc.Name,
			Location: dispatch.Coordinate{
				Latitude:  loc.Latitude,
				Longitude: loc.Longitude,
			},
			VehicleType:  meta.VehicleType,
			Availability: meta.Availability,
			PushAddress:  meta.PushAddress,
			DistanceM:    loc.Dist,
		})
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *RedisIndex) readMeta(ctx context.Context, driverID string) (driverMeta, error) {
	raw, err := r.client.HGet(ctx, metaKey, driverID).Bytes()
	if err == redis.Nil {
		return driverMeta{}, nil
	}
	if err != nil {
		return driverMeta{}, fmt.Errorf("geoindex: hget meta: %w", err)
	}
	var meta driverMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return driverMeta{}, fmt.Errorf("geoindex: decode meta: %w", err)
	}
	return meta, nil
}

func (r *RedisIndex) writeMeta(ctx context.Context, driverID string, meta driverMeta) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("geoindex: encode meta: %w", err)
	}
	if err := r.client.HSet(ctx, metaKey, driverID, raw).Err(); err != nil {
		return fmt.Errorf("geoindex: hset meta: %w", err)
	}
	return nil
}
