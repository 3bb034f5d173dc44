package eta

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"turbodriver/internal/dispatch"
)

// cacheTTL matches the sibling example's two-minute ETA response cache:
// long enough to absorb retry storms, short enough that traffic shifts
// aren't served stale for long.
const cacheTTL = 2 * time.Minute

// CachingOracle wraps an Oracle with a Redis-backed response cache keyed
// by rounded coordinates and the departure minute, grounded on the
// sibling example's buildCacheKey.
type CachingOracle struct {
	Inner  Oracle
	Client *redis.Client
	Now    func() time.Time
}

func NewCachingOracle(inner Oracle, client *redis.Client, now func() time.Time) *CachingOracle {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &CachingOracle{Inner: inner, Client: client, Now: now}
}

func (c *CachingOracle) MultiETA(ctx context.Context, origins []dispatch.Coordinate, dest dispatch.Coordinate, boundSeconds *int) (Result, error) {
	key := c.buildCacheKey(origins, dest)
	if raw, err := c.Client.Get(ctx, key).Bytes(); err == nil {
		var cached Result
		if jsonErr := json.Unmarshal(raw, &cached); jsonErr == nil {
			return applyBound(cached, boundSeconds), nil
		}
	}

	res, err := c.Inner.MultiETA(ctx, origins, dest, nil)
	if err != nil {
		return Result{}, err
	}

	if raw, err := json.Marshal(res); err == nil {
		_ = c.Client.Set(ctx, key, raw, cacheTTL).Err()
	}
	return applyBound(res, boundSeconds), nil
}

func applyBound(res Result, boundSeconds *int) Result {
	if boundSeconds == nil {
		return res
	}
	out := make([]*int, len(res.DurationsSeconds))
	for i, d := range res.DurationsSeconds {
		if d == nil || *d > *boundSeconds {
			continue
		}
		out[i] = d
	}
	return Result{DurationsSeconds: out, BestIndex: bestIndex(out)}
}

func (c *CachingOracle) buildCacheKey(origins []dispatch.Coordinate, dest dispatch.Coordinate) string {
	minute := c.Now().Truncate(time.Minute).Unix()
	key := fmt.Sprintf("turbodriver:eta:%d:%.4f,%.4f", minute, dest.Latitude, dest.Longitude)
	for _, o := range origins {
		key += fmt.Sprintf(":%.4f,%.4f", o.Latitude, o.Longitude)
	}
	return key
}
