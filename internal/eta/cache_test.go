package eta

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/require"

	"turbodriver/internal/dispatch"
)

type countingOracle struct {
	calls int
	res   Result
}

func (o *countingOracle) MultiETA(ctx context.Context, origins []dispatch.Coordinate, dest dispatch.Coordinate, boundSeconds *int) (Result, error) {
	o.calls++
	return o.res, nil
}

func TestCachingOracleMissPopulatesCache(t *testing.T) {
	db, mock := redismock.NewClientMock()
	raw := 400
	inner := &countingOracle{res: Result{DurationsSeconds: []*int{&raw}, BestIndex: 0}}
	fixedNow := time.Date(2026, 1, 6, 12, 0, 0, 0, time.UTC)
	c := NewCachingOracle(inner, db, func() time.Time { return fixedNow })

	origins := []dispatch.Coordinate{{Latitude: 40.758, Longitude: -73.9855}}
	dest := dispatch.Coordinate{Latitude: 40.748, Longitude: -73.985}
	key := c.buildCacheKey(origins, dest)

	mock.ExpectGet(key).RedisNil()
	mock.Regexp().ExpectSet(key, `.+`, cacheTTL).SetVal("OK")

	res, err := c.MultiETA(context.Background(), origins, dest, nil)
	require.NoError(t, err)
	require.Equal(t, 1, inner.calls)
	require.Equal(t, 400, *res.DurationsSeconds[0])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCachingOracleHitSkipsInner(t *testing.T) {
	db, mock := redismock.NewClientMock()
	raw := 250
	cached := Result{DurationsSeconds: []*int{&raw}, BestIndex: 0}
	cachedJSON, err := json.Marshal(cached)
	require.NoError(t, err)

	inner := &countingOracle{}
	fixedNow := time.Date(2026, 1, 6, 12, 0, 0, 0, time.UTC)
	c := NewCachingOracle(inner, db, func() time.Time { return fixedNow })

	origins := []dispatch.Coordinate{{Latitude: 40.758, Longitude: -73.9855}}
	dest := dispatch.Coordinate{Latitude: 40.748, Longitude: -73.985}
	key := c.buildCacheKey(origins, dest)

	mock.ExpectGet(key).SetVal(string(cachedJSON))

	res, err := c.MultiETA(context.Background(), origins, dest, nil)
	require.NoError(t, err)
	require.Equal(t, 0, inner.calls)
	require.Equal(t, 250, *res.DurationsSeconds[0])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCachingOracleAppliesBoundOnCacheHit(t *testing.T) {
	db, mock := redismock.NewClientMock()
	raw := 900
	cached := Result{DurationsSeconds: []*int{&raw}, BestIndex: 0}
	cachedJSON, err := json.Marshal(cached)
	require.NoError(t, err)

	inner := &countingOracle{}
	fixedNow := time.Date(2026, 1, 6, 12, 0, 0, 0, time.UTC)
	c := NewCachingOracle(inner, db, func() time.Time { return fixedNow })

	origins := []dispatch.Coordinate{{Latitude: 40.758, Longitude: -73.9855}}
	dest := dispatch.Coordinate{Latitude: 40.748, Longitude: -73.985}
	key := c.buildCacheKey(origins, dest)

	mock.ExpectGet(key).SetVal(string(cachedJSON))

	bound := 300
	res, err := c.MultiETA(context.Background(), origins, dest, &bound)
	require.NoError(t, err)
	require.Nil(t, res.DurationsSeconds[0])
	require.Equal(t, -1, res.BestIndex)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBuildCacheKeyVariesByDepartureMinute(t *testing.T) {
	db, _ := redismock.NewClientMock()
	inner := &countingOracle{}
	t1 := time.Date(2026, 1, 6, 12, 0, 30, 0, time.UTC)
	t2 := time.Date(2026, 1, 6, 12, 1, 0, 0, time.UTC)

	origins := []dispatch.Coordinate{{Latitude: 1, Longitude: 2}}
	dest := dispatch.Coordinate{Latitude: 3, Longitude: 4}

	c1 := NewCachingOracle(inner, db, func() time.Time { return t1 })
	c2 := NewCachingOracle(inner, db, func() time.Time { return t2 })

	require.NotEqual(t, c1.buildCacheKey(origins, dest), c2.buildCacheKey(origins, dest))
}
