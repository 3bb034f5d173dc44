package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// IdempotencyStore persists (rider, fingerprint) -> dispatch id mappings
// with a TTL, a durable counterpart to dispatch.IdempotencyCache. config.Load
// does not construct it: the API uses the in-memory cache even when
// Postgres is configured.
type IdempotencyStore struct {
	pool *Pool
	ttl  time.Duration
}

func NewIdempotencyStore(pool *Pool, ttl time.Duration) *IdempotencyStore {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &IdempotencyStore{pool: pool, ttl: ttl}
}

func (s *IdempotencyStore) TTL() time.Duration {
	return s.ttl
}

// Reserve claims (rider, fingerprint) for dispatchID if unclaimed or
// expired, matching dispatch.IdempotencyCache.Reserve's semantics.
func (s *IdempotencyStore) Reserve(ctx context.Context, rider, fingerprint, dispatchID string) (existing string, reserved bool, err error) {
	now := time.Now().UTC()
	var current string
	var expiresAt time.Time
	err = s.pool.pg.QueryRow(ctx, `
SELECT dispatch_id, expires_at FROM idempotency_keys WHERE rider_id = $1 AND fingerprint = $2
`, rider, fingerprint).Scan(&current, &expiresAt)
	if err == nil && now.Before(expiresAt) {
		return current, false, nil
	}
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return "", false, err
	}

	exp := now.Add(s.ttl)
	tag, err := s.pool.pg.Exec(ctx, `
INSERT INTO idempotency_keys (rider_id, fingerprint, dispatch_id, expires_at)
VALUES ($1,$2,$3,$4)
ON CONFLICT (rider_id, fingerprint) DO UPDATE SET dispatch_id = EXCLUDED.dispatch_id, expires_at = EXCLUDED.expires_at
WHERE idempotency_keys.expires_at <= $5
`, rider, fingerprint, dispatchID, exp, now)
	if err != nil {
		return "", false, err
	}
	if tag.RowsAffected() == 0 {
		// a concurrent caller claimed the key between the SELECT and here
		err = s.pool.pg.QueryRow(ctx, `
SELECT dispatch_id FROM idempotency_keys WHERE rider_id = $1 AND fingerprint = $2
`, rider, fingerprint).Scan(&current)
		if err != nil {
			return "", false, err
		}
		return current, false, nil
	}
	return dispatchID, true, nil
}

func (s *IdempotencyStore) Lookup(ctx context.Context, rider, fingerprint string) (string, bool, error) {
	var dispatchID string
	var expiresAt time.Time
	err := s.pool.pg.QueryRow(ctx, `
SELECT dispatch_id, expires_at FROM idempotency_keys WHERE rider_id = $1 AND fingerprint = $2
`, rider, fingerprint).Scan(&dispatchID, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	if time.Now().UTC().After(expiresAt) {
		return "", false, nil
	}
	return dispatchID, true, nil
}
