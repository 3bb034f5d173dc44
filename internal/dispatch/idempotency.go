package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// idemEntry is one (rider, fingerprint) -> dispatch id mapping, with the
// time it expires and a version number (set to 1; nothing reads it).
type idemEntry struct {
	dispatchID string
	expiresAt  time.Time
	version    int64
}

// IdempotencyCache maps a (rider, fingerprint) pair to the Dispatch it
// produced, for the TTL window during which a retried create request must
// return the original result instead of starting a second Dispatch.
type IdempotencyCache struct {
	mu  sync.Mutex
	ttl time.Duration
	m   map[string]*idemEntry
	now func() time.Time
}

func NewIdempotencyCache(ttl time.Duration, now func() time.Time) *IdempotencyCache {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &IdempotencyCache{ttl: ttl, m: make(map[string]*idemEntry), now: now}
}

func key(rider, fingerprint string) string {
	return rider + "\x00" + fingerprint
}

// Reserve atomically claims the (rider, fingerprint) key for dispatchID if
// it is unclaimed or its previous claim expired, returning (dispatchID,
// true, nil) for the winner. If the key is already claimed and live it
// returns the existing dispatchID and reserved=false so the caller can
// return the prior result instead of creating a duplicate Dispatch.
func (c *IdempotencyCache) Reserve(ctx context.Context, rider, fingerprint, dispatchID string) (existing string, reserved bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key(rider, fingerprint)
	now := c.now()
	if e, ok := c.m[k]; ok && now.Before(e.expiresAt) {
		return e.dispatchID, false, nil
	}
	c.m[k] = &idemEntry{dispatchID: dispatchID, expiresAt: now.Add(c.ttl), version: 1}
	return dispatchID, true, nil
}

// Lookup returns the dispatch id on record for (rider, fingerprint) if the
// entry hasn't expired.
func (c *IdempotencyCache) Lookup(ctx context.Context, rider, fingerprint string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key(rider, fingerprint)
	e, ok := c.m[k]
	if !ok || !c.now().Before(e.expiresAt) {
		return "", false
	}
	return e.dispatchID, true
}

// Evict removes expired entries and returns how many it removed. Nothing
// in this module calls it on a schedule, so an expired entry stays in the
// map until Evict runs or its key is reserved again.
func (c *IdempotencyCache) Evict(ctx context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for k, e := range c.m {
		if !now.Before(e.expiresAt) {
			delete(c.m, k)
			removed++
		}
	}
	return removed
}

func (c *IdempotencyCache) String() string {
	return fmt.Sprintf("IdempotencyCache(ttl=%s, entries=%d)", c.ttl, len(c.m))
}
