package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// RideStore is the durable home for Ride records, guarded by the same
// optimistic-concurrency discipline as Store: every Transition names the
// version it read and loses the race if someone else wrote first.
type RideStore struct {
	mu    sync.Mutex
	rides map[string]*Ride
}

func NewRideStore() *RideStore {
	return &RideStore{rides: make(map[string]*Ride)}
}

// Create inserts a new Ride at version 1. It is called exactly once, from
// inside a Dispatch's CommitAssignment path, so a duplicate ID indicates a
// bug upstream rather than a legitimate race.
func (rs *RideStore) Create(ctx context.Context, r *Ride) (*Ride, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if _, exists := rs.rides[r.ID]; exists {
		return nil, conflict("ride.Create", fmt.Errorf("ride %s already exists", r.ID))
	}
	cp := *r
	cp.Version = 1
	if cp.Status == "" {
		cp.Status = RideAccepted
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	rs.rides[cp.ID] = &cp
	out := cp
	return &out, nil
}

// Read returns a copy of the Ride. includeOTP controls whether the
// handoff code is populated; callers outside the rider/driver pairing
// should read with includeOTP=false.
func (rs *RideStore) Read(ctx context.Context, id string, includeOTP bool) (*Ride, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	r, ok := rs.rides[id]
	if !ok {
		return nil, notFound("ride.Read", fmt.Errorf("ride %s not found", id))
	}
	out := *r
	if !includeOTP {
		out.OTP = ""
	}
	return &out, nil
}

// Transition validates from->to against the ride transition table, then
// applies it under the expected version.
func (rs *RideStore) Transition(ctx context.Context, id string, from, to RideStatus, expectVersion int64) (*Ride, error) {
	if !RideTransitionAllowed(from, to) {
		return nil, badInput("ride.Transition", fmt.Errorf("illegal ride transition %s -> %s", from, to))
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	r, ok := rs.rides[id]
	if !ok {
		return nil, notFound("ride.Transition", fmt.Errorf("ride %s not found", id))
	}
	if r.Version != expectVersion {
		return nil, conflict("ride.Transition", fmt.Errorf("version mismatch: have %d want %d", r.Version, expectVersion))
	}
	if r.Status != from {
		return nil, conflict("ride.Transition", fmt.Errorf("ride %s status is %s, not %s", id, r.Status, from))
	}
	r.Status = to
	r.Version++
	out := *r
	return &out, nil
}
