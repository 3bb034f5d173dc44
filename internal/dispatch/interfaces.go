package dispatch

import "context"

// DispatchRepository is the full CAS contract a Dispatch backing store must
// satisfy, whether it's the in-process Store or a Postgres-backed one.
// Every mutation is guarded by expectVersion; callers re-read and retry on
// KindConflict. Changed lets internal/scheduler's notifier wait for the next
// write to id instead of polling it.
type DispatchRepository interface {
	Create(ctx context.Context, d *Dispatch) (*Dispatch, error)
	Read(ctx context.Context, id string) (*Dispatch, error)
	SetCandidateStatus(ctx context.Context, id string, idx int, from, to CandidateStatus, expectVersion int64) (*Dispatch, error)
	AdvanceCursor(ctx context.Context, id string, to int, expectVersion int64) (*Dispatch, error)
	CommitAssignment(ctx context.Context, id, rideID string, expectVersion int64) (*Dispatch, error)
	Cancel(ctx context.Context, id string, expectVersion int64) (*Dispatch, error)
	Exhaust(ctx context.Context, id string, expectVersion int64) (*Dispatch, error)
	Changed(id string) <-chan struct{}
}

// RideRepository is the CAS contract a Ride backing store must satisfy.
type RideRepository interface {
	Create(ctx context.Context, r *Ride) (*Ride, error)
	Read(ctx context.Context, id string, includeOTP bool) (*Ride, error)
	Transition(ctx context.Context, id string, from, to RideStatus, expectVersion int64) (*Ride, error)
}

var (
	_ DispatchRepository = (*Store)(nil)
	_ RideRepository     = (*RideStore)(nil)
)
