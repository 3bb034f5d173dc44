package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Store is the durable (here: in-process) home for Dispatch records. Every
// mutation is a compare-and-set keyed on Version: callers read a Dispatch,
// decide a transition, then submit it back with the version they read.  If
// another writer got there first the call fails with KindConflict and the
// caller is expected to re-read and retry.
type Store struct {
	mu        sync.Mutex
	dispatch  map[string]*Dispatch
	changedAt map[string]chan struct{}
	now       func() time.Time
}

func NewStore() *Store {
	return NewStoreWithClock(nil)
}

// NewStoreWithClock lets tests inject a deterministic now() so ack-window
// timing can be driven by a fake clock instead of wall time.
func NewStoreWithClock(now func() time.Time) *Store {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Store{
		dispatch:  make(map[string]*Dispatch),
		changedAt: make(map[string]chan struct{}),
		now:       now,
	}
}

// Create inserts a brand-new Dispatch at version 1.
func (s *Store) Create(ctx context.Context, d *Dispatch) (*Dispatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.dispatch[d.ID]; exists {
		return nil, conflict("dispatch.Create", fmt.Errorf("dispatch %s already exists", d.ID))
	}
	cp := *d
	cp.Version = 1
	if cp.Outcome == "" {
		cp.Outcome = OutcomePending
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	s.dispatch[cp.ID] = &cp
	out := cp
	return &out, nil
}

// Read returns a snapshot of the Dispatch. The returned value is a copy;
// mutating it has no effect on the store.
func (s *Store) Read(ctx context.Context, id string) (*Dispatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dispatch[id]
	if !ok {
		return nil, notFound("dispatch.Read", fmt.Errorf("dispatch %s not found", id))
	}
	out := *d
	out.Candidates = append([]Candidate(nil), d.Candidates...)
	return &out, nil
}

// SetCandidateStatus performs a single candidate transition, validated
// against the candidate transition table and guarded by the supplied
// Dispatch version. On success the Dispatch's version is bumped and any
// waiter blocked on Changed(id) (the scheduler's waitForChangeOrDeadline)
// is released.
func (s *Store) SetCandidateStatus(ctx context.Context, id string, idx int, from, to CandidateStatus, expectVersion int64) (*Dispatch, error) {
	if !CandidateTransitionAllowed(from, to) {
		return nil, badInput("dispatch.SetCandidateStatus", fmt.Errorf("illegal candidate transition %s -> %s", from, to))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dispatch[id]
	if !ok {
		return nil, notFound("dispatch.SetCandidateStatus", fmt.Errorf("dispatch %s not found", id))
	}
	if d.Version != expectVersion {
		return nil, conflict("dispatch.SetCandidateStatus", fmt.Errorf("version mismatch: have %d want %d", d.Version, expectVersion))
	}
	if idx < 0 || idx >= len(d.Candidates) {
		return nil, badInput("dispatch.SetCandidateStatus", fmt.Errorf("candidate index %d out of range", idx))
	}
	if d.Candidates[idx].Status != from {
		return nil, conflict("dispatch.SetCandidateStatus", fmt.Errorf("candidate %d status is %s, not %s", idx, d.Candidates[idx].Status, from))
	}
	d.Candidates[idx].Status = to
	if to == CandidateOffered {
		at := s.now()
		d.Candidates[idx].OfferedAt = &at
	}
	d.Version++
	s.notifyLocked(id)
	out := *d
	out.Candidates = append([]Candidate(nil), d.Candidates...)
	return &out, nil
}

// AdvanceCursor moves the cursor forward to point at the next pending
// candidate to offer. It is idempotent: advancing past the end is legal
// and leaves the Dispatch ready for exhaustion.
func (s *Store) AdvanceCursor(ctx context.Context, id string, to int, expectVersion int64) (*Dispatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dispatch[id]
	if !ok {
		return nil, notFound("dispatch.AdvanceCursor", fmt.Errorf("dispatch %s not found", id))
	}
	if d.Version != expectVersion {
		return nil, conflict("dispatch.AdvanceCursor", fmt.Errorf("version mismatch: have %d want %d", d.Version, expectVersion))
	}
	if to < d.Cursor {
		return nil, badInput("dispatch.AdvanceCursor", fmt.Errorf("cursor may not move backwards"))
	}
	d.Cursor = to
	d.Version++
	s.notifyLocked(id)
	out := *d
	out.Candidates = append([]Candidate(nil), d.Candidates...)
	return &out, nil
}

// CommitAssignment marks the Dispatch assigned and records the Ride it
// produced. It is the only path by which Outcome leaves pending toward
// assigned.
func (s *Store) CommitAssignment(ctx context.Context, id, rideID string, expectVersion int64) (*Dispatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dispatch[id]
	if !ok {
		return nil, notFound("dispatch.CommitAssignment", fmt.Errorf("dispatch %s not found", id))
	}
	if d.Version != expectVersion {
		return nil, conflict("dispatch.CommitAssignment", fmt.Errorf("version mismatch: have %d want %d", d.Version, expectVersion))
	}
	if !OutcomeTransitionAllowed(d.Outcome, OutcomeAssigned) {
		return nil, conflict("dispatch.CommitAssignment", fmt.Errorf("dispatch %s outcome is %s", id, d.Outcome))
	}
	d.Outcome = OutcomeAssigned
	d.RideID = rideID
	d.Version++
	s.notifyLocked(id)
	out := *d
	out.Candidates = append([]Candidate(nil), d.Candidates...)
	return &out, nil
}

// Cancel moves a pending Dispatch to cancelled. Calling it on a Dispatch
// that already reached a terminal outcome is a conflict, not a no-op: the
// caller needs to know whether its cancellation actually had an effect.
func (s *Store) Cancel(ctx context.Context, id string, expectVersion int64) (*Dispatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dispatch[id]
	if !ok {
		return nil, notFound("dispatch.Cancel", fmt.Errorf("dispatch %s not found", id))
	}
	if d.Version != expectVersion {
		return nil, conflict("dispatch.Cancel", fmt.Errorf("version mismatch: have %d want %d", d.Version, expectVersion))
	}
	if !OutcomeTransitionAllowed(d.Outcome, OutcomeCancelled) {
		return nil, conflict("dispatch.Cancel", fmt.Errorf("dispatch %s outcome is %s", id, d.Outcome))
	}
	d.Outcome = OutcomeCancelled
	d.Version++
	s.notifyLocked(id)
	out := *d
	out.Candidates = append([]Candidate(nil), d.Candidates...)
	return &out, nil
}

// Exhaust moves a pending Dispatch to exhausted once the candidate list
// has been walked to its end with no acceptance.
func (s *Store) Exhaust(ctx context.Context, id string, expectVersion int64) (*Dispatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dispatch[id]
	if !ok {
		return nil, notFound("dispatch.Exhaust", fmt.Errorf("dispatch %s not found", id))
	}
	if d.Version != expectVersion {
		return nil, conflict("dispatch.Exhaust", fmt.Errorf("version mismatch: have %d want %d", d.Version, expectVersion))
	}
	if !OutcomeTransitionAllowed(d.Outcome, OutcomeExhausted) {
		return nil, conflict("dispatch.Exhaust", fmt.Errorf("dispatch %s outcome is %s", id, d.Outcome))
	}
	d.Outcome = OutcomeExhausted
	d.Version++
	s.notifyLocked(id)
	out := *d
	out.Candidates = append([]Candidate(nil), d.Candidates...)
	return &out, nil
}

// Changed returns a channel that closes the next time id's Dispatch is
// written. It is the building block internal/scheduler's notifier uses
// instead of polling: a waiter selects on this channel, a deadline timer,
// and ctx.Done.
func (s *Store) Changed(id string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.changedAt[id]
	if !ok {
		ch = make(chan struct{})
		s.changedAt[id] = ch
	}
	return ch
}

func (s *Store) notifyLocked(id string) {
	if ch, ok := s.changedAt[id]; ok {
		close(ch)
	}
	s.changedAt[id] = make(chan struct{})
}
