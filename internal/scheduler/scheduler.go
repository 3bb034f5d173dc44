// Package scheduler is the offer scheduler (C5): the state machine that
// walks a Dispatch's fixed candidate list, offering the ride to one
// driver at a time and advancing on reject/timeout/skip until one acks
// and assignment commits, or the list is exhausted.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"turbodriver/internal/clockz"
	"turbodriver/internal/dispatch"
	"turbodriver/internal/eta"
	"turbodriver/internal/eventbus"
	"turbodriver/internal/geoindex"
	"turbodriver/internal/obslog"
	"turbodriver/internal/queue"
	"turbodriver/internal/retry"
)

const (
	defaultAckSeconds  = 15
	defaultCandidates  = 5
	defaultRadiusM     = 15000
	defaultBoundedSecs = 20 * 60
)

// DriverRegistry is the narrow, best-effort collaborator used to flip a
// driver's availability once a ride is assigned. It is deliberately
// minimal: the concrete account/driver-registry service is out of scope,
// so this is consumed through an interface a caller can stub or point at
// geoindex.Index itself.
type DriverRegistry interface {
	SetAvailability(ctx context.Context, driverID string, availability dispatch.Availability) error
}

// FareEstimator computes the fare charged once a candidate is assigned.
// assign invokes it just before the Ride is created and the assignment
// committed, from the winning candidate's ETA recorded when the Dispatch
// was created; the Ride's fare is not re-derived later.
type FareEstimator interface {
	EstimateFareMinor(ctx context.Context, pickup, destination string, etaSeconds int) (int64, error)
}

// FlatFareEstimator is a minimal base-fare-plus-per-second estimator used
// when no real pricing collaborator is wired.
type FlatFareEstimator struct {
	BaseMinor      int64
	PerSecondMinor int64
}

func (f FlatFareEstimator) EstimateFareMinor(ctx context.Context, pickup, destination string, etaSeconds int) (int64, error) {
	return f.BaseMinor + f.PerSecondMinor*int64(etaSeconds), nil
}

// Scheduler owns the per-dispatch offer/ack/timeout state machine. It
// consumes OfferTasks off a queue.Queue and drives each Dispatch forward
// through conditional writes on the dispatch.Store.
type Scheduler struct {
	Store      dispatch.DispatchRepository
	Rides      dispatch.RideRepository
	GeoIndex   geoindex.Index
	ETA        eta.Oracle
	Bus        eventbus.Bus
	Queue      queue.Queue
	Clock      clockz.Clock
	Registry   DriverRegistry
	Fares      FareEstimator
	AckSeconds int
	Log        obslog.Logger
}

func (s *Scheduler) logger() obslog.Logger {
	if s.Log.Component == "" {
		return obslog.New("scheduler")
	}
	return s.Log
}

type StartParams struct {
	Rider         string
	Pickup        dispatch.Coordinate
	PickupLabel   string
	Destination   dispatch.Coordinate
	DestLabel     string
	VehicleType   dispatch.VehicleType
	CorrelationID string
}

// StartDispatch queries the candidate pool, ranks it by ETA, creates the
// Dispatch record, and enqueues the first offer task. It does not itself
// offer anything — that happens when a worker picks up the task.
func (s *Scheduler) StartDispatch(ctx context.Context, p StartParams) (*dispatch.Dispatch, error) {
	var drivers []dispatch.DriverSnapshot
	err := retry.Do(ctx, retry.DefaultPolicy, func(ctx context.Context) error {
		var nearbyErr error
		drivers, nearbyErr = s.GeoIndex.Nearby(ctx, geoindex.Query{
			Origin:      p.Pickup,
			VehicleType: p.VehicleType,
			RadiusM:     defaultRadiusM,
			Limit:       defaultCandidates * 3,
		})
		return nearbyErr
	})
	if err != nil {
		return nil, fmt.Errorf("scheduler: nearby lookup: %w", err)
	}
	if len(drivers) == 0 {
		return nil, &dispatch.Error{Kind: dispatch.KindUnavailable, Op: "scheduler.StartDispatch", Err: fmt.Errorf("no drivers available")}
	}

	origins := make([]dispatch.Coordinate, len(drivers))
	for i, d := range drivers {
		origins[i] = d.Location
	}
	bound := defaultBoundedSecs
	res, err := s.ETA.MultiETA(ctx, origins, p.Destination, &bound)
	if err != nil {
		return nil, fmt.Errorf("scheduler: multi-eta: %w", err)
	}

	ranked := rankByETA(drivers, res)
	if len(ranked) == 0 {
		// the bounded pass excluded everyone; fall back to the
		// unbounded argmin per the documented resolution of this
		// engine's ETA-fallback question.
		unboundedRes, err := s.ETA.MultiETA(ctx, origins, p.Destination, nil)
		if err != nil {
			return nil, fmt.Errorf("scheduler: unbounded multi-eta: %w", err)
		}
		if unboundedRes.BestIndex >= 0 {
			ranked = []rankedCandidate{{driver: drivers[unboundedRes.BestIndex], etaSeconds: unboundedRes.DurationsSeconds[unboundedRes.BestIndex]}}
		}
	}
	if len(ranked) == 0 {
		return nil, &dispatch.Error{Kind: dispatch.KindUnavailable, Op: "scheduler.StartDispatch", Err: fmt.Errorf("no reachable drivers")}
	}
	if len(ranked) > defaultCandidates {
		ranked = ranked[:defaultCandidates]
	}

	candidates := make([]dispatch.Candidate, len(ranked))
	for i, r := range ranked {
		candidates[i] = dispatch.Candidate{
			DriverID:    r.driver.DriverID,
			PushAddress: r.driver.PushAddress,
			ETASeconds:  r.etaSeconds,
			Status:      dispatch.CandidatePending,
		}
	}

	ackSeconds := s.AckSeconds
	if ackSeconds <= 0 {
		ackSeconds = defaultAckSeconds
	}

	d := &dispatch.Dispatch{
		ID:            dispatch.NewDispatchID(),
		Owner:         p.Rider,
		Pickup:        p.PickupLabel,
		Destination:   p.DestLabel,
		VehicleType:   p.VehicleType,
		Candidates:    candidates,
		Cursor:        0,
		Outcome:       dispatch.OutcomePending,
		AckSeconds:    ackSeconds,
		CorrelationID: p.CorrelationID,
	}
	created, err := s.Store.Create(ctx, d)
	if err != nil {
		return nil, err
	}
	if err := s.Queue.Enqueue(ctx, queue.OfferTask{DispatchID: created.ID}); err != nil {
		return nil, fmt.Errorf("scheduler: enqueue: %w", err)
	}
	return created, nil
}

type rankedCandidate struct {
	driver     dispatch.DriverSnapshot
	etaSeconds *int
}

// rankByETA pairs drivers with their bounded ETA and drops unreachable
// ones, ordered ascending by duration.
func rankByETA(drivers []dispatch.DriverSnapshot, res eta.Result) []rankedCandidate {
	out := make([]rankedCandidate, 0, len(drivers))
	for i, d := range drivers {
		if i >= len(res.DurationsSeconds) || res.DurationsSeconds[i] == nil {
			continue
		}
		out = append(out, rankedCandidate{driver: d, etaSeconds: res.DurationsSeconds[i]})
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && *out[j].etaSeconds < *out[j-1].etaSeconds; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// RunWorker pulls OfferTasks off the queue and drives each forward one
// step at a time until ctx is cancelled.
func (s *Scheduler) RunWorker(ctx context.Context) error {
	return s.Queue.Consume(ctx, s.processTask)
}

func (s *Scheduler) processTask(ctx context.Context, task queue.OfferTask) error {
	d, err := s.Store.Read(ctx, task.DispatchID)
	if err != nil {
		if dispatch.KindOf(err) == dispatch.KindNotFound {
			return nil // stale task for a dispatch that no longer exists
		}
		return err
	}

	if d.Outcome.Terminal() {
		return nil
	}

	if d.Cursor >= len(d.Candidates) {
		if _, err := s.Store.Exhaust(ctx, d.ID, d.Version); err != nil && dispatch.KindOf(err) != dispatch.KindConflict {
			return err
		}
		s.emit(ctx, d.ID, "dispatch.exhausted", d)
		return nil
	}

	idx := d.Cursor
	cand := d.Candidates[idx]

	switch cand.Status {
	case dispatch.CandidatePending:
		return s.offer(ctx, d, idx)
	case dispatch.CandidateOffered:
		return s.awaitOffer(ctx, d, idx)
	case dispatch.CandidateAcked:
		return s.assign(ctx, d, idx)
	case dispatch.CandidateRejected, dispatch.CandidateTimedOut, dispatch.CandidateSkipped:
		return s.advance(ctx, d)
	default:
		return nil
	}
}

func (s *Scheduler) offer(ctx context.Context, d *dispatch.Dispatch, idx int) error {
	updated, err := s.Store.SetCandidateStatus(ctx, d.ID, idx, dispatch.CandidatePending, dispatch.CandidateOffered, d.Version)
	if err != nil {
		if dispatch.KindOf(err) == dispatch.KindConflict {
			return s.requeue(ctx, d.ID)
		}
		return err
	}
	// offers join the rest of this dispatch's lifecycle events on the
	// dispatch-id room: PushAddress is a per-candidate driver channel
	// nothing in this codebase populates yet, so routing there would
	// mean the event reaches no one, including the dispatch's own
	// GET /ws/dispatch/{id} subscribers.
	s.emit(ctx, d.ID, "dispatch.offer", offerPayload(updated, idx))
	return s.awaitOffer(ctx, updated, idx)
}

func (s *Scheduler) awaitOffer(ctx context.Context, d *dispatch.Dispatch, idx int) error {
	offeredAt := d.CreatedAt
	if d.Candidates[idx].OfferedAt != nil {
		offeredAt = *d.Candidates[idx].OfferedAt
	}
	deadline := offeredAt.Add(time.Duration(d.AckSeconds) * time.Second)
	if deadline.Before(s.Clock.Now()) {
		return s.timeout(ctx, d, idx)
	}
	err := waitForChangeOrDeadline(ctx, s.Clock, s.Store, d.ID, deadline)
	if err != nil && err != errDeadline {
		return err
	}

	fresh, readErr := s.Store.Read(ctx, d.ID)
	if readErr != nil {
		return readErr
	}
	if fresh.Outcome.Terminal() {
		return nil
	}
	if idx >= len(fresh.Candidates) {
		return s.requeue(ctx, d.ID)
	}
	if fresh.Candidates[idx].Status == dispatch.CandidateOffered && err == errDeadline {
		return s.timeout(ctx, fresh, idx)
	}
	return s.requeue(ctx, d.ID)
}

func (s *Scheduler) timeout(ctx context.Context, d *dispatch.Dispatch, idx int) error {
	_, err := s.Store.SetCandidateStatus(ctx, d.ID, idx, dispatch.CandidateOffered, dispatch.CandidateTimedOut, d.Version)
	if err != nil && dispatch.KindOf(err) != dispatch.KindConflict {
		return err
	}
	return s.requeue(ctx, d.ID)
}

func (s *Scheduler) advance(ctx context.Context, d *dispatch.Dispatch) error {
	_, err := s.Store.AdvanceCursor(ctx, d.ID, d.Cursor+1, d.Version)
	if err != nil && dispatch.KindOf(err) != dispatch.KindConflict {
		return err
	}
	return s.requeue(ctx, d.ID)
}

func (s *Scheduler) requeue(ctx context.Context, id string) error {
	return s.Queue.Enqueue(ctx, queue.OfferTask{DispatchID: id})
}

// assign is the sole path by which a Dispatch's outcome becomes assigned.
// It creates the Ride, commits the assignment, and best-effort flips the
// winning driver's availability, logging and swallowing that last
// failure since Dispatch outcome remains the ground truth regardless.
func (s *Scheduler) assign(ctx context.Context, d *dispatch.Dispatch, idx int) error {
	cand := d.Candidates[idx]
	etaSeconds := 0
	if cand.ETASeconds != nil {
		etaSeconds = *cand.ETASeconds
	}

	fareMinor := int64(0)
	if s.Fares != nil {
		fare, err := s.Fares.EstimateFareMinor(ctx, d.Pickup, d.Destination, etaSeconds)
		if err == nil {
			fareMinor = fare
		}
	}

	ride := &dispatch.Ride{
		ID:          dispatch.NewRideID(),
		Rider:       d.Owner,
		Driver:      cand.DriverID,
		Pickup:      d.Pickup,
		Destination: d.Destination,
		FareMinor:   fareMinor,
		Status:      dispatch.RideAccepted,
		OTP:         dispatch.NewOTP(),
	}
	created, err := s.Rides.Create(ctx, ride)
	if err != nil {
		return err
	}

	committed, err := s.Store.CommitAssignment(ctx, d.ID, created.ID, d.Version)
	if err != nil {
		if dispatch.KindOf(err) == dispatch.KindConflict {
			// lost the race to commit: the dispatch reached a
			// terminal outcome (a cancel, most likely) before this
			// assignment landed. Compensate by cancelling the Ride
			// we just created so it doesn't linger as an orphan with
			// no Dispatch pointing at it.
			if _, cancelErr := s.Rides.Transition(ctx, created.ID, dispatch.RideAccepted, dispatch.RideCancelled, created.Version); cancelErr != nil {
				s.logger().Warn(d.CorrelationID, "failed to compensate orphaned ride after assignment conflict", map[string]any{"ride": created.ID, "error": cancelErr.Error()})
			}
			return nil
		}
		return err
	}
	if _, err := s.Store.SetCandidateStatus(ctx, d.ID, idx, dispatch.CandidateAcked, dispatch.CandidateAssigned, committed.Version); err != nil {
		s.logger().Warn(d.CorrelationID, "failed to mark winning candidate assigned", map[string]any{"driver": cand.DriverID, "error": err.Error()})
	}

	if s.Registry != nil {
		if err := s.Registry.SetAvailability(ctx, cand.DriverID, dispatch.AvailabilityAssigned); err != nil {
			s.logger().Warn(d.CorrelationID, "failed to flip driver availability on assignment", map[string]any{"driver": cand.DriverID, "error": err.Error()})
		}
	}

	s.emit(ctx, d.ID, "dispatch.assigned", map[string]any{"dispatchId": d.ID, "rideId": created.ID})
	s.emit(ctx, created.ID, "ride.created", created)
	return nil
}

// Ack is called from the API when a driver accepts an offer. It validates
// that driverID is the candidate at the dispatch's cursor before transitioning
// the candidate, so a stale ack on an already-advanced dispatch is
// rejected as Gone rather than silently accepted. A duplicate ack from the
// same driver who already won this dispatch (a retried client request, or
// a race with the worker committing the first ack) is idempotent: it
// returns the current Dispatch rather than erroring.
func (s *Scheduler) Ack(ctx context.Context, dispatchID, driverID string) (*dispatch.Dispatch, error) {
	d, err := s.Store.Read(ctx, dispatchID)
	if err != nil {
		return nil, err
	}
	if idx := candidateIndexByDriver(d, driverID); idx >= 0 {
		switch d.Candidates[idx].Status {
		case dispatch.CandidateAcked, dispatch.CandidateAssigned:
			return d, nil
		}
	}
	if d.Outcome.Terminal() {
		return nil, &dispatch.Error{Kind: dispatch.KindGone, Op: "scheduler.Ack", Err: fmt.Errorf("dispatch %s already %s", dispatchID, d.Outcome)}
	}
	if d.Cursor >= len(d.Candidates) || d.Candidates[d.Cursor].DriverID != driverID {
		return nil, &dispatch.Error{Kind: dispatch.KindGone, Op: "scheduler.Ack", Err: fmt.Errorf("driver %s is not the current candidate", driverID)}
	}
	updated, err := s.Store.SetCandidateStatus(ctx, dispatchID, d.Cursor, dispatch.CandidateOffered, dispatch.CandidateAcked, d.Version)
	if err != nil {
		return nil, err
	}
	if err := s.requeue(ctx, dispatchID); err != nil {
		return nil, err
	}
	return updated, nil
}

// candidateIndexByDriver returns the index of driverID's candidate, or -1
// if driverID is not among this dispatch's candidates.
func candidateIndexByDriver(d *dispatch.Dispatch, driverID string) int {
	for i, c := range d.Candidates {
		if c.DriverID == driverID {
			return i
		}
	}
	return -1
}

// Reject records a driver declining its offer, freeing the scheduler to
// advance to the next candidate on its next pass.
func (s *Scheduler) Reject(ctx context.Context, dispatchID, driverID string) (*dispatch.Dispatch, error) {
	d, err := s.Store.Read(ctx, dispatchID)
	if err != nil {
		return nil, err
	}
	if d.Cursor >= len(d.Candidates) || d.Candidates[d.Cursor].DriverID != driverID {
		return nil, &dispatch.Error{Kind: dispatch.KindGone, Op: "scheduler.Reject", Err: fmt.Errorf("driver %s is not the current candidate", driverID)}
	}
	updated, err := s.Store.SetCandidateStatus(ctx, dispatchID, d.Cursor, dispatch.CandidateOffered, dispatch.CandidateRejected, d.Version)
	if err != nil {
		return nil, err
	}
	if err := s.requeue(ctx, dispatchID); err != nil {
		return nil, err
	}
	return updated, nil
}

// Cancel cancels a still-pending dispatch, e.g. the rider backing out
// before any driver acks.
func (s *Scheduler) Cancel(ctx context.Context, dispatchID string) (*dispatch.Dispatch, error) {
	d, err := s.Store.Read(ctx, dispatchID)
	if err != nil {
		return nil, err
	}
	updated, err := s.Store.Cancel(ctx, dispatchID, d.Version)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, dispatchID, "dispatch.cancelled", updated)
	return updated, nil
}

func (s *Scheduler) emit(ctx context.Context, address, event string, payload any) {
	if s.Bus == nil {
		return
	}
	_ = s.Bus.Emit(ctx, address, event, payload)
}

func offerPayload(d *dispatch.Dispatch, idx int) map[string]any {
	return map[string]any{
		"dispatchId": d.ID,
		"pickup":     d.Pickup,
		"destination": d.Destination,
		"etaSeconds": d.Candidates[idx].ETASeconds,
		"ackSeconds": d.AckSeconds,
	}
}
