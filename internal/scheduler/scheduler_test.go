package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"turbodriver/internal/clockz"
	"turbodriver/internal/dispatch"
	"turbodriver/internal/eta"
	"turbodriver/internal/eventbus"
	"turbodriver/internal/geoindex"
	"turbodriver/internal/queue"
)

// fakeOracle returns a fixed, ascending duration per origin so ranking is
// deterministic: origins[0] is always fastest.
type fakeOracle struct{}

func (fakeOracle) MultiETA(ctx context.Context, origins []dispatch.Coordinate, dest dispatch.Coordinate, boundSeconds *int) (eta.Result, error) {
	durations := make([]*int, len(origins))
	for i := range origins {
		v := 100 + i*50
		durations[i] = &v
	}
	best := 0
	for i, d := range durations {
		if *d < *durations[best] {
			best = i
		}
	}
	return eta.Result{DurationsSeconds: durations, BestIndex: best}, nil
}

type recordingBus struct {
	events []recordedEvent
}

type recordedEvent struct {
	address string
	event   string
	payload any
}

func (b *recordingBus) Emit(ctx context.Context, address, event string, payload any) error {
	b.events = append(b.events, recordedEvent{address, event, payload})
	return nil
}

func newTestScheduler(t *testing.T) (*Scheduler, *recordingBus) {
	t.Helper()
	geo := geoindex.NewMemoryIndex()
	ctx := context.Background()
	require.NoError(t, geo.Upsert(ctx, "driver_near", dispatch.Coordinate{Latitude: 40.758, Longitude: -73.9855}, dispatch.VehicleCar))
	require.NoError(t, geo.Upsert(ctx, "driver_far", dispatch.Coordinate{Latitude: 40.77, Longitude: -73.9855}, dispatch.VehicleCar))

	bus := &recordingBus{}
	s := &Scheduler{
		Store:      dispatch.NewStore(),
		Rides:      dispatch.NewRideStore(),
		GeoIndex:   geo,
		ETA:        fakeOracle{},
		Bus:        bus,
		Queue:      queue.NewMemoryQueue(16),
		Clock:      clockz.RealClock{},
		Registry:   geo,
		Fares:      FlatFareEstimator{BaseMinor: 500, PerSecondMinor: 2},
		AckSeconds: 30,
	}
	return s, bus
}

func TestStartDispatchRanksNearestFirst(t *testing.T) {
	s, _ := newTestScheduler(t)
	d, err := s.StartDispatch(context.Background(), StartParams{
		Rider:       "rider_1",
		Pickup:      dispatch.Coordinate{Latitude: 40.758, Longitude: -73.9855},
		Destination: dispatch.Coordinate{Latitude: 40.748, Longitude: -73.985},
		VehicleType: dispatch.VehicleCar,
	})
	require.NoError(t, err)
	require.Len(t, d.Candidates, 2)
	require.Equal(t, "driver_near", d.Candidates[0].DriverID)
	require.Equal(t, dispatch.OutcomePending, d.Outcome)
}

func TestStartDispatchFailsWithNoDrivers(t *testing.T) {
	s, _ := newTestScheduler(t)
	s.GeoIndex = geoindex.NewMemoryIndex()
	_, err := s.StartDispatch(context.Background(), StartParams{
		Rider:       "rider_1",
		Pickup:      dispatch.Coordinate{Latitude: 0, Longitude: 0},
		Destination: dispatch.Coordinate{Latitude: 1, Longitude: 1},
	})
	require.Error(t, err)
	require.Equal(t, dispatch.KindUnavailable, dispatch.KindOf(err))
}

func TestAckThenAssignCreatesRideAndEmitsEvents(t *testing.T) {
	s, bus := newTestScheduler(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.RunWorker(ctx)

	d, err := s.StartDispatch(ctx, StartParams{
		Rider:       "rider_1",
		Pickup:      dispatch.Coordinate{Latitude: 40.758, Longitude: -73.9855},
		Destination: dispatch.Coordinate{Latitude: 40.748, Longitude: -73.985},
		VehicleType: dispatch.VehicleCar,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		fresh, err := s.Store.Read(ctx, d.ID)
		return err == nil && fresh.Candidates[0].Status == dispatch.CandidateOffered
	}, 2*time.Second, 10*time.Millisecond)

	_, err = s.Ack(ctx, d.ID, "driver_near")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		fresh, err := s.Store.Read(ctx, d.ID)
		return err == nil && fresh.Outcome == dispatch.OutcomeAssigned
	}, 2*time.Second, 10*time.Millisecond)

	fresh, err := s.Store.Read(ctx, d.ID)
	require.NoError(t, err)
	require.NotEmpty(t, fresh.RideID)

	ride, err := s.Rides.Read(ctx, fresh.RideID, true)
	require.NoError(t, err)
	require.Equal(t, "driver_near", ride.Driver)
	require.Equal(t, dispatch.RideAccepted, ride.Status)

	var sawAssigned, sawRideCreated bool
	for _, e := range bus.events {
		if e.event == "dispatch.assigned" {
			sawAssigned = true
		}
		if e.event == "ride.created" {
			sawRideCreated = true
		}
	}
	require.True(t, sawAssigned)
	require.True(t, sawRideCreated)
}

func TestAckRejectsNonCurrentCandidate(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx := context.Background()
	d, err := s.StartDispatch(ctx, StartParams{
		Rider:       "rider_1",
		Pickup:      dispatch.Coordinate{Latitude: 40.758, Longitude: -73.9855},
		Destination: dispatch.Coordinate{Latitude: 40.748, Longitude: -73.985},
		VehicleType: dispatch.VehicleCar,
	})
	require.NoError(t, err)

	_, err = s.Ack(ctx, d.ID, "driver_far")
	require.Error(t, err)
	require.Equal(t, dispatch.KindGone, dispatch.KindOf(err))
}

func TestRejectAdvancesCursorToNextCandidate(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.RunWorker(ctx)

	d, err := s.StartDispatch(ctx, StartParams{
		Rider:       "rider_1",
		Pickup:      dispatch.Coordinate{Latitude: 40.758, Longitude: -73.9855},
		Destination: dispatch.Coordinate{Latitude: 40.748, Longitude: -73.985},
		VehicleType: dispatch.VehicleCar,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		fresh, err := s.Store.Read(ctx, d.ID)
		return err == nil && fresh.Candidates[0].Status == dispatch.CandidateOffered
	}, 2*time.Second, 10*time.Millisecond)

	_, err = s.Reject(ctx, d.ID, "driver_near")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		fresh, err := s.Store.Read(ctx, d.ID)
		return err == nil && fresh.Cursor == 1 && fresh.Candidates[1].Status == dispatch.CandidateOffered
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCancelMovesOutcomeToCancelledAndEmits(t *testing.T) {
	s, bus := newTestScheduler(t)
	ctx := context.Background()
	d, err := s.StartDispatch(ctx, StartParams{
		Rider:       "rider_1",
		Pickup:      dispatch.Coordinate{Latitude: 40.758, Longitude: -73.9855},
		Destination: dispatch.Coordinate{Latitude: 40.748, Longitude: -73.985},
		VehicleType: dispatch.VehicleCar,
	})
	require.NoError(t, err)

	updated, err := s.Cancel(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, dispatch.OutcomeCancelled, updated.Outcome)

	var sawCancelled bool
	for _, e := range bus.events {
		if e.event == "dispatch.cancelled" {
			sawCancelled = true
		}
	}
	require.True(t, sawCancelled)
}

func TestExhaustedDispatchAfterAllCandidatesTimeOut(t *testing.T) {
	s, bus := newTestScheduler(t)
	// a clock an hour ahead makes every offer's ack window already elapsed
	s.Clock = clockz.NewFakeClock(time.Now().Add(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.RunWorker(ctx)

	d, err := s.StartDispatch(ctx, StartParams{
		Rider:       "rider_1",
		Pickup:      dispatch.Coordinate{Latitude: 40.758, Longitude: -73.9855},
		Destination: dispatch.Coordinate{Latitude: 40.748, Longitude: -73.985},
		VehicleType: dispatch.VehicleCar,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		fresh, err := s.Store.Read(ctx, d.ID)
		return err == nil && fresh.Outcome == dispatch.OutcomeExhausted
	}, 2*time.Second, 10*time.Millisecond)

	var sawExhausted bool
	for _, e := range bus.events {
		if e.event == "dispatch.exhausted" {
			sawExhausted = true
		}
	}
	require.True(t, sawExhausted)
}

func TestDuplicateAckIsIdempotent(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.RunWorker(ctx)

	d, err := s.StartDispatch(ctx, StartParams{
		Rider:       "rider_1",
		Pickup:      dispatch.Coordinate{Latitude: 40.758, Longitude: -73.9855},
		Destination: dispatch.Coordinate{Latitude: 40.748, Longitude: -73.985},
		VehicleType: dispatch.VehicleCar,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		fresh, err := s.Store.Read(ctx, d.ID)
		return err == nil && fresh.Candidates[0].Status == dispatch.CandidateOffered
	}, 2*time.Second, 10*time.Millisecond)

	_, err = s.Ack(ctx, d.ID, "driver_near")
	require.NoError(t, err)

	// a second ack racing the worker's own commit must succeed
	// idempotently rather than erroring, whether or not the worker has
	// advanced the candidate from acked to assigned yet.
	second, err := s.Ack(ctx, d.ID, "driver_near")
	require.NoError(t, err)
	require.Contains(t, []dispatch.CandidateStatus{dispatch.CandidateAcked, dispatch.CandidateAssigned}, second.Candidates[0].Status)

	require.Eventually(t, func() bool {
		fresh, err := s.Store.Read(ctx, d.ID)
		return err == nil && fresh.Outcome == dispatch.OutcomeAssigned
	}, 2*time.Second, 10*time.Millisecond)

	// a third ack after assignment has committed: the candidate is now
	// assigned, still must succeed idempotently.
	third, err := s.Ack(ctx, d.ID, "driver_near")
	require.NoError(t, err)
	require.Equal(t, dispatch.CandidateAssigned, third.Candidates[0].Status)
	require.Equal(t, dispatch.OutcomeAssigned, third.Outcome)
}

// recordingRides wraps a RideRepository to capture the ID of the last Ride
// it created, since assign generates that ID internally and this test
// needs it to check compensation landed on the right record.
type recordingRides struct {
	dispatch.RideRepository
	lastCreated string
}

func (r *recordingRides) Create(ctx context.Context, ride *dispatch.Ride) (*dispatch.Ride, error) {
	created, err := r.RideRepository.Create(ctx, ride)
	if err == nil {
		r.lastCreated = created.ID
	}
	return created, err
}

func TestAssignCompensatesOrphanedRideOnCommitConflict(t *testing.T) {
	s, _ := newTestScheduler(t)
	rides := &recordingRides{RideRepository: dispatch.NewRideStore()}
	s.Rides = rides
	ctx := context.Background()

	d, err := s.StartDispatch(ctx, StartParams{
		Rider:       "rider_1",
		Pickup:      dispatch.Coordinate{Latitude: 40.758, Longitude: -73.9855},
		Destination: dispatch.Coordinate{Latitude: 40.748, Longitude: -73.985},
		VehicleType: dispatch.VehicleCar,
	})
	require.NoError(t, err)

	offered, err := s.Store.SetCandidateStatus(ctx, d.ID, 0, dispatch.CandidatePending, dispatch.CandidateOffered, d.Version)
	require.NoError(t, err)
	acked, err := s.Store.SetCandidateStatus(ctx, d.ID, 0, dispatch.CandidateOffered, dispatch.CandidateAcked, offered.Version)
	require.NoError(t, err)

	// race: the dispatch is cancelled out from under assign() before it
	// gets to CommitAssignment.
	_, err = s.Store.Cancel(ctx, d.ID, acked.Version)
	require.NoError(t, err)
	cancelled, err := s.Store.Read(ctx, d.ID)
	require.NoError(t, err)

	require.NoError(t, s.assign(ctx, cancelled, 0))
	require.NotEmpty(t, rides.lastCreated)

	orphan, err := rides.Read(ctx, rides.lastCreated, false)
	require.NoError(t, err)
	require.Equal(t, dispatch.RideCancelled, orphan.Status)

	fresh, err := s.Store.Read(ctx, d.ID)
	require.NoError(t, err)
	require.Empty(t, fresh.RideID)
	require.Equal(t, dispatch.OutcomeCancelled, fresh.Outcome)
}

var _ eventbus.Bus = (*recordingBus)(nil)
