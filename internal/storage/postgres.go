package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"turbodriver/internal/dispatch"
)

// DispatchEvent is one append-only record of a Dispatch state change,
// covering both dispatch and ride entities under a shared "subject id"
// column.
type DispatchEvent struct {
	SubjectID string          `json:"subjectId"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// EventLogger is the narrow append/list contract the API's event
// endpoints depend on.
type EventLogger interface {
	AppendEvent(ctx context.Context, evt DispatchEvent) error
	ListEvents(ctx context.Context, subjectID string, limit, offset int) ([]DispatchEvent, error)
	CountEvents(ctx context.Context, subjectID string) (int, error)
}

// DispatchStore persists Dispatch records to Postgres with
// row-level locking standing in for the in-memory Store's mutex: every
// conditional write runs inside `SELECT ... FOR UPDATE` so two workers
// racing on the same dispatch serialize on the database instead of each
// other, while the version column still gives callers the same optimistic
// API the in-memory Store exposes.
type DispatchStore struct {
	pool *Pool

	mu        sync.Mutex
	changedAt map[string]chan struct{}
}

func NewDispatchStore(pool *Pool) *DispatchStore {
	return &DispatchStore{pool: pool, changedAt: make(map[string]chan struct{})}
}

// Changed mirrors dispatch.Store's notifier hookup: the scheduler's single
// wait primitive doesn't care whether the write it's waiting on landed in
// an in-process map or a Postgres row, only that this channel closes after
// it does. The fallback poll tick in internal/scheduler/notifier.go covers
// the gap between a write committing and this process-local signal firing.
func (s *DispatchStore) Changed(id string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.changedAt[id]
	if !ok {
		ch = make(chan struct{})
		s.changedAt[id] = ch
	}
	return ch
}

func (s *DispatchStore) notify(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.changedAt[id]; ok {
		close(ch)
	}
	s.changedAt[id] = make(chan struct{})
}

func (s *DispatchStore) Create(ctx context.Context, d *dispatch.Dispatch) (*dispatch.Dispatch, error) {
	candidates, err := json.Marshal(d.Candidates)
	if err != nil {
		return nil, fmt.Errorf("storage: encode candidates: %w", err)
	}

	tx, err := s.pool.pg.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `
INSERT INTO dispatches (id, owner_id, pickup, destination, vehicle_type, candidates, cursor, outcome, ride_id, ack_seconds, correlation_id, created_at, version)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,1)
`, d.ID, d.Owner, d.Pickup, d.Destination, string(d.VehicleType), candidates, d.Cursor, string(dispatch.OutcomePending), nullString(d.RideID), d.AckSeconds, nullString(d.CorrelationID), now)
	if err != nil {
		return nil, fmt.Errorf("storage: insert dispatch: %w", err)
	}
	if err := insertEvent(ctx, tx, d.ID, "dispatch.created", nil); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: commit: %w", err)
	}

	out := *d
	out.Outcome = dispatch.OutcomePending
	out.CreatedAt = now
	out.Version = 1
	return &out, nil
}

func (s *DispatchStore) Read(ctx context.Context, id string) (*dispatch.Dispatch, error) {
	return s.read(ctx, s.pool.pg, id, false)
}

func (s *DispatchStore) read(ctx context.Context, q pgxQuerier, id string, forUpdate bool) (*dispatch.Dispatch, error) {
	var (
		d              dispatch.Dispatch
		vehicleType    string
		candidatesJSON []byte
		rideID         *string
		outcome        string
		correlationID  *string
	)
	query := `
SELECT id, owner_id, pickup, destination, vehicle_type, candidates, cursor, outcome, ride_id, ack_seconds, correlation_id, created_at, version
FROM dispatches WHERE id = $1`
	if forUpdate {
		query += " FOR UPDATE"
	}
	err := q.QueryRow(ctx, query, id).Scan(&d.ID, &d.Owner, &d.Pickup, &d.Destination, &vehicleType, &candidatesJSON, &d.Cursor, &outcome, &rideID, &d.AckSeconds, &correlationID, &d.CreatedAt, &d.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &dispatch.Error{Op: "storage.read", Kind: dispatch.KindNotFound, Err: fmt.Errorf("dispatch %s not found", id)}
		}
		return nil, fmt.Errorf("storage: read dispatch: %w", err)
	}
	if err := json.Unmarshal(candidatesJSON, &d.Candidates); err != nil {
		return nil, fmt.Errorf("storage: decode candidates: %w", err)
	}
	d.VehicleType = dispatch.VehicleType(vehicleType)
	d.Outcome = dispatch.Outcome(outcome)
	if rideID != nil {
		d.RideID = *rideID
	}
	if correlationID != nil {
		d.CorrelationID = *correlationID
	}
	return &d, nil
}

// pgxQuerier is satisfied by both *pgxpool.Pool and pgx.Tx, letting read
// run inside or outside a transaction.
type pgxQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// SetCandidateStatus locks the dispatch row, validates the transition the
// same way dispatch.Store does in-process, and persists it in one UPDATE
// guarded by expectVersion.
func (s *DispatchStore) SetCandidateStatus(ctx context.Context, id string, idx int, from, to dispatch.CandidateStatus, expectVersion int64) (*dispatch.Dispatch, error) {
	if !dispatch.CandidateTransitionAllowed(from, to) {
		return nil, &dispatch.Error{Op: "storage.SetCandidateStatus", Kind: dispatch.KindBadInput, Err: fmt.Errorf("illegal candidate transition %s -> %s", from, to)}
	}
	tx, err := s.pool.pg.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.read(ctx, tx, id, true)
	if err != nil {
		return nil, err
	}
	if d.Version != expectVersion {
		return nil, &dispatch.Error{Op: "storage.SetCandidateStatus", Kind: dispatch.KindConflict, Err: fmt.Errorf("version mismatch: have %d want %d", d.Version, expectVersion)}
	}
	if idx < 0 || idx >= len(d.Candidates) {
		return nil, &dispatch.Error{Op: "storage.SetCandidateStatus", Kind: dispatch.KindBadInput, Err: fmt.Errorf("candidate index %d out of range", idx)}
	}
	if d.Candidates[idx].Status != from {
		return nil, &dispatch.Error{Op: "storage.SetCandidateStatus", Kind: dispatch.KindConflict, Err: fmt.Errorf("candidate %d status is %s, not %s", idx, d.Candidates[idx].Status, from)}
	}
	d.Candidates[idx].Status = to
	if to == dispatch.CandidateOffered {
		at := time.Now().UTC()
		d.Candidates[idx].OfferedAt = &at
	}
	updated, err := s.commitCAS(ctx, tx, d, expectVersion, "dispatch.candidate."+string(to))
	if err != nil {
		return nil, err
	}
	s.notify(id)
	return updated, nil
}

// AdvanceCursor mirrors dispatch.Store.AdvanceCursor: moving the cursor
// forward is itself a CAS write so two workers racing the same dispatch
// serialize on the row lock rather than each other.
func (s *DispatchStore) AdvanceCursor(ctx context.Context, id string, to int, expectVersion int64) (*dispatch.Dispatch, error) {
	tx, err := s.pool.pg.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.read(ctx, tx, id, true)
	if err != nil {
		return nil, err
	}
	if d.Version != expectVersion {
		return nil, &dispatch.Error{Op: "storage.AdvanceCursor", Kind: dispatch.KindConflict, Err: fmt.Errorf("version mismatch: have %d want %d", d.Version, expectVersion)}
	}
	if to < d.Cursor {
		return nil, &dispatch.Error{Op: "storage.AdvanceCursor", Kind: dispatch.KindBadInput, Err: fmt.Errorf("cursor may not move backwards")}
	}
	d.Cursor = to
	updated, err := s.commitCAS(ctx, tx, d, expectVersion, "dispatch.cursor.advanced")
	if err != nil {
		return nil, err
	}
	s.notify(id)
	return updated, nil
}

// CommitAssignment is the only path by which Outcome leaves pending toward
// assigned, same as dispatch.Store's.
func (s *DispatchStore) CommitAssignment(ctx context.Context, id, rideID string, expectVersion int64) (*dispatch.Dispatch, error) {
	tx, err := s.pool.pg.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.read(ctx, tx, id, true)
	if err != nil {
		return nil, err
	}
	if d.Version != expectVersion {
		return nil, &dispatch.Error{Op: "storage.CommitAssignment", Kind: dispatch.KindConflict, Err: fmt.Errorf("version mismatch: have %d want %d", d.Version, expectVersion)}
	}
	if !dispatch.OutcomeTransitionAllowed(d.Outcome, dispatch.OutcomeAssigned) {
		return nil, &dispatch.Error{Op: "storage.CommitAssignment", Kind: dispatch.KindConflict, Err: fmt.Errorf("dispatch %s outcome is %s", id, d.Outcome)}
	}
	d.Outcome = dispatch.OutcomeAssigned
	d.RideID = rideID
	updated, err := s.commitCAS(ctx, tx, d, expectVersion, "dispatch.assigned")
	if err != nil {
		return nil, err
	}
	s.notify(id)
	return updated, nil
}

// Cancel moves a pending Dispatch to cancelled; calling it on a Dispatch
// that already reached a terminal outcome is a conflict, not a no-op.
func (s *DispatchStore) Cancel(ctx context.Context, id string, expectVersion int64) (*dispatch.Dispatch, error) {
	tx, err := s.pool.pg.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.read(ctx, tx, id, true)
	if err != nil {
		return nil, err
	}
	if d.Version != expectVersion {
		return nil, &dispatch.Error{Op: "storage.Cancel", Kind: dispatch.KindConflict, Err: fmt.Errorf("version mismatch: have %d want %d", d.Version, expectVersion)}
	}
	if !dispatch.OutcomeTransitionAllowed(d.Outcome, dispatch.OutcomeCancelled) {
		return nil, &dispatch.Error{Op: "storage.Cancel", Kind: dispatch.KindConflict, Err: fmt.Errorf("dispatch %s outcome is %s", id, d.Outcome)}
	}
	d.Outcome = dispatch.OutcomeCancelled
	updated, err := s.commitCAS(ctx, tx, d, expectVersion, "dispatch.cancelled")
	if err != nil {
		return nil, err
	}
	s.notify(id)
	return updated, nil
}

// Exhaust moves a pending Dispatch to exhausted once the candidate list has
// been walked to its end with no acceptance.
func (s *DispatchStore) Exhaust(ctx context.Context, id string, expectVersion int64) (*dispatch.Dispatch, error) {
	tx, err := s.pool.pg.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.read(ctx, tx, id, true)
	if err != nil {
		return nil, err
	}
	if d.Version != expectVersion {
		return nil, &dispatch.Error{Op: "storage.Exhaust", Kind: dispatch.KindConflict, Err: fmt.Errorf("version mismatch: have %d want %d", d.Version, expectVersion)}
	}
	if !dispatch.OutcomeTransitionAllowed(d.Outcome, dispatch.OutcomeExhausted) {
		return nil, &dispatch.Error{Op: "storage.Exhaust", Kind: dispatch.KindConflict, Err: fmt.Errorf("dispatch %s outcome is %s", id, d.Outcome)}
	}
	d.Outcome = dispatch.OutcomeExhausted
	updated, err := s.commitCAS(ctx, tx, d, expectVersion, "dispatch.exhausted")
	if err != nil {
		return nil, err
	}
	s.notify(id)
	return updated, nil
}

// commitCAS persists d's candidates/cursor/outcome/ride_id in one UPDATE
// guarded by expectVersion, appends the event, and commits tx. Every CAS
// method above builds its new state then calls this to apply it.
func (s *DispatchStore) commitCAS(ctx context.Context, tx pgx.Tx, d *dispatch.Dispatch, expectVersion int64, eventType string) (*dispatch.Dispatch, error) {
	candidates, err := json.Marshal(d.Candidates)
	if err != nil {
		return nil, fmt.Errorf("storage: encode candidates: %w", err)
	}

	tag, err := tx.Exec(ctx, `
UPDATE dispatches
SET candidates = $2, cursor = $3, outcome = $4, ride_id = $5, version = version + 1
WHERE id = $1 AND version = $6
`, d.ID, candidates, d.Cursor, string(d.Outcome), nullString(d.RideID), expectVersion)
	if err != nil {
		return nil, fmt.Errorf("storage: update dispatch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, &dispatch.Error{Op: "storage.commitCAS", Kind: dispatch.KindConflict, Err: fmt.Errorf("version conflict on dispatch %s", d.ID)}
	}
	if err := insertEvent(ctx, tx, d.ID, eventType, nil); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: commit: %w", err)
	}

	updated := *d
	updated.Version = expectVersion + 1
	return &updated, nil
}

func insertEvent(ctx context.Context, tx pgx.Tx, subjectID, eventType string, payload json.RawMessage) error {
	_, err := tx.Exec(ctx, `
INSERT INTO events (subject_id, event_type, payload, created_at)
VALUES ($1,$2,$3,NOW())
`, subjectID, eventType, payload)
	if err != nil {
		return fmt.Errorf("storage: insert event: %w", err)
	}
	return nil
}

func (s *DispatchStore) AppendEvent(ctx context.Context, evt DispatchEvent) error {
	_, err := s.pool.pg.Exec(ctx, `
INSERT INTO events (subject_id, event_type, payload, created_at)
VALUES ($1,$2,$3,COALESCE($4, NOW()))
`, evt.SubjectID, evt.Type, evt.Payload, nullTime(evt.CreatedAt))
	return err
}

func (s *DispatchStore) ListEvents(ctx context.Context, subjectID string, limit, offset int) ([]DispatchEvent, error) {
	rows, err := s.pool.pg.Query(ctx, `
SELECT subject_id, event_type, payload, created_at
FROM events WHERE subject_id = $1
ORDER BY created_at ASC
LIMIT $2 OFFSET $3
`, subjectID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DispatchEvent
	for rows.Next() {
		var e DispatchEvent
		if err := rows.Scan(&e.SubjectID, &e.Type, &e.Payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *DispatchStore) CountEvents(ctx context.Context, subjectID string) (int, error) {
	var count int
	err := s.pool.pg.QueryRow(ctx, `SELECT COUNT(*) FROM events WHERE subject_id = $1`, subjectID).Scan(&count)
	return count, err
}

// RideRepository persists Ride records, mirroring DispatchStore's shape.
type RideRepository struct {
	pool *Pool
}

func NewRideRepository(pool *Pool) *RideRepository {
	return &RideRepository{pool: pool}
}

func (r *RideRepository) Create(ctx context.Context, ride *dispatch.Ride) (*dispatch.Ride, error) {
	tx, err := r.pool.pg.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	status := ride.Status
	if status == "" {
		status = dispatch.RideAccepted
	}
	createdAt := ride.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	if _, err := tx.Exec(ctx, `
INSERT INTO rides (id, rider_id, driver_id, pickup, destination, fare_minor, status, otp, created_at, version)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,1)
`, ride.ID, ride.Rider, ride.Driver, ride.Pickup, ride.Destination, ride.FareMinor, string(status), ride.OTP, createdAt); err != nil {
		return nil, fmt.Errorf("storage: insert ride: %w", err)
	}
	if err := insertEvent(ctx, tx, ride.ID, "ride.created", nil); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: commit: %w", err)
	}

	out := *ride
	out.Status = status
	out.CreatedAt = createdAt
	out.Version = 1
	return &out, nil
}

func (r *RideRepository) Read(ctx context.Context, id string, includeOTP bool) (*dispatch.Ride, error) {
	var (
		ride   dispatch.Ride
		status string
		otp    string
	)
	err := r.pool.pg.QueryRow(ctx, `
SELECT id, rider_id, driver_id, pickup, destination, fare_minor, status, otp, created_at, version
FROM rides WHERE id = $1
`, id).Scan(&ride.ID, &ride.Rider, &ride.Driver, &ride.Pickup, &ride.Destination, &ride.FareMinor, &status, &otp, &ride.CreatedAt, &ride.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &dispatch.Error{Op: "storage.RideRepository.Read", Kind: dispatch.KindNotFound, Err: fmt.Errorf("ride %s not found", id)}
		}
		return nil, fmt.Errorf("storage: read ride: %w", err)
	}
	ride.Status = dispatch.RideStatus(status)
	if includeOTP {
		ride.OTP = otp
	}
	return &ride, nil
}

// Transition validates from->to against the ride transition table, same as
// dispatch.RideStore, before applying it under the expected version: the
// row lock inside the UPDATE...WHERE version=$n is what makes this safe to
// call concurrently with another Transition on the same ride.
func (r *RideRepository) Transition(ctx context.Context, id string, from, to dispatch.RideStatus, expectVersion int64) (*dispatch.Ride, error) {
	if !dispatch.RideTransitionAllowed(from, to) {
		return nil, &dispatch.Error{Op: "storage.RideRepository.Transition", Kind: dispatch.KindBadInput, Err: fmt.Errorf("illegal ride transition %s -> %s", from, to)}
	}
	tx, err := r.pool.pg.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		ride   dispatch.Ride
		status string
	)
	err = tx.QueryRow(ctx, `
SELECT id, rider_id, driver_id, pickup, destination, fare_minor, status, created_at, version
FROM rides WHERE id = $1 FOR UPDATE
`, id).Scan(&ride.ID, &ride.Rider, &ride.Driver, &ride.Pickup, &ride.Destination, &ride.FareMinor, &status, &ride.CreatedAt, &ride.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &dispatch.Error{Op: "storage.RideRepository.Transition", Kind: dispatch.KindNotFound, Err: fmt.Errorf("ride %s not found", id)}
		}
		return nil, fmt.Errorf("storage: lock ride: %w", err)
	}
	ride.Status = dispatch.RideStatus(status)
	if ride.Status != from {
		return nil, &dispatch.Error{Op: "storage.RideRepository.Transition", Kind: dispatch.KindConflict, Err: fmt.Errorf("ride %s status is %s, not %s", id, ride.Status, from)}
	}

	tag, err := tx.Exec(ctx, `
UPDATE rides SET status = $2, version = version + 1 WHERE id = $1 AND version = $3
`, id, string(to), expectVersion)
	if err != nil {
		return nil, fmt.Errorf("storage: update ride: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, &dispatch.Error{Op: "storage.RideRepository.Transition", Kind: dispatch.KindConflict, Err: fmt.Errorf("version conflict on ride %s", id)}
	}
	if err := insertEvent(ctx, tx, id, "ride."+string(to), nil); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: commit: %w", err)
	}
	ride.Status = to
	ride.Version = expectVersion + 1
	return &ride, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

var (
	_ dispatch.DispatchRepository = (*DispatchStore)(nil)
	_ dispatch.RideRepository     = (*RideRepository)(nil)
)
