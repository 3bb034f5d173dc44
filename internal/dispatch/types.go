// Package dispatch holds the domain model for the ride-dispatch engine:
// the Dispatch and Ride records, their status tables, and the in-memory
// stores that enforce forward-only transitions over them.
package dispatch

import "time"

// VehicleType is the normalized vehicle class used for candidate filtering.
type VehicleType string

const (
	VehicleCar        VehicleType = "car"
	VehicleMotorcycle VehicleType = "motorcycle"
	VehicleAuto       VehicleType = "auto"
)

// NormalizeVehicleType maps client-supplied aliases onto the canonical set.
// An empty input means "any vehicle type" and is returned unchanged.
func NormalizeVehicleType(raw string) VehicleType {
	switch raw {
	case "moto":
		return VehicleMotorcycle
	case "":
		return ""
	default:
		return VehicleType(raw)
	}
}

func (v VehicleType) Valid() bool {
	switch v {
	case "", VehicleCar, VehicleMotorcycle, VehicleAuto:
		return true
	default:
		return false
	}
}

// Coordinate is a point in space, optionally timestamped when it came from
// a driver heartbeat.
type Coordinate struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	At        time.Time `json:"timestamp,omitempty"`
}

// Availability is a driver's dispatch eligibility state.
type Availability string

const (
	AvailabilityActive   Availability = "active"
	AvailabilityInactive Availability = "inactive"
	AvailabilityAssigned Availability = "assigned"
)

// DriverSnapshot is the read-only view of a driver the engine consumes from
// the GeoIndex gateway (C1). The engine never mutates a driver's position;
// it only ever transitions Availability, and only on assignment.
type DriverSnapshot struct {
	DriverID     string
	Location     Coordinate
	VehicleType  VehicleType
	Availability Availability
	PushAddress  string
	DistanceM    float64
}

// CandidateStatus is the forward-only status of one candidate within a
// Dispatch. The table is: pending -> offered -> (acked|rejected|timedOut|
// skipped); only an acked candidate may further transition to assigned.
type CandidateStatus string

const (
	CandidatePending  CandidateStatus = "pending"
	CandidateOffered  CandidateStatus = "offered"
	CandidateAcked    CandidateStatus = "acked"
	CandidateRejected CandidateStatus = "rejected"
	CandidateTimedOut CandidateStatus = "timedOut"
	CandidateSkipped  CandidateStatus = "skipped"
	CandidateAssigned CandidateStatus = "assigned"
)

// terminalCandidateStatuses are statuses a candidate never leaves.
var terminalCandidateStatuses = map[CandidateStatus]bool{
	CandidateRejected: true,
	CandidateTimedOut: true,
	CandidateSkipped:  true,
	CandidateAssigned: true,
}

func (s CandidateStatus) Terminal() bool {
	return terminalCandidateStatuses[s]
}

// candidateTransitions enumerates every legal CandidateStatus edge. It is
// the single source of truth SetCandidateStatus checks against.
var candidateTransitions = map[CandidateStatus][]CandidateStatus{
	CandidatePending: {CandidateOffered, CandidateSkipped},
	CandidateOffered: {CandidateAcked, CandidateRejected, CandidateTimedOut},
	CandidateAcked:   {CandidateAssigned},
}

func CandidateTransitionAllowed(from, to CandidateStatus) bool {
	for _, allowed := range candidateTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Candidate is one driver under consideration in a Dispatch.
type Candidate struct {
	DriverID    string          `json:"driverId"`
	PushAddress string          `json:"-"`
	ETASeconds  *int            `json:"etaSeconds,omitempty"`
	Status      CandidateStatus `json:"status"`
	OfferedAt   *time.Time      `json:"offeredAt,omitempty"`
}

// Outcome is the terminal-or-pending state of a whole Dispatch.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeAssigned  Outcome = "assigned"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeExhausted Outcome = "exhausted"
)

func (o Outcome) Terminal() bool {
	return o != OutcomePending
}

// outcomeTransitions: pending -> {assigned, cancelled, exhausted}, terminal
// thereafter.
var outcomeTransitions = map[Outcome][]Outcome{
	OutcomePending: {OutcomeAssigned, OutcomeCancelled, OutcomeExhausted},
}

func OutcomeTransitionAllowed(from, to Outcome) bool {
	for _, allowed := range outcomeTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Dispatch is one open attempt to assign a ride: a durable record with a
// fixed-order candidate list and a cursor into it.
type Dispatch struct {
	ID            string      `json:"id"`
	Owner         string      `json:"owner"`
	Pickup        string      `json:"pickup"`
	Destination   string      `json:"destination"`
	VehicleType   VehicleType `json:"vehicleType,omitempty"`
	Candidates    []Candidate `json:"candidates"`
	Cursor        int         `json:"cursor"`
	Outcome       Outcome     `json:"outcome"`
	RideID        string      `json:"rideId,omitempty"`
	AckSeconds    int         `json:"ackSeconds"`
	CorrelationID string      `json:"correlationId,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
	Version       int64       `json:"-"`
}

// RideStatus is the forward-only lifecycle of a Ride.
type RideStatus string

const (
	RideAccepted  RideStatus = "accepted"
	RideOngoing   RideStatus = "ongoing"
	RideCompleted RideStatus = "completed"
	RideCancelled RideStatus = "cancelled"
)

var rideTransitions = map[RideStatus][]RideStatus{
	RideAccepted: {RideOngoing, RideCancelled},
	RideOngoing:  {RideCompleted, RideCancelled},
}

func RideTransitionAllowed(from, to RideStatus) bool {
	for _, allowed := range rideTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Ride is the durable entity materialized when a Dispatch assigns.
type Ride struct {
	ID          string     `json:"id"`
	Rider       string     `json:"rider"`
	Driver      string     `json:"driver"`
	Pickup      string     `json:"pickup"`
	Destination string     `json:"destination"`
	FareMinor   int64      `json:"fare"`
	Status      RideStatus `json:"status"`
	OTP         string     `json:"otp,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	Version     int64      `json:"-"`
}

// IdentityRole distinguishes the principal making a request. Authentication
// business logic (signup, credential verification) is out of scope; this
// is only the ambient role tag the dispatch API's middleware attaches to a
// validated token.
type IdentityRole string

const (
	RoleRider  IdentityRole = "rider"
	RoleDriver IdentityRole = "driver"
	RoleAdmin  IdentityRole = "admin"
)

// Identity is the principal resolved from a bearer token.
type Identity struct {
	ID        string       `json:"id"`
	Role      IdentityRole `json:"role"`
	Token     string       `json:"token,omitempty"`
	ExpiresAt *time.Time   `json:"expiresAt,omitempty"`
}
