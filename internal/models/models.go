package models

import (
	"slices"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// ServiceTier is the product a rider asks for.
type ServiceTier string

const (
	TierEconomy ServiceTier = "economy"
	TierComfort ServiceTier = "comfort"
	TierXL      ServiceTier = "xl"
)

func (t ServiceTier) Valid() bool {
	switch t {
	case TierEconomy, TierComfort, TierXL:
		return true
	}
	return false
}

// VehicleClass is what a driver is able to serve.
type VehicleClass string

const (
	VehicleEconomy VehicleClass = "economy"
	VehicleComfort VehicleClass = "comfort"
	VehicleXL      VehicleClass = "xl"
)

func (c VehicleClass) Valid() bool {
	switch c {
	case VehicleEconomy, VehicleComfort, VehicleXL:
		return true
	}
	return false
}

type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type RideStatus string

const (
	RideRequested   RideStatus = "requested"
	RideDispatching RideStatus = "dispatching"
	RideOffered     RideStatus = "offered"
	RideAccepted    RideStatus = "accepted"
	RideStarted     RideStatus = "started"
	RideInProgress  RideStatus = "in_progress"
	RideCompleted   RideStatus = "completed"
	RideCancelled   RideStatus = "cancelled"
)

// Terminal reports whether no further transition is accepted.
func (s RideStatus) Terminal() bool { return s == RideCompleted || s == RideCancelled }

// Matching reports whether the ride is still looking for a driver.
func (s RideStatus) Matching() bool {
	return s == RideRequested || s == RideDispatching || s == RideOffered
}

// Assigned reports whether the ride must carry a driver id.
func (s RideStatus) Assigned() bool {
	switch s {
	case RideAccepted, RideStarted, RideInProgress, RideCompleted:
		return true
	}
	return false
}

// Rank orders statuses along the happy path. Cancelled ranks after completed.
func (s RideStatus) Rank() int {
	switch s {
	case RideRequested:
		return 0
	case RideDispatching:
		return 1
	case RideOffered:
		return 2
	case RideAccepted:
		return 3
	case RideStarted:
		return 4
	case RideInProgress:
		return 5
	case RideCompleted:
		return 6
	case RideCancelled:
		return 7
	}
	return -1
}

type PaymentStatus string

const (
	PaymentNone       PaymentStatus = ""
	PaymentPending    PaymentStatus = "pending"
	PaymentAuthorized PaymentStatus = "authorized"
	PaymentFailed     PaymentStatus = "failed"
	PaymentCaptured   PaymentStatus = "captured"
	PaymentReleased   PaymentStatus = "released"
)

// Cancel reasons written by the system.
const (
	ReasonSearchTimeout   = "search_timeout"
	ReasonMaxAttempts     = "max_attempts_exceeded"
	ReasonPaymentFailed   = "payment_failed"
	ReasonRiderCancelled  = "rider_cancelled"
	ReasonDriverCancelled = "driver_cancelled"
)

type Ride struct {
	ID                 string        `json:"id"`
	RiderID            string        `json:"rider_id"`
	DriverID           string        `json:"driver_id,omitempty"`
	Status             RideStatus    `json:"status"`
	Tier               ServiceTier   `json:"tier"`
	Pickup             Coord         `json:"pickup"`
	Dropoff            Coord         `json:"dropoff"`
	Price              Money         `json:"price"`
	DispatchAttempts   int           `json:"dispatch_attempts"`
	AttemptedDriverIDs []string      `json:"attempted_driver_ids,omitempty"`
	SearchExpiresAt    *time.Time    `json:"search_expires_at,omitempty"`
	OfferExpiresAt     *time.Time    `json:"offer_expires_at,omitempty"`
	NextRoundAt        *time.Time    `json:"next_round_at,omitempty"`
	CancelReason       string        `json:"cancel_reason,omitempty"`
	PaymentStatus      PaymentStatus `json:"payment_status,omitempty"`
	PaymentIntentID    string        `json:"-"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
	AcceptedAt         *time.Time    `json:"accepted_at,omitempty"`
	StartedAt          *time.Time    `json:"started_at,omitempty"`
	CompletedAt        *time.Time    `json:"completed_at,omitempty"`
	CancelledAt        *time.Time    `json:"cancelled_at,omitempty"`

	// Version is the storage concurrency token.
	Version int64 `json:"-"`
}

func (r *Ride) Attempted(driverID string) bool {
	return slices.Contains(r.AttemptedDriverIDs, driverID)
}

// AddAttempted records a driver as offered. It is idempotent.
func (r *Ride) AddAttempted(driverID string) {
	if !r.Attempted(driverID) {
		r.AttemptedDriverIDs = append(r.AttemptedDriverIDs, driverID)
	}
}

// Clone returns a copy that shares no memory with r.
func (r Ride) Clone() Ride {
	c := r
	c.AttemptedDriverIDs = slices.Clone(r.AttemptedDriverIDs)
	c.SearchExpiresAt = cloneTime(r.SearchExpiresAt)
	c.OfferExpiresAt = cloneTime(r.OfferExpiresAt)
	c.NextRoundAt = cloneTime(r.NextRoundAt)
	c.AcceptedAt = cloneTime(r.AcceptedAt)
	c.StartedAt = cloneTime(r.StartedAt)
	c.CompletedAt = cloneTime(r.CompletedAt)
	c.CancelledAt = cloneTime(r.CancelledAt)
	return c
}

type OfferStatus string

const (
	OfferPending      OfferStatus = "pending"
	OfferAccepted     OfferStatus = "accepted"
	OfferExpired      OfferStatus = "expired"
	OfferCancelled    OfferStatus = "cancelled"
	OfferRejected     OfferStatus = "rejected"
	OfferTakenByOther OfferStatus = "taken_by_other"
)

// Offer is keyed by (RideID, DriverID).
type Offer struct {
	RideID      string      `json:"ride_id"`
	DriverID    string      `json:"driver_id"`
	Status      OfferStatus `json:"status"`
	Tier        ServiceTier `json:"tier"`
	Pickup      Coord       `json:"pickup"`
	Dropoff     Coord       `json:"dropoff"`
	Price       Money       `json:"price"`
	QuotedAt    time.Time   `json:"quoted_at"`
	ExpiresAt   time.Time   `json:"expires_at"`
	RespondedAt *time.Time  `json:"responded_at,omitempty"`

	Version int64 `json:"-"`
}

// Live reports whether the offer is pending and its TTL has not elapsed at now.
func (o Offer) Live(now time.Time) bool {
	return o.Status == OfferPending && now.Before(o.ExpiresAt)
}

// Lapsed reports whether the offer is still pending past its TTL.
func (o Offer) Lapsed(now time.Time) bool {
	return o.Status == OfferPending && !now.Before(o.ExpiresAt)
}

type Driver struct {
	ID              string       `json:"id"`
	Online          bool         `json:"online"`
	Busy            bool         `json:"busy"`
	CurrentRideID   string       `json:"current_ride_id,omitempty"`
	VehicleClass    VehicleClass `json:"vehicle_class"`
	Location        Coord        `json:"location"`
	LastHeartbeatAt time.Time    `json:"last_heartbeat_at"`
	UpdatedAt       time.Time    `json:"updated_at"`

	Version int64 `json:"-"`
}

// Available reports whether the driver may receive new offers.
func (d Driver) Available() bool { return d.Online && !d.Busy }

type BlockInitiator string

const (
	BlockedByDriver   BlockInitiator = "driver"
	BlockedByCustomer BlockInitiator = "customer"
)

type BlockEntry struct {
	DriverID   string         `json:"driver_id"`
	CustomerID string         `json:"customer_id"`
	Initiator  BlockInitiator `json:"initiator"`
	Reason     string         `json:"reason,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

type EventKind string

const (
	EventRequest     EventKind = "request"
	EventDispatch    EventKind = "dispatch"
	EventOfferIssued EventKind = "offer_issued"
	EventAccept      EventKind = "accept"
	EventRetry       EventKind = "retry"
	EventCancel      EventKind = "cancel"
	EventStart       EventKind = "start"
	EventBeginTrip   EventKind = "begin_trip"
	EventComplete    EventKind = "complete"
)

// TimelineEvent is an append-only audit record of one ride transition.
type TimelineEvent struct {
	ID        string     `json:"id"`
	RideID    string     `json:"ride_id"`
	From      RideStatus `json:"from,omitempty"`
	To        RideStatus `json:"to"`
	Kind      EventKind  `json:"kind"`
	ActorID   string     `json:"actor_id"`
	ActorRole Role       `json:"actor_role"`
	DriverID  string     `json:"driver_id,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	At        time.Time  `json:"at"`
}

type Role string

const (
	RoleRider  Role = "rider"
	RoleDriver Role = "driver"
	RoleSystem Role = "system"
)

// Actor is the authenticated caller behind an operation.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

var SystemActor = Actor{ID: "system", Role: RoleSystem}

func (a Actor) IsSystem() bool { return a.Role == RoleSystem }

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr returns a pointer to a copy of t.
func TimePtr(t time.Time) *time.Time { return &t }
