// Package lifecycle owns the ride state machine. Every status change goes
// through Apply, which validates the edge and the actor, applies the side
// effects on drivers and offers, and appends a timeline event.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/offers"
	"github.com/example/ride-dispatch/internal/storage"
)

// Event asks for one transition.
type Event struct {
	Kind   models.EventKind
	Reason string
	// DriverID names the winning driver on accept.
	DriverID string
}

type edge struct {
	from models.RideStatus
	kind models.EventKind
}

// transitions is the ride state diagram as code.
var transitions = map[edge]models.RideStatus{
	{models.RideRequested, models.EventDispatch}:      models.RideDispatching,
	{models.RideDispatching, models.EventOfferIssued}: models.RideOffered,
	{models.RideOffered, models.EventAccept}:          models.RideAccepted,
	{models.RideDispatching, models.EventAccept}:      models.RideAccepted,
	{models.RideOffered, models.EventRetry}:           models.RideDispatching,
	{models.RideDispatching, models.EventRetry}:       models.RideDispatching,
	{models.RideRequested, models.EventCancel}:        models.RideCancelled,
	{models.RideDispatching, models.EventCancel}:      models.RideCancelled,
	{models.RideOffered, models.EventCancel}:          models.RideCancelled,
	{models.RideAccepted, models.EventCancel}:         models.RideCancelled,
	{models.RideAccepted, models.EventStart}:          models.RideStarted,
	{models.RideStarted, models.EventBeginTrip}:       models.RideInProgress,
	{models.RideInProgress, models.EventComplete}:     models.RideCompleted,
}

// Next returns the status reached from `from` by kind.
func Next(from models.RideStatus, kind models.EventKind) (models.RideStatus, bool) {
	to, ok := transitions[edge{from, kind}]
	return to, ok
}

type Policy struct {
	MaxAttempts int
	// CancelCutoff is the first status at which callers may no longer cancel.
	CancelCutoff models.RideStatus
	// SearchWindow stamps SearchExpiresAt on creation so reconcile can time
	// out rides that never reach a dispatch round. Zero leaves it unset.
	SearchWindow time.Duration
}

func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 5, CancelCutoff: models.RideStarted, SearchWindow: 5 * time.Minute}
}

// Publisher receives timeline events after the transaction that wrote them commits.
type Publisher interface {
	PublishRideEvent(ctx context.Context, ride models.Ride, ev models.TimelineEvent) error
}

// Hook runs after commit for every published event.
type Hook func(ctx context.Context, ride models.Ride, ev models.TimelineEvent)

type Manager struct {
	store     storage.Store
	policy    Policy
	now       func() time.Time
	logger    *slog.Logger
	publisher Publisher
	hooks     []Hook
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func WithPublisher(p Publisher) Option { return func(m *Manager) { m.publisher = p } }

func WithHook(h Hook) Option { return func(m *Manager) { m.hooks = append(m.hooks, h) } }

func NewManager(store storage.Store, policy Policy, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:  store,
		policy: policy,
		now:    time.Now,
		logger: logger.With("component", "lifecycle"),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) Policy() Policy { return m.policy }

func (m *Manager) Now() time.Time { return m.now() }

// AddHook registers h for events published after it is added.
func (m *Manager) AddHook(h Hook) { m.hooks = append(m.hooks, h) }

// Transition applies ev to the ride in its own transaction and publishes the
// resulting timeline event after commit.
func (m *Manager) Transition(ctx context.Context, rideID string, ev Event, actor models.Actor) (models.Ride, error) {
	var out models.Ride
	var rec models.TimelineEvent
	now := m.now()
	err := m.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		ride, err := tx.Ride(ctx, rideID)
		if err != nil {
			return err
		}
		if rec, err = m.Apply(ctx, tx, &ride, ev, actor, now); err != nil {
			return err
		}
		out = ride
		return tx.PutRide(ctx, ride)
	})
	if err != nil {
		return models.Ride{}, err
	}
	m.Publish(ctx, out, rec)
	return out, nil
}

// Apply validates and applies ev to ride inside tx. It writes driver and offer
// side effects and the timeline event, but leaves persisting ride to the caller
// so several mutations can share one write.
func (m *Manager) Apply(ctx context.Context, tx storage.Tx, ride *models.Ride, ev Event, actor models.Actor, now time.Time) (models.TimelineEvent, error) {
	from, assigned := ride.Status, ride.DriverID
	if from.Terminal() {
		return models.TimelineEvent{}, fmt.Errorf("ride %s is %s: %w", ride.ID, from, models.ErrInvalidTransition)
	}
	if ev.Kind == models.EventCancel && m.pastCutoff(from) {
		return models.TimelineEvent{}, fmt.Errorf("ride %s is %s, cancel cut-off is %s: %w", ride.ID, from, m.policy.CancelCutoff, models.ErrPreconditionFailed)
	}
	to, ok := Next(from, ev.Kind)
	if !ok {
		return models.TimelineEvent{}, fmt.Errorf("ride %s: %s from %s: %w", ride.ID, ev.Kind, from, models.ErrInvalidTransition)
	}
	if err := authorize(*ride, ev, actor); err != nil {
		return models.TimelineEvent{}, err
	}

	switch ev.Kind {
	case models.EventDispatch, models.EventOfferIssued:
	case models.EventRetry:
		if ride.DispatchAttempts >= m.policy.MaxAttempts {
			return models.TimelineEvent{}, fmt.Errorf("ride %s: %d dispatch attempts: %w", ride.ID, ride.DispatchAttempts, models.ErrPreconditionFailed)
		}
		ride.DispatchAttempts++
		ride.OfferExpiresAt = nil
	case models.EventAccept:
		if err := m.assignDriver(ctx, tx, ride, ev.DriverID, now); err != nil {
			return models.TimelineEvent{}, err
		}
		ride.DriverID = ev.DriverID
		ride.AcceptedAt = models.TimePtr(now)
		ride.OfferExpiresAt = nil
		ride.NextRoundAt = nil
	case models.EventCancel:
		if _, err := offers.CancelPending(ctx, tx, ride.ID, models.OfferCancelled, now); err != nil {
			return models.TimelineEvent{}, err
		}
		if err := m.releaseDriver(ctx, tx, ride, now); err != nil {
			return models.TimelineEvent{}, err
		}
		ride.DriverID = ""
		ride.CancelReason = ev.Reason
		ride.CancelledAt = models.TimePtr(now)
		ride.OfferExpiresAt = nil
		ride.NextRoundAt = nil
		ride.AcceptedAt = nil
	case models.EventStart:
		ride.StartedAt = models.TimePtr(now)
	case models.EventBeginTrip:
	case models.EventComplete:
		if err := m.releaseDriver(ctx, tx, ride, now); err != nil {
			return models.TimelineEvent{}, err
		}
		ride.CompletedAt = models.TimePtr(now)
	}

	ride.Status = to
	ride.UpdatedAt = monotonic(ride.UpdatedAt, now)

	rec := models.TimelineEvent{
		ID:        uuid.NewString(),
		RideID:    ride.ID,
		From:      from,
		To:        to,
		Kind:      ev.Kind,
		ActorID:   actor.ID,
		ActorRole: actor.Role,
		DriverID:  ride.DriverID,
		Reason:    ev.Reason,
		At:        ride.UpdatedAt,
	}
	if ev.Kind == models.EventCancel {
		rec.DriverID = assigned
	}
	if err := tx.AppendEvent(ctx, rec); err != nil {
		return models.TimelineEvent{}, err
	}
	return rec, nil
}

// Create persists a new ride in requested state with its first timeline event.
func (m *Manager) Create(ctx context.Context, ride models.Ride) (models.Ride, error) {
	now := m.now()
	ride.Status = models.RideRequested
	ride.CreatedAt = now
	ride.UpdatedAt = now
	ride.Version = 0
	if ride.SearchExpiresAt == nil && m.policy.SearchWindow > 0 {
		ride.SearchExpiresAt = models.TimePtr(now.Add(m.policy.SearchWindow))
	}
	rec := models.TimelineEvent{
		ID:        uuid.NewString(),
		RideID:    ride.ID,
		To:        models.RideRequested,
		Kind:      models.EventRequest,
		ActorID:   ride.RiderID,
		ActorRole: models.RoleRider,
		At:        now,
	}
	err := m.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.PutRide(ctx, ride); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, rec)
	})
	if err != nil {
		return models.Ride{}, err
	}
	m.Publish(ctx, ride, rec)
	return ride, nil
}

// Publish fans committed events out to the publisher and hooks. Failures are
// logged; the transition already happened.
func (m *Manager) Publish(ctx context.Context, ride models.Ride, events ...models.TimelineEvent) {
	for _, ev := range events {
		if ev.ID == "" {
			continue
		}
		if m.publisher != nil {
			if err := m.publisher.PublishRideEvent(ctx, ride, ev); err != nil {
				m.logger.Warn("publish ride event failed", "ride_id", ride.ID, "kind", ev.Kind, "error", err)
			}
		}
		for _, h := range m.hooks {
			h(ctx, ride, ev)
		}
	}
}

func (m *Manager) pastCutoff(status models.RideStatus) bool {
	cutoff := m.policy.CancelCutoff
	if cutoff == "" {
		cutoff = models.RideStarted
	}
	return status.Rank() >= cutoff.Rank()
}

func (m *Manager) assignDriver(ctx context.Context, tx storage.Tx, ride *models.Ride, driverID string, now time.Time) error {
	d, err := tx.Driver(ctx, driverID)
	if err != nil {
		return err
	}
	d.Busy = true
	d.CurrentRideID = ride.ID
	d.UpdatedAt = now
	return tx.PutDriver(ctx, d)
}

// releaseDriver clears the assigned driver's busy flag if it still points at ride.
func (m *Manager) releaseDriver(ctx context.Context, tx storage.Tx, ride *models.Ride, now time.Time) error {
	if ride.DriverID == "" {
		return nil
	}
	d, err := tx.Driver(ctx, ride.DriverID)
	if errors.Is(err, models.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if d.CurrentRideID != ride.ID {
		return nil
	}
	d.Busy = false
	d.CurrentRideID = ""
	d.UpdatedAt = now
	return tx.PutDriver(ctx, d)
}

func authorize(ride models.Ride, ev Event, actor models.Actor) error {
	if actor.ID == "" {
		return models.ErrUnauthenticated
	}
	deny := func() error {
		return fmt.Errorf("%s %s may not %s ride %s: %w", actor.Role, actor.ID, ev.Kind, ride.ID, models.ErrPermissionDenied)
	}
	switch ev.Kind {
	case models.EventDispatch, models.EventOfferIssued, models.EventRetry:
		if !actor.IsSystem() {
			return deny()
		}
	case models.EventAccept:
		if actor.Role != models.RoleDriver || actor.ID != ev.DriverID {
			return deny()
		}
	case models.EventStart, models.EventBeginTrip, models.EventComplete:
		if actor.Role != models.RoleDriver || actor.ID != ride.DriverID {
			return deny()
		}
	case models.EventCancel:
		switch {
		case actor.IsSystem():
		case actor.Role == models.RoleRider && actor.ID == ride.RiderID:
		case actor.Role == models.RoleDriver && ride.DriverID != "" && actor.ID == ride.DriverID:
		default:
			return deny()
		}
	}
	return nil
}

// monotonic returns now, or the smallest instant after prev when the clock
// has not moved past it.
func monotonic(prev, now time.Time) time.Time {
	if now.After(prev) {
		return now
	}
	return prev.Add(time.Nanosecond)
}
