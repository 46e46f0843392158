package lifecycle

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/offers"
	"github.com/example/ride-dispatch/internal/storage"
)

var t0 = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

var (
	rider  = models.Actor{ID: "c1", Role: models.RoleRider}
	driver = models.Actor{ID: "d1", Role: models.RoleDriver}
	other  = models.Actor{ID: "d9", Role: models.RoleDriver}
)

type recorder struct{ events []models.TimelineEvent }

func (r *recorder) PublishRideEvent(_ context.Context, _ models.Ride, ev models.TimelineEvent) error {
	r.events = append(r.events, ev)
	return nil
}

func setup(t *testing.T, status models.RideStatus, opts ...Option) (*Manager, storage.Store) {
	t.Helper()
	store := storage.NewMemoryStore()
	ride := models.Ride{ID: "r1", RiderID: "c1", Status: status, Tier: models.TierEconomy, CreatedAt: t0, UpdatedAt: t0}
	d := models.Driver{ID: "d1", Online: true, VehicleClass: models.VehicleEconomy}
	if status.Assigned() {
		ride.DriverID = "d1"
		d.Busy = status != models.RideCompleted
		if d.Busy {
			d.CurrentRideID = "r1"
		}
	}
	require.NoError(t, store.RunInTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		if err := tx.PutDriver(ctx, d); err != nil {
			return err
		}
		return tx.PutRide(ctx, ride)
	}))
	opts = append([]Option{WithClock(func() time.Time { return t0.Add(time.Minute) })}, opts...)
	return NewManager(store, Policy{MaxAttempts: 3, CancelCutoff: models.RideStarted}, nil, opts...), store
}

func TestTransition_HappyPath(t *testing.T) {
	pub := &recorder{}
	m, store := setup(t, models.RideRequested, WithPublisher(pub))
	ctx := context.Background()
	sys := models.SystemActor

	steps := []struct {
		ev    Event
		actor models.Actor
		want  models.RideStatus
	}{
		{Event{Kind: models.EventDispatch}, sys, models.RideDispatching},
		{Event{Kind: models.EventOfferIssued}, sys, models.RideOffered},
		{Event{Kind: models.EventAccept, DriverID: "d1"}, driver, models.RideAccepted},
		{Event{Kind: models.EventStart}, driver, models.RideStarted},
		{Event{Kind: models.EventBeginTrip}, driver, models.RideInProgress},
		{Event{Kind: models.EventComplete}, driver, models.RideCompleted},
	}
	for _, s := range steps {
		r, err := m.Transition(ctx, "r1", s.ev, s.actor)
		require.NoError(t, err, s.ev.Kind)
		assert.Equal(t, s.want, r.Status)
	}

	r, err := store.GetRide(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "d1", r.DriverID)
	require.NotNil(t, r.CompletedAt)

	d, err := store.GetDriver(ctx, "d1")
	require.NoError(t, err)
	assert.False(t, d.Busy, "completion frees the driver")
	assert.Empty(t, d.CurrentRideID)

	timeline, err := store.Timeline(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, timeline, len(steps))
	assert.Len(t, pub.events, len(steps))
	for i := 1; i < len(timeline); i++ {
		assert.True(t, timeline[i].At.After(timeline[i-1].At), "updatedAt must strictly increase")
	}
}

func TestTransition_TerminalIsImmutable(t *testing.T) {
	kinds := []models.EventKind{
		models.EventDispatch, models.EventOfferIssued, models.EventAccept, models.EventRetry,
		models.EventCancel, models.EventStart, models.EventBeginTrip, models.EventComplete,
	}
	actors := []models.Actor{models.SystemActor, rider, driver, other}
	for _, status := range []models.RideStatus{models.RideCompleted, models.RideCancelled} {
		for _, kind := range kinds {
			for _, actor := range actors {
				t.Run(fmt.Sprintf("%s/%s/%s", status, kind, actor.ID), func(t *testing.T) {
					m, _ := setup(t, status)
					_, err := m.Transition(context.Background(), "r1", Event{Kind: kind, DriverID: actor.ID}, actor)
					assert.ErrorIs(t, err, models.ErrInvalidTransition)
				})
			}
		}
	}
}

func TestTransition_NoSkipping(t *testing.T) {
	cases := []struct {
		from models.RideStatus
		kind models.EventKind
	}{
		{models.RideRequested, models.EventAccept},
		{models.RideRequested, models.EventOfferIssued},
		{models.RideAccepted, models.EventBeginTrip},
		{models.RideAccepted, models.EventComplete},
		{models.RideStarted, models.EventComplete},
		{models.RideOffered, models.EventDispatch},
	}
	for _, c := range cases {
		m, _ := setup(t, c.from)
		_, err := m.Transition(context.Background(), "r1", Event{Kind: c.kind, DriverID: "d1"}, driver)
		assert.ErrorIs(t, err, models.ErrInvalidTransition, "%s from %s", c.kind, c.from)
	}
}

func TestTransition_ActorGuards(t *testing.T) {
	m, _ := setup(t, models.RideAccepted)
	ctx := context.Background()

	_, err := m.Transition(ctx, "r1", Event{Kind: models.EventStart}, other)
	assert.ErrorIs(t, err, models.ErrPermissionDenied)
	_, err = m.Transition(ctx, "r1", Event{Kind: models.EventStart}, rider)
	assert.ErrorIs(t, err, models.ErrPermissionDenied)
	_, err = m.Transition(ctx, "r1", Event{Kind: models.EventCancel}, models.Actor{ID: "c2", Role: models.RoleRider})
	assert.ErrorIs(t, err, models.ErrPermissionDenied)
	_, err = m.Transition(ctx, "r1", Event{Kind: models.EventCancel}, models.Actor{})
	assert.ErrorIs(t, err, models.ErrUnauthenticated)

	m2, _ := setup(t, models.RideRequested)
	_, err = m2.Transition(ctx, "r1", Event{Kind: models.EventDispatch}, rider)
	assert.ErrorIs(t, err, models.ErrPermissionDenied)
}

func TestTransition_CancelCutoff(t *testing.T) {
	for _, status := range []models.RideStatus{models.RideStarted, models.RideInProgress} {
		m, _ := setup(t, status)
		_, err := m.Transition(context.Background(), "r1", Event{Kind: models.EventCancel}, rider)
		assert.ErrorIs(t, err, models.ErrPreconditionFailed, status)
	}

	store := storage.NewMemoryStore()
	require.NoError(t, store.RunInTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		return tx.PutRide(ctx, models.Ride{ID: "r1", RiderID: "c1", DriverID: "d1", Status: models.RideAccepted})
	}))
	strict := NewManager(store, Policy{MaxAttempts: 3, CancelCutoff: models.RideAccepted}, nil)
	_, err := strict.Transition(context.Background(), "r1", Event{Kind: models.EventCancel}, rider)
	assert.ErrorIs(t, err, models.ErrPreconditionFailed)
}

func TestTransition_CancelAcceptedFreesDriver(t *testing.T) {
	m, store := setup(t, models.RideAccepted)
	ctx := context.Background()

	r, err := m.Transition(ctx, "r1", Event{Kind: models.EventCancel, Reason: models.ReasonDriverCancelled}, driver)
	require.NoError(t, err)
	assert.Equal(t, models.RideCancelled, r.Status)
	assert.Empty(t, r.DriverID)
	assert.Equal(t, models.ReasonDriverCancelled, r.CancelReason)

	d, err := store.GetDriver(ctx, "d1")
	require.NoError(t, err)
	assert.False(t, d.Busy)
	assert.Empty(t, d.CurrentRideID)

	timeline, _ := store.Timeline(ctx, "r1")
	require.Len(t, timeline, 1)
	assert.Equal(t, "d1", timeline[0].DriverID)
}

func TestTransition_CancelSettlesPendingOffers(t *testing.T) {
	m, store := setup(t, models.RideOffered)
	ctx := context.Background()
	require.NoError(t, store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		ride, err := tx.Ride(ctx, "r1")
		if err != nil {
			return err
		}
		_, err = offers.Issue(ctx, tx, ride, "d1", t0, time.Hour)
		return err
	}))

	_, err := m.Transition(ctx, "r1", Event{Kind: models.EventCancel, Reason: models.ReasonRiderCancelled}, rider)
	require.NoError(t, err)

	list, err := store.ListOffersByRide(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, models.OfferCancelled, list[0].Status)
}

func TestTransition_RetryBoundedByMaxAttempts(t *testing.T) {
	m, _ := setup(t, models.RideDispatching)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		r, err := m.Transition(ctx, "r1", Event{Kind: models.EventRetry}, models.SystemActor)
		require.NoError(t, err)
		assert.Equal(t, i, r.DispatchAttempts)
	}
	_, err := m.Transition(ctx, "r1", Event{Kind: models.EventRetry}, models.SystemActor)
	assert.ErrorIs(t, err, models.ErrPreconditionFailed)
}

func TestTransition_UnknownRide(t *testing.T) {
	m, _ := setup(t, models.RideRequested)
	_, err := m.Transition(context.Background(), "missing", Event{Kind: models.EventCancel}, rider)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestCreate_WritesRequestedEvent(t *testing.T) {
	store := storage.NewMemoryStore()
	var hooked []models.EventKind
	m := NewManager(store, DefaultPolicy(), nil,
		WithClock(func() time.Time { return t0 }),
		WithHook(func(_ context.Context, _ models.Ride, ev models.TimelineEvent) { hooked = append(hooked, ev.Kind) }))

	r, err := m.Create(context.Background(), models.Ride{ID: "r1", RiderID: "c1", Tier: models.TierXL})
	require.NoError(t, err)
	assert.Equal(t, models.RideRequested, r.Status)
	assert.Equal(t, []models.EventKind{models.EventRequest}, hooked)
	require.NotNil(t, r.SearchExpiresAt)
	assert.Equal(t, t0.Add(5*time.Minute), *r.SearchExpiresAt)

	_, err = m.Create(context.Background(), models.Ride{ID: "r1", RiderID: "c1"})
	assert.ErrorIs(t, err, models.ErrConflict)
}

func TestMonotonic(t *testing.T) {
	assert.Equal(t, t0.Add(time.Second), monotonic(t0, t0.Add(time.Second)))
	assert.Equal(t, t0.Add(time.Nanosecond), monotonic(t0, t0))
	assert.Equal(t, t0.Add(time.Nanosecond), monotonic(t0, t0.Add(-time.Hour)))
}
