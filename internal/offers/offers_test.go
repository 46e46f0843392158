package offers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, s storage.Store, ttl time.Duration, drivers ...string) models.Ride {
	t.Helper()
	ride := models.Ride{ID: "r1", RiderID: "c1", Status: models.RideOffered, Tier: models.TierEconomy, CreatedAt: t0}
	err := s.RunInTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		if err := tx.PutRide(ctx, ride); err != nil {
			return err
		}
		for _, d := range drivers {
			if _, err := Issue(ctx, tx, ride, d, t0, ttl); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	return ride
}

func TestListForDriver_NeverReturnsLapsedOffers(t *testing.T) {
	store := storage.NewMemoryStore()
	seed(t, store, 15*time.Second, "d1")

	now := t0
	svc := NewService(store, func() time.Time { return now })

	now = t0.Add(14 * time.Second)
	feed, err := svc.ListForDriver(context.Background(), "d1")
	require.NoError(t, err)
	assert.Len(t, feed, 1)

	now = t0.Add(15 * time.Second)
	feed, err = svc.ListForDriver(context.Background(), "d1")
	require.NoError(t, err)
	assert.Empty(t, feed, "offer at its expiry instant must be hidden")

	stored, err := svc.Get(context.Background(), "r1", "d1")
	require.NoError(t, err)
	assert.Equal(t, models.OfferPending, stored.Status, "read path does not write")
}

func TestIssue_RejectsSecondOfferForSameDriver(t *testing.T) {
	store := storage.NewMemoryStore()
	ride := seed(t, store, time.Minute, "d1")

	err := store.RunInTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		_, err := Issue(ctx, tx, ride, "d1", t0.Add(time.Minute), time.Minute)
		return err
	})
	assert.ErrorIs(t, err, models.ErrPreconditionFailed)
}

func TestSettle_FinalStatusesAreImmutable(t *testing.T) {
	o := models.Offer{RideID: "r1", DriverID: "d1", Status: models.OfferPending}
	require.NoError(t, Settle(&o, models.OfferRejected, t0))
	assert.Equal(t, models.OfferRejected, o.Status)
	require.NotNil(t, o.RespondedAt)

	err := Settle(&o, models.OfferAccepted, t0)
	assert.ErrorIs(t, err, models.ErrPreconditionFailed)
}

func TestExpireLapsed_OnlyTouchesLapsedPending(t *testing.T) {
	store := storage.NewMemoryStore()
	ride := seed(t, store, 10*time.Second, "d1", "d2")

	err := store.RunInTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		late, err := Issue(ctx, tx, ride, "d3", t0.Add(5*time.Second), 10*time.Second)
		require.Equal(t, t0.Add(15*time.Second), late.ExpiresAt)
		return err
	})
	require.NoError(t, err)

	var expired int
	err = store.RunInTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		var err error
		_, expired, err = ExpireLapsed(ctx, tx, "r1", t0.Add(12*time.Second))
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 2, expired)

	list, err := store.ListOffersByRide(context.Background(), "r1")
	require.NoError(t, err)
	statuses := map[string]models.OfferStatus{}
	for _, o := range list {
		statuses[o.DriverID] = o.Status
	}
	assert.Equal(t, models.OfferExpired, statuses["d1"])
	assert.Equal(t, models.OfferExpired, statuses["d2"])
	assert.Equal(t, models.OfferPending, statuses["d3"])
}

func TestService_Expire(t *testing.T) {
	store := storage.NewMemoryStore()
	seed(t, store, 10*time.Second, "d1")
	svc := NewService(store, nil)

	changed, err := svc.Expire(context.Background(), "r1", "d1", t0.Add(5*time.Second))
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = svc.Expire(context.Background(), "r1", "d1", t0.Add(10*time.Second))
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = svc.Expire(context.Background(), "r1", "d1", t0.Add(20*time.Second))
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = svc.Expire(context.Background(), "r1", "nobody", t0)
	assert.ErrorIs(t, err, models.ErrNotFound)
}
