package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

func seedRide(t *testing.T, s *MemoryStore, id string) {
	t.Helper()
	err := s.RunInTx(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.PutRide(ctx, models.Ride{ID: id, RiderID: "rider-1", Status: models.RideRequested, CreatedAt: time.Unix(0, 0)})
	})
	require.NoError(t, err)
}

func TestMemoryStore_VersionAdvancesOnCommit(t *testing.T) {
	s := NewMemoryStore()
	seedRide(t, s, "r1")

	r, err := s.GetRide(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), r.Version)

	err = s.RunInTx(context.Background(), func(ctx context.Context, tx Tx) error {
		r, err := tx.Ride(ctx, "r1")
		if err != nil {
			return err
		}
		r.Status = models.RideDispatching
		return tx.PutRide(ctx, r)
	})
	require.NoError(t, err)

	r, err = s.GetRide(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), r.Version)
	assert.Equal(t, models.RideDispatching, r.Status)
}

func TestMemoryStore_StaleReadFailsValidation(t *testing.T) {
	s := NewMemoryStore()
	seedRide(t, s, "r1")
	ctx := context.Background()

	a := s.begin()
	b := s.begin()
	ra, err := a.Ride(ctx, "r1")
	require.NoError(t, err)
	rb, err := b.Ride(ctx, "r1")
	require.NoError(t, err)

	ra.Status = models.RideDispatching
	require.NoError(t, a.PutRide(ctx, ra))
	rb.Status = models.RideCancelled
	require.NoError(t, b.PutRide(ctx, rb))

	assert.True(t, s.commit(a))
	assert.False(t, s.commit(b), "second writer read a stale version")

	r, _ := s.GetRide(ctx, "r1")
	assert.Equal(t, models.RideDispatching, r.Status)
}

func TestMemoryStore_ReadOnlyDocumentsAreValidated(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.PutDriver(ctx, models.Driver{ID: "d1", Online: true})
	}))

	a := s.begin()
	_, err := a.Driver(ctx, "d1")
	require.NoError(t, err)
	require.NoError(t, a.PutRide(ctx, models.Ride{ID: "r1"}))

	require.NoError(t, s.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		d, err := tx.Driver(ctx, "d1")
		if err != nil {
			return err
		}
		d.Online = false
		return tx.PutDriver(ctx, d)
	}))

	assert.False(t, s.commit(a))
}

func TestMemoryStore_CreateOverExistingConflicts(t *testing.T) {
	s := NewMemoryStore()
	seedRide(t, s, "r1")

	err := s.RunInTx(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.PutRide(ctx, models.Ride{ID: "r1"})
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrConflict)
	assert.True(t, IsRetryable(err))
}

func TestMemoryStore_ConcurrentIncrementsAreSerialized(t *testing.T) {
	s := NewMemoryStore()
	seedRide(t, s, "r1")

	const workers = 40
	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			errs <- s.RunInTx(context.Background(), func(ctx context.Context, tx Tx) error {
				r, err := tx.Ride(ctx, "r1")
				if err != nil {
					return err
				}
				r.DispatchAttempts++
				return tx.PutRide(ctx, r)
			})
		}()
	}
	close(start)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	r, err := s.GetRide(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, workers, r.DispatchAttempts)
}

func TestMemoryStore_BodyErrorDiscardsWrites(t *testing.T) {
	s := NewMemoryStore()
	seedRide(t, s, "r1")
	boom := errors.New("boom")

	err := s.RunInTx(context.Background(), func(ctx context.Context, tx Tx) error {
		r, _ := tx.Ride(ctx, "r1")
		r.Status = models.RideCancelled
		_ = tx.PutRide(ctx, r)
		_ = tx.AppendEvent(ctx, models.TimelineEvent{ID: "e1", RideID: "r1"})
		return boom
	})
	assert.ErrorIs(t, err, boom)

	r, _ := s.GetRide(context.Background(), "r1")
	assert.Equal(t, models.RideRequested, r.Status)
	events, _ := s.Timeline(context.Background(), "r1")
	assert.Empty(t, events)
}

func TestMemoryStore_OffersMergeTxWrites(t *testing.T) {
	s := NewMemoryStore()
	seedRide(t, s, "r1")
	now := time.Unix(100, 0)

	err := s.RunInTx(context.Background(), func(ctx context.Context, tx Tx) error {
		if err := tx.PutOffer(ctx, models.Offer{RideID: "r1", DriverID: "d2", Status: models.OfferPending, QuotedAt: now}); err != nil {
			return err
		}
		if err := tx.PutOffer(ctx, models.Offer{RideID: "r1", DriverID: "d1", Status: models.OfferPending, QuotedAt: now}); err != nil {
			return err
		}
		offers, err := tx.Offers(ctx, "r1")
		if err != nil {
			return err
		}
		require.Len(t, offers, 2)
		assert.Equal(t, "d1", offers[0].DriverID)
		return nil
	})
	require.NoError(t, err)

	pending, err := s.ListPendingOffers(context.Background())
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestMemoryStore_MarkProcessedOnce(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	var first, second bool
	require.NoError(t, s.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		first, err = tx.MarkProcessed(ctx, "evt_1")
		return err
	}))
	require.NoError(t, s.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		second, err = tx.MarkProcessed(ctx, "evt_1")
		return err
	}))
	assert.True(t, first)
	assert.False(t, second)
}

func TestMemoryStore_Blocks(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.PutBlock(ctx, models.BlockEntry{DriverID: "d1", CustomerID: "c1", Initiator: models.BlockedByDriver}))
	require.NoError(t, s.PutBlock(ctx, models.BlockEntry{DriverID: "d2", CustomerID: "c1", Initiator: models.BlockedByCustomer}))

	byCustomer, err := s.ListBlocksByCustomer(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, byCustomer, 2)

	removed, err := s.DeleteBlock(ctx, "d1", "c1", models.BlockedByDriver)
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = s.DeleteBlock(ctx, "d1", "c1", models.BlockedByDriver)
	require.NoError(t, err)
	assert.False(t, removed)
}

type flakyStore struct {
	*MemoryStore
	failures int
	calls    int
}

func (f *flakyStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	f.calls++
	if f.calls <= f.failures {
		return ErrTransient
	}
	return f.MemoryStore.RunInTx(ctx, fn)
}

func TestWithRetry_RetriesTransientFailures(t *testing.T) {
	f := &flakyStore{MemoryStore: NewMemoryStore(), failures: 2}
	s := WithRetry(f, RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond})

	err := s.RunInTx(context.Background(), func(ctx context.Context, tx Tx) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 3, f.calls)
}

func TestWithRetry_GivesUpAfterAttempts(t *testing.T) {
	f := &flakyStore{MemoryStore: NewMemoryStore(), failures: 10}
	s := WithRetry(f, RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond})

	err := s.RunInTx(context.Background(), func(ctx context.Context, tx Tx) error { return nil })
	assert.True(t, IsRetryable(err))
	assert.Equal(t, 3, f.calls)
}

func TestWithRetry_DoesNotRetryBusinessErrors(t *testing.T) {
	f := &flakyStore{MemoryStore: NewMemoryStore()}
	s := WithRetry(f, RetryPolicy{Attempts: 5, BaseDelay: time.Millisecond})

	err := s.RunInTx(context.Background(), func(ctx context.Context, tx Tx) error { return models.ErrPreconditionFailed })
	assert.ErrorIs(t, err, models.ErrPreconditionFailed)
	assert.Equal(t, 1, f.calls)
}
