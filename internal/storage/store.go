package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// ErrTransient marks infrastructure failures that are safe to retry: lost
// optimistic races at commit, serialization failures, deadlocks and dropped
// connections. Business errors returned by a transaction body never carry it.
var ErrTransient = errors.New("storage: transient failure")

// IsRetryable reports whether err may succeed if the transaction is re-run.
func IsRetryable(err error) bool { return errors.Is(err, ErrTransient) }

// Tx is an atomic read-modify-write over a bounded document set. Reads return
// copies; nothing is visible to other transactions until the body returns nil.
type Tx interface {
	Ride(ctx context.Context, id string) (models.Ride, error)
	PutRide(ctx context.Context, r models.Ride) error

	Offer(ctx context.Context, rideID, driverID string) (models.Offer, error)
	Offers(ctx context.Context, rideID string) ([]models.Offer, error)
	PutOffer(ctx context.Context, o models.Offer) error

	Driver(ctx context.Context, id string) (models.Driver, error)
	PutDriver(ctx context.Context, d models.Driver) error

	AppendEvent(ctx context.Context, ev models.TimelineEvent) error

	// MarkProcessed records an external event id. It returns false when the id
	// was already recorded by a committed transaction.
	MarkProcessed(ctx context.Context, eventID string) (bool, error)
}

// Store is the transactional document store behind rides, offers and drivers.
// RunInTx may invoke fn more than once, so fn must confine its side effects
// to the Tx it is given.
type Store interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetRide(ctx context.Context, id string) (models.Ride, error)
	GetDriver(ctx context.Context, id string) (models.Driver, error)
	ListRidesByStatus(ctx context.Context, statuses ...models.RideStatus) ([]models.Ride, error)
	ListOffersByRide(ctx context.Context, rideID string) ([]models.Offer, error)
	ListOffersByDriver(ctx context.Context, driverID string) ([]models.Offer, error)
	ListPendingOffers(ctx context.Context) ([]models.Offer, error)
	ListOnlineDrivers(ctx context.Context) ([]models.Driver, error)
	Timeline(ctx context.Context, rideID string) ([]models.TimelineEvent, error)

	PutBlock(ctx context.Context, b models.BlockEntry) error
	DeleteBlock(ctx context.Context, driverID, customerID string, initiator models.BlockInitiator) (bool, error)
	ListBlocksByCustomer(ctx context.Context, customerID string) ([]models.BlockEntry, error)
	ListBlocksByDriver(ctx context.Context, driverID string) ([]models.BlockEntry, error)
}

// RetryPolicy bounds transparent re-runs of transient failures.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 4, BaseDelay: 10 * time.Millisecond, MaxDelay: 200 * time.Millisecond}
}

type retryingStore struct {
	Store
	policy RetryPolicy
}

// WithRetry wraps s so RunInTx re-runs transient failures with bounded
// exponential backoff. Exhausted lost races surface as models.ErrConflict.
func WithRetry(s Store, policy RetryPolicy) Store {
	if policy.Attempts <= 0 {
		policy.Attempts = 1
	}
	return &retryingStore{Store: s, policy: policy}
}

func (r *retryingStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	delay := r.policy.BaseDelay
	var err error
	for i := 0; i < r.policy.Attempts; i++ {
		err = r.Store.RunInTx(ctx, fn)
		if err == nil || !IsRetryable(err) {
			return err
		}
		if i == r.policy.Attempts-1 {
			break
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay *= 2
		if r.policy.MaxDelay > 0 && delay > r.policy.MaxDelay {
			delay = r.policy.MaxDelay
		}
	}
	return err
}
