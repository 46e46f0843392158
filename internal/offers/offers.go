// Package offers owns per-driver ride offers and their TTL semantics.
//
// A driver's feed is filtered to live offers at read time, and every write
// path that touches a lapsed pending offer marks it expired, so a driver is
// never shown an offer whose TTL has elapsed even before the janitor runs.
package offers

import (
	"context"
	"fmt"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

// Issue creates a pending offer of ride to driverID inside tx. It fails with
// ErrPreconditionFailed when the driver already holds an offer for the ride.
func Issue(ctx context.Context, tx storage.Tx, ride models.Ride, driverID string, now time.Time, ttl time.Duration) (models.Offer, error) {
	if _, err := tx.Offer(ctx, ride.ID, driverID); err == nil {
		return models.Offer{}, fmt.Errorf("offer %s/%s exists: %w", ride.ID, driverID, models.ErrPreconditionFailed)
	} else if !isNotFound(err) {
		return models.Offer{}, err
	}
	o := models.Offer{
		RideID:    ride.ID,
		DriverID:  driverID,
		Status:    models.OfferPending,
		Tier:      ride.Tier,
		Pickup:    ride.Pickup,
		Dropoff:   ride.Dropoff,
		Price:     ride.Price,
		QuotedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	if err := tx.PutOffer(ctx, o); err != nil {
		return models.Offer{}, err
	}
	return o, nil
}

// Settle moves a pending offer to a final status. Final statuses never change.
func Settle(o *models.Offer, to models.OfferStatus, now time.Time) error {
	if o.Status != models.OfferPending {
		return fmt.Errorf("offer %s/%s is %s: %w", o.RideID, o.DriverID, o.Status, models.ErrPreconditionFailed)
	}
	if to == models.OfferPending {
		return fmt.Errorf("offer %s/%s: settle to pending: %w", o.RideID, o.DriverID, models.ErrInvalidArgument)
	}
	o.Status = to
	o.RespondedAt = models.TimePtr(now)
	return nil
}

// ExpireLapsed marks every lapsed pending offer of a ride expired and returns
// the offers as they stand after the write.
func ExpireLapsed(ctx context.Context, tx storage.Tx, rideID string, now time.Time) ([]models.Offer, int, error) {
	list, err := tx.Offers(ctx, rideID)
	if err != nil {
		return nil, 0, err
	}
	expired := 0
	for i := range list {
		if !list[i].Lapsed(now) {
			continue
		}
		if err := Settle(&list[i], models.OfferExpired, now); err != nil {
			return nil, 0, err
		}
		if err := tx.PutOffer(ctx, list[i]); err != nil {
			return nil, 0, err
		}
		expired++
	}
	return list, expired, nil
}

// CancelPending settles every pending offer of a ride with status to.
func CancelPending(ctx context.Context, tx storage.Tx, rideID string, to models.OfferStatus, now time.Time) (int, error) {
	list, err := tx.Offers(ctx, rideID)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range list {
		if list[i].Status != models.OfferPending {
			continue
		}
		if err := Settle(&list[i], to, now); err != nil {
			return n, err
		}
		if err := tx.PutOffer(ctx, list[i]); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Live filters list to offers a driver may still act on at now.
func Live(list []models.Offer, now time.Time) []models.Offer {
	out := make([]models.Offer, 0, len(list))
	for _, o := range list {
		if o.Live(now) {
			out = append(out, o)
		}
	}
	return out
}

// Service serves offer reads outside of dispatch transactions.
type Service struct {
	store storage.Store
	now   func() time.Time
}

func NewService(store storage.Store, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{store: store, now: now}
}

func (s *Service) Get(ctx context.Context, rideID, driverID string) (models.Offer, error) {
	var out models.Offer
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		o, err := tx.Offer(ctx, rideID, driverID)
		if err != nil {
			return err
		}
		out = o
		return nil
	})
	return out, err
}

// ListForDriver is the driver's live feed: pending and unexpired at call time.
func (s *Service) ListForDriver(ctx context.Context, driverID string) ([]models.Offer, error) {
	list, err := s.store.ListOffersByDriver(ctx, driverID)
	if err != nil {
		return nil, err
	}
	return Live(list, s.now()), nil
}

// ListByRide returns the full audit list of offers for a ride.
func (s *Service) ListByRide(ctx context.Context, rideID string) ([]models.Offer, error) {
	return s.store.ListOffersByRide(ctx, rideID)
}

// Expire marks a single lapsed offer expired. It reports whether a write happened.
func (s *Service) Expire(ctx context.Context, rideID, driverID string, now time.Time) (bool, error) {
	changed := false
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		changed = false
		o, err := tx.Offer(ctx, rideID, driverID)
		if err != nil {
			return err
		}
		if !o.Lapsed(now) {
			return nil
		}
		if err := Settle(&o, models.OfferExpired, now); err != nil {
			return err
		}
		changed = true
		return tx.PutOffer(ctx, o)
	})
	return changed, err
}

func isNotFound(err error) bool { return models.Code(err) == models.CodeNotFound }
