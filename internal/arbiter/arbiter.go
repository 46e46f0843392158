// Package arbiter decides which driver wins a ride. Accept reads the offer,
// the ride and the driver and writes all three in one transaction, so two
// concurrent accepts for the same ride can never both commit.
package arbiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/offers"
	"github.com/example/ride-dispatch/internal/storage"
)

// Stopper disarms pending dispatch rounds for a ride.
type Stopper interface {
	Stop(rideID string)
}

type Result struct {
	Ride  models.Ride
	Offer models.Offer
	// Superseded counts sibling offers marked taken_by_other after the win.
	Superseded int
}

type Arbiter struct {
	store     storage.Store
	lifecycle *lifecycle.Manager
	stopper   Stopper
	logger    *slog.Logger
}

func New(store storage.Store, lc *lifecycle.Manager, stopper Stopper, logger *slog.Logger) *Arbiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Arbiter{store: store, lifecycle: lc, stopper: stopper, logger: logger.With("component", "arbiter")}
}

// Accept assigns rideID to driverID if the driver holds a live pending offer
// and the ride is still looking for a driver. Errors:
//
//	ErrNotFound           no offer for (rideID, driverID)
//	ErrInvalidTransition  the ride is completed or cancelled
//	ErrPreconditionFailed the ride already has a driver, the offer is no
//	                      longer pending or has lapsed, or the driver is busy
func (a *Arbiter) Accept(ctx context.Context, rideID, driverID string) (Result, error) {
	now := a.lifecycle.Now()
	var (
		res    Result
		rec    models.TimelineEvent
		lapsed bool
	)
	err := a.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		res, rec, lapsed = Result{}, models.TimelineEvent{}, false

		ride, err := tx.Ride(ctx, rideID)
		if err != nil {
			return err
		}
		o, err := tx.Offer(ctx, rideID, driverID)
		if err != nil {
			return err
		}
		if ride.Status.Terminal() {
			return fmt.Errorf("ride %s is %s: %w", rideID, ride.Status, models.ErrInvalidTransition)
		}
		if ride.Status != models.RideOffered && ride.Status != models.RideDispatching {
			return fmt.Errorf("ride %s is %s: %w", rideID, ride.Status, models.ErrPreconditionFailed)
		}
		if o.Status != models.OfferPending {
			return fmt.Errorf("offer %s/%s is %s: %w", rideID, driverID, o.Status, models.ErrPreconditionFailed)
		}
		if o.Lapsed(now) {
			lapsed = true
			if err := offers.Settle(&o, models.OfferExpired, now); err != nil {
				return err
			}
			return tx.PutOffer(ctx, o)
		}
		drv, err := tx.Driver(ctx, driverID)
		if err != nil {
			return err
		}
		if !drv.Available() {
			return fmt.Errorf("driver %s is not available: %w", driverID, models.ErrPreconditionFailed)
		}

		actor := models.Actor{ID: driverID, Role: models.RoleDriver}
		rec, err = a.lifecycle.Apply(ctx, tx, &ride, lifecycle.Event{Kind: models.EventAccept, DriverID: driverID}, actor, now)
		if err != nil {
			return err
		}
		if err := offers.Settle(&o, models.OfferAccepted, now); err != nil {
			return err
		}
		if err := tx.PutOffer(ctx, o); err != nil {
			return err
		}
		res.Ride, res.Offer = ride, o
		return tx.PutRide(ctx, ride)
	})
	if err == nil && lapsed {
		err = fmt.Errorf("offer %s/%s expired: %w", rideID, driverID, models.ErrPreconditionFailed)
	}
	if err != nil {
		observability.AcceptsTotal.WithLabelValues(models.Code(err)).Inc()
		return Result{}, err
	}
	observability.AcceptsTotal.WithLabelValues("OK").Inc()

	a.lifecycle.Publish(ctx, res.Ride, rec)
	if a.stopper != nil {
		a.stopper.Stop(rideID)
	}
	n, err := a.Supersede(ctx, rideID)
	if err != nil {
		// The janitor's pending-offer sweep finishes the job.
		a.logger.Warn("supersede siblings failed", "ride_id", rideID, "error", err)
	}
	res.Superseded = n
	a.logger.Info("ride accepted", "ride_id", rideID, "driver_id", driverID, "superseded", n)
	return res, nil
}

// Supersede marks every still-pending offer of an assigned ride taken_by_other.
// Each offer is settled in its own transaction and re-checked there.
func (a *Arbiter) Supersede(ctx context.Context, rideID string) (int, error) {
	list, err := a.store.ListOffersByRide(ctx, rideID)
	if err != nil {
		return 0, err
	}
	n := 0
	var errs []error
	for _, o := range list {
		if o.Status != models.OfferPending {
			continue
		}
		changed, err := a.supersedeOne(ctx, rideID, o.DriverID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if changed {
			n++
		}
	}
	return n, errors.Join(errs...)
}

func (a *Arbiter) supersedeOne(ctx context.Context, rideID, driverID string) (bool, error) {
	now := a.lifecycle.Now()
	changed := false
	err := a.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		changed = false
		ride, err := tx.Ride(ctx, rideID)
		if err != nil {
			return err
		}
		if !ride.Status.Assigned() || ride.DriverID == driverID {
			return nil
		}
		o, err := tx.Offer(ctx, rideID, driverID)
		if err != nil {
			return err
		}
		if o.Status != models.OfferPending {
			return nil
		}
		if err := offers.Settle(&o, models.OfferTakenByOther, now); err != nil {
			return err
		}
		changed = true
		return tx.PutOffer(ctx, o)
	})
	return changed, err
}
