// Package service exposes the caller-facing ride operations. It checks who
// the caller is and delegates to the lifecycle, dispatch, arbiter, offer,
// block list, availability, janitor and payment components.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/arbiter"
	"github.com/example/ride-dispatch/internal/availability"
	"github.com/example/ride-dispatch/internal/blocklist"
	"github.com/example/ride-dispatch/internal/correlation"
	"github.com/example/ride-dispatch/internal/janitor"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/offers"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/storage"
)

// Dispatcher is the part of dispatch.Dispatcher the service drives.
type Dispatcher interface {
	Kick(ctx context.Context, rideID string)
	Stop(rideID string)
	Decline(ctx context.Context, rideID, driverID string) (models.Offer, error)
}

type Acceptor interface {
	Accept(ctx context.Context, rideID, driverID string) (arbiter.Result, error)
}

type Deps struct {
	Store        storage.Store
	Lifecycle    *lifecycle.Manager
	Dispatcher   Dispatcher
	Arbiter      Acceptor
	Offers       *offers.Service
	Blocks       *blocklist.List
	Availability *availability.Service
	Janitor      *janitor.Janitor

	// Payment wiring is optional. Without an Authority rides are created
	// with no hold.
	Authority     payments.Authority
	Payments      *payments.Handler
	Waiters       *correlation.Table[models.PaymentStatus]
	WebhookSecret string
	Currency      string

	Logger *slog.Logger
}

type Service struct {
	d      Deps
	logger *slog.Logger
}

func New(d Deps) *Service {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if d.Currency == "" {
		d.Currency = "usd"
	}
	return &Service{d: d, logger: logger.With("component", "service")}
}

// RideRequest is the rider's input to RequestRide. Price is a hint from the
// client's quote.
type RideRequest struct {
	Tier    models.ServiceTier `json:"tier"`
	Pickup  models.Coord       `json:"pickup"`
	Dropoff models.Coord       `json:"dropoff"`
	Price   *models.Money      `json:"price,omitempty"`
}

func authenticated(a models.Actor) error {
	if a.ID == "" {
		return models.ErrUnauthenticated
	}
	return nil
}

func requireRole(a models.Actor, role models.Role) error {
	if err := authenticated(a); err != nil {
		return err
	}
	if a.Role != role {
		return fmt.Errorf("%s caller %s: %w", a.Role, a.ID, models.ErrPermissionDenied)
	}
	return nil
}

// RequestRide creates a ride in requested state and starts dispatch. When
// a payment authority is configured a hold is placed first and the call
// waits a bounded time for its outcome; a slow provider leaves the ride
// with payment status pending.
func (s *Service) RequestRide(ctx context.Context, actor models.Actor, req RideRequest) (models.Ride, error) {
	if err := requireRole(actor, models.RoleRider); err != nil {
		return models.Ride{}, err
	}
	if req.Tier == "" {
		req.Tier = models.TierEconomy
	}
	if !req.Tier.Valid() {
		return models.Ride{}, fmt.Errorf("tier %q: %w", req.Tier, models.ErrInvalidArgument)
	}
	if err := validCoord(req.Pickup); err != nil {
		return models.Ride{}, err
	}
	if err := validCoord(req.Dropoff); err != nil {
		return models.Ride{}, err
	}
	price := models.Money{Currency: s.d.Currency}
	if req.Price != nil {
		price = *req.Price
		if price.Currency == "" {
			price.Currency = s.d.Currency
		}
	}
	if price.Amount < 0 {
		return models.Ride{}, fmt.Errorf("negative price: %w", models.ErrInvalidArgument)
	}

	ride := models.Ride{
		ID:      uuid.NewString(),
		RiderID: actor.ID,
		Tier:    req.Tier,
		Pickup:  req.Pickup,
		Dropoff: req.Dropoff,
		Price:   price,
	}
	held := false
	if s.d.Authority != nil && price.Amount > 0 {
		if s.d.Waiters != nil {
			s.d.Waiters.Register(ride.ID)
		}
		intentID, err := s.d.Authority.Hold(ctx, ride)
		if err != nil {
			s.forgetWaiter(ride.ID)
			return models.Ride{}, fmt.Errorf("hold payment for ride %s: %w", ride.ID, err)
		}
		ride.PaymentIntentID = intentID
		ride.PaymentStatus = models.PaymentPending
		held = true
	}

	created, err := s.d.Lifecycle.Create(ctx, ride)
	if err != nil {
		if held {
			s.forgetWaiter(ride.ID)
			if rerr := s.d.Authority.Release(ctx, ride.ID, ride.PaymentIntentID); rerr != nil {
				s.logger.Error("release hold after failed create", "ride_id", ride.ID, "intent_id", ride.PaymentIntentID, "error", rerr)
			}
		}
		return models.Ride{}, err
	}
	s.d.Dispatcher.Kick(ctx, created.ID)
	s.logger.Info("ride requested", "ride_id", created.ID, "rider_id", actor.ID, "tier", created.Tier)

	if !held || s.d.Waiters == nil {
		return created, nil
	}
	if _, err := s.d.Waiters.Wait(ctx, created.ID); err != nil {
		if errors.Is(err, correlation.ErrTimeout) {
			return created, nil
		}
		return models.Ride{}, err
	}
	return s.d.Store.GetRide(ctx, created.ID)
}

func (s *Service) forgetWaiter(rideID string) {
	if s.d.Waiters != nil {
		s.d.Waiters.Cancel(rideID)
	}
}

// GetRide returns a ride to its rider, its assigned driver, a driver holding
// an offer for it, or the system.
func (s *Service) GetRide(ctx context.Context, actor models.Actor, rideID string) (models.Ride, error) {
	if err := authenticated(actor); err != nil {
		return models.Ride{}, err
	}
	ride, err := s.d.Store.GetRide(ctx, rideID)
	if err != nil {
		return models.Ride{}, err
	}
	if err := s.canView(ctx, actor, ride); err != nil {
		return models.Ride{}, err
	}
	return ride, nil
}

func (s *Service) Timeline(ctx context.Context, actor models.Actor, rideID string) ([]models.TimelineEvent, error) {
	if _, err := s.GetRide(ctx, actor, rideID); err != nil {
		return nil, err
	}
	return s.d.Store.Timeline(ctx, rideID)
}

func (s *Service) canView(ctx context.Context, actor models.Actor, ride models.Ride) error {
	switch {
	case actor.IsSystem():
		return nil
	case actor.Role == models.RoleRider && actor.ID == ride.RiderID:
		return nil
	case actor.Role == models.RoleDriver && actor.ID == ride.DriverID:
		return nil
	case actor.Role == models.RoleDriver:
		if _, err := s.d.Offers.Get(ctx, ride.ID, actor.ID); err == nil {
			return nil
		}
	}
	return fmt.Errorf("ride %s: %w", ride.ID, models.ErrPermissionDenied)
}

func (s *Service) AcceptOffer(ctx context.Context, actor models.Actor, rideID string) (arbiter.Result, error) {
	if err := requireRole(actor, models.RoleDriver); err != nil {
		return arbiter.Result{}, err
	}
	return s.d.Arbiter.Accept(ctx, rideID, actor.ID)
}

func (s *Service) DeclineOffer(ctx context.Context, actor models.Actor, rideID string) (models.Offer, error) {
	if err := requireRole(actor, models.RoleDriver); err != nil {
		return models.Offer{}, err
	}
	return s.d.Dispatcher.Decline(ctx, rideID, actor.ID)
}

// CancelRide cancels on behalf of the rider, the assigned driver or the
// system. An empty reason defaults by caller role.
func (s *Service) CancelRide(ctx context.Context, actor models.Actor, rideID, reason string) (models.Ride, error) {
	if err := authenticated(actor); err != nil {
		return models.Ride{}, err
	}
	if reason == "" {
		switch actor.Role {
		case models.RoleRider:
			reason = models.ReasonRiderCancelled
		case models.RoleDriver:
			reason = models.ReasonDriverCancelled
		}
	}
	ride, err := s.d.Lifecycle.Transition(ctx, rideID, lifecycle.Event{Kind: models.EventCancel, Reason: reason}, actor)
	if err != nil {
		return models.Ride{}, err
	}
	s.d.Dispatcher.Stop(rideID)
	return ride, nil
}

func (s *Service) StartRide(ctx context.Context, actor models.Actor, rideID string) (models.Ride, error) {
	return s.driverStep(ctx, actor, rideID, models.EventStart)
}

func (s *Service) BeginTrip(ctx context.Context, actor models.Actor, rideID string) (models.Ride, error) {
	return s.driverStep(ctx, actor, rideID, models.EventBeginTrip)
}

func (s *Service) CompleteRide(ctx context.Context, actor models.Actor, rideID string) (models.Ride, error) {
	return s.driverStep(ctx, actor, rideID, models.EventComplete)
}

func (s *Service) driverStep(ctx context.Context, actor models.Actor, rideID string, kind models.EventKind) (models.Ride, error) {
	if err := authenticated(actor); err != nil {
		return models.Ride{}, err
	}
	return s.d.Lifecycle.Transition(ctx, rideID, lifecycle.Event{Kind: kind}, actor)
}

// DriverOffers is the caller's live offer feed.
func (s *Service) DriverOffers(ctx context.Context, actor models.Actor) ([]models.Offer, error) {
	if err := requireRole(actor, models.RoleDriver); err != nil {
		return nil, err
	}
	return s.d.Offers.ListForDriver(ctx, actor.ID)
}

func (s *Service) SetDriverOnline(ctx context.Context, actor models.Actor, online bool, class models.VehicleClass) (models.Driver, error) {
	if err := requireRole(actor, models.RoleDriver); err != nil {
		return models.Driver{}, err
	}
	return s.d.Availability.SetOnline(ctx, actor.ID, online, class)
}

func (s *Service) DriverHeartbeat(ctx context.Context, actor models.Actor, loc models.Coord) (models.Driver, error) {
	if err := requireRole(actor, models.RoleDriver); err != nil {
		return models.Driver{}, err
	}
	return s.d.Availability.Heartbeat(ctx, actor.ID, loc)
}

func (s *Service) BlockCustomer(ctx context.Context, actor models.Actor, customerID, reason string) (models.BlockEntry, error) {
	if err := requireRole(actor, models.RoleDriver); err != nil {
		return models.BlockEntry{}, err
	}
	return s.d.Blocks.Block(ctx, actor.ID, customerID, models.BlockedByDriver, reason)
}

func (s *Service) UnblockCustomer(ctx context.Context, actor models.Actor, customerID string) error {
	if err := requireRole(actor, models.RoleDriver); err != nil {
		return err
	}
	return s.d.Blocks.Unblock(ctx, actor.ID, customerID, models.BlockedByDriver)
}

func (s *Service) BlockDriver(ctx context.Context, actor models.Actor, driverID, reason string) (models.BlockEntry, error) {
	if err := requireRole(actor, models.RoleRider); err != nil {
		return models.BlockEntry{}, err
	}
	return s.d.Blocks.Block(ctx, driverID, actor.ID, models.BlockedByCustomer, reason)
}

func (s *Service) UnblockDriver(ctx context.Context, actor models.Actor, driverID string) error {
	if err := requireRole(actor, models.RoleRider); err != nil {
		return err
	}
	return s.d.Blocks.Unblock(ctx, driverID, actor.ID, models.BlockedByCustomer)
}

// Reconcile is the scheduled entry point. Only the system may call it.
func (s *Service) Reconcile(ctx context.Context, actor models.Actor) (janitor.Report, error) {
	if err := requireRole(actor, models.RoleSystem); err != nil {
		return janitor.Report{}, err
	}
	rep := s.d.Janitor.Reconcile(ctx, s.d.Lifecycle.Now())
	if s.d.Waiters != nil {
		s.d.Waiters.Sweep(s.d.Lifecycle.Now())
	}
	return rep, nil
}

// HandlePaymentNotification verifies and applies one webhook delivery. It
// reports whether the event changed a ride.
func (s *Service) HandlePaymentNotification(ctx context.Context, payload []byte, signature string) (bool, error) {
	if s.d.Payments == nil {
		return false, fmt.Errorf("payments are not configured: %w", models.ErrPreconditionFailed)
	}
	ev, err := payments.Decode(payload, signature, s.d.WebhookSecret)
	if err != nil {
		return false, err
	}
	return s.d.Payments.Handle(ctx, ev)
}

func validCoord(c models.Coord) error {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) || c.Lat < -90 || c.Lat > 90 || c.Lon < -180 || c.Lon > 180 {
		return fmt.Errorf("coordinate %v,%v out of range: %w", c.Lat, c.Lon, models.ErrInvalidArgument)
	}
	return nil
}
