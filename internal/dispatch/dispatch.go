// Package dispatch runs dispatch rounds: it offers a ride to the best
// candidates, waits out the offer window and retries with exponential
// backoff until the ride is accepted, runs out of attempts or its search
// window closes.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/offers"
	"github.com/example/ride-dispatch/internal/storage"
)

// Candidates ranks drivers for a ride, skipping exclude.
type Candidates interface {
	Candidates(ctx context.Context, ride models.Ride, exclude []string) ([]string, error)
}

// Notifier tells a driver about a new offer. Delivery is best effort.
type Notifier interface {
	NotifyOffer(ctx context.Context, offer models.Offer) error
}

type OutcomeKind string

const (
	// OutcomeOffered means new offers went out this round.
	OutcomeOffered OutcomeKind = "offered"
	// OutcomeWaiting means live offers are still outstanding.
	OutcomeWaiting OutcomeKind = "waiting"
	// OutcomeRetrying means no candidate was found and a later round is armed.
	OutcomeRetrying OutcomeKind = "retrying"
	// OutcomeCancelled means the round ended the search.
	OutcomeCancelled OutcomeKind = "cancelled"
	// OutcomeSettled means the ride had already left matching.
	OutcomeSettled OutcomeKind = "settled"
)

type Outcome struct {
	Kind   OutcomeKind
	Ride   models.Ride
	Offers []models.Offer
	// NextRoundAt is set when another round is armed.
	NextRoundAt *time.Time
}

type Dispatcher struct {
	store     storage.Store
	lifecycle *lifecycle.Manager
	selector  Candidates
	sched     Scheduler
	notifier  Notifier
	cfg       Config
	rnd       func() float64
	logger    *slog.Logger
}

type Option func(*Dispatcher)

func WithNotifier(n Notifier) Option { return func(d *Dispatcher) { d.notifier = n } }

// WithRand fixes the jitter source; rnd must return values in [0,1).
func WithRand(rnd func() float64) Option { return func(d *Dispatcher) { d.rnd = rnd } }

func New(store storage.Store, lc *lifecycle.Manager, selector Candidates, sched Scheduler, cfg Config, logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		store:     store,
		lifecycle: lc,
		selector:  selector,
		sched:     sched,
		cfg:       cfg,
		rnd:       rand.Float64,
		logger:    logger.With("component", "dispatcher"),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Dispatcher) Config() Config { return d.cfg }

// DispatchRound runs one round for rideID. A requested ride is moved to
// dispatching and its search window opened first.
func (d *Dispatcher) DispatchRound(ctx context.Context, rideID string) (Outcome, error) {
	start := time.Now()
	now := d.lifecycle.Now()

	snap, err := d.store.GetRide(ctx, rideID)
	if err != nil {
		return Outcome{}, err
	}
	if !snap.Status.Matching() {
		d.sched.Cancel(rideID)
		return Outcome{Kind: OutcomeSettled, Ride: snap}, nil
	}
	cands, err := d.selector.Candidates(ctx, snap, snap.AttemptedDriverIDs)
	if err != nil {
		d.sched.Schedule(rideID, now.Add(d.cfg.RetryDelay(snap.DispatchAttempts, d.rnd())))
		return Outcome{}, fmt.Errorf("select candidates for %s: %w", rideID, err)
	}

	var (
		out  Outcome
		recs []models.TimelineEvent
	)
	err = d.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		out, recs = Outcome{}, nil
		ride, err := tx.Ride(ctx, rideID)
		if err != nil {
			return err
		}
		r := round{d: d, tx: tx, ride: &ride, now: now}
		kind, err := r.run(ctx, cands)
		if err != nil {
			return err
		}
		out = Outcome{Kind: kind, Ride: ride, Offers: r.issued, NextRoundAt: ride.NextRoundAt}
		recs = r.recs
		if kind == OutcomeSettled {
			return nil
		}
		return tx.PutRide(ctx, ride)
	})
	if err != nil {
		return Outcome{}, err
	}

	d.lifecycle.Publish(ctx, out.Ride, recs...)
	if out.NextRoundAt != nil && out.Ride.Status.Matching() {
		d.sched.Schedule(rideID, *out.NextRoundAt)
	} else {
		d.sched.Cancel(rideID)
	}
	d.notify(ctx, out.Offers)

	observability.DispatchRoundsTotal.WithLabelValues(string(out.Kind)).Inc()
	observability.OffersIssuedTotal.Add(float64(len(out.Offers)))
	observability.DispatchRoundLatency.Observe(time.Since(start).Seconds())
	d.logger.Debug("dispatch round", "ride_id", rideID, "outcome", out.Kind,
		"offers", len(out.Offers), "attempts", out.Ride.DispatchAttempts)
	return out, nil
}

// round is the transactional body of one dispatch round.
type round struct {
	d      *Dispatcher
	tx     storage.Tx
	ride   *models.Ride
	now    time.Time
	recs   []models.TimelineEvent
	issued []models.Offer
}

func (r *round) apply(ctx context.Context, ev lifecycle.Event) error {
	rec, err := r.d.lifecycle.Apply(ctx, r.tx, r.ride, ev, models.SystemActor, r.now)
	if err != nil {
		return err
	}
	r.recs = append(r.recs, rec)
	return nil
}

func (r *round) cancel(ctx context.Context, reason string) (OutcomeKind, error) {
	if err := r.apply(ctx, lifecycle.Event{Kind: models.EventCancel, Reason: reason}); err != nil {
		return "", err
	}
	return OutcomeCancelled, nil
}

func (r *round) run(ctx context.Context, cands []string) (OutcomeKind, error) {
	ride, cfg := r.ride, r.d.cfg
	if !ride.Status.Matching() {
		return OutcomeSettled, nil
	}
	if ride.SearchExpiresAt != nil && !r.now.Before(*ride.SearchExpiresAt) {
		return r.cancel(ctx, models.ReasonSearchTimeout)
	}
	if ride.Status == models.RideRequested {
		if ride.SearchExpiresAt == nil {
			ride.SearchExpiresAt = models.TimePtr(r.now.Add(cfg.SearchWindow))
		}
		if err := r.apply(ctx, lifecycle.Event{Kind: models.EventDispatch}); err != nil {
			return "", err
		}
	}

	list, _, err := offers.ExpireLapsed(ctx, r.tx, ride.ID, r.now)
	if err != nil {
		return "", err
	}
	live := offers.Live(list, r.now)
	retried := false

	if ride.Status == models.RideOffered {
		windowOpen := ride.OfferExpiresAt != nil && r.now.Before(*ride.OfferExpiresAt)
		if len(live) > 0 && windowOpen {
			if err := r.issue(ctx, cands, cfg.OffersPerRound-len(live)); err != nil {
				return "", err
			}
			ride.NextRoundAt = models.TimePtr(*ride.OfferExpiresAt)
			if len(r.issued) > 0 {
				return OutcomeOffered, nil
			}
			return OutcomeWaiting, nil
		}
		if ride.DispatchAttempts >= r.d.lifecycle.Policy().MaxAttempts {
			return r.cancel(ctx, models.ReasonMaxAttempts)
		}
		if err := r.apply(ctx, lifecycle.Event{Kind: models.EventRetry}); err != nil {
			return "", err
		}
		retried = true
	}

	if err := r.issue(ctx, cands, cfg.OffersPerRound-len(live)); err != nil {
		return "", err
	}
	if len(r.issued) > 0 || len(live) > 0 {
		for _, o := range live {
			if ride.OfferExpiresAt == nil || o.ExpiresAt.After(*ride.OfferExpiresAt) {
				ride.OfferExpiresAt = models.TimePtr(o.ExpiresAt)
			}
		}
		if err := r.apply(ctx, lifecycle.Event{Kind: models.EventOfferIssued}); err != nil {
			return "", err
		}
		ride.NextRoundAt = models.TimePtr(*ride.OfferExpiresAt)
		if len(r.issued) > 0 {
			return OutcomeOffered, nil
		}
		return OutcomeWaiting, nil
	}

	if !retried {
		if ride.DispatchAttempts >= r.d.lifecycle.Policy().MaxAttempts {
			return r.cancel(ctx, models.ReasonMaxAttempts)
		}
		if err := r.apply(ctx, lifecycle.Event{Kind: models.EventRetry}); err != nil {
			return "", err
		}
	}
	next := r.now.Add(cfg.RetryDelay(ride.DispatchAttempts, r.d.rnd()))
	if ride.SearchExpiresAt != nil && next.After(*ride.SearchExpiresAt) {
		next = *ride.SearchExpiresAt
	}
	ride.NextRoundAt = &next
	return OutcomeRetrying, nil
}

// issue offers the ride to up to n candidates that are still available
// inside the transaction and have never been offered this ride.
func (r *round) issue(ctx context.Context, cands []string, n int) error {
	ride, ttl := r.ride, r.d.cfg.OfferTTL
	for _, id := range cands {
		if len(r.issued) >= n {
			break
		}
		if ride.Attempted(id) {
			continue
		}
		drv, err := r.tx.Driver(ctx, id)
		if errors.Is(err, models.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if !drv.Available() {
			continue
		}
		o, err := offers.Issue(ctx, r.tx, *ride, id, r.now, ttl)
		if errors.Is(err, models.ErrPreconditionFailed) {
			ride.AddAttempted(id)
			continue
		}
		if err != nil {
			return err
		}
		ride.AddAttempted(id)
		if ride.OfferExpiresAt == nil || o.ExpiresAt.After(*ride.OfferExpiresAt) {
			ride.OfferExpiresAt = models.TimePtr(o.ExpiresAt)
		}
		r.issued = append(r.issued, o)
	}
	return nil
}

// Decline rejects driverID's pending offer and arms a quick re-dispatch.
// Declining a lapsed offer marks it expired and fails with ErrPreconditionFailed.
// A terminal ride is left untouched; only the offer is settled.
func (d *Dispatcher) Decline(ctx context.Context, rideID, driverID string) (models.Offer, error) {
	now := d.lifecycle.Now()
	delay := d.cfg.DeclineRedispatchDelay(d.rnd())
	var out models.Offer
	var lapsed bool
	var rescheduled *time.Time
	err := d.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		lapsed, rescheduled = false, nil
		ride, err := tx.Ride(ctx, rideID)
		if err != nil {
			return err
		}
		o, err := tx.Offer(ctx, rideID, driverID)
		if err != nil {
			return err
		}
		if o.Status != models.OfferPending {
			return fmt.Errorf("offer %s/%s is %s: %w", rideID, driverID, o.Status, models.ErrPreconditionFailed)
		}
		if o.Lapsed(now) {
			lapsed = true
			if err := offers.Settle(&o, models.OfferExpired, now); err != nil {
				return err
			}
			out = o
			return tx.PutOffer(ctx, o)
		}
		if err := offers.Settle(&o, models.OfferRejected, now); err != nil {
			return err
		}
		if err := tx.PutOffer(ctx, o); err != nil {
			return err
		}
		out = o
		if ride.Status.Terminal() {
			return nil
		}
		ride.AddAttempted(driverID)
		if ride.Status.Matching() {
			next := now.Add(delay)
			if ride.NextRoundAt == nil || next.Before(*ride.NextRoundAt) {
				ride.NextRoundAt = &next
				rescheduled = &next
			}
		}
		return tx.PutRide(ctx, ride)
	})
	if err != nil {
		return models.Offer{}, err
	}
	if lapsed {
		return out, fmt.Errorf("offer %s/%s expired: %w", rideID, driverID, models.ErrPreconditionFailed)
	}
	observability.DeclinesTotal.Inc()
	if rescheduled != nil {
		d.sched.Schedule(rideID, *rescheduled)
	}
	return out, nil
}

// Kick arms an immediate round for rideID.
func (d *Dispatcher) Kick(_ context.Context, rideID string) {
	d.sched.Schedule(rideID, d.lifecycle.Now())
}

// Stop disarms any pending round for rideID.
func (d *Dispatcher) Stop(rideID string) { d.sched.Cancel(rideID) }

// Resume re-arms rounds for every ride still matching, typically at start-up.
func (d *Dispatcher) Resume(ctx context.Context) (int, error) {
	rides, err := d.store.ListRidesByStatus(ctx, models.RideRequested, models.RideDispatching, models.RideOffered)
	if err != nil {
		return 0, err
	}
	now := d.lifecycle.Now()
	for _, r := range rides {
		at := now
		if r.NextRoundAt != nil && r.NextRoundAt.After(now) {
			at = *r.NextRoundAt
		}
		d.sched.Schedule(r.ID, at)
	}
	return len(rides), nil
}

// RunScheduled is the Scheduler callback. Errors are logged.
func (d *Dispatcher) RunScheduled(ctx context.Context, rideID string) {
	if _, err := d.DispatchRound(ctx, rideID); err != nil {
		d.logger.Error("scheduled dispatch round failed", "ride_id", rideID, "error", err)
	}
}

func (d *Dispatcher) notify(ctx context.Context, issued []models.Offer) {
	if d.notifier == nil {
		return
	}
	for _, o := range issued {
		if err := d.notifier.NotifyOffer(ctx, o); err != nil && !errors.Is(err, ErrNoSession) {
			d.logger.Warn("offer notify failed", "ride_id", o.RideID, "driver_id", o.DriverID, "error", err)
		}
	}
}
