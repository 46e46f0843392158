// Package janitor repairs state that timers and request handlers left behind:
// search windows that closed, offers whose TTL lapsed, offer windows nobody
// answered and drivers that stopped sending heartbeats.
//
// Every correction re-reads its documents inside its own transaction and
// re-checks the condition there, so a pass is safe to run concurrently with
// dispatch and with other janitor instances, and running it twice in a row
// finds nothing to do the second time.
package janitor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/offers"
	"github.com/example/ride-dispatch/internal/storage"
)

// Kicker arms and disarms dispatch rounds.
type Kicker interface {
	Kick(ctx context.Context, rideID string)
	Stop(rideID string)
}

// GeoRemover drops a driver from the location index.
type GeoRemover interface {
	Remove(ctx context.Context, driverID string) error
}

type Config struct {
	// HeartbeatTTL is how long an online driver may go without a heartbeat.
	HeartbeatTTL time.Duration
}

// Report counts the corrections made by one pass.
type Report struct {
	SearchTimeouts      int `json:"search_timeouts"`
	ExpiredOffers       int `json:"expired_offers"`
	OrphanedOffers      int `json:"orphaned_offers"`
	Superseded          int `json:"superseded"`
	LapsedWindows       int `json:"lapsed_windows"`
	MaxAttemptsExceeded int `json:"max_attempts_exceeded"`
	GhostDrivers        int `json:"ghost_drivers"`
	Failures            int `json:"failures"`
}

// Empty reports whether the pass changed nothing. Failures are not changes.
func (r Report) Empty() bool {
	return r.SearchTimeouts == 0 && r.ExpiredOffers == 0 && r.OrphanedOffers == 0 &&
		r.Superseded == 0 && r.LapsedWindows == 0 && r.MaxAttemptsExceeded == 0 && r.GhostDrivers == 0
}

type Janitor struct {
	store     storage.Store
	lifecycle *lifecycle.Manager
	kicker    Kicker
	geo       GeoRemover
	cfg       Config
	logger    *slog.Logger
}

type Option func(*Janitor)

func WithGeo(g GeoRemover) Option { return func(j *Janitor) { j.geo = g } }

func New(store storage.Store, lc *lifecycle.Manager, kicker Kicker, cfg Config, logger *slog.Logger, opts ...Option) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	j := &Janitor{store: store, lifecycle: lc, kicker: kicker, cfg: cfg, logger: logger.With("component", "janitor")}
	for _, o := range opts {
		o(j)
	}
	return j
}

// Reconcile runs every sweep once as of now. Per-document failures are
// logged and counted; they never abort the pass.
func (j *Janitor) Reconcile(ctx context.Context, now time.Time) Report {
	start := time.Now()
	var rep Report
	j.sweepSearchTimeouts(ctx, now, &rep)
	j.sweepPendingOffers(ctx, now, &rep)
	j.sweepLapsedWindows(ctx, now, &rep)
	j.sweepGhostDrivers(ctx, now, &rep)

	observability.ReconcileDuration.Observe(time.Since(start).Seconds())
	for sweep, n := range map[string]int{
		"search_timeout": rep.SearchTimeouts,
		"expired_offer":  rep.ExpiredOffers,
		"orphaned_offer": rep.OrphanedOffers,
		"superseded":     rep.Superseded,
		"lapsed_window":  rep.LapsedWindows,
		"max_attempts":   rep.MaxAttemptsExceeded,
		"ghost_driver":   rep.GhostDrivers,
	} {
		if n > 0 {
			observability.ReconcileCorrectionsTotal.WithLabelValues(sweep).Add(float64(n))
		}
	}
	return rep
}

// Run reconciles every interval until ctx is done.
func (j *Janitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rep := j.Reconcile(ctx, j.lifecycle.Now())
			if !rep.Empty() || rep.Failures > 0 {
				j.logger.Info("reconcile pass", "report", rep)
			}
		}
	}
}

func (j *Janitor) fail(rep *Report, msg string, args ...any) {
	rep.Failures++
	observability.ReconcileFailuresTotal.Inc()
	j.logger.Error(msg, args...)
}

func (j *Janitor) sweepSearchTimeouts(ctx context.Context, now time.Time, rep *Report) {
	rides, err := j.store.ListRidesByStatus(ctx, models.RideRequested, models.RideDispatching, models.RideOffered)
	if err != nil {
		j.fail(rep, "list matching rides", "error", err)
		return
	}
	for _, r := range rides {
		if r.SearchExpiresAt == nil || now.Before(*r.SearchExpiresAt) {
			continue
		}
		changed, err := j.cancelIf(ctx, r.ID, now, models.ReasonSearchTimeout, func(ride models.Ride) bool {
			return ride.Status.Matching() && ride.SearchExpiresAt != nil && !now.Before(*ride.SearchExpiresAt)
		})
		if err != nil {
			j.fail(rep, "search timeout cancel", "ride_id", r.ID, "error", err)
			continue
		}
		if changed {
			rep.SearchTimeouts++
		}
	}
}

// cancelIf cancels rideID as the system if cond still holds inside the transaction.
func (j *Janitor) cancelIf(ctx context.Context, rideID string, now time.Time, reason string, cond func(models.Ride) bool) (bool, error) {
	var (
		out models.Ride
		rec models.TimelineEvent
	)
	err := j.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		rec = models.TimelineEvent{}
		ride, err := tx.Ride(ctx, rideID)
		if err != nil {
			return err
		}
		if !cond(ride) {
			return nil
		}
		rec, err = j.lifecycle.Apply(ctx, tx, &ride, lifecycle.Event{Kind: models.EventCancel, Reason: reason}, models.SystemActor, now)
		if err != nil {
			return err
		}
		out = ride
		return tx.PutRide(ctx, ride)
	})
	if err != nil || rec.ID == "" {
		return false, err
	}
	j.lifecycle.Publish(ctx, out, rec)
	if j.kicker != nil {
		j.kicker.Stop(rideID)
	}
	return true, nil
}

func (j *Janitor) sweepPendingOffers(ctx context.Context, now time.Time, rep *Report) {
	list, err := j.store.ListPendingOffers(ctx)
	if err != nil {
		j.fail(rep, "list pending offers", "error", err)
		return
	}
	for _, o := range list {
		to, err := j.settleOffer(ctx, o.RideID, o.DriverID, now)
		if err != nil {
			j.fail(rep, "settle offer", "ride_id", o.RideID, "driver_id", o.DriverID, "error", err)
			continue
		}
		switch to {
		case models.OfferTakenByOther:
			rep.Superseded++
		case models.OfferCancelled:
			rep.OrphanedOffers++
		case models.OfferExpired:
			rep.ExpiredOffers++
		}
	}
}

// settleOffer finalizes one pending offer if its ride moved on or its TTL
// lapsed. It returns the status written, or "" when nothing changed.
func (j *Janitor) settleOffer(ctx context.Context, rideID, driverID string, now time.Time) (models.OfferStatus, error) {
	var to models.OfferStatus
	err := j.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		to = ""
		ride, err := tx.Ride(ctx, rideID)
		if err != nil {
			return err
		}
		o, err := tx.Offer(ctx, rideID, driverID)
		if err != nil {
			return err
		}
		if o.Status != models.OfferPending {
			return nil
		}
		switch {
		case ride.Status.Assigned() && ride.DriverID != driverID:
			to = models.OfferTakenByOther
		case ride.Status.Terminal():
			to = models.OfferCancelled
		case o.Lapsed(now):
			to = models.OfferExpired
		default:
			return nil
		}
		if err := offers.Settle(&o, to, now); err != nil {
			return err
		}
		return tx.PutOffer(ctx, o)
	})
	if err != nil {
		return "", err
	}
	return to, nil
}

func (j *Janitor) sweepLapsedWindows(ctx context.Context, now time.Time, rep *Report) {
	rides, err := j.store.ListRidesByStatus(ctx, models.RideOffered)
	if err != nil {
		j.fail(rep, "list offered rides", "error", err)
		return
	}
	for _, r := range rides {
		if r.OfferExpiresAt == nil || now.Before(*r.OfferExpiresAt) {
			continue
		}
		kind, err := j.closeWindow(ctx, r.ID, now)
		if err != nil {
			j.fail(rep, "close lapsed window", "ride_id", r.ID, "error", err)
			continue
		}
		switch kind {
		case models.EventRetry:
			rep.LapsedWindows++
			if j.kicker != nil {
				j.kicker.Kick(ctx, r.ID)
			}
		case models.EventCancel:
			rep.MaxAttemptsExceeded++
			if j.kicker != nil {
				j.kicker.Stop(r.ID)
			}
		}
	}
}

// closeWindow moves an offered ride whose window lapsed with no live offer
// back to dispatching, or cancels it when it is out of attempts.
func (j *Janitor) closeWindow(ctx context.Context, rideID string, now time.Time) (models.EventKind, error) {
	var (
		out models.Ride
		rec models.TimelineEvent
	)
	err := j.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		rec = models.TimelineEvent{}
		ride, err := tx.Ride(ctx, rideID)
		if err != nil {
			return err
		}
		if ride.Status != models.RideOffered || ride.OfferExpiresAt == nil || now.Before(*ride.OfferExpiresAt) {
			return nil
		}
		list, _, err := offers.ExpireLapsed(ctx, tx, rideID, now)
		if err != nil {
			return err
		}
		if len(offers.Live(list, now)) > 0 {
			return nil
		}
		ev := lifecycle.Event{Kind: models.EventRetry}
		if ride.DispatchAttempts >= j.lifecycle.Policy().MaxAttempts {
			ev = lifecycle.Event{Kind: models.EventCancel, Reason: models.ReasonMaxAttempts}
		}
		rec, err = j.lifecycle.Apply(ctx, tx, &ride, ev, models.SystemActor, now)
		if err != nil {
			return err
		}
		if ev.Kind == models.EventRetry {
			ride.NextRoundAt = models.TimePtr(now)
		}
		out = ride
		return tx.PutRide(ctx, ride)
	})
	if err != nil || rec.ID == "" {
		return "", err
	}
	j.lifecycle.Publish(ctx, out, rec)
	return rec.Kind, nil
}

func (j *Janitor) sweepGhostDrivers(ctx context.Context, now time.Time, rep *Report) {
	if j.cfg.HeartbeatTTL <= 0 {
		return
	}
	drivers, err := j.store.ListOnlineDrivers(ctx)
	if err != nil {
		j.fail(rep, "list online drivers", "error", err)
		return
	}
	for _, d := range drivers {
		if now.Sub(d.LastHeartbeatAt) <= j.cfg.HeartbeatTTL {
			continue
		}
		changed, err := j.offlineGhost(ctx, d, now)
		if err != nil {
			j.fail(rep, "offline ghost driver", "driver_id", d.ID, "error", err)
			continue
		}
		if !changed {
			continue
		}
		rep.GhostDrivers++
		observability.DriversOnline.Dec()
		if j.geo != nil {
			if err := j.geo.Remove(ctx, d.ID); err != nil {
				j.logger.Warn("geo remove ghost driver", "driver_id", d.ID, "error", err)
			}
		}
	}
}

// offlineGhost takes a silent driver offline. A driver still assigned to a
// ride in progress keeps its busy flag; a stale busy flag is cleared. The
// listed snapshot names the ride to lock ahead of the driver row.
func (j *Janitor) offlineGhost(ctx context.Context, snap models.Driver, now time.Time) (bool, error) {
	changed := false
	err := j.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		changed = false
		var ride *models.Ride
		if snap.CurrentRideID != "" {
			r, err := tx.Ride(ctx, snap.CurrentRideID)
			switch {
			case err == nil:
				ride = &r
			case !errors.Is(err, models.ErrNotFound):
				return err
			}
		}
		d, err := tx.Driver(ctx, snap.ID)
		if err != nil {
			return err
		}
		if !d.Online || now.Sub(d.LastHeartbeatAt) <= j.cfg.HeartbeatTTL {
			return nil
		}
		if d.CurrentRideID != snap.CurrentRideID {
			// Reassigned since the listing; the next pass sees the new ride.
			return nil
		}
		d.Online = false
		if d.Busy && !midRide(ride, d) {
			d.Busy = false
			d.CurrentRideID = ""
		}
		d.UpdatedAt = now
		changed = true
		return tx.PutDriver(ctx, d)
	})
	return changed, err
}

func midRide(ride *models.Ride, d models.Driver) bool {
	if ride == nil || d.CurrentRideID == "" {
		return false
	}
	return ride.Status.Assigned() && !ride.Status.Terminal() && ride.DriverID == d.ID
}
