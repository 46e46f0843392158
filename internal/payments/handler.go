package payments

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/example/ride-dispatch/internal/correlation"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// Handler applies payment notifications to rides. Each event id is applied
// at most once; the processed marker commits with the ride update.
type Handler struct {
	store     storage.Store
	lifecycle *lifecycle.Manager
	waiters   *correlation.Table[models.PaymentStatus]
	logger    *slog.Logger
}

func NewHandler(store storage.Store, lc *lifecycle.Manager, waiters *correlation.Table[models.PaymentStatus], logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: store, lifecycle: lc, waiters: waiters, logger: logger.With("component", "payments")}
}

// Handle applies ev and reports whether it changed anything. Duplicates and
// Unhandled events are acknowledged without effect.
func (h *Handler) Handle(ctx context.Context, ev Event) (bool, error) {
	kind := Kind(ev)
	if _, ok := ev.(Unhandled); ok {
		observability.PaymentEventsTotal.WithLabelValues("unhandled", "false").Inc()
		h.logger.Debug("payment event ignored", "kind", kind, "event_id", ev.Meta().EventID)
		return false, nil
	}
	meta := ev.Meta()
	now := h.lifecycle.Now()

	var (
		applied bool
		status  models.PaymentStatus
		out     models.Ride
		rec     models.TimelineEvent
	)
	err := h.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		applied, status, rec = false, "", models.TimelineEvent{}
		first, err := tx.MarkProcessed(ctx, meta.EventID)
		if err != nil || !first {
			return err
		}
		ride, err := tx.Ride(ctx, meta.RideID)
		if err != nil {
			return err
		}
		if ride.PaymentIntentID != "" && meta.IntentID != "" && ride.PaymentIntentID != meta.IntentID {
			h.logger.Warn("payment event for a different intent", "ride_id", ride.ID, "event_id", meta.EventID)
			return nil
		}

		switch e := ev.(type) {
		case AuthorizationSucceeded:
			if ride.PaymentStatus == models.PaymentNone || ride.PaymentStatus == models.PaymentPending {
				ride.PaymentStatus = models.PaymentAuthorized
			}
		case AuthorizationFailed:
			ride.PaymentStatus = models.PaymentFailed
			if ride.Status.Matching() {
				rec, err = h.lifecycle.Apply(ctx, tx, &ride, lifecycle.Event{Kind: models.EventCancel, Reason: models.ReasonPaymentFailed}, models.SystemActor, now)
				if err != nil {
					return err
				}
			} else {
				h.logger.Warn("payment failed after match", "ride_id", ride.ID, "status", ride.Status, "reason", e.Reason)
			}
		case CaptureSucceeded:
			ride.PaymentStatus = models.PaymentCaptured
		case PaymentCanceled:
			if ride.PaymentStatus != models.PaymentCaptured && ride.PaymentStatus != models.PaymentFailed {
				ride.PaymentStatus = models.PaymentReleased
			}
		}
		applied, status, out = true, ride.PaymentStatus, ride
		return tx.PutRide(ctx, ride)
	})
	if err != nil {
		return false, err
	}
	observability.PaymentEventsTotal.WithLabelValues(kind, strconv.FormatBool(applied)).Inc()
	if !applied {
		return false, nil
	}
	h.lifecycle.Publish(ctx, out, rec)
	if h.waiters != nil {
		h.waiters.Resolve(meta.RideID, status)
	}
	h.logger.Info("payment event applied", "kind", kind, "ride_id", meta.RideID, "payment_status", status)
	return true, nil
}

// SettlementHook captures the hold when a ride completes and releases it when
// a ride is cancelled. Failures are logged; the provider's own expiry of
// uncaptured holds is the backstop.
func SettlementHook(auth Authority, logger *slog.Logger) lifecycle.Hook {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "payments")
	return func(ctx context.Context, ride models.Ride, ev models.TimelineEvent) {
		if ride.PaymentIntentID == "" {
			return
		}
		switch ev.Kind {
		case models.EventComplete:
			if err := auth.Capture(ctx, ride.ID, ride.PaymentIntentID); err != nil {
				logger.Error("capture failed", "ride_id", ride.ID, "error", err)
			}
		case models.EventCancel:
			if ride.PaymentStatus != models.PaymentPending && ride.PaymentStatus != models.PaymentAuthorized {
				return
			}
			if err := auth.Release(ctx, ride.ID, ride.PaymentIntentID); err != nil {
				logger.Error("release failed", "ride_id", ride.ID, "error", err)
			}
		}
	}
}
