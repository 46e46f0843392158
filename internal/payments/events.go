package payments

import (
	"encoding/json"
	"fmt"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/webhook"

	"github.com/example/ride-dispatch/internal/models"
)

// Event is a decoded payment notification. The set of implementations is
// closed: AuthorizationSucceeded, AuthorizationFailed, CaptureSucceeded,
// PaymentCanceled and Unhandled.
type Event interface {
	Meta() Envelope
	paymentEvent()
}

// Envelope carries the fields every notification has.
type Envelope struct {
	EventID  string
	RideID   string
	IntentID string
}

func (e Envelope) Meta() Envelope { return e }
func (Envelope) paymentEvent() {}

type AuthorizationSucceeded struct{ Envelope }

type AuthorizationFailed struct {
	Envelope
	Reason string
}

type CaptureSucceeded struct{ Envelope }

type PaymentCanceled struct{ Envelope }

// Unhandled is any notification the system does not act on.
type Unhandled struct {
	Envelope
	Type string
}

// Kind names an event for logs and metrics.
func Kind(ev Event) string {
	switch e := ev.(type) {
	case AuthorizationSucceeded:
		return "authorization_succeeded"
	case AuthorizationFailed:
		return "authorization_failed"
	case CaptureSucceeded:
		return "capture_succeeded"
	case PaymentCanceled:
		return "payment_canceled"
	case Unhandled:
		return "unhandled:" + e.Type
	}
	return "unknown"
}

// Decode verifies the webhook signature header and decodes the payload.
// A bad signature is ErrUnauthenticated.
func Decode(payload []byte, sigHeader, secret string) (Event, error) {
	ev, err := webhook.ConstructEvent(payload, sigHeader, secret)
	if err != nil {
		return nil, fmt.Errorf("verify payment webhook: %v: %w", err, models.ErrUnauthenticated)
	}
	return FromStripe(ev)
}

// FromStripe maps a Stripe event to Event. PaymentIntent events without a
// ride_id in metadata are Unhandled.
func FromStripe(ev stripe.Event) (Event, error) {
	typ := string(ev.Type)
	env := Envelope{EventID: ev.ID}
	switch typ {
	case "payment_intent.amount_capturable_updated",
		"payment_intent.payment_failed",
		"payment_intent.succeeded",
		"payment_intent.canceled":
	default:
		return Unhandled{Envelope: env, Type: typ}, nil
	}
	if ev.Data == nil {
		return nil, fmt.Errorf("payment event %s has no data: %w", ev.ID, models.ErrInvalidArgument)
	}
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
		return nil, fmt.Errorf("decode payment intent in %s: %v: %w", ev.ID, err, models.ErrInvalidArgument)
	}
	env.IntentID = pi.ID
	env.RideID = pi.Metadata["ride_id"]
	if env.RideID == "" {
		return Unhandled{Envelope: env, Type: typ}, nil
	}
	switch typ {
	case "payment_intent.amount_capturable_updated":
		return AuthorizationSucceeded{env}, nil
	case "payment_intent.payment_failed":
		reason := "payment failed"
		if pi.LastPaymentError != nil && pi.LastPaymentError.Msg != "" {
			reason = pi.LastPaymentError.Msg
		}
		return AuthorizationFailed{Envelope: env, Reason: reason}, nil
	case "payment_intent.succeeded":
		return CaptureSucceeded{env}, nil
	default:
		return PaymentCanceled{env}, nil
	}
}
