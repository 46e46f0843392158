// Package payments places, captures and releases ride payment holds and
// applies the payment provider's asynchronous notifications to rides.
package payments

import (
	"context"
	"strings"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"

	"github.com/example/ride-dispatch/internal/models"
)

// Authority is the external payment system. A hold's outcome arrives later
// as a webhook notification.
type Authority interface {
	Hold(ctx context.Context, ride models.Ride) (intentID string, err error)
	Capture(ctx context.Context, rideID, intentID string) error
	Release(ctx context.Context, rideID, intentID string) error
}

// StripeAuthority implements Authority with manual-capture PaymentIntents.
type StripeAuthority struct {
	client paymentintent.Client
}

func NewStripeAuthority(apiKey string) *StripeAuthority {
	return NewStripeAuthorityWithBackend(apiKey, stripe.GetBackend(stripe.APIBackend))
}

func NewStripeAuthorityWithBackend(apiKey string, backend stripe.Backend) *StripeAuthority {
	return &StripeAuthority{client: paymentintent.Client{B: backend, Key: apiKey}}
}

// Hold creates a PaymentIntent with capture_method=manual to hold funds.
// The ride id is carried in metadata so notifications can be routed back.
func (s *StripeAuthority) Hold(ctx context.Context, ride models.Ride) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(ride.Price.Amount),
		Currency: stripe.String(strings.ToLower(ride.Price.Currency)),
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	params.AddMetadata("ride_id", ride.ID)
	params.AddMetadata("rider_id", ride.RiderID)
	params.SetIdempotencyKey("hold-" + ride.ID)
	params.Context = ctx
	pi, err := s.client.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture finalizes a previously-held PaymentIntent.
func (s *StripeAuthority) Capture(ctx context.Context, rideID, intentID string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.SetIdempotencyKey("capture-" + rideID)
	params.Context = ctx
	_, err := s.client.Capture(intentID, params)
	return err
}

// Release cancels the hold on a PaymentIntent.
func (s *StripeAuthority) Release(ctx context.Context, rideID, intentID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.SetIdempotencyKey("release-" + rideID)
	params.Context = ctx
	_, err := s.client.Cancel(intentID, params)
	return err
}
