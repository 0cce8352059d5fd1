package payments

import (
	"context"
	"errors"
	"strings"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// ErrNotConfigured is returned when no API key was supplied.
var ErrNotConfigured = errors.New("payments: stripe key not configured")

// StripeClient places manual-capture PaymentIntents for accepted offers.
type StripeClient struct {
	enabled bool
}

// NewStripeClient sets the process-wide stripe key. An empty key yields a
// client whose calls fail with ErrNotConfigured.
func NewStripeClient(apiKey string) *StripeClient {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey != "" {
		stripe.Key = apiKey
	}
	return &StripeClient{enabled: apiKey != ""}
}

func (s *StripeClient) Enabled() bool { return s.enabled }

// Hold authorizes amount (minor units) without capturing it. reference is
// the offer id; it is stored as metadata and used as the idempotency key so
// a retried acceptance never holds twice.
func (s *StripeClient) Hold(ctx context.Context, amount int64, currency, reference string) (string, error) {
	if !s.enabled {
		return "", ErrNotConfigured
	}
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(amount),
		Currency:      stripe.String(strings.ToLower(currency)),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		Description:   stripe.String("roadside assistance offer " + reference),
	}
	params.Context = ctx
	params.AddMetadata("offer_id", reference)
	params.SetIdempotencyKey("hold-" + reference)
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}
