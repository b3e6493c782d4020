package reconciliation

import (
	"context"

	"github.com/stripe/stripe-go/v84"
)

// ProviderGateway fetches full provider objects by id. Calls are read-only and
// safe to retry.
type ProviderGateway interface {
	FetchCheckoutSession(ctx context.Context, id string) (*stripe.CheckoutSession, error)
	FetchSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
}
