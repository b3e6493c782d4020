package subscriptions

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v84"
	portalsession "github.com/stripe/stripe-go/v84/billingportal/session"
	"github.com/stripe/stripe-go/v84/checkout/session"
	"github.com/stripe/stripe-go/v84/subscription"

	pkgerrors "github.com/angelmondragon/estimator-billing/pkg/errors"
	pkgstripe "github.com/angelmondragon/estimator-billing/pkg/stripe"
)

// StripeGateway reads checkout sessions and subscriptions from Stripe and
// creates hosted checkout and portal sessions. Each call is bounded by the
// client's fetch timeout.
type StripeGateway struct {
	timeout time.Duration
}

// NewStripeGateway wraps the configured Stripe client.
func NewStripeGateway(api *pkgstripe.Client) *StripeGateway {
	if api == nil {
		return nil
	}
	return &StripeGateway{timeout: api.FetchTimeout()}
}

// FetchCheckoutSession retrieves a checkout session with its subscription expanded.
func (g *StripeGateway) FetchCheckoutSession(ctx context.Context, id string) (*stripe.CheckoutSession, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "checkout session id is required")
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	params.AddExpand("subscription")
	params.AddExpand("customer")
	cs, err := session.Get(id, params)
	if err != nil {
		return nil, classify(err, "fetch stripe checkout session")
	}
	return cs, nil
}

// FetchSubscription retrieves a subscription with item prices and products expanded.
func (g *StripeGateway) FetchSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "subscription id is required")
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	params.AddExpand("items.data.price.product")
	sub, err := subscription.Get(id, params)
	if err != nil {
		return nil, classify(err, "fetch stripe subscription")
	}
	return sub, nil
}

// CreateCheckoutSession creates a hosted checkout session. The caller owns the
// idempotency key on params.
func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	if params == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "checkout session params are required")
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params.Context = ctx
	cs, err := session.New(params)
	if err != nil {
		return nil, classify(err, "create stripe checkout session")
	}
	return cs, nil
}

// CreatePortalSession creates a customer portal session.
func (g *StripeGateway) CreatePortalSession(ctx context.Context, params *stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error) {
	if params == nil || params.Customer == nil || strings.TrimSpace(*params.Customer) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "portal customer is required")
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params.Context = ctx
	ps, err := portalsession.New(params)
	if err != nil {
		return nil, classify(err, "create stripe portal session")
	}
	return ps, nil
}

// classify maps a Stripe 404 to NotFound and every other failure to a
// retryable dependency error.
func classify(err error, msg string) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == http.StatusNotFound {
		return pkgerrors.Wrap(pkgerrors.CodeNotFound, err, msg)
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, msg)
}
