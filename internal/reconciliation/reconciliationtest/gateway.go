// Package reconciliationtest provides an in-memory provider gateway and Stripe
// object builders for tests that drive the reconciliation router.
package reconciliationtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"

	pkgerrors "github.com/angelmondragon/estimator-billing/pkg/errors"
)

// Gateway serves checkout sessions and subscriptions from maps and records
// the hosted sessions it is asked to create.
type Gateway struct {
	mu              sync.Mutex
	sessions        map[string]*stripe.CheckoutSession
	subscriptions   map[string]*stripe.Subscription
	failWith        error
	calls           []string
	checkoutCreates []*stripe.CheckoutSessionParams
	portalCreates   []*stripe.BillingPortalSessionParams
}

func NewGateway() *Gateway {
	return &Gateway{
		sessions:      map[string]*stripe.CheckoutSession{},
		subscriptions: map[string]*stripe.Subscription{},
	}
}

func (g *Gateway) PutSession(cs *stripe.CheckoutSession) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessions[cs.ID] = cs
}

func (g *Gateway) PutSubscription(sub *stripe.Subscription) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.subscriptions[sub.ID] = sub
}

// FailWith makes every fetch return err until reset with nil.
func (g *Gateway) FailWith(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failWith = err
}

// Calls returns the provider calls made so far as "session:<id>",
// "subscription:<id>", "create_checkout" or "create_portal".
func (g *Gateway) Calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

func (g *Gateway) FetchCheckoutSession(_ context.Context, id string) (*stripe.CheckoutSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, "session:"+id)
	if g.failWith != nil {
		return nil, g.failWith
	}
	cs, ok := g.sessions[id]
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, fmt.Sprintf("checkout session %s not found", id))
	}
	return cs, nil
}

func (g *Gateway) FetchSubscription(_ context.Context, id string) (*stripe.Subscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, "subscription:"+id)
	if g.failWith != nil {
		return nil, g.failWith
	}
	sub, ok := g.subscriptions[id]
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, fmt.Sprintf("subscription %s not found", id))
	}
	return sub, nil
}

// CheckoutCreates returns the params of every checkout session created.
func (g *Gateway) CheckoutCreates() []*stripe.CheckoutSessionParams {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*stripe.CheckoutSessionParams(nil), g.checkoutCreates...)
}

// PortalCreates returns the params of every portal session created.
func (g *Gateway) PortalCreates() []*stripe.BillingPortalSessionParams {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*stripe.BillingPortalSessionParams(nil), g.portalCreates...)
}

// CreateCheckoutSession returns a session numbered by creation order. A
// repeated idempotency key returns the session created first for it.
func (g *Gateway) CreateCheckoutSession(_ context.Context, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, "create_checkout")
	if g.failWith != nil {
		return nil, g.failWith
	}
	for i, prev := range g.checkoutCreates {
		if prev.IdempotencyKey != nil && params.IdempotencyKey != nil && *prev.IdempotencyKey == *params.IdempotencyKey {
			return hostedCheckout(i + 1), nil
		}
	}
	g.checkoutCreates = append(g.checkoutCreates, params)
	return hostedCheckout(len(g.checkoutCreates)), nil
}

func (g *Gateway) CreatePortalSession(_ context.Context, params *stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, "create_portal")
	if g.failWith != nil {
		return nil, g.failWith
	}
	g.portalCreates = append(g.portalCreates, params)
	n := len(g.portalCreates)
	return &stripe.BillingPortalSession{
		ID:  fmt.Sprintf("bps_%d", n),
		URL: fmt.Sprintf("https://billing.stripe.test/p/session/bps_%d", n),
	}, nil
}

func hostedCheckout(n int) *stripe.CheckoutSession {
	id := fmt.Sprintf("cs_created_%d", n)
	return &stripe.CheckoutSession{ID: id, URL: "https://checkout.stripe.test/c/pay/" + id}
}

// Subscription builds a single-item subscription. A nil orgID leaves metadata empty.
func Subscription(id, customerID, priceID string, status stripe.SubscriptionStatus, orgID uuid.UUID) *stripe.Subscription {
	sub := &stripe.Subscription{
		ID:       id,
		Status:   status,
		Customer: &stripe.Customer{ID: customerID},
		Metadata: map[string]string{},
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{{
				Quantity:         1,
				CurrentPeriodEnd: 1_900_000_000,
				Price: &stripe.Price{
					ID:      priceID,
					Product: &stripe.Product{ID: "prod_estimator"},
				},
			}},
		},
	}
	if orgID != uuid.Nil {
		sub.Metadata["org_id"] = orgID.String()
	}
	return sub
}

// CheckoutSession builds a completed subscription-mode session.
func CheckoutSession(id, subscriptionID, customerID string, orgID uuid.UUID) *stripe.CheckoutSession {
	cs := &stripe.CheckoutSession{
		ID:       id,
		Mode:     stripe.CheckoutSessionModeSubscription,
		Status:   stripe.CheckoutSessionStatusComplete,
		Customer: &stripe.Customer{ID: customerID},
		Metadata: map[string]string{},
		CustomerDetails: &stripe.CheckoutSessionCustomerDetails{
			Email: "billing@acme.test",
		},
	}
	if subscriptionID != "" {
		cs.Subscription = &stripe.Subscription{ID: subscriptionID}
	}
	if orgID != uuid.Nil {
		cs.Metadata["org_id"] = orgID.String()
		cs.ClientReferenceID = orgID.String()
	}
	return cs
}
