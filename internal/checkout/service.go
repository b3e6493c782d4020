// Package checkout starts hosted checkout and customer portal sessions for an
// org. Neither call writes billing state; the reconciliation router picks the
// purchase up from the redirect or the webhook.
package checkout

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"

	"github.com/angelmondragon/estimator-billing/pkg/db/models"
	pkgerrors "github.com/angelmondragon/estimator-billing/pkg/errors"
	"github.com/angelmondragon/estimator-billing/pkg/logger"
)

// idempotencyVersion is folded into every checkout key. Bump it when the
// session parameters change shape so old keys stop colliding.
const idempotencyVersion = "v1"

// SessionGateway creates provider-hosted sessions.
type SessionGateway interface {
	CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	CreatePortalSession(ctx context.Context, params *stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error)
}

// SubscriptionReader loads the org's subscription row, nil when it has none.
type SubscriptionReader interface {
	FindSubscriptionByOrg(ctx context.Context, orgID uuid.UUID, forUpdate bool) (*models.Subscription, error)
}

// CustomerReader loads the billing customer the org owns, nil when it has none.
type CustomerReader interface {
	FindByOrgID(ctx context.Context, orgID uuid.UUID) (*models.BillingCustomer, error)
}

// OrgReader loads an org by id, nil when it does not exist.
type OrgReader interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.Org, error)
}

// PriceCatalog reports whether a price id belongs to a sellable tier.
type PriceCatalog interface {
	Known(priceID string) bool
}

type ServiceParams struct {
	Gateway       SessionGateway
	Subscriptions SubscriptionReader
	Customers     CustomerReader
	Orgs          OrgReader
	Prices        PriceCatalog
	BaseURL       string
	TrialDays     int
	AutomaticTax  bool
	Logger        *logger.Logger
}

// Session is the hosted page the caller should be sent to.
type Session struct {
	ID  string `json:"id,omitempty"`
	URL string `json:"url"`
}

type Service struct {
	gateway      SessionGateway
	subs         SubscriptionReader
	customers    CustomerReader
	orgs         OrgReader
	prices       PriceCatalog
	baseURL      string
	trialDays    int
	automaticTax bool
	logg         *logger.Logger
}

func NewService(params ServiceParams) (*Service, error) {
	switch {
	case params.Gateway == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "session gateway required")
	case params.Subscriptions == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "subscription reader required")
	case params.Customers == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "customer reader required")
	case params.Orgs == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "org reader required")
	case params.Prices == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "price catalog required")
	case strings.TrimSpace(params.BaseURL) == "":
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "app base url required")
	}
	return &Service{
		gateway:      params.Gateway,
		subs:         params.Subscriptions,
		customers:    params.Customers,
		orgs:         params.Orgs,
		prices:       params.Prices,
		baseURL:      strings.TrimRight(strings.TrimSpace(params.BaseURL), "/"),
		trialDays:    params.TrialDays,
		automaticTax: params.AutomaticTax,
		logg:         params.Logger,
	}, nil
}

// StartCheckout opens a subscription-mode checkout for priceID. An org whose
// subscription is already active or trialing is refused so it cannot buy twice.
func (s *Service) StartCheckout(ctx context.Context, orgID uuid.UUID, priceID string) (Session, error) {
	if orgID == uuid.Nil {
		return Session{}, pkgerrors.New(pkgerrors.CodeUnauthorized, "org context required")
	}
	priceID = strings.TrimSpace(priceID)
	if priceID == "" {
		return Session{}, pkgerrors.New(pkgerrors.CodeValidation, "price_id is required").
			WithDetails(map[string]any{"field": "price_id"})
	}
	if !s.prices.Known(priceID) {
		return Session{}, pkgerrors.New(pkgerrors.CodeValidation, "price_id is not a sellable plan").
			WithDetails(map[string]any{"field": "price_id"})
	}

	org, err := s.orgs.FindByID(ctx, orgID)
	if err != nil {
		return Session{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load org")
	}
	if org == nil {
		return Session{}, pkgerrors.New(pkgerrors.CodeNotFound, "org not found")
	}

	sub, err := s.subs.FindSubscriptionByOrg(ctx, orgID, false)
	if err != nil {
		return Session{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load subscription")
	}
	if sub != nil && sub.Status.IsActive() {
		return Session{}, pkgerrors.New(pkgerrors.CodeConflict, "subscription already active").
			WithDetails(map[string]any{"status": sub.Status.String()})
	}

	customer, err := s.customers.FindByOrgID(ctx, orgID)
	if err != nil {
		return Session{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load billing customer")
	}
	customerID := ""
	if customer != nil {
		customerID = customer.ExternalCustomerID
	}

	params := s.checkoutParams(org, priceID, customerID)
	cs, err := s.gateway.CreateCheckoutSession(ctx, params)
	if err != nil {
		return Session{}, err
	}
	if cs == nil || cs.URL == "" {
		return Session{}, pkgerrors.New(pkgerrors.CodeDependency, "could not create checkout session")
	}

	if s.logg != nil {
		ctx = s.logg.WithFields(ctx, map[string]any{
			"org_id":              orgID.String(),
			"price_id":            priceID,
			"checkout_session_id": cs.ID,
		})
		s.logg.Info(ctx, "checkout session created")
	}
	return Session{ID: cs.ID, URL: cs.URL}, nil
}

// OpenPortal opens the customer portal for the org's billing customer.
func (s *Service) OpenPortal(ctx context.Context, orgID uuid.UUID) (Session, error) {
	if orgID == uuid.Nil {
		return Session{}, pkgerrors.New(pkgerrors.CodeUnauthorized, "org context required")
	}
	customer, err := s.customers.FindByOrgID(ctx, orgID)
	if err != nil {
		return Session{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load billing customer")
	}
	if customer == nil {
		return Session{}, pkgerrors.New(pkgerrors.CodeNotFound, "no billing profile for this organization")
	}

	portal, err := s.gateway.CreatePortalSession(ctx, &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customer.ExternalCustomerID),
		ReturnURL: stripe.String(s.baseURL + "/billing"),
	})
	if err != nil {
		return Session{}, err
	}
	if portal == nil || portal.URL == "" {
		return Session{}, pkgerrors.New(pkgerrors.CodeDependency, "could not create portal session")
	}
	return Session{ID: portal.ID, URL: portal.URL}, nil
}

func (s *Service) checkoutParams(org *models.Org, priceID, customerID string) *stripe.CheckoutSessionParams {
	orgRef := org.ID.String()
	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(priceID), Quantity: stripe.Int64(1)},
		},
		SuccessURL:               stripe.String(s.baseURL + "/billing/success?session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:                stripe.String(s.baseURL + "/billing/cancelled"),
		ClientReferenceID:        stripe.String(orgRef),
		BillingAddressCollection: stripe.String(string(stripe.CheckoutSessionBillingAddressCollectionRequired)),
		AutomaticTax:             &stripe.CheckoutSessionAutomaticTaxParams{Enabled: stripe.Bool(s.automaticTax)},
		Metadata:                 map[string]string{"org_id": orgRef},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{"org_id": orgRef},
		},
	}
	if s.trialDays > 0 {
		params.SubscriptionData.TrialPeriodDays = stripe.Int64(int64(s.trialDays))
	}
	if customerID != "" {
		params.Customer = stripe.String(customerID)
	}
	params.SetIdempotencyKey(idempotencyKey(orgRef, priceID, customerID, *params.SuccessURL, *params.CancelURL,
		strconv.Itoa(s.trialDays), strconv.FormatBool(s.automaticTax)))
	return params
}

// idempotencyKey hashes every parameter that shapes the session, so a retried
// request reuses the session and a changed request gets a new one.
func idempotencyKey(parts ...string) string {
	sum := sha256.Sum256([]byte(idempotencyVersion + "|" + strings.Join(parts, "|")))
	return "checkout:" + hex.EncodeToString(sum[:])[:32]
}
