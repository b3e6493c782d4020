package reconciliation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"
	"gorm.io/gorm"

	"github.com/angelmondragon/estimator-billing/internal/billing"
	"github.com/angelmondragon/estimator-billing/internal/customers"
	"github.com/angelmondragon/estimator-billing/internal/orgs"
	"github.com/angelmondragon/estimator-billing/internal/subscriptions"
	"github.com/angelmondragon/estimator-billing/pkg/db/models"
	"github.com/angelmondragon/estimator-billing/pkg/enums"
	pkgerrors "github.com/angelmondragon/estimator-billing/pkg/errors"
	"github.com/angelmondragon/estimator-billing/pkg/logger"
	"github.com/angelmondragon/estimator-billing/pkg/metrics"
)

// ErrOrgUnresolved is the message recorded when no org can be tied to a provider object.
const ErrOrgUnresolved = "org_unresolved"

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Result reports what the router did with one event or redirect.
type Result struct {
	Ignored      bool
	Reason       string
	OrgID        uuid.UUID
	Subscription *models.Subscription
	Created      bool
	Changed      bool
}

type RouterParams struct {
	TransactionRunner txRunner
	Orgs              orgs.Repository
	Customers         *customers.Directory
	Subscriptions     billing.Repository
	Reconciler        *subscriptions.Reconciler
	Gateway           ProviderGateway
	Logger            *logger.Logger
	Metrics           *metrics.BillingMetrics
}

// Router turns provider events and checkout redirects into subscription
// reconciliations. Each event family has its own fetch rules.
type Router struct {
	tx         txRunner
	orgs       orgs.Repository
	customers  *customers.Directory
	subs       billing.Repository
	reconciler *subscriptions.Reconciler
	gateway    ProviderGateway
	logg       *logger.Logger
	metrics    *metrics.BillingMetrics
}

func NewRouter(params RouterParams) (*Router, error) {
	switch {
	case params.TransactionRunner == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction runner required")
	case params.Orgs == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "org repository required")
	case params.Customers == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "customer directory required")
	case params.Subscriptions == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "subscription repository required")
	case params.Reconciler == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "subscription reconciler required")
	case params.Gateway == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "provider gateway required")
	}
	return &Router{
		tx:         params.TransactionRunner,
		orgs:       params.Orgs,
		customers:  params.Customers,
		subs:       params.Subscriptions,
		reconciler: params.Reconciler,
		gateway:    params.Gateway,
		logg:       params.Logger,
		metrics:    params.Metrics,
	}, nil
}

// orgHints carries unverified org references in resolution order.
type orgHints struct {
	refs  []string
	email string
}

// HandleEvent routes a verified provider event. Unrecognized types come back
// Ignored with no error.
func (r *Router) HandleEvent(ctx context.Context, flow enums.ReconcileFlow, event stripe.Event) (Result, error) {
	ctx = r.withFlow(ctx, flow)
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return r.finish(ctx, flow, Result{}, pkgerrors.New(pkgerrors.CodeValidation, "event carries no data object"))
	}

	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted:
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
			return r.finish(ctx, flow, Result{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode checkout session"))
		}
		if cs.Subscription == nil || strings.TrimSpace(cs.Subscription.ID) == "" {
			return r.finish(ctx, flow, Result{Ignored: true, Reason: "checkout session has no subscription"}, nil)
		}
		res, err := r.applyCheckout(ctx, flow, &cs)
		return r.finish(ctx, flow, res, err)

	case stripe.EventTypeCustomerSubscriptionCreated,
		stripe.EventTypeCustomerSubscriptionUpdated,
		stripe.EventTypeCustomerSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return r.finish(ctx, flow, Result{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode subscription"))
		}
		res, err := r.apply(ctx, flow, &sub, orgHints{refs: []string{sub.Metadata[subscriptions.MetadataOrgKey]}})
		return r.finish(ctx, flow, res, err)

	case stripe.EventTypeInvoicePaid, stripe.EventTypeInvoicePaymentFailed:
		inv, err := parseInvoice(event.Data.Raw)
		if err != nil {
			return r.finish(ctx, flow, Result{}, err)
		}
		subID := inv.subscriptionID()
		if subID == "" {
			return r.finish(ctx, flow, Result{Ignored: true, Reason: "invoice has no subscription"}, nil)
		}
		sub, err := r.gateway.FetchSubscription(ctx, subID)
		if err != nil {
			return r.finish(ctx, flow, Result{}, err)
		}
		hints := orgHints{}
		if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
			hints.refs = append(hints.refs, inv.Parent.SubscriptionDetails.Metadata[subscriptions.MetadataOrgKey])
		}
		hints.refs = append(hints.refs, sub.Metadata[subscriptions.MetadataOrgKey])
		res, err := r.apply(ctx, flow, sub, hints)
		return r.finish(ctx, flow, res, err)
	}

	return r.finish(ctx, flow, Result{Ignored: true, Reason: "unhandled event type " + string(event.Type)}, nil)
}

// CompleteCheckout runs the checkout-completed branch for a browser landing
// back from the hosted checkout page. The session must belong to expectedOrg.
func (r *Router) CompleteCheckout(ctx context.Context, sessionID string, expectedOrg uuid.UUID) (Result, error) {
	flow := enums.ReconcileFlowRedirect
	ctx = r.withFlow(ctx, flow)
	if expectedOrg == uuid.Nil {
		return r.finish(ctx, flow, Result{}, pkgerrors.New(pkgerrors.CodeUnauthorized, "org context required"))
	}

	cs, err := r.gateway.FetchCheckoutSession(ctx, sessionID)
	if err != nil {
		return r.finish(ctx, flow, Result{}, err)
	}
	if cs.Subscription == nil || strings.TrimSpace(cs.Subscription.ID) == "" {
		return r.finish(ctx, flow, Result{}, pkgerrors.New(pkgerrors.CodeStateConflict, "checkout session has no subscription").
			WithDetails(map[string]any{"session_id": cs.ID, "status": string(cs.Status)}))
	}

	sub, err := r.gateway.FetchSubscription(ctx, cs.Subscription.ID)
	if err != nil {
		return r.finish(ctx, flow, Result{}, err)
	}
	snap, err := subscriptions.SnapshotFromStripe(sub)
	if err != nil {
		return r.finish(ctx, flow, Result{}, err)
	}
	hints := checkoutHints(cs, sub)
	orgID, err := r.resolveOrg(ctx, hints, snap)
	if err != nil && !pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
		return r.finish(ctx, flow, Result{}, err)
	}
	if orgID != expectedOrg {
		return r.finish(ctx, flow, Result{}, pkgerrors.New(pkgerrors.CodeForbidden, "checkout session belongs to a different org"))
	}

	res, err := r.reconcile(ctx, orgID, snap, hints.email, sub)
	return r.finish(ctx, flow, res, err)
}

// ResyncSubscription re-fetches a subscription from the provider and feeds it
// through the reconciler.
func (r *Router) ResyncSubscription(ctx context.Context, externalSubscriptionID string) (Result, error) {
	flow := enums.ReconcileFlowResync
	ctx = r.withFlow(ctx, flow)
	sub, err := r.gateway.FetchSubscription(ctx, externalSubscriptionID)
	if err != nil {
		return r.finish(ctx, flow, Result{}, err)
	}
	res, err := r.apply(ctx, flow, sub, orgHints{refs: []string{sub.Metadata[subscriptions.MetadataOrgKey]}})
	return r.finish(ctx, flow, res, err)
}

func (r *Router) applyCheckout(ctx context.Context, flow enums.ReconcileFlow, cs *stripe.CheckoutSession) (Result, error) {
	sub, err := r.gateway.FetchSubscription(ctx, cs.Subscription.ID)
	if err != nil {
		return Result{}, err
	}
	return r.apply(ctx, flow, sub, checkoutHints(cs, sub))
}

func (r *Router) apply(ctx context.Context, flow enums.ReconcileFlow, sub *stripe.Subscription, hints orgHints) (Result, error) {
	snap, err := subscriptions.SnapshotFromStripe(sub)
	if err != nil {
		return Result{}, err
	}
	orgID, err := r.resolveOrg(ctx, hints, snap)
	if err != nil {
		return Result{}, err
	}
	return r.reconcile(ctx, orgID, snap, hints.email, sub)
}

// reconcile writes the customer mapping and the subscription row in one
// transaction. A live subscription moves the org onto its customer; a retired
// one never displaces the org's current customer and only updates the
// subscription row.
func (r *Router) reconcile(ctx context.Context, orgID uuid.UUID, snap subscriptions.Snapshot, email string, sub *stripe.Subscription) (Result, error) {
	ctx = r.withOrg(ctx, orgID)

	input := customers.UpsertInput{
		OrgID:              orgID,
		ExternalCustomerID: snap.ExternalCustomerID,
		Rebind:             !snap.Status.IsRetired(),
	}
	if email == "" && sub.Customer != nil {
		email = sub.Customer.Email
	}
	if email = strings.TrimSpace(email); email != "" {
		input.BillingEmail = &email
	}
	if sub.DefaultPaymentMethod != nil && sub.DefaultPaymentMethod.ID != "" {
		pm := sub.DefaultPaymentMethod.ID
		input.DefaultPaymentMethod = &pm
	}

	var out subscriptions.Result
	err := r.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if input.ExternalCustomerID != "" {
			_, err := r.customers.WithTx(tx).Upsert(ctx, input)
			if err != nil && !errors.Is(err, customers.ErrOrgHasOtherCustomer) {
				return err
			}
		}
		var err error
		out, err = r.reconciler.ReconcileTx(ctx, tx, orgID, snap)
		return err
	})
	if err != nil {
		return Result{OrgID: orgID}, err
	}
	return Result{
		OrgID:        orgID,
		Subscription: out.Subscription,
		Created:      out.Created,
		Changed:      out.Changed,
	}, nil
}

// resolveOrg walks metadata refs, then the stored subscription, then the stored
// customer. The returned org is known to exist.
func (r *Router) resolveOrg(ctx context.Context, hints orgHints, snap subscriptions.Snapshot) (uuid.UUID, error) {
	orgID, err := r.lookupOrg(ctx, hints, snap)
	if err != nil {
		return uuid.Nil, err
	}
	if orgID == uuid.Nil {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeNotFound, ErrOrgUnresolved).
			WithDetails(map[string]any{"external_subscription_id": snap.ExternalSubscriptionID})
	}

	exists, err := r.orgs.Exists(ctx, orgID)
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check org")
	}
	if !exists {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeNotFound, "org not found").
			WithDetails(map[string]any{"org_id": orgID.String()})
	}
	return orgID, nil
}

func (r *Router) lookupOrg(ctx context.Context, hints orgHints, snap subscriptions.Snapshot) (uuid.UUID, error) {
	for _, ref := range hints.refs {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			continue
		}
		id, err := uuid.Parse(ref)
		if err != nil {
			return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, fmt.Sprintf("org reference %q is not a valid id", ref))
		}
		return id, nil
	}

	existing, err := r.subs.FindSubscriptionByExternalID(ctx, snap.ExternalSubscriptionID)
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load subscription by external id")
	}
	if existing != nil {
		return existing.OrgID, nil
	}

	if snap.ExternalCustomerID == "" {
		return uuid.Nil, nil
	}
	customer, err := r.customers.FindByExternalID(ctx, snap.ExternalCustomerID)
	if err != nil {
		return uuid.Nil, err
	}
	if customer != nil && customer.OrgID != nil {
		return *customer.OrgID, nil
	}
	return uuid.Nil, nil
}

func checkoutHints(cs *stripe.CheckoutSession, sub *stripe.Subscription) orgHints {
	hints := orgHints{refs: []string{
		cs.Metadata[subscriptions.MetadataOrgKey],
		sub.Metadata[subscriptions.MetadataOrgKey],
		cs.ClientReferenceID,
	}}
	switch {
	case cs.CustomerDetails != nil && cs.CustomerDetails.Email != "":
		hints.email = cs.CustomerDetails.Email
	case cs.CustomerEmail != "":
		hints.email = cs.CustomerEmail
	}
	return hints
}

func (r *Router) finish(ctx context.Context, flow enums.ReconcileFlow, res Result, err error) (Result, error) {
	switch {
	case err != nil:
		r.metrics.IncReconcile(flow.String(), "error")
		if r.logg != nil {
			r.logg.Warn(r.logg.WithField(ctx, "error", err.Error()), "reconciliation failed")
		}
	case res.Ignored:
		r.metrics.IncReconcile(flow.String(), "ignored")
		if r.logg != nil {
			r.logg.Info(r.logg.WithField(ctx, "reason", res.Reason), "event ignored")
		}
	case res.Created:
		r.metrics.IncReconcile(flow.String(), "created")
	case res.Changed:
		r.metrics.IncReconcile(flow.String(), "changed")
	default:
		r.metrics.IncReconcile(flow.String(), "unchanged")
	}
	return res, err
}

func (r *Router) withFlow(ctx context.Context, flow enums.ReconcileFlow) context.Context {
	if r.logg == nil {
		return ctx
	}
	return r.logg.WithFlow(ctx, flow.String())
}

func (r *Router) withOrg(ctx context.Context, orgID uuid.UUID) context.Context {
	if r.logg == nil {
		return ctx
	}
	return r.logg.WithOrgID(ctx, orgID.String())
}
