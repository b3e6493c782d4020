// Package bootstrap assembles the billing object graph shared by the binaries.
package bootstrap

import (
	"fmt"

	"github.com/angelmondragon/estimator-billing/internal/billing"
	"github.com/angelmondragon/estimator-billing/internal/checkout"
	"github.com/angelmondragon/estimator-billing/internal/customers"
	"github.com/angelmondragon/estimator-billing/internal/entitlements"
	"github.com/angelmondragon/estimator-billing/internal/ledger"
	"github.com/angelmondragon/estimator-billing/internal/orgs"
	"github.com/angelmondragon/estimator-billing/internal/reconciliation"
	"github.com/angelmondragon/estimator-billing/internal/subscriptions"
	stripewebhook "github.com/angelmondragon/estimator-billing/internal/webhooks/stripe"
	"github.com/angelmondragon/estimator-billing/pkg/config"
	"github.com/angelmondragon/estimator-billing/pkg/db"
	"github.com/angelmondragon/estimator-billing/pkg/logger"
	"github.com/angelmondragon/estimator-billing/pkg/metrics"
)

// BillingParams are the long-lived dependencies every binary already owns.
type BillingParams struct {
	Config  *config.Config
	DB      *db.Client
	Gateway reconciliation.ProviderGateway
	// Sessions is only set by binaries that start checkouts. It requires
	// the app base url for the hosted page redirects.
	Sessions checkout.SessionGateway
	Logger   *logger.Logger
	Metrics  *metrics.BillingMetrics
}

// Billing is the wired reconciliation stack.
type Billing struct {
	Subscriptions billing.Repository
	Router        *reconciliation.Router
	Webhooks      *stripewebhook.Service
	// Checkout is nil unless BillingParams.Sessions was set.
	Checkout *checkout.Service
}

// NewBilling wires repositories, the reconciler, the router and the webhook
// service over one database client.
func NewBilling(params BillingParams) (*Billing, error) {
	if params.Config == nil || params.DB == nil {
		return nil, fmt.Errorf("config and database are required")
	}
	conn := params.DB.DB()

	subsRepo := billing.NewRepository(conn)
	resolver := entitlements.NewResolver(params.Config.Prices)
	orgRepo := orgs.NewRepository(conn)
	reconciler, err := subscriptions.NewReconciler(subscriptions.ReconcilerParams{
		Repo:              subsRepo,
		Resolver:          resolver,
		TransactionRunner: params.DB,
		Logger:            params.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("subscription reconciler: %w", err)
	}

	directory, err := customers.NewDirectory(customers.NewRepository(conn), params.Logger)
	if err != nil {
		return nil, fmt.Errorf("customer directory: %w", err)
	}

	router, err := reconciliation.NewRouter(reconciliation.RouterParams{
		TransactionRunner: params.DB,
		Orgs:              orgRepo,
		Customers:         directory,
		Subscriptions:     subsRepo,
		Reconciler:        reconciler,
		Gateway:           params.Gateway,
		Logger:            params.Logger,
		Metrics:           params.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("reconciliation router: %w", err)
	}

	ledgerSvc, err := ledger.NewService(ledger.NewRepository(conn))
	if err != nil {
		return nil, fmt.Errorf("event ledger: %w", err)
	}

	webhooks, err := stripewebhook.NewService(stripewebhook.ServiceParams{
		Verifier: stripewebhook.NewVerifier(params.Config.Stripe.WebhookSecret, params.Config.Stripe.WebhookTolerance),
		Ledger:   ledgerSvc,
		Router:   router,
		Logger:   params.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("stripe webhook service: %w", err)
	}

	stack := &Billing{
		Subscriptions: subsRepo,
		Router:        router,
		Webhooks:      webhooks,
	}
	if params.Sessions != nil {
		stack.Checkout, err = checkout.NewService(checkout.ServiceParams{
			Gateway:       params.Sessions,
			Subscriptions: subsRepo,
			Customers:     directory,
			Orgs:          orgRepo,
			Prices:        resolver,
			BaseURL:       params.Config.App.BaseURL,
			TrialDays:     params.Config.Stripe.TrialDays,
			AutomaticTax:  params.Config.Stripe.AutomaticTax,
			Logger:        params.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("checkout sessions: %w", err)
		}
	}
	return stack, nil
}
