package subscriptions

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/angelmondragon/estimator-billing/internal/billing"
	"github.com/angelmondragon/estimator-billing/pkg/db"
	"github.com/angelmondragon/estimator-billing/pkg/db/models"
	"github.com/angelmondragon/estimator-billing/pkg/enums"
	pkgerrors "github.com/angelmondragon/estimator-billing/pkg/errors"
	"github.com/angelmondragon/estimator-billing/pkg/logger"
)

// EntitlementResolver maps a product/price pair onto feature keys.
type EntitlementResolver interface {
	Resolve(productID, priceID string) []string
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Result describes what a reconciliation did to the org's row.
type Result struct {
	Subscription *models.Subscription
	Created      bool
	Changed      bool
}

type ReconcilerParams struct {
	Repo              billing.Repository
	Resolver          EntitlementResolver
	TransactionRunner txRunner
	Logger            *logger.Logger
}

// Reconciler merges snapshots into the single subscription row each org owns.
type Reconciler struct {
	repo     billing.Repository
	resolver EntitlementResolver
	txRunner txRunner
	logg     *logger.Logger
}

func NewReconciler(params ReconcilerParams) (*Reconciler, error) {
	if params.Repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "billing repo required")
	}
	if params.Resolver == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "entitlement resolver required")
	}
	if params.TransactionRunner == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction runner required")
	}
	return &Reconciler{
		repo:     params.Repo,
		resolver: params.Resolver,
		txRunner: params.TransactionRunner,
		logg:     params.Logger,
	}, nil
}

// Reconcile runs ReconcileTx in its own transaction.
func (r *Reconciler) Reconcile(ctx context.Context, orgID uuid.UUID, snap Snapshot) (Result, error) {
	var result Result
	err := r.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		result, err = r.ReconcileTx(ctx, tx, orgID, snap)
		return err
	})
	return result, err
}

// ReconcileTx merges snap into the org's row inside tx. Applying the same
// snapshot twice leaves the row untouched the second time.
func (r *Reconciler) ReconcileTx(ctx context.Context, tx *gorm.DB, orgID uuid.UUID, snap Snapshot) (Result, error) {
	if orgID == uuid.Nil {
		return Result{}, pkgerrors.New(pkgerrors.CodeValidation, "org id is required")
	}
	if err := snap.Validate(); err != nil {
		return Result{}, err
	}

	repo := r.repo.WithTx(tx)
	entitlements := r.resolver.Resolve(snap.ProductID, snap.PriceID)

	existing, err := repo.FindSubscriptionByOrg(ctx, orgID, true)
	if err != nil {
		return Result{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load subscription")
	}

	if existing == nil {
		fresh := newSubscription(orgID, snap, entitlements)
		inserted, err := repo.InsertSubscriptionIfAbsent(ctx, fresh)
		if err != nil {
			return Result{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "insert subscription")
		}
		if inserted {
			r.log(ctx, orgID, snap, "subscription created")
			return Result{Subscription: fresh, Created: true, Changed: true}, nil
		}

		// A concurrent writer created the org's row first; merge into it.
		existing, err = repo.FindSubscriptionByOrg(ctx, orgID, true)
		if err != nil {
			return Result{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload subscription")
		}
		if existing == nil {
			return Result{}, pkgerrors.New(pkgerrors.CodeConflict, "external subscription already belongs to another org").
				WithDetails(map[string]any{"external_subscription_id": snap.ExternalSubscriptionID})
		}
	}

	if superseded(*existing, snap) {
		r.log(ctx, orgID, snap, "superseded subscription skipped")
		return Result{Subscription: existing}, nil
	}

	merged, changed := merge(*existing, snap, entitlements)
	if !changed {
		return Result{Subscription: existing}, nil
	}
	if err := repo.UpdateSubscription(ctx, &merged); err != nil {
		if db.IsUniqueViolation(err, "") {
			return Result{}, pkgerrors.Wrap(pkgerrors.CodeConflict, err, "external subscription already belongs to another org")
		}
		return Result{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update subscription")
	}
	r.log(ctx, orgID, snap, "subscription updated")
	return Result{Subscription: &merged, Changed: true}, nil
}

func newSubscription(orgID uuid.UUID, snap Snapshot, entitlements []string) *models.Subscription {
	return &models.Subscription{
		OrgID:                  orgID,
		ExternalSubscriptionID: snap.ExternalSubscriptionID,
		ProductID:              optional(snap.ProductID),
		PriceID:                optional(snap.PriceID),
		Status:                 snap.Status,
		CancelAt:               snap.CancelAt,
		CancelAtPeriodEnd:      snap.CancelAtPeriodEnd,
		CurrentPeriodEnd:       snap.CurrentPeriodEnd,
		Quantity:               snap.Quantity,
		Entitlements:           datatypes.JSONSlice[string](entitlements),
	}
}

// superseded reports whether snap describes a retired subscription the org has
// already replaced with a live one.
func superseded(current models.Subscription, snap Snapshot) bool {
	return current.ExternalSubscriptionID != snap.ExternalSubscriptionID &&
		!current.Status.IsRetired() &&
		snap.Status.IsRetired()
}

// merge overwrites current with snap field by field. A known period end is
// never cleared, and cancellation intent survives a snapshot that drops it
// while reporting the subscription as canceled.
func merge(current models.Subscription, snap Snapshot, entitlements []string) (models.Subscription, bool) {
	next := current
	next.ExternalSubscriptionID = snap.ExternalSubscriptionID
	next.ProductID = optional(snap.ProductID)
	next.PriceID = optional(snap.PriceID)
	next.Status = snap.Status
	next.Quantity = snap.Quantity
	next.Entitlements = datatypes.JSONSlice[string](entitlements)

	if snap.CurrentPeriodEnd != nil {
		next.CurrentPeriodEnd = snap.CurrentPeriodEnd
	}

	keepIntent := snap.Status == enums.SubscriptionStatusCanceled
	next.CancelAtPeriodEnd = snap.CancelAtPeriodEnd || (keepIntent && current.CancelAtPeriodEnd)
	next.CancelAt = snap.CancelAt
	if next.CancelAt == nil && keepIntent {
		next.CancelAt = current.CancelAt
	}

	changed := next.ExternalSubscriptionID != current.ExternalSubscriptionID ||
		!equalStr(next.ProductID, current.ProductID) ||
		!equalStr(next.PriceID, current.PriceID) ||
		next.Status != current.Status ||
		next.Quantity != current.Quantity ||
		next.CancelAtPeriodEnd != current.CancelAtPeriodEnd ||
		!equalTime(next.CancelAt, current.CancelAt) ||
		!equalTime(next.CurrentPeriodEnd, current.CurrentPeriodEnd) ||
		!slices.Equal([]string(next.Entitlements), []string(current.Entitlements))
	return next, changed
}

func (r *Reconciler) log(ctx context.Context, orgID uuid.UUID, snap Snapshot, msg string) {
	if r.logg == nil {
		return
	}
	ctx = r.logg.WithFields(ctx, map[string]any{
		"org_id":                   orgID.String(),
		"external_subscription_id": snap.ExternalSubscriptionID,
		"status":                   snap.Status.String(),
		"price_id":                 snap.PriceID,
	})
	r.logg.Info(ctx, fmt.Sprintf("%s (%s)", msg, snap.Status))
}

func optional(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func equalStr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
