package cron

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/angelmondragon/estimator-billing/internal/reconciliation"
	"github.com/angelmondragon/estimator-billing/pkg/db/models"
	pkgerrors "github.com/angelmondragon/estimator-billing/pkg/errors"
	"github.com/angelmondragon/estimator-billing/pkg/logger"
)

const (
	defaultResyncLimit    = 250
	defaultResyncLookback = 7 * 24 * time.Hour
)

type subscriptionLister interface {
	ListSubscriptionsForReconciliation(ctx context.Context, limit int, lookback time.Duration) ([]models.Subscription, error)
}

// Resyncer re-reads one subscription from the provider and reconciles it.
type Resyncer interface {
	ResyncSubscription(ctx context.Context, externalSubscriptionID string) (reconciliation.Result, error)
}

// SubscriptionResyncJobParams configures the subscription resync cron job.
type SubscriptionResyncJobParams struct {
	Logger        *logger.Logger
	Subscriptions subscriptionLister
	Resyncer      Resyncer
	Limit         int
	Lookback      time.Duration
}

// NewSubscriptionResyncJob builds the periodic provider resync. It catches
// updates whose webhook was lost or failed after ledgering.
func NewSubscriptionResyncJob(params SubscriptionResyncJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Subscriptions == nil {
		return nil, fmt.Errorf("subscription repository required")
	}
	if params.Resyncer == nil {
		return nil, fmt.Errorf("resyncer required")
	}
	limit := params.Limit
	if limit <= 0 {
		limit = defaultResyncLimit
	}
	lookback := params.Lookback
	if lookback <= 0 {
		lookback = defaultResyncLookback
	}
	return &subscriptionResyncJob{
		logg:     params.Logger,
		subs:     params.Subscriptions,
		resyncer: params.Resyncer,
		limit:    limit,
		lookback: lookback,
	}, nil
}

type subscriptionResyncJob struct {
	logg     *logger.Logger
	subs     subscriptionLister
	resyncer Resyncer
	limit    int
	lookback time.Duration
}

func (j *subscriptionResyncJob) Name() string { return "subscription-resync" }

func (j *subscriptionResyncJob) Run(ctx context.Context) error {
	candidates, err := j.subs.ListSubscriptionsForReconciliation(ctx, j.limit, j.lookback)
	if err != nil {
		return fmt.Errorf("list subscriptions for resync: %w", err)
	}

	var errs error
	synced, changed, skipped := 0, 0, 0
	for i := range candidates {
		sub := &candidates[i]
		logCtx := j.logg.WithFields(ctx, map[string]any{
			"subscription_id":          sub.ID,
			"org_id":                   sub.OrgID.String(),
			"external_subscription_id": sub.ExternalSubscriptionID,
		})
		if strings.TrimSpace(sub.ExternalSubscriptionID) == "" {
			skipped++
			continue
		}
		res, err := j.resyncer.ResyncSubscription(logCtx, sub.ExternalSubscriptionID)
		if err != nil {
			if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
				j.logg.Warn(logCtx, "subscription missing at provider; skipping")
				skipped++
				continue
			}
			errs = multierr.Append(errs, fmt.Errorf("resync %s: %w", sub.ExternalSubscriptionID, err))
			continue
		}
		synced++
		if res.Changed {
			changed++
		}
	}

	reportCtx := j.logg.WithFields(ctx, map[string]any{
		"candidates": len(candidates),
		"synced":     synced,
		"changed":    changed,
		"skipped":    skipped,
	})
	j.logg.Info(reportCtx, "subscription resync loop complete")
	return errs
}
