package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/estimator-billing/internal/repo"
	"github.com/angelmondragon/estimator-billing/pkg/db/models"
	"github.com/angelmondragon/estimator-billing/pkg/enums"
)

// Repository handles subscription persistence.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	// FindSubscriptionByOrg loads the org's row; forUpdate takes a row lock
	// where the engine supports one.
	FindSubscriptionByOrg(ctx context.Context, orgID uuid.UUID, forUpdate bool) (*models.Subscription, error)
	FindSubscriptionByExternalID(ctx context.Context, externalSubscriptionID string) (*models.Subscription, error)
	// InsertSubscriptionIfAbsent skips the insert when a unique constraint
	// (org_id or external_subscription_id) already holds a row.
	InsertSubscriptionIfAbsent(ctx context.Context, subscription *models.Subscription) (bool, error)
	UpdateSubscription(ctx context.Context, subscription *models.Subscription) error
	ListSubscriptionsForReconciliation(ctx context.Context, limit int, lookback time.Duration) ([]models.Subscription, error)
}

type repository struct {
	repo.Base
}

// NewRepository returns a billing repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{Base: repo.NewBase(db)}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{Base: repo.NewBase(tx)}
}

func (r *repository) FindSubscriptionByOrg(ctx context.Context, orgID uuid.UUID, forUpdate bool) (*models.Subscription, error) {
	return repo.FirstOrNil[models.Subscription](repo.Locked(r.DB(ctx).Where("org_id = ?", orgID), forUpdate))
}

func (r *repository) FindSubscriptionByExternalID(ctx context.Context, externalSubscriptionID string) (*models.Subscription, error) {
	if externalSubscriptionID == "" {
		return nil, nil
	}
	return repo.FirstOrNil[models.Subscription](r.DB(ctx).Where("external_subscription_id = ?", externalSubscriptionID))
}

func (r *repository) InsertSubscriptionIfAbsent(ctx context.Context, subscription *models.Subscription) (bool, error) {
	return repo.InsertIfAbsent(r.DB(ctx), subscription)
}

func (r *repository) UpdateSubscription(ctx context.Context, subscription *models.Subscription) error {
	return r.DB(ctx).
		Model(subscription).
		Select("*").
		Omit("id", "org_id", "created_at").
		Updates(subscription).Error
}

// ListSubscriptionsForReconciliation returns rows whose provider state may still
// move: live statuses, pending cancellations, or periods ending within lookback.
func (r *repository) ListSubscriptionsForReconciliation(ctx context.Context, limit int, lookback time.Duration) ([]models.Subscription, error) {
	if limit <= 0 {
		limit = 250
	}
	if lookback <= 0 {
		lookback = 7 * 24 * time.Hour
	}
	cutoff := time.Now().UTC().Add(-lookback)
	statuses := enums.LiveSubscriptionStatuses()
	var subs []models.Subscription
	query := r.DB(ctx).
		Model(&models.Subscription{}).
		Where("external_subscription_id <> ''").
		Where("(status IN (?) OR cancel_at_period_end OR current_period_end >= ?)", statuses, cutoff).
		Order("updated_at ASC").
		Limit(limit)
	if err := query.Find(&subs).Error; err != nil {
		return nil, err
	}
	return subs, nil
}
