package ledger

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/estimator-billing/internal/repo"
	"github.com/angelmondragon/estimator-billing/pkg/db/models"
)

// Repository persists billing event log rows.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	// InsertIfAbsent inserts entry unless a row with the same external event id
	// exists. It reports whether the row was written.
	InsertIfAbsent(ctx context.Context, entry *models.BillingEventLog) (bool, error)
	FindByExternalID(ctx context.Context, externalEventID string) (*models.BillingEventLog, error)
	MarkProcessed(ctx context.Context, externalEventID string, at time.Time) error
	SetNote(ctx context.Context, externalEventID, note string) error
	IncrementRetries(ctx context.Context, externalEventID string) error
	ListPending(ctx context.Context, limit int) ([]models.BillingEventLog, error)
}

type repository struct {
	repo.Base
}

// NewRepository returns a ledger repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{Base: repo.NewBase(db)}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{Base: repo.NewBase(tx)}
}

func (r *repository) InsertIfAbsent(ctx context.Context, entry *models.BillingEventLog) (bool, error) {
	return repo.InsertIfAbsent(r.DB(ctx), entry, "external_event_id")
}

func (r *repository) FindByExternalID(ctx context.Context, externalEventID string) (*models.BillingEventLog, error) {
	return repo.FirstOrNil[models.BillingEventLog](r.DB(ctx).Where("external_event_id = ?", externalEventID))
}

func (r *repository) MarkProcessed(ctx context.Context, externalEventID string, at time.Time) error {
	return r.update(ctx, externalEventID, map[string]any{"processed_at": at})
}

func (r *repository) SetNote(ctx context.Context, externalEventID, note string) error {
	return r.update(ctx, externalEventID, map[string]any{"notes": note})
}

func (r *repository) IncrementRetries(ctx context.Context, externalEventID string) error {
	return r.update(ctx, externalEventID, map[string]any{"retries": gorm.Expr("retries + 1")})
}

func (r *repository) ListPending(ctx context.Context, limit int) ([]models.BillingEventLog, error) {
	var entries []models.BillingEventLog
	q := r.DB(ctx).
		Where("processed_at IS NULL AND notes IS NOT NULL").
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *repository) update(ctx context.Context, externalEventID string, values map[string]any) error {
	res := r.DB(ctx).
		Model(&models.BillingEventLog{}).
		Where("external_event_id = ?", externalEventID).
		Updates(values)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
