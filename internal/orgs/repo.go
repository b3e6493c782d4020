package orgs

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/estimator-billing/internal/repo"
	"github.com/angelmondragon/estimator-billing/pkg/db/models"
)

// Repository reads tenant orgs. Orgs are owned by signup; billing only checks them.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	FindByID(ctx context.Context, id uuid.UUID) (*models.Org, error)
	Exists(ctx context.Context, id uuid.UUID) (bool, error)
	Create(ctx context.Context, org *models.Org) error
}

type repository struct {
	repo.Base
}

// NewRepository binds the org repository to db.
func NewRepository(db *gorm.DB) Repository {
	return &repository{Base: repo.NewBase(db)}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{Base: repo.NewBase(tx)}
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Org, error) {
	return repo.FirstOrNil[models.Org](r.DB(ctx).Where("id = ?", id))
}

func (r *repository) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	var count int64
	if err := r.DB(ctx).Model(&models.Org{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *repository) Create(ctx context.Context, org *models.Org) error {
	return r.DB(ctx).Create(org).Error
}
