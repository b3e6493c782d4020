package customers

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/estimator-billing/internal/repo"
	"github.com/angelmondragon/estimator-billing/pkg/db/models"
)

// Repository persists billing customers.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	FindByExternalID(ctx context.Context, externalCustomerID string) (*models.BillingCustomer, error)
	FindByOrgID(ctx context.Context, orgID uuid.UUID) (*models.BillingCustomer, error)
	// InsertIfAbsent skips the insert when any unique constraint already holds
	// a matching row and reports whether the row was written.
	InsertIfAbsent(ctx context.Context, customer *models.BillingCustomer) (bool, error)
	Update(ctx context.Context, customer *models.BillingCustomer) error
}

type repository struct {
	repo.Base
}

// NewRepository binds the customer repository to db.
func NewRepository(db *gorm.DB) Repository {
	return &repository{Base: repo.NewBase(db)}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{Base: repo.NewBase(tx)}
}

func (r *repository) FindByExternalID(ctx context.Context, externalCustomerID string) (*models.BillingCustomer, error) {
	return repo.FirstOrNil[models.BillingCustomer](r.DB(ctx).Where("external_customer_id = ?", externalCustomerID))
}

func (r *repository) FindByOrgID(ctx context.Context, orgID uuid.UUID) (*models.BillingCustomer, error) {
	return repo.FirstOrNil[models.BillingCustomer](r.DB(ctx).Where("org_id = ?", orgID))
}

func (r *repository) InsertIfAbsent(ctx context.Context, customer *models.BillingCustomer) (bool, error) {
	return repo.InsertIfAbsent(r.DB(ctx), customer)
}

func (r *repository) Update(ctx context.Context, customer *models.BillingCustomer) error {
	return r.DB(ctx).
		Model(customer).
		Select("org_id", "billing_email", "default_payment_method", "billing_address", "tax_ids", "updated_at").
		Updates(customer).Error
}
