package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// BillingCustomer maps one org to one external billing-customer id.
type BillingCustomer struct {
	ID                   uuid.UUID      `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	OrgID                *uuid.UUID     `gorm:"column:org_id;type:uuid;unique"`
	ExternalCustomerID   string         `gorm:"column:external_customer_id;not null;unique"`
	BillingEmail         *string        `gorm:"column:billing_email"`
	DefaultPaymentMethod *string        `gorm:"column:default_payment_method"`
	BillingAddress       datatypes.JSON `gorm:"column:billing_address;type:jsonb"`
	TaxIDs               datatypes.JSON `gorm:"column:tax_ids;type:jsonb"`
	CreatedAt            time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt            time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}

func (c *BillingCustomer) BeforeCreate(*gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}
