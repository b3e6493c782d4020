package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/angelmondragon/estimator-billing/pkg/enums"
)

// Subscription is the single current subscription state of an org.
type Subscription struct {
	ID                     uuid.UUID                   `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	OrgID                  uuid.UUID                   `gorm:"column:org_id;type:uuid;not null;unique"`
	ExternalSubscriptionID string                      `gorm:"column:external_subscription_id;not null;unique"`
	ProductID              *string                     `gorm:"column:product_id"`
	PriceID                *string                     `gorm:"column:price_id"`
	Status                 enums.SubscriptionStatus    `gorm:"column:status;type:text;not null"`
	CancelAt               *time.Time                  `gorm:"column:cancel_at"`
	CancelAtPeriodEnd      bool                        `gorm:"column:cancel_at_period_end;not null;default:false"`
	CurrentPeriodEnd       *time.Time                  `gorm:"column:current_period_end"`
	Quantity               int                         `gorm:"column:quantity;not null;default:1"`
	Entitlements           datatypes.JSONSlice[string] `gorm:"column:entitlements;type:jsonb;not null"`
	CreatedAt              time.Time                   `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt              time.Time                   `gorm:"column:updated_at;autoUpdateTime"`
}

func (s *Subscription) BeforeCreate(*gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.Entitlements == nil {
		s.Entitlements = datatypes.JSONSlice[string]{}
	}
	return nil
}
