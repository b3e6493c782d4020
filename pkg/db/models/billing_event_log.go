package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// BillingEventLog is the append-only audit and idempotency record for inbound
// provider events. OrgRef is copied from event metadata and is not a foreign key.
type BillingEventLog struct {
	ID              uuid.UUID      `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	ExternalEventID string         `gorm:"column:external_event_id;not null;unique"`
	EventType       string         `gorm:"column:event_type;not null"`
	SignatureValid  bool           `gorm:"column:signature_valid;not null"`
	OrgRef          *string        `gorm:"column:org_ref"`
	RawPayload      datatypes.JSON `gorm:"column:raw_payload;type:jsonb;not null"`
	Retries         int            `gorm:"column:retries;not null;default:0"`
	Notes           *string        `gorm:"column:notes"`
	ProcessedAt     *time.Time     `gorm:"column:processed_at"`
	CreatedAt       time.Time      `gorm:"column:created_at;autoCreateTime"`
}

func (e *BillingEventLog) BeforeCreate(*gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}
