package subscriptions

import (
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/angelmondragon/estimator-billing/pkg/enums"
	pkgerrors "github.com/angelmondragon/estimator-billing/pkg/errors"
)

// Snapshot is the provider-neutral view of a subscription fed to the reconciler
// by every entry point.
type Snapshot struct {
	ExternalSubscriptionID string                   `json:"external_subscription_id" validate:"required"`
	ExternalCustomerID     string                   `json:"external_customer_id"`
	Status                 enums.SubscriptionStatus `json:"status" validate:"required,subscription_status"`
	ProductID              string                   `json:"product_id"`
	PriceID                string                   `json:"price_id"`
	Quantity               int                      `json:"quantity" validate:"gte=0"`
	CurrentPeriodEnd       *time.Time               `json:"current_period_end"`
	CancelAt               *time.Time               `json:"cancel_at"`
	CancelAtPeriodEnd      bool                     `json:"cancel_at_period_end"`
	// OrgRef is the org id carried in provider metadata, unverified.
	OrgRef string `json:"org_ref"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		tag := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if tag == "" {
			return f.Name
		}
		return tag
	})
	_ = v.RegisterValidation("subscription_status", func(fl validator.FieldLevel) bool {
		status, ok := fl.Field().Interface().(enums.SubscriptionStatus)
		return ok && status.IsValid()
	})
	return v
}

// Validate checks the snapshot and normalizes quantity to at least one seat.
func (s *Snapshot) Validate() error {
	s.ExternalSubscriptionID = strings.TrimSpace(s.ExternalSubscriptionID)
	s.PriceID = strings.TrimSpace(s.PriceID)
	s.ProductID = strings.TrimSpace(s.ProductID)
	if err := validate.Struct(s); err != nil {
		details := map[string]string{}
		if errs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range errs {
				details[fe.Field()] = fe.Tag()
			}
		}
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid subscription snapshot").WithDetails(details)
	}
	if s.Quantity < 1 {
		s.Quantity = 1
	}
	return nil
}
