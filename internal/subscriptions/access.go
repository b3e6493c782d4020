package subscriptions

import (
	"time"

	"github.com/samber/lo"

	"github.com/angelmondragon/estimator-billing/pkg/db/models"
	"github.com/angelmondragon/estimator-billing/pkg/enums"
)

// IsActive reports whether sub currently grants entitlements (active or trialing).
func IsActive(sub *models.Subscription) bool {
	return sub != nil && sub.Status.IsActive()
}

// HasEntitlement is the feature guard: the org must hold an active subscription
// whose cached entitlements include key.
func HasEntitlement(sub *models.Subscription, key string) bool {
	return IsActive(sub) && lo.Contains([]string(sub.Entitlements), key)
}

// Summary is the read model returned to the product UI.
type Summary struct {
	Status            enums.SubscriptionStatus `json:"status"`
	PriceID           *string                  `json:"price_id,omitempty"`
	ProductID         *string                  `json:"product_id,omitempty"`
	Quantity          int                      `json:"quantity"`
	CurrentPeriodEnd  *time.Time               `json:"current_period_end,omitempty"`
	CancelAt          *time.Time               `json:"cancel_at,omitempty"`
	CancelAtPeriodEnd bool                     `json:"cancel_at_period_end"`
	Entitlements      []string                 `json:"entitlements"`
	IsActive          bool                     `json:"is_active"`
}

// Summarize renders sub. A nil row summarizes as an inactive org with no features.
func Summarize(sub *models.Subscription) Summary {
	if sub == nil {
		return Summary{Entitlements: []string{}}
	}
	ents := []string(sub.Entitlements)
	if ents == nil {
		ents = []string{}
	}
	return Summary{
		Status:            sub.Status,
		PriceID:           sub.PriceID,
		ProductID:         sub.ProductID,
		Quantity:          sub.Quantity,
		CurrentPeriodEnd:  sub.CurrentPeriodEnd,
		CancelAt:          sub.CancelAt,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		Entitlements:      ents,
		IsActive:          IsActive(sub),
	}
}
