package subscriptions

import (
	"strings"
	"time"

	"github.com/stripe/stripe-go/v84"

	"github.com/angelmondragon/estimator-billing/pkg/enums"
	pkgerrors "github.com/angelmondragon/estimator-billing/pkg/errors"
)

// MetadataOrgKey is the metadata key checkout sessions and subscriptions carry the org id under.
const MetadataOrgKey = "org_id"

// SnapshotFromStripe normalizes a Stripe subscription. The first item carrying
// a price decides product, price, quantity and period end.
func SnapshotFromStripe(sub *stripe.Subscription) (Snapshot, error) {
	if sub == nil {
		return Snapshot{}, pkgerrors.New(pkgerrors.CodeValidation, "stripe subscription is nil")
	}
	status, err := enums.ParseSubscriptionStatus(string(sub.Status))
	if err != nil {
		return Snapshot{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "unsupported stripe subscription status")
	}

	snap := Snapshot{
		ExternalSubscriptionID: sub.ID,
		Status:                 status,
		CancelAt:               toTimePtr(sub.CancelAt),
		CancelAtPeriodEnd:      sub.CancelAtPeriodEnd,
		OrgRef:                 strings.TrimSpace(sub.Metadata[MetadataOrgKey]),
	}
	if sub.Customer != nil {
		snap.ExternalCustomerID = sub.Customer.ID
	}

	if item := primaryItem(sub); item != nil {
		snap.PriceID = item.Price.ID
		if item.Price.Product != nil {
			snap.ProductID = item.Price.Product.ID
		}
		snap.Quantity = int(item.Quantity)
		snap.CurrentPeriodEnd = toTimePtr(item.CurrentPeriodEnd)
	}

	if err := snap.Validate(); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func primaryItem(sub *stripe.Subscription) *stripe.SubscriptionItem {
	if sub.Items == nil {
		return nil
	}
	for _, item := range sub.Items.Data {
		if item != nil && item.Price != nil {
			return item
		}
	}
	return nil
}

func toTimePtr(ts int64) *time.Time {
	if ts == 0 {
		return nil
	}
	t := time.Unix(ts, 0).UTC()
	return &t
}
