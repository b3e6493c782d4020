package enums

import (
	"fmt"
	"sort"
)

// SubscriptionStatus is the provider's subscription state as stored on the
// org's single subscription row.
type SubscriptionStatus string

const (
	SubscriptionStatusIncomplete        SubscriptionStatus = "incomplete"
	SubscriptionStatusTrialing          SubscriptionStatus = "trialing"
	SubscriptionStatusActive            SubscriptionStatus = "active"
	SubscriptionStatusPastDue           SubscriptionStatus = "past_due"
	SubscriptionStatusCanceled          SubscriptionStatus = "canceled"
	SubscriptionStatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
	SubscriptionStatusUnpaid            SubscriptionStatus = "unpaid"
)

// subscriptionStatusGrants maps every known status to whether it unlocks
// entitlements.
var subscriptionStatusGrants = map[SubscriptionStatus]bool{
	SubscriptionStatusIncomplete:        false,
	SubscriptionStatusTrialing:          true,
	SubscriptionStatusActive:            true,
	SubscriptionStatusPastDue:           false,
	SubscriptionStatusCanceled:          false,
	SubscriptionStatusIncompleteExpired: false,
	SubscriptionStatusUnpaid:            false,
}

func (s SubscriptionStatus) String() string { return string(s) }

func (s SubscriptionStatus) IsValid() bool {
	_, ok := subscriptionStatusGrants[s]
	return ok
}

// IsActive reports whether the status grants entitlements.
func (s SubscriptionStatus) IsActive() bool {
	return subscriptionStatusGrants[s]
}

// IsRetired reports whether the row is terminal. Retired rows are kept, never
// deleted.
func (s SubscriptionStatus) IsRetired() bool {
	return s == SubscriptionStatusCanceled || s == SubscriptionStatusIncompleteExpired
}

// LiveSubscriptionStatuses lists the non-retired statuses in a stable order.
func LiveSubscriptionStatuses() []SubscriptionStatus {
	out := make([]SubscriptionStatus, 0, len(subscriptionStatusGrants))
	for status := range subscriptionStatusGrants {
		if !status.IsRetired() {
			out = append(out, status)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func ParseSubscriptionStatus(value string) (SubscriptionStatus, error) {
	status := SubscriptionStatus(value)
	if !status.IsValid() {
		return "", fmt.Errorf("invalid subscription status %q", value)
	}
	return status, nil
}
