package reconciliation

import (
	"encoding/json"
	"strings"

	pkgerrors "github.com/angelmondragon/estimator-billing/pkg/errors"
)

// invoiceRef carries the fields the router needs from an invoice event. Newer
// API versions move the subscription under parent.subscription_details.
type invoiceRef struct {
	ID           string          `json:"id"`
	Subscription json.RawMessage `json:"subscription"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription json.RawMessage   `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

func parseInvoice(raw json.RawMessage) (invoiceRef, error) {
	var inv invoiceRef
	if err := json.Unmarshal(raw, &inv); err != nil {
		return invoiceRef{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode invoice event")
	}
	return inv, nil
}

func (i invoiceRef) subscriptionID() string {
	if id := expandableID(i.Subscription); id != "" {
		return id
	}
	if i.Parent != nil && i.Parent.SubscriptionDetails != nil {
		return expandableID(i.Parent.SubscriptionDetails.Subscription)
	}
	return ""
}

// expandableID reads a Stripe expandable field that is either an id string or
// an object with an id.
func expandableID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return strings.TrimSpace(id)
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return strings.TrimSpace(obj.ID)
	}
	return ""
}
