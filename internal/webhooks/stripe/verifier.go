package stripewebhook

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"

	pkgerrors "github.com/angelmondragon/estimator-billing/pkg/errors"
	pkgstripe "github.com/angelmondragon/estimator-billing/pkg/stripe"
)

// auditIDLength is the number of hex characters kept from the body digest.
const auditIDLength = 16

// SignatureError rejects a delivery whose signature does not match the raw body.
// AuditID is derived from the body alone so nothing the sender claims is trusted.
type SignatureError struct {
	AuditID string
	cause   error
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("invalid webhook signature (audit %s): %v", e.AuditID, e.cause)
}

func (e *SignatureError) Unwrap() error { return e.cause }

// MalformedEventError rejects a correctly signed body that lacks an id or type.
type MalformedEventError struct {
	Reason string
}

func (e *MalformedEventError) Error() string {
	return "malformed webhook event: " + e.Reason
}

// AuditID returns a stable pseudonymous id for a raw body.
func AuditID(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])[:auditIDLength]
}

// Verifier checks Stripe-Signature headers against the signing secret.
type Verifier struct {
	secret    string
	tolerance time.Duration
}

func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &Verifier{secret: strings.TrimSpace(secret), tolerance: tolerance}
}

// Verify authenticates payload and parses its envelope. The HMAC is computed
// over the raw bytes as received.
func (v *Verifier) Verify(payload []byte, header string) (stripe.Event, error) {
	if v == nil || v.secret == "" {
		return stripe.Event{}, pkgerrors.Wrap(pkgerrors.CodeInternal, pkgstripe.ErrSecretMissing, "webhook secret missing")
	}
	if err := webhook.ValidatePayloadWithTolerance(payload, header, v.secret, v.tolerance); err != nil {
		return stripe.Event{}, &SignatureError{AuditID: AuditID(payload), cause: err}
	}

	var envelope struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return stripe.Event{}, &MalformedEventError{Reason: "body is not a JSON object"}
	}
	switch {
	case strings.TrimSpace(envelope.ID) == "":
		return stripe.Event{}, &MalformedEventError{Reason: "missing id"}
	case strings.TrimSpace(envelope.Type) == "":
		return stripe.Event{}, &MalformedEventError{Reason: "missing type"}
	}

	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return stripe.Event{}, &MalformedEventError{Reason: err.Error()}
	}
	return event, nil
}
