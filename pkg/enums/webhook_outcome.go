package enums

// WebhookOutcome classifies how an inbound provider delivery was handled.
type WebhookOutcome string

const (
	WebhookOutcomeProcessed        WebhookOutcome = "processed"
	WebhookOutcomeDuplicate        WebhookOutcome = "duplicate"
	WebhookOutcomeIgnored          WebhookOutcome = "ignored"
	WebhookOutcomeHandlerError     WebhookOutcome = "handler_error"
	WebhookOutcomeInvalidSignature WebhookOutcome = "invalid_signature"
	WebhookOutcomeMalformed        WebhookOutcome = "malformed"
	WebhookOutcomeMisconfigured    WebhookOutcome = "misconfigured"
)

// String implements fmt.Stringer.
func (o WebhookOutcome) String() string {
	return string(o)
}

// Acknowledged reports whether the provider should see a success status.
func (o WebhookOutcome) Acknowledged() bool {
	switch o {
	case WebhookOutcomeProcessed, WebhookOutcomeDuplicate, WebhookOutcomeIgnored, WebhookOutcomeHandlerError:
		return true
	}
	return false
}
