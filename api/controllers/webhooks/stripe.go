package webhooks

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/angelmondragon/estimator-billing/api/responses"
	stripewebhook "github.com/angelmondragon/estimator-billing/internal/webhooks/stripe"
	"github.com/angelmondragon/estimator-billing/pkg/enums"
	pkgerrors "github.com/angelmondragon/estimator-billing/pkg/errors"
	"github.com/angelmondragon/estimator-billing/pkg/logger"
	"github.com/angelmondragon/estimator-billing/pkg/metrics"
)

// MaxBodyBytes caps webhook bodies; Stripe events are far smaller.
const MaxBodyBytes = 1 << 20

const signatureHeader = "Stripe-Signature"

// StripeIngester accepts a raw signed delivery.
type StripeIngester interface {
	Ingest(ctx context.Context, payload []byte, signatureHeader string) (stripewebhook.IngestResult, error)
}

type ackResponse struct {
	OK bool `json:"ok"`
}

type rejectResponse struct {
	Error string `json:"error"`
}

// StripeWebhook handles Stripe deliveries. Every delivery the ledger accepted is
// acknowledged with 200 so Stripe stops retrying; only untrusted or
// unparseable bodies and server misconfiguration are rejected.
func StripeWebhook(svc StripeIngester, m *metrics.BillingMetrics, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		start := time.Now()

		if svc == nil {
			responses.WriteJSON(w, http.StatusInternalServerError, rejectResponse{Error: "webhook_unavailable"})
			return
		}

		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				responses.WriteJSON(w, http.StatusRequestEntityTooLarge, rejectResponse{Error: "payload_too_large"})
				return
			}
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request body"))
			return
		}

		res, err := svc.Ingest(ctx, payload, r.Header.Get(signatureHeader))
		outcome := string(res.Outcome)
		if outcome == "" {
			outcome = "ledger_error"
		}
		m.ObserveWebhook(res.EventType, outcome, time.Since(start))

		if res.Outcome.Acknowledged() {
			responses.WriteJSON(w, http.StatusOK, ackResponse{OK: true})
			return
		}

		switch res.Outcome {
		case enums.WebhookOutcomeInvalidSignature:
			responses.WriteJSON(w, http.StatusBadRequest, rejectResponse{Error: "invalid_signature"})
		case enums.WebhookOutcomeMalformed:
			responses.WriteJSON(w, http.StatusBadRequest, rejectResponse{Error: "malformed_event"})
		case enums.WebhookOutcomeMisconfigured:
			responses.WriteJSON(w, http.StatusInternalServerError, rejectResponse{Error: "webhook_secret_missing"})
		default:
			// The ledger write failed; let Stripe retry.
			responses.WriteError(ctx, logg, w, err)
		}
	}
}
