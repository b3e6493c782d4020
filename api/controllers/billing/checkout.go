package billing

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/angelmondragon/estimator-billing/api/middleware"
	"github.com/angelmondragon/estimator-billing/api/responses"
	"github.com/angelmondragon/estimator-billing/internal/reconciliation"
	"github.com/angelmondragon/estimator-billing/internal/subscriptions"
	pkgerrors "github.com/angelmondragon/estimator-billing/pkg/errors"
	"github.com/angelmondragon/estimator-billing/pkg/logger"
)

// CheckoutCompleter reconciles the subscription behind a finished checkout session.
type CheckoutCompleter interface {
	CompleteCheckout(ctx context.Context, sessionID string, expectedOrg uuid.UUID) (reconciliation.Result, error)
}

type checkoutSuccessResponse struct {
	SessionID    string                `json:"session_id"`
	Subscription subscriptions.Summary `json:"subscription"`
}

// CheckoutSuccess is the landing page for the hosted checkout redirect. It
// reconciles synchronously so the page reflects the purchase even when the
// webhook has not arrived yet.
func CheckoutSuccess(svc CheckoutCompleter, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "checkout completion unavailable"))
			return
		}

		sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
		if sessionID == "" {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "session_id is required").
				WithDetails(map[string]any{"field": "session_id"}))
			return
		}

		res, err := svc.CompleteCheckout(ctx, sessionID, middleware.OrgIDFromContext(ctx))
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		responses.WriteSuccess(w, checkoutSuccessResponse{
			SessionID:    sessionID,
			Subscription: subscriptions.Summarize(res.Subscription),
		})
	}
}

// CheckoutCancelled acknowledges an abandoned checkout. Nothing is reconciled.
func CheckoutCancelled() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		responses.WriteSuccess(w, map[string]string{"status": "cancelled"})
	}
}
