package billing

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/angelmondragon/estimator-billing/api/middleware"
	"github.com/angelmondragon/estimator-billing/api/responses"
	"github.com/angelmondragon/estimator-billing/api/validators"
	"github.com/angelmondragon/estimator-billing/internal/checkout"
	pkgerrors "github.com/angelmondragon/estimator-billing/pkg/errors"
	"github.com/angelmondragon/estimator-billing/pkg/logger"
)

// SessionStarter opens hosted checkout and portal sessions for an org.
type SessionStarter interface {
	StartCheckout(ctx context.Context, orgID uuid.UUID, priceID string) (checkout.Session, error)
	OpenPortal(ctx context.Context, orgID uuid.UUID) (checkout.Session, error)
}

type startCheckoutRequest struct {
	PriceID string `json:"price_id" validate:"required,max=255"`
}

// StartCheckout creates a checkout session for the requested price and returns
// the hosted page url. An org that is already active or trialing gets 409.
func StartCheckout(svc SessionStarter, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "checkout sessions unavailable"))
			return
		}

		var body startCheckoutRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		session, err := svc.StartCheckout(ctx, middleware.OrgIDFromContext(ctx), body.PriceID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, session)
	}
}

// OpenPortal returns a customer portal url for the org's billing customer.
func OpenPortal(svc SessionStarter, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "portal sessions unavailable"))
			return
		}

		session, err := svc.OpenPortal(ctx, middleware.OrgIDFromContext(ctx))
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, session)
	}
}
