package billing

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/estimator-billing/api/middleware"
	"github.com/angelmondragon/estimator-billing/api/responses"
	"github.com/angelmondragon/estimator-billing/internal/subscriptions"
	"github.com/angelmondragon/estimator-billing/pkg/db/models"
	pkgerrors "github.com/angelmondragon/estimator-billing/pkg/errors"
	"github.com/angelmondragon/estimator-billing/pkg/logger"
)

// SubscriptionReader loads the org's subscription row, nil when it has none.
type SubscriptionReader interface {
	FindSubscriptionByOrg(ctx context.Context, orgID uuid.UUID, forUpdate bool) (*models.Subscription, error)
}

// Entitlements returns the org's plan status and feature keys.
func Entitlements(reader SubscriptionReader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if reader == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "subscription reader unavailable"))
			return
		}

		orgID := middleware.OrgIDFromContext(ctx)
		if orgID == uuid.Nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "org context missing"))
			return
		}

		sub, err := reader.FindSubscriptionByOrg(ctx, orgID, false)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load subscription"))
			return
		}
		responses.WriteSuccess(w, subscriptions.Summarize(sub))
	}
}

type entitlementCheckResponse struct {
	Entitlement string `json:"entitlement"`
	Granted     bool   `json:"granted"`
}

// EntitlementCheck answers whether the org may use one feature. Downstream
// services call it before gating a feature behind the plan.
func EntitlementCheck(reader SubscriptionReader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if reader == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "subscription reader unavailable"))
			return
		}

		key := strings.TrimSpace(chi.URLParam(r, "key"))
		if key == "" {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "entitlement key is required"))
			return
		}
		orgID := middleware.OrgIDFromContext(ctx)
		if orgID == uuid.Nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "org context missing"))
			return
		}

		sub, err := reader.FindSubscriptionByOrg(ctx, orgID, false)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load subscription"))
			return
		}
		responses.WriteSuccess(w, entitlementCheckResponse{
			Entitlement: key,
			Granted:     subscriptions.HasEntitlement(sub, key),
		})
	}
}
