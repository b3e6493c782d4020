package middleware

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/angelmondragon/estimator-billing/api/responses"
	pkgerrors "github.com/angelmondragon/estimator-billing/pkg/errors"
	"github.com/angelmondragon/estimator-billing/pkg/logger"
)

// OrgHeader carries the org id stamped by the upstream auth gateway.
const OrgHeader = "X-Org-Id"

// OrgContext requires an authenticated org. The org comes from the context when
// an auth layer already set it, otherwise from OrgHeader.
func OrgContext(logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			orgID := OrgIDFromContext(ctx)
			if orgID == uuid.Nil {
				raw := strings.TrimSpace(r.Header.Get(OrgHeader))
				if raw == "" {
					responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "org context missing"))
					return
				}
				parsed, err := uuid.Parse(raw)
				if err != nil {
					responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "org context invalid"))
					return
				}
				orgID = parsed
				ctx = WithOrgID(ctx, orgID)
			}
			if logg != nil {
				ctx = logg.WithOrgID(ctx, orgID.String())
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
