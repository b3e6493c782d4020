package middleware

import (
	"net/http"
	"strings"

	"github.com/angelmondragon/estimator-billing/api/responses"
	pkgAuth "github.com/angelmondragon/estimator-billing/pkg/auth"
	"github.com/angelmondragon/estimator-billing/pkg/config"
	pkgerrors "github.com/angelmondragon/estimator-billing/pkg/errors"
	"github.com/angelmondragon/estimator-billing/pkg/logger"
)

// Auth validates the bearer token and seeds the request context with its org.
// With no secret configured it passes requests through untouched and
// OrgContext falls back to the gateway header.
func Auth(cfg config.JWTConfig, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !cfg.Enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimSpace(r.Header.Get("Authorization"))
			token := raw
			if strings.HasPrefix(strings.ToLower(token), "bearer ") {
				token = strings.TrimSpace(token[7:])
			}
			if token == "" {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials"))
				return
			}

			claims, err := pkgAuth.ParseOrgToken(cfg, token)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid token"))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithOrgID(r.Context(), claims.OrgID)))
		})
	}
}
