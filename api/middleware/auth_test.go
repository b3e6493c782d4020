package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	pkgAuth "github.com/angelmondragon/estimator-billing/pkg/auth"
	"github.com/angelmondragon/estimator-billing/pkg/config"
)

func bearer(t *testing.T, secret string, orgID uuid.UUID) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, pkgAuth.OrgClaims{
		OrgID:            orgID,
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return "Bearer " + token
}

func TestAuth(t *testing.T) {
	cfg := config.JWTConfig{Secret: "s3cret"}
	orgID := uuid.New()
	var seen uuid.UUID
	handler := Auth(cfg, nil)(OrgContext(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = OrgIDFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})))

	t.Run("token org wins over header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/billing/entitlements", nil)
		req.Header.Set("Authorization", bearer(t, "s3cret", orgID))
		req.Header.Set(OrgHeader, uuid.NewString())
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent || seen != orgID {
			t.Fatalf("expected org %s, got %s (status %d)", orgID, seen, rec.Code)
		}
	})

	for name, header := range map[string]string{
		"missing":      "",
		"bad secret":   bearer(t, "other", orgID),
		"empty bearer": "Bearer ",
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/billing/entitlements", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			req.Header.Set(OrgHeader, orgID.String())
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
		})
	}
}

func TestAuthDisabledPassesThrough(t *testing.T) {
	called := false
	handler := Auth(config.JWTConfig{}, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !called {
		t.Fatalf("expected pass-through without a secret")
	}
}
