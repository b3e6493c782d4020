// Package auth verifies the org-scoped bearer tokens minted by the product's
// identity service.
package auth

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/estimator-billing/pkg/config"
)

var jwtSigningMethod = jwt.SigningMethodHS256

// OrgClaims is the subset of the access token billing relies on.
type OrgClaims struct {
	OrgID uuid.UUID `json:"org_id"`
	jwt.RegisteredClaims
}

// ParseOrgToken validates tokenString and returns its claims. The org claim
// must be present.
func ParseOrgToken(cfg config.JWTConfig, tokenString string) (*OrgClaims, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("jwt secret is required")
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwtSigningMethod.Alg()})}
	if issuer := strings.TrimSpace(cfg.Issuer); issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}

	claims := &OrgClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method != jwtSigningMethod {
				return nil, fmt.Errorf("unexpected signing method %s", token.Header["alg"])
			}
			return []byte(cfg.Secret), nil
		},
		opts...,
	)
	if err != nil {
		return nil, err
	}
	if claims.OrgID == uuid.Nil {
		return nil, fmt.Errorf("token carries no org")
	}
	return claims, nil
}
