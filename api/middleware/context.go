package middleware

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const ctxOrgID contextKey = "org_id"

// OrgIDFromContext returns the tenant the request acts for, or uuid.Nil.
func OrgIDFromContext(ctx context.Context) uuid.UUID {
	if ctx == nil {
		return uuid.Nil
	}
	if v, ok := ctx.Value(ctxOrgID).(uuid.UUID); ok {
		return v
	}
	return uuid.Nil
}

// WithOrgID injects the org identifier into the context for downstream handlers.
func WithOrgID(ctx context.Context, orgID uuid.UUID) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ctxOrgID, orgID)
}
