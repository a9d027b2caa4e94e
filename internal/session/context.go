package session

import (
	"context"

	"github.com/anonto42/dzaleka-online/backend/internal/models"
)

type ctxKey struct{}

// WithClaims stamps the caller's identity on ctx.
func WithClaims(ctx context.Context, claims *models.JwtCustomClaims) context.Context {
	return context.WithValue(ctx, ctxKey{}, claims)
}

// Current returns the identity stamped on ctx, if any.
func Current(ctx context.Context) (*models.JwtCustomClaims, bool) {
	claims, ok := ctx.Value(ctxKey{}).(*models.JwtCustomClaims)
	return claims, ok && claims != nil
}

// CanAct reports whether claims may create, like or comment: a verified,
// non-anonymous identity.
func CanAct(claims *models.JwtCustomClaims) bool {
	return claims != nil && !claims.Anonymous && claims.Verified
}
