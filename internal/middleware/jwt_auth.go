package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/anonto42/dzaleka-online/backend/internal/models"
	"github.com/anonto42/dzaleka-online/backend/internal/session"
	"github.com/labstack/echo/v4"
)

// Authenticator turns a bearer token into claims.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*models.JwtCustomClaims, error)
}

// JWTAuthMiddleware checks for a valid session token and stores its claims on
// the echo context and on the request context. Browsers cannot set headers on
// a websocket handshake, so upgrade requests may pass the token as ?token=.
func JWTAuthMiddleware(auth Authenticator) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tokenString, err := bearerToken(c)
			if err != nil {
				return err
			}

			claims, err := auth.Authenticate(c.Request().Context(), tokenString)
			if err != nil {
				return err
			}

			c.Set("user", claims)
			c.SetRequest(c.Request().WithContext(session.WithClaims(c.Request().Context(), claims)))
			return next(c)
		}
	}
}

func bearerToken(c echo.Context) (string, error) {
	authHeader := c.Request().Header.Get("Authorization")
	if authHeader == "" {
		if t := c.QueryParam("token"); t != "" && isUpgrade(c.Request()) {
			return t, nil
		}
		return "", echo.NewHTTPError(http.StatusUnauthorized, "Missing Authorization header")
	}

	// Expecting "Bearer <token>"
	parts := strings.Fields(authHeader)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "Invalid Authorization header format")
	}
	return parts[1], nil
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// RequireVerified rejects guests and unverified accounts. Mount it on every
// route that creates, likes or comments.
func RequireVerified() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			claims, _ := c.Get("user").(*models.JwtCustomClaims)
			switch {
			case claims == nil:
				return echo.NewHTTPError(http.StatusUnauthorized, "User not authenticated")
			case claims.Anonymous:
				return echo.NewHTTPError(http.StatusForbidden, "guests cannot perform this action")
			case !session.CanAct(claims):
				return echo.NewHTTPError(http.StatusForbidden, "verify your email to continue")
			}
			return next(c)
		}
	}
}

// RequireAccount rejects guest sessions, which have no profile or inbox.
func RequireAccount() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			claims, _ := c.Get("user").(*models.JwtCustomClaims)
			if claims == nil || claims.Anonymous {
				return echo.NewHTTPError(http.StatusForbidden, "sign in to continue")
			}
			return next(c)
		}
	}
}
