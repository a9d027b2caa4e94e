package handlers

import (
	"net/http"
	"strconv"

	"github.com/anonto42/dzaleka-online/backend/internal/feed"
	"github.com/anonto42/dzaleka-online/backend/internal/models"
	"github.com/labstack/echo/v4"
)

func getClaims(c echo.Context) *models.JwtCustomClaims {
	claims, _ := c.Get("user").(*models.JwtCustomClaims)
	return claims
}

func getUserIDFromContext(c echo.Context) string {
	if claims := getClaims(c); claims != nil {
		return claims.UserID
	}
	return ""
}

// actorFrom returns the caller as a feed actor, or 401 when there is none.
func actorFrom(c echo.Context) (feed.Actor, error) {
	claims := getClaims(c)
	if claims == nil || claims.UserID == "" {
		return feed.Actor{}, echo.NewHTTPError(http.StatusUnauthorized, "User not authenticated")
	}
	name := claims.Name
	if name == "" {
		name = "Anonymous"
	}
	return feed.Actor{ID: claims.UserID, Name: name}, nil
}

// bind decodes and validates the request body into req.
func bind(c echo.Context, req interface{}) error {
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request payload")
	}
	return c.Validate(req)
}

func ok(c echo.Context, status int, data interface{}) error {
	return c.JSON(status, echo.Map{"success": true, "data": data})
}

func queryInt(c echo.Context, name string) int {
	n, _ := strconv.Atoi(c.QueryParam(name))
	return n
}
