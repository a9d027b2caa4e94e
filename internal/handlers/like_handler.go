package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// LikeHandler handles like-related HTTP requests
type LikeHandler struct {
	feed FeedService
}

// NewLikeHandler creates a new LikeHandler
func NewLikeHandler(svc FeedService) *LikeHandler {
	return &LikeHandler{feed: svc}
}

// RegisterLikeRoutes registers like routes. PUT and DELETE state the desired
// outcome and are safe to retry; toggle is not.
func (h *LikeHandler) RegisterLikeRoutes(g *echo.Group, act ...echo.MiddlewareFunc) {
	g.POST("/posts/:id/likes/toggle", h.ToggleLike, act...)
	g.PUT("/posts/:id/likes", h.LikePost, act...)
	g.DELETE("/posts/:id/likes", h.UnlikePost, act...)
}

func (h *LikeHandler) ToggleLike(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	res, err := h.feed.ToggleLike(c.Request().Context(), actor, c.Param("id"))
	if err != nil {
		return err
	}
	return ok(c, http.StatusOK, res)
}

func (h *LikeHandler) LikePost(c echo.Context) error {
	return h.set(c, true)
}

func (h *LikeHandler) UnlikePost(c echo.Context) error {
	return h.set(c, false)
}

func (h *LikeHandler) set(c echo.Context, liked bool) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	res, err := h.feed.SetLike(c.Request().Context(), actor, c.Param("id"), liked)
	if err != nil {
		return err
	}
	return ok(c, http.StatusOK, res)
}
