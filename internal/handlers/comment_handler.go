package handlers

import (
	"net/http"

	"github.com/anonto42/dzaleka-online/backend/internal/models"
	"github.com/labstack/echo/v4"
)

// CommentHandler handles comment-related HTTP requests
type CommentHandler struct {
	feed FeedService
}

// NewCommentHandler creates a new CommentHandler
func NewCommentHandler(svc FeedService) *CommentHandler {
	return &CommentHandler{feed: svc}
}

// RegisterCommentRoutes registers comment routes
func (h *CommentHandler) RegisterCommentRoutes(g *echo.Group, act ...echo.MiddlewareFunc) {
	g.POST("/posts/:id/comments", h.CreateComment, act...)
	g.GET("/posts/:id/comments", h.GetComments)
}

// CreateComment appends a comment to a post
func (h *CommentHandler) CreateComment(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}

	var req models.CreateCommentRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	comment, err := h.feed.AddComment(c.Request().Context(), actor, c.Param("id"), req.ID, req.Text)
	if err != nil {
		return err
	}
	return ok(c, http.StatusCreated, comment)
}

// GetComments lists a post's comments, oldest first
func (h *CommentHandler) GetComments(c echo.Context) error {
	comments, err := h.feed.Comments(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return ok(c, http.StatusOK, comments)
}
