package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/anonto42/dzaleka-online/backend/internal/feed"
	"github.com/anonto42/dzaleka-online/backend/internal/media"
	"github.com/anonto42/dzaleka-online/backend/internal/models"
	"github.com/labstack/echo/v4"
)

// FeedService is the post, like and comment layer behind the feed routes.
// *feed.Service satisfies it.
type FeedService interface {
	feed.Backend
	Post(ctx context.Context, id string) (models.EnrichedPost, error)
	Comments(ctx context.Context, postID string) ([]models.Comment, error)
	CreatePost(ctx context.Context, actor feed.Actor, in feed.CreatePostInput) (models.EnrichedPost, bool, error)
	DeletePost(ctx context.Context, actorID, postID string) error
	ToggleLike(ctx context.Context, actor feed.Actor, postID string) (feed.LikeResult, error)
	CommentMaxLength() int
}

// PostHandler handles HTTP requests related to posts
type PostHandler struct {
	feed     FeedService
	maxBytes int64
}

// NewPostHandler creates a new PostHandler
func NewPostHandler(svc FeedService, maxBytes int64) *PostHandler {
	if maxBytes <= 0 {
		maxBytes = media.DefaultMaxBytes
	}
	return &PostHandler{feed: svc, maxBytes: maxBytes}
}

// RegisterPostRoutes registers post-related routes. act guards the routes
// that change data.
func (h *PostHandler) RegisterPostRoutes(g *echo.Group, act ...echo.MiddlewareFunc) {
	g.POST("/posts", h.CreatePost, act...)
	g.GET("/posts/:id", h.GetPost)
	g.DELETE("/posts/:id", h.DeletePost, act...)
}

// CreatePost creates a new post from a multipart form with an optional
// "image" file. A repeated Idempotency-Key returns the original post.
func (h *PostHandler) CreatePost(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}

	var req models.CreatePostRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	image, err := readUpload(c, "image", h.maxBytes)
	if err != nil {
		return err
	}

	post, created, err := h.feed.CreatePost(c.Request().Context(), actor, feed.CreatePostInput{
		Title:          req.Title,
		Content:        req.Content,
		Image:          image,
		IdempotencyKey: strings.TrimSpace(c.Request().Header.Get("Idempotency-Key")),
	})
	if err != nil {
		return err
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	return ok(c, status, post)
}

// GetPost retrieves a single post by ID
func (h *PostHandler) GetPost(c echo.Context) error {
	post, err := h.feed.Post(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return ok(c, http.StatusOK, post)
}

// DeletePost deletes the caller's own post and its image
func (h *PostHandler) DeletePost(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	if err := h.feed.DeletePost(c.Request().Context(), actor.ID, c.Param("id")); err != nil {
		return err
	}
	return ok(c, http.StatusOK, echo.Map{"deleted": true})
}
