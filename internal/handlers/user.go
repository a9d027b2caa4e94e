package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/anonto42/dzaleka-online/backend/internal/live"
	"github.com/anonto42/dzaleka-online/backend/internal/media"
	"github.com/anonto42/dzaleka-online/backend/internal/models"
	"github.com/anonto42/dzaleka-online/backend/pkg/logging"
	"github.com/labstack/echo/v4"
)

type UserStore interface {
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	UpdateFields(ctx context.Context, id string, fields map[string]interface{}) error
	SearchUsers(ctx context.Context, query string, limit int) ([]models.User, error)
}

type MediaStore interface {
	Upload(ctx context.Context, filename string, data []byte) (media.Asset, error)
	Delete(ctx context.Context, ref string) error
}

type UserPostLister interface {
	UserPosts(ctx context.Context, userID string, limit int) ([]models.EnrichedPost, error)
}

// UserHandler handles HTTP requests related to users
type UserHandler struct {
	users    UserStore
	posts    UserPostLister
	media    MediaStore
	broker   *live.Broker
	maxBytes int64
}

// NewUserHandler creates a new UserHandler. broker may be nil.
func NewUserHandler(users UserStore, posts UserPostLister, mediaStore MediaStore, broker *live.Broker, maxBytes int64) *UserHandler {
	if maxBytes <= 0 {
		maxBytes = media.DefaultMaxBytes
	}
	return &UserHandler{users: users, posts: posts, media: mediaStore, broker: broker, maxBytes: maxBytes}
}

// RegisterProfileRoutes registers user profile-related routes. act guards the
// routes that change data.
func (h *UserHandler) RegisterProfileRoutes(g *echo.Group, act ...echo.MiddlewareFunc) {
	g.GET("/profile", h.GetProfile)
	g.PUT("/profile", h.UpdateProfile, act...)
	g.PUT("/profile/photo", h.UpdatePhoto, act...)
	g.GET("/users/search", h.SearchUsers)
	g.GET("/users/:id", h.GetUser)
	g.GET("/users/:id/posts", h.GetUserPosts)
}

// GetProfile retrieves the authenticated user's profile
func (h *UserHandler) GetProfile(c echo.Context) error {
	claims := getClaims(c)
	if claims == nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "User not authenticated")
	}
	if claims.Anonymous {
		return echo.NewHTTPError(http.StatusNotFound, "Guests have no profile")
	}

	user, err := h.users.GetUserByID(c.Request().Context(), claims.UserID)
	if err != nil {
		return err
	}
	return ok(c, http.StatusOK, user)
}

// UpdateProfile updates the authenticated user's name, username or bio
func (h *UserHandler) UpdateProfile(c echo.Context) error {
	userID := getUserIDFromContext(c)

	var req models.UpdateUserRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	fields := map[string]interface{}{}
	if name := strings.TrimSpace(req.Name); name != "" {
		fields["name"] = name
	}
	if username := models.NormalizeUsername(req.Username); username != "" {
		fields["username"] = username
	}
	if req.Bio != nil {
		fields["bio"] = strings.TrimSpace(*req.Bio)
	}
	if len(fields) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "Nothing to update")
	}

	ctx := c.Request().Context()
	if err := h.users.UpdateFields(ctx, userID, fields); err != nil {
		return err
	}
	user, err := h.users.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}

	h.authorsChanged()
	return ok(c, http.StatusOK, user)
}

// UpdatePhoto replaces the profile picture with the uploaded "photo" file
func (h *UserHandler) UpdatePhoto(c echo.Context) error {
	userID := getUserIDFromContext(c)
	ctx := c.Request().Context()

	upload, err := readUpload(c, "photo", h.maxBytes)
	if err != nil {
		return err
	}
	if upload == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "photo is required")
	}

	user, err := h.users.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}

	asset, err := h.media.Upload(ctx, upload.Filename, upload.Data)
	if err != nil {
		return err
	}
	err = h.users.UpdateFields(ctx, userID, map[string]interface{}{
		"photo_url": asset.URL,
		"photo_ref": asset.Ref,
	})
	if err != nil {
		h.discard(ctx, asset.Ref)
		return err
	}
	if user.PhotoRef != "" && user.PhotoRef != asset.Ref {
		h.discard(ctx, user.PhotoRef)
	}

	user.PhotoURL = asset.URL
	user.PhotoRef = asset.Ref
	h.authorsChanged()
	return ok(c, http.StatusOK, user)
}

func (h *UserHandler) discard(ctx context.Context, ref string) {
	if err := h.media.Delete(ctx, ref); err != nil {
		logging.Warn().Err(err).Str("ref", ref).Msg("failed to delete replaced profile photo")
	}
}

// authorsChanged tells live feeds to re-resolve author cards.
func (h *UserHandler) authorsChanged() {
	if h.broker != nil {
		h.broker.Publish(live.TopicPosts, nil)
	}
}

// GetUser returns another user's public profile
func (h *UserHandler) GetUser(c echo.Context) error {
	user, err := h.users.GetUserByID(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	if user.ID != getUserIDFromContext(c) {
		user.Email = ""
	}
	return ok(c, http.StatusOK, user)
}

func (h *UserHandler) GetUserPosts(c echo.Context) error {
	posts, err := h.posts.UserPosts(c.Request().Context(), c.Param("id"), queryInt(c, "limit"))
	if err != nil {
		return err
	}
	return ok(c, http.StatusOK, posts)
}

// SearchUsers searches for users by name or username
func (h *UserHandler) SearchUsers(c echo.Context) error {
	q := strings.TrimSpace(c.QueryParam("q"))
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Search query is required")
	}

	limit := queryInt(c, "limit")
	if limit < 1 || limit > 50 {
		limit = 20
	}
	users, err := h.users.SearchUsers(c.Request().Context(), q, limit)
	if err != nil {
		return err
	}

	results := make([]models.UserCompact, len(users))
	for i := range users {
		results[i] = users[i].ToCompact()
	}
	return ok(c, http.StatusOK, results)
}
