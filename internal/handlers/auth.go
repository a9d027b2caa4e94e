package handlers

import (
	"context"
	"net/http"

	"github.com/anonto42/dzaleka-online/backend/internal/models"
	"github.com/anonto42/dzaleka-online/backend/internal/session"
	"github.com/labstack/echo/v4"
)

// SessionService is the identity layer behind the auth routes.
type SessionService interface {
	SignUp(ctx context.Context, req models.SignUpRequest) (*session.Session, error)
	SignInPassword(ctx context.Context, email, password string) (*session.Session, error)
	SignInFederated(ctx context.Context, idToken string) (*session.Session, error)
	SignInAnonymous(ctx context.Context) (*session.Session, error)
	VerifyEmail(ctx context.Context, userID, code string) (*session.Session, error)
	SignOut(ctx context.Context, claims *models.JwtCustomClaims) error
}

// AuthHandler handles authentication-related HTTP requests
type AuthHandler struct {
	sessions SessionService
}

// NewAuthHandler creates a new AuthHandler
func NewAuthHandler(sessions SessionService) *AuthHandler {
	return &AuthHandler{sessions: sessions}
}

// RegisterAuthRoutes registers the public authentication routes
func (h *AuthHandler) RegisterAuthRoutes(g *echo.Group) {
	g.POST("/signup", h.Signup)
	g.POST("/signin", h.SignIn)
	g.POST("/firebase-login", h.FirebaseLogin)
	g.POST("/anonymous", h.Anonymous)
	g.POST("/verify-email", h.VerifyEmail)
}

// RegisterSessionRoutes registers routes that need an existing session
func (h *AuthHandler) RegisterSessionRoutes(g *echo.Group) {
	g.POST("/auth/signout", h.SignOut)
}

// Signup handles local user registration with email and password
func (h *AuthHandler) Signup(c echo.Context) error {
	var req models.SignUpRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	sess, err := h.sessions.SignUp(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return ok(c, http.StatusCreated, sess)
}

// SignIn handles local user authentication with email and password
func (h *AuthHandler) SignIn(c echo.Context) error {
	var req models.SignInRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	sess, err := h.sessions.SignInPassword(c.Request().Context(), req.Email, req.Password)
	if err != nil {
		return err
	}
	return ok(c, http.StatusOK, sess)
}

// FirebaseLogin exchanges a Firebase ID token (Google, Facebook, phone or
// anonymous sign-in) for a local session
func (h *AuthHandler) FirebaseLogin(c echo.Context) error {
	var req models.FirebaseLoginRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	sess, err := h.sessions.SignInFederated(c.Request().Context(), req.IDToken)
	if err != nil {
		return err
	}
	return ok(c, http.StatusOK, sess)
}

// Anonymous starts a read-only guest session
func (h *AuthHandler) Anonymous(c echo.Context) error {
	sess, err := h.sessions.SignInAnonymous(c.Request().Context())
	if err != nil {
		return err
	}
	return ok(c, http.StatusOK, sess)
}

func (h *AuthHandler) VerifyEmail(c echo.Context) error {
	var req models.VerifyEmailRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	sess, err := h.sessions.VerifyEmail(c.Request().Context(), req.UserID, req.Code)
	if err != nil {
		return err
	}
	return ok(c, http.StatusOK, sess)
}

func (h *AuthHandler) SignOut(c echo.Context) error {
	claims := getClaims(c)
	if claims == nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "User not authenticated")
	}
	if err := h.sessions.SignOut(c.Request().Context(), claims); err != nil {
		return err
	}
	return ok(c, http.StatusOK, echo.Map{"signed_out": true})
}
