package models

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// UserSchemaVersion is bumped whenever User gains a field that needs backfilling.
const UserSchemaVersion = 2

// User is a profile row in PostgreSQL. ID is the identity provider's uid for
// federated accounts and a generated UUID for password accounts.
type User struct {
	ID               string     `json:"id" gorm:"primaryKey;size:128"`
	Name             string     `json:"name"`
	Email            string     `json:"email,omitempty" gorm:"index"`
	Username         string     `json:"username" gorm:"uniqueIndex;size:64"`
	Bio              string     `json:"bio"`
	PhotoURL         string     `json:"photo_url"`
	PhotoRef         string     `json:"-"`
	Points           int        `json:"points" gorm:"not null;default:0;check:points >= 0"`
	Streak           int        `json:"streak" gorm:"not null;default:0;check:streak >= 0"`
	LastActiveDate   *time.Time `json:"last_active_date,omitempty" gorm:"type:date"`
	Provider         string     `json:"provider" gorm:"size:32"`
	EmailVerified    bool       `json:"email_verified"`
	VerificationCode string     `json:"-" gorm:"size:64"`
	Password         string     `json:"-"` // bcrypt hash, empty for federated accounts
	SchemaVersion    int        `json:"-" gorm:"not null;default:1"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// UserCompact is the author card attached to posts and notifications.
type UserCompact struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username"`
	PhotoURL string `json:"photo_url"`
}

func (u *User) ToCompact() UserCompact {
	return UserCompact{ID: u.ID, Name: u.DisplayName(), Username: u.Username, PhotoURL: u.PhotoURL}
}

// DisplayName falls back to the username, then to "Anonymous".
func (u *User) DisplayName() string {
	switch {
	case u.Name != "":
		return u.Name
	case u.Username != "":
		return u.Username
	default:
		return "Anonymous"
	}
}

// NormalizeUsername is the stored form of a username. Usernames are unique
// regardless of case.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// Normalize fills defaults for rows written by older schema versions.
func (u *User) Normalize() {
	if u.Points < 0 {
		u.Points = 0
	}
	if u.Streak < 0 {
		u.Streak = 0
	}
	if u.Provider == "" {
		u.Provider = ProviderPassword
	}
	u.SchemaVersion = UserSchemaVersion
}

// Identity providers.
const (
	ProviderPassword  = "password"
	ProviderGoogle    = "google.com"
	ProviderFacebook  = "facebook.com"
	ProviderPhone     = "phone"
	ProviderAnonymous = "anonymous"
)

type SignUpRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
	FullName string `json:"full_name" validate:"notblank,max=50"`
	Username string `json:"username" validate:"required,min=3,max=30,username"`
	Bio      string `json:"bio" validate:"max=300"`
}

type SignInRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type FirebaseLoginRequest struct {
	IDToken string `json:"idToken" validate:"required"`
}

type VerifyEmailRequest struct {
	UserID string `json:"user_id" validate:"required"`
	Code   string `json:"code" validate:"required"`
}

type UpdateUserRequest struct {
	Name     string  `json:"name,omitempty" validate:"omitempty,notblank,max=50"`
	Username string  `json:"username,omitempty" validate:"omitempty,min=3,max=30,username"`
	Bio      *string `json:"bio,omitempty" validate:"omitempty,max=300"`
}

// JwtCustomClaims are custom claims extending standard jwt.RegisteredClaims
type JwtCustomClaims struct {
	UserID    string `json:"user_id"`
	Email     string `json:"email,omitempty"`
	Name      string `json:"name,omitempty"`
	Provider  string `json:"provider"`
	Verified  bool   `json:"verified"`
	Anonymous bool   `json:"anonymous,omitempty"`
	jwt.RegisteredClaims
}

// RevokedToken records a signed-out session token until it would have expired.
type RevokedToken struct {
	ID        string    `gorm:"primaryKey;size:64"`
	UserID    string    `gorm:"index;size:128"`
	ExpiresAt time.Time `gorm:"index"`
	CreatedAt time.Time
}
