package session

import (
	"errors"
	"time"

	"github.com/anonto42/dzaleka-online/backend/internal/apperr"
	"github.com/anonto42/dzaleka-online/backend/internal/models"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

// DefaultTokenTTL is how long a session token stays valid.
const DefaultTokenTTL = 72 * time.Hour

// Identity is who a session token speaks for.
type Identity struct {
	UserID    string
	Email     string
	Name      string
	Provider  string
	Verified  bool
	Anonymous bool
}

// Issuer signs and parses HS256 session tokens.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(secret string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue returns a signed token for id with a fresh token id.
func (i *Issuer) Issue(id Identity) (string, *models.JwtCustomClaims, error) {
	now := i.now()
	claims := &models.JwtCustomClaims{
		UserID:    id.UserID,
		Email:     id.Email,
		Name:      id.Name,
		Provider:  id.Provider,
		Verified:  id.Verified,
		Anonymous: id.Anonymous,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   id.UserID,
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", nil, apperr.Wrap("session.Issue", err)
	}
	return signed, claims, nil
}

// Parse verifies signature and expiry.
func (i *Issuer) Parse(tokenString string) (*models.JwtCustomClaims, error) {
	claims := &models.JwtCustomClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return i.secret, nil
	})
	if err != nil {
		var verr *jwt.ValidationError
		if errors.As(err, &verr) && verr.Errors&jwt.ValidationErrorExpired != 0 {
			return nil, apperr.Auth("session expired")
		}
		return nil, apperr.Auth("invalid token")
	}
	if !token.Valid || claims.UserID == "" {
		return nil, apperr.Auth("invalid token")
	}
	return claims, nil
}
