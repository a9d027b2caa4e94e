package session

import (
	"context"

	"firebase.google.com/go/v4/auth"
	"github.com/anonto42/dzaleka-online/backend/internal/models"
)

// FederatedIdentity is what a verified Firebase ID token says about its user.
type FederatedIdentity struct {
	UID           string
	Provider      string
	Email         string
	EmailVerified bool
	Name          string
	Picture       string
	Phone         string
}

// Verified reports whether the provider vouches for the identity. Phone and
// social sign-ins are verified by the provider itself.
func (f FederatedIdentity) Verified() bool {
	switch f.Provider {
	case models.ProviderPhone, models.ProviderGoogle, models.ProviderFacebook:
		return true
	case models.ProviderAnonymous:
		return false
	default:
		return f.EmailVerified
	}
}

// IDTokenVerifier checks Firebase ID tokens.
type IDTokenVerifier interface {
	Verify(ctx context.Context, idToken string) (*FederatedIdentity, error)
	RevokeRefreshTokens(ctx context.Context, uid string) error
}

// FirebaseVerifier verifies tokens with the Firebase Admin SDK.
type FirebaseVerifier struct {
	client *auth.Client
}

func NewFirebaseVerifier(client *auth.Client) *FirebaseVerifier {
	return &FirebaseVerifier{client: client}
}

func (v *FirebaseVerifier) Verify(ctx context.Context, idToken string) (*FederatedIdentity, error) {
	token, err := v.client.VerifyIDToken(ctx, idToken)
	if err != nil {
		return nil, err
	}
	id := &FederatedIdentity{
		UID:      token.UID,
		Provider: token.Firebase.SignInProvider,
	}
	id.Email, _ = token.Claims["email"].(string)
	id.EmailVerified, _ = token.Claims["email_verified"].(bool)
	id.Name, _ = token.Claims["name"].(string)
	id.Picture, _ = token.Claims["picture"].(string)
	id.Phone, _ = token.Claims["phone_number"].(string)
	return id, nil
}

func (v *FirebaseVerifier) RevokeRefreshTokens(ctx context.Context, uid string) error {
	return v.client.RevokeRefreshTokens(ctx, uid)
}
