// Package session signs users in and out and tells the rest of the service
// who is acting.
package session

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/anonto42/dzaleka-online/backend/internal/apperr"
	"github.com/anonto42/dzaleka-online/backend/internal/live"
	"github.com/anonto42/dzaleka-online/backend/internal/models"
	"github.com/anonto42/dzaleka-online/backend/pkg/logging"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

type UserStore interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	UpdateFields(ctx context.Context, id string, fields map[string]interface{}) error
}

type TokenStore interface {
	Revoke(ctx context.Context, token *models.RevokedToken) error
	IsRevoked(ctx context.Context, id string) (bool, error)
}

// CodeSender delivers email verification codes.
type CodeSender interface {
	SendVerificationCode(ctx context.Context, email, code string) error
}

// LogCodeSender writes codes to the log; used when no mailer is configured.
type LogCodeSender struct{}

func (LogCodeSender) SendVerificationCode(_ context.Context, email, code string) error {
	logging.Info().Str("email", email).Str("code", code).Msg("email verification code issued")
	return nil
}

// Session is a signed-in identity and its token. User is nil for guests.
type Session struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expires_at"`
	User      *models.User `json:"user,omitempty"`
	Guest     bool         `json:"guest,omitempty"`
	Verified  bool         `json:"verified"`
}

// Service is the identity adapter.
type Service struct {
	users    UserStore
	tokens   TokenStore
	verifier IDTokenVerifier
	issuer   *Issuer
	broker   *live.Broker
	codes    CodeSender
	timeout  time.Duration
}

type Options struct {
	// Verifier may be nil when Firebase is not configured.
	Verifier IDTokenVerifier
	Codes    CodeSender
	Broker   *live.Broker
	Timeout  time.Duration
}

func NewService(users UserStore, tokens TokenStore, issuer *Issuer, opts Options) *Service {
	if opts.Codes == nil {
		opts.Codes = LogCodeSender{}
	}
	return &Service{
		users:    users,
		tokens:   tokens,
		verifier: opts.Verifier,
		issuer:   issuer,
		broker:   opts.Broker,
		codes:    opts.Codes,
		timeout:  opts.Timeout,
	}
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// SignUp creates a password account. The account must confirm its email
// with VerifyEmail before it can act.
func (s *Service) SignUp(ctx context.Context, req models.SignUpRequest) (*Session, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	email := strings.ToLower(strings.TrimSpace(req.Email))
	username := models.NormalizeUsername(req.Username)
	if taken, err := s.exists(s.users.GetUserByUsername(ctx, username)); err != nil {
		return nil, apperr.Wrap("session.SignUp", err)
	} else if taken {
		return nil, apperr.Validation("username already taken")
	}
	if taken, err := s.exists(s.users.GetUserByEmail(ctx, email)); err != nil {
		return nil, apperr.Wrap("session.SignUp", err)
	} else if taken {
		return nil, apperr.Conflict("an account with this email already exists")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, apperr.Wrap("session.SignUp", err)
	}
	code, err := verificationCode()
	if err != nil {
		return nil, apperr.Wrap("session.SignUp", err)
	}

	user := &models.User{
		ID:               uuid.NewString(),
		Name:             strings.TrimSpace(req.FullName),
		Email:            email,
		Username:         username,
		Bio:              req.Bio,
		Provider:         models.ProviderPassword,
		VerificationCode: code,
		Password:         string(hash),
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		return nil, apperr.Wrap("session.SignUp", err)
	}
	if err := s.codes.SendVerificationCode(ctx, email, code); err != nil {
		logging.Warn().Err(err).Str("user_id", user.ID).Msg("failed to send verification code")
	}

	return s.start(user, EventSignedIn)
}

// SignInPassword checks an email and password.
func (s *Service) SignInPassword(ctx context.Context, email, password string) (*Session, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	user, err := s.users.GetUserByEmail(ctx, strings.TrimSpace(email))
	if apperr.Is(err, apperr.KindNotFound) {
		return nil, apperr.Auth("invalid email or password")
	}
	if err != nil {
		return nil, apperr.Wrap("session.SignIn", err)
	}
	if user.Password == "" {
		return nil, apperr.Auth("this account signs in with " + user.Provider)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)); err != nil {
		return nil, apperr.Auth("invalid email or password")
	}
	return s.start(user, EventSignedIn)
}

// SignInFederated exchanges a Firebase ID token (Google, Facebook, phone or
// Firebase anonymous sign-in) for a session, creating the profile on first use.
func (s *Service) SignInFederated(ctx context.Context, idToken string) (*Session, error) {
	if s.verifier == nil {
		return nil, apperr.Auth("federated sign-in is not configured")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	fid, err := s.verifier.Verify(ctx, idToken)
	if err != nil {
		logging.Debug().Err(err).Msg("firebase token rejected")
		return nil, apperr.Auth("invalid identity token")
	}
	if fid.Provider == models.ProviderAnonymous {
		return s.guest(fid.UID)
	}

	user, err := s.users.GetUserByID(ctx, fid.UID)
	switch {
	case err == nil:
		if fid.Verified() && !user.EmailVerified {
			if err := s.users.UpdateFields(ctx, user.ID, map[string]interface{}{"email_verified": true}); err != nil {
				return nil, apperr.Wrap("session.SignInFederated", err)
			}
			user.EmailVerified = true
		}
		return s.start(user, EventSignedIn)
	case !apperr.Is(err, apperr.KindNotFound):
		return nil, apperr.Wrap("session.SignInFederated", err)
	}

	if fid.Email != "" {
		existing, err := s.users.GetUserByEmail(ctx, fid.Email)
		switch {
		case err == nil:
			// the provider must vouch for the address before we link to it
			if !fid.EmailVerified && !fid.Verified() {
				return nil, apperr.Conflict("an account with this email already exists")
			}
			return s.start(existing, EventSignedIn)
		case !apperr.Is(err, apperr.KindNotFound):
			return nil, apperr.Wrap("session.SignInFederated", err)
		}
	}

	username, err := s.freeUsername(ctx, fid)
	if err != nil {
		return nil, apperr.Wrap("session.SignInFederated", err)
	}
	user = &models.User{
		ID:            fid.UID,
		Name:          fid.Name,
		Email:         strings.ToLower(fid.Email),
		Username:      username,
		PhotoURL:      fid.Picture,
		Provider:      fid.Provider,
		EmailVerified: fid.Verified(),
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		return nil, apperr.Wrap("session.SignInFederated", err)
	}
	logging.Info().Str("user_id", user.ID).Str("provider", user.Provider).Msg("federated account created")
	return s.start(user, EventSignedIn)
}

// SignInAnonymous starts a read-only guest session.
func (s *Service) SignInAnonymous(_ context.Context) (*Session, error) {
	return s.guest("guest-" + uuid.NewString())
}

func (s *Service) guest(uid string) (*Session, error) {
	token, claims, err := s.issuer.Issue(Identity{
		UserID:    uid,
		Name:      "Guest",
		Provider:  models.ProviderAnonymous,
		Anonymous: true,
	})
	if err != nil {
		return nil, err
	}
	return &Session{Token: token, ExpiresAt: claims.ExpiresAt.Time, Guest: true}, nil
}

// VerifyEmail confirms a password account's email with the code sent at sign-up.
func (s *Service) VerifyEmail(ctx context.Context, userID, code string) (*Session, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return nil, apperr.Wrap("session.VerifyEmail", err)
	}
	if !user.EmailVerified {
		if user.VerificationCode == "" || subtle.ConstantTimeCompare([]byte(user.VerificationCode), []byte(strings.TrimSpace(code))) != 1 {
			return nil, apperr.Auth("invalid verification code")
		}
		err := s.users.UpdateFields(ctx, user.ID, map[string]interface{}{
			"email_verified":    true,
			"verification_code": "",
		})
		if err != nil {
			return nil, apperr.Wrap("session.VerifyEmail", err)
		}
		user.EmailVerified = true
		user.VerificationCode = ""
	}
	return s.start(user, EventVerified)
}

// SignOut revokes the token behind claims and, for Firebase accounts, the
// provider's refresh tokens.
func (s *Service) SignOut(ctx context.Context, claims *models.JwtCustomClaims) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	expires := time.Now().Add(DefaultTokenTTL)
	if claims.ExpiresAt != nil {
		expires = claims.ExpiresAt.Time
	}
	err := s.tokens.Revoke(ctx, &models.RevokedToken{ID: claims.ID, UserID: claims.UserID, ExpiresAt: expires})
	if err != nil {
		return apperr.Wrap("session.SignOut", err)
	}

	if s.verifier != nil && !claims.Anonymous && claims.Provider != models.ProviderPassword {
		if err := s.verifier.RevokeRefreshTokens(ctx, claims.UserID); err != nil {
			logging.Warn().Err(err).Str("user_id", claims.UserID).Msg("failed to revoke provider refresh tokens")
		}
	}
	s.emit(claims.UserID, EventSignedOut)
	return nil
}

// Authenticate parses a bearer token and rejects signed-out tokens.
func (s *Service) Authenticate(ctx context.Context, token string) (*models.JwtCustomClaims, error) {
	claims, err := s.issuer.Parse(token)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	revoked, err := s.tokens.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, apperr.Wrap("session.Authenticate", err)
	}
	if revoked {
		return nil, apperr.Auth("session has been signed out")
	}
	return claims, nil
}

func (s *Service) start(user *models.User, kind EventKind) (*Session, error) {
	token, claims, err := s.issuer.Issue(Identity{
		UserID:   user.ID,
		Email:    user.Email,
		Name:     user.DisplayName(),
		Provider: user.Provider,
		Verified: user.EmailVerified,
	})
	if err != nil {
		return nil, err
	}
	s.emit(user.ID, kind)
	return &Session{Token: token, ExpiresAt: claims.ExpiresAt.Time, User: user, Verified: user.EmailVerified}, nil
}

// exists turns a lookup result into found / not found, keeping real errors.
func (s *Service) exists(_ *models.User, err error) (bool, error) {
	switch {
	case err == nil:
		return true, nil
	case apperr.Is(err, apperr.KindNotFound):
		return false, nil
	default:
		return false, err
	}
}

// freeUsername derives an unused username from the identity.
func (s *Service) freeUsername(ctx context.Context, fid *FederatedIdentity) (string, error) {
	base := usernameBase(fid)
	candidate := base
	for attempt := 0; attempt < 5; attempt++ {
		taken, err := s.exists(s.users.GetUserByUsername(ctx, candidate))
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
		n, err := rand.Int(rand.Reader, big.NewInt(10000))
		if err != nil {
			return "", err
		}
		candidate = fmt.Sprintf("%s_%04d", base, n.Int64())
	}
	return base + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8], nil
}

func usernameBase(fid *FederatedIdentity) string {
	source := fid.Name
	if local, _, ok := strings.Cut(fid.Email, "@"); ok && local != "" {
		source = local
	}
	var b strings.Builder
	for _, r := range strings.ToLower(source) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '.':
			b.WriteRune(r)
		case r == ' ' || r == '-':
			b.WriteRune('_')
		}
		if b.Len() >= 20 {
			break
		}
	}
	if b.Len() < 3 {
		return "user"
	}
	return b.String()
}

func verificationCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// EventKind names an identity change.
type EventKind string

const (
	EventSignedIn  EventKind = "signed_in"
	EventSignedOut EventKind = "signed_out"
	EventVerified  EventKind = "verified"
)

type Event struct {
	Kind   EventKind `json:"kind"`
	UserID string    `json:"user_id"`
	At     time.Time `json:"at"`
}

func (s *Service) emit(userID string, kind EventKind) {
	if s.broker == nil {
		return
	}
	payload, err := json.Marshal(Event{Kind: kind, UserID: userID, At: time.Now().UTC()})
	if err != nil {
		return
	}
	s.broker.Publish(live.SessionTopic(userID), payload)
}

// Changes streams identity changes for userID until cancel is called or
// ctx ends. The channel is closed when the stream stops.
func (s *Service) Changes(ctx context.Context, userID string) (<-chan Event, context.CancelFunc, error) {
	if s.broker == nil {
		return nil, nil, apperr.Validation("identity changes are not available")
	}
	ctx, cancel := context.WithCancel(ctx)
	raw, err := s.broker.Events(ctx, live.SessionTopic(userID))
	if err != nil {
		cancel()
		return nil, nil, apperr.Wrap("session.Changes", err)
	}

	out := make(chan Event, 4)
	go func() {
		defer close(out)
		for payload := range raw {
			var ev Event
			if err := json.Unmarshal(payload, &ev); err != nil {
				logging.Warn().Err(err).Msg("malformed session event")
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, cancel, nil
}
