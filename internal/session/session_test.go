package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/anonto42/dzaleka-online/backend/internal/apperr"
	"github.com/anonto42/dzaleka-online/backend/internal/live"
	"github.com/anonto42/dzaleka-online/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memUsers struct {
	mu    sync.Mutex
	users map[string]*models.User
}

func (m *memUsers) CreateUser(_ context.Context, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u.Normalize()
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *memUsers) find(match func(u *models.User) bool) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if match(u) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, apperr.NotFound("record not found")
}

func (m *memUsers) GetUserByID(_ context.Context, id string) (*models.User, error) {
	return m.find(func(u *models.User) bool { return u.ID == id })
}

func (m *memUsers) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	return m.find(func(u *models.User) bool { return strings.EqualFold(u.Email, email) })
}

func (m *memUsers) GetUserByUsername(_ context.Context, username string) (*models.User, error) {
	return m.find(func(u *models.User) bool { return strings.EqualFold(u.Username, username) })
}

func (m *memUsers) UpdateFields(_ context.Context, id string, fields map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return apperr.NotFound("user not found")
	}
	if v, ok := fields["email_verified"].(bool); ok {
		u.EmailVerified = v
	}
	if v, ok := fields["verification_code"].(string); ok {
		u.VerificationCode = v
	}
	return nil
}

type memTokens struct {
	mu      sync.Mutex
	revoked map[string]bool
}

func (m *memTokens) Revoke(_ context.Context, t *models.RevokedToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[t.ID] = true
	return nil
}

func (m *memTokens) IsRevoked(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revoked[id], nil
}

type capturedCodes struct{ codes map[string]string }

func (c *capturedCodes) SendVerificationCode(_ context.Context, email, code string) error {
	c.codes[email] = code
	return nil
}

type fakeVerifier struct {
	tokens  map[string]*FederatedIdentity
	revoked []string
}

func (f *fakeVerifier) Verify(_ context.Context, idToken string) (*FederatedIdentity, error) {
	id, ok := f.tokens[idToken]
	if !ok {
		return nil, errors.New("token has expired")
	}
	return id, nil
}

func (f *fakeVerifier) RevokeRefreshTokens(_ context.Context, uid string) error {
	f.revoked = append(f.revoked, uid)
	return nil
}

type fixture struct {
	svc      *Service
	users    *memUsers
	codes    *capturedCodes
	verifier *fakeVerifier
	broker   *live.Broker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		users:    &memUsers{users: map[string]*models.User{}},
		codes:    &capturedCodes{codes: map[string]string{}},
		verifier: &fakeVerifier{tokens: map[string]*FederatedIdentity{}},
		broker:   live.NewBroker(),
	}
	t.Cleanup(func() { _ = f.broker.Close() })
	f.svc = NewService(f.users, &memTokens{revoked: map[string]bool{}}, NewIssuer("test-secret", time.Hour), Options{
		Verifier: f.verifier,
		Codes:    f.codes,
		Broker:   f.broker,
	})
	return f
}

var signUp = models.SignUpRequest{
	Email:    "Amina@Example.org",
	Password: "correct horse",
	FullName: "Amina K",
	Username: "amina",
	Bio:      "Tailor in Dzaleka",
}

func TestSignUpThenVerifyEmail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.svc.SignUp(ctx, signUp)
	require.NoError(t, err)
	assert.False(t, sess.Verified)
	assert.Equal(t, "amina@example.org", sess.User.Email)
	assert.Zero(t, sess.User.Points)

	claims, err := f.svc.Authenticate(ctx, sess.Token)
	require.NoError(t, err)
	assert.False(t, CanAct(claims), "unverified accounts cannot act")

	_, err = f.svc.VerifyEmail(ctx, sess.User.ID, "000000x")
	assert.True(t, apperr.Is(err, apperr.KindAuth))

	code := f.codes.codes["amina@example.org"]
	require.Len(t, code, 6)
	verified, err := f.svc.VerifyEmail(ctx, sess.User.ID, code)
	require.NoError(t, err)
	assert.True(t, verified.Verified)

	claims, err = f.svc.Authenticate(ctx, verified.Token)
	require.NoError(t, err)
	assert.True(t, CanAct(claims))
}

func TestSignUpRejectsTakenUsernameAndEmail(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.SignUp(context.Background(), signUp)
	require.NoError(t, err)

	again := signUp
	again.Email = "other@example.org"
	again.Username = "AMINA"
	_, err = f.svc.SignUp(context.Background(), again)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	assert.Contains(t, err.Error(), "username already taken")

	again = signUp
	again.Username = "amina2"
	_, err = f.svc.SignUp(context.Background(), again)
	assert.True(t, apperr.Is(err, apperr.KindConflict))
}

func TestSignUpStoresLowercaseUsername(t *testing.T) {
	f := newFixture(t)
	req := signUp
	req.Username = "Amina_K"
	sess, err := f.svc.SignUp(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "amina_k", sess.User.Username)
}

func TestSignInPassword(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.SignUp(context.Background(), signUp)
	require.NoError(t, err)

	sess, err := f.svc.SignInPassword(context.Background(), "amina@example.org", "correct horse")
	require.NoError(t, err)
	assert.NotEmpty(t, sess.Token)

	_, err = f.svc.SignInPassword(context.Background(), "amina@example.org", "wrong")
	assert.True(t, apperr.Is(err, apperr.KindAuth))

	_, err = f.svc.SignInPassword(context.Background(), "nobody@example.org", "x")
	assert.True(t, apperr.Is(err, apperr.KindAuth))
}

func TestSignInFederatedCreatesVerifiedProfile(t *testing.T) {
	f := newFixture(t)
	f.verifier.tokens["google"] = &FederatedIdentity{UID: "g-1", Provider: models.ProviderGoogle, Email: "Jean.P@gmail.com", Name: "Jean P", Picture: "https://pic"}
	f.verifier.tokens["phone"] = &FederatedIdentity{UID: "p-1", Provider: models.ProviderPhone, Phone: "+265999"}

	sess, err := f.svc.SignInFederated(context.Background(), "google")
	require.NoError(t, err)
	assert.True(t, sess.Verified)
	assert.Equal(t, "g-1", sess.User.ID)
	assert.Equal(t, "jean.p", sess.User.Username)
	assert.Equal(t, "https://pic", sess.User.PhotoURL)

	again, err := f.svc.SignInFederated(context.Background(), "google")
	require.NoError(t, err)
	assert.Equal(t, "g-1", again.User.ID)
	assert.Len(t, f.users.users, 1)

	phone, err := f.svc.SignInFederated(context.Background(), "phone")
	require.NoError(t, err)
	assert.True(t, phone.Verified)
	assert.Equal(t, "user", phone.User.Username)

	_, err = f.svc.SignInFederated(context.Background(), "expired")
	assert.True(t, apperr.Is(err, apperr.KindAuth))
}

func TestSignInFederatedDerivesFreeUsername(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.users.CreateUser(context.Background(), &models.User{ID: "x", Username: "jean"}))
	f.verifier.tokens["fb"] = &FederatedIdentity{UID: "f-1", Provider: models.ProviderFacebook, Email: "jean@fb.com"}

	sess, err := f.svc.SignInFederated(context.Background(), "fb")
	require.NoError(t, err)
	assert.NotEqual(t, "jean", sess.User.Username)
	assert.True(t, strings.HasPrefix(sess.User.Username, "jean_"))
}

func TestAnonymousSessionsAreReadOnly(t *testing.T) {
	f := newFixture(t)
	f.verifier.tokens["anon"] = &FederatedIdentity{UID: "a-1", Provider: models.ProviderAnonymous}

	for _, start := range []func() (*Session, error){
		func() (*Session, error) { return f.svc.SignInAnonymous(context.Background()) },
		func() (*Session, error) { return f.svc.SignInFederated(context.Background(), "anon") },
	} {
		sess, err := start()
		require.NoError(t, err)
		assert.True(t, sess.Guest)
		assert.Nil(t, sess.User)

		claims, err := f.svc.Authenticate(context.Background(), sess.Token)
		require.NoError(t, err)
		assert.True(t, claims.Anonymous)
		assert.False(t, CanAct(claims))
	}
	assert.Empty(t, f.users.users)
}

func TestSignOutRevokesTokenAndEmitsChange(t *testing.T) {
	f := newFixture(t)
	f.verifier.tokens["google"] = &FederatedIdentity{UID: "g-1", Provider: models.ProviderGoogle, Email: "g@gmail.com"}
	ctx := context.Background()

	sess, err := f.svc.SignInFederated(ctx, "google")
	require.NoError(t, err)
	claims, err := f.svc.Authenticate(ctx, sess.Token)
	require.NoError(t, err)

	changes, cancel, err := f.svc.Changes(ctx, "g-1")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, f.svc.SignOut(ctx, claims))

	_, err = f.svc.Authenticate(ctx, sess.Token)
	assert.True(t, apperr.Is(err, apperr.KindAuth))
	assert.Equal(t, []string{"g-1"}, f.verifier.revoked)

	select {
	case ev := <-changes:
		assert.Equal(t, EventSignedOut, ev.Kind)
		assert.Equal(t, "g-1", ev.UserID)
	case <-time.After(2 * time.Second):
		t.Fatal("no sign-out event")
	}
}

func TestIssuerRejectsExpiredAndForeignTokens(t *testing.T) {
	iss := NewIssuer("secret", time.Minute)
	iss.now = func() time.Time { return time.Now().Add(-2 * time.Minute) }
	old, _, err := iss.Issue(Identity{UserID: "u1"})
	require.NoError(t, err)

	_, err = NewIssuer("secret", time.Minute).Parse(old)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expired")

	token, _, err := NewIssuer("other", time.Minute).Issue(Identity{UserID: "u1"})
	require.NoError(t, err)
	_, err = iss.Parse(token)
	assert.True(t, apperr.Is(err, apperr.KindAuth))
}

func TestContextClaims(t *testing.T) {
	_, ok := Current(context.Background())
	assert.False(t, ok)

	claims := &models.JwtCustomClaims{UserID: "u1", Verified: true}
	got, ok := Current(WithClaims(context.Background(), claims))
	require.True(t, ok)
	assert.Equal(t, "u1", got.UserID)
	assert.True(t, CanAct(got))
}
