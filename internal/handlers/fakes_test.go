package handlers

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/anonto42/dzaleka-online/backend/internal/apperr"
	"github.com/anonto42/dzaleka-online/backend/internal/feed"
	"github.com/anonto42/dzaleka-online/backend/internal/live"
	"github.com/anonto42/dzaleka-online/backend/internal/media"
	"github.com/anonto42/dzaleka-online/backend/internal/models"
	"github.com/anonto42/dzaleka-online/backend/internal/notify"
	"github.com/anonto42/dzaleka-online/backend/internal/session"
	"github.com/anonto42/dzaleka-online/backend/internal/validators"
	"github.com/goccy/go-json"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

var (
	amina = &models.JwtCustomClaims{UserID: "amina", Name: "Amina", Verified: true}
	guest = &models.JwtCustomClaims{UserID: "guest-1", Name: "Guest", Anonymous: true}
)

// newServer builds an Echo app whose /api/v1 group authenticates as claims.
func newServer(claims *models.JwtCustomClaims, register func(g *echo.Group)) *echo.Echo {
	e := echo.New()
	e.HTTPErrorHandler = ErrorHandler
	e.Validator = validators.NewValidator()
	g := e.Group("/api/v1", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if claims != nil {
				c.Set("user", claims)
				c.SetRequest(c.Request().WithContext(session.WithClaims(c.Request().Context(), claims)))
			}
			return next(c)
		}
	})
	register(g)
	return e
}

type envelope struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Error     string          `json:"error"`
	Retryable bool            `json:"retryable"`
}

func call(t *testing.T, e *echo.Echo, method, path string, body io.Reader, header http.Header) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if body != nil && header.Get(echo.HeaderContentType) == "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	var env envelope
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	}
	return rec, env
}

type likeCall struct {
	userID, postID string
	liked          bool
}

type commentCall struct {
	userID, postID, id, text string
}

// fakeFeed is an in-memory FeedService.
type fakeFeed struct {
	mu        sync.Mutex
	posts     []models.EnrichedPost
	created   map[string]models.EnrichedPost
	inputs    []feed.CreatePostInput
	likes     []likeCall
	comments  []commentCall
	failLikes error
}

func newFakeFeed(n int) *fakeFeed {
	f := &fakeFeed{created: map[string]models.EnrichedPost{}}
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		f.posts = append(f.posts, models.EnrichedPost{
			Post: models.Post{
				ID:        primitive.NewObjectID(),
				UserID:    "jean",
				Content:   "post",
				Likes:     []string{},
				Comments:  []models.Comment{},
				CreatedAt: base.Add(-time.Duration(i) * time.Minute),
			},
			Author: models.UserCompact{ID: "jean", Name: "Jean"},
		})
	}
	return f
}

func (f *fakeFeed) find(id string) int {
	for i, p := range f.posts {
		if p.ID.Hex() == id {
			return i
		}
	}
	return -1
}

func (f *fakeFeed) Page(_ context.Context, before *models.Cursor, limit int) (models.FeedPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit <= 0 {
		limit = feed.DefaultPageSize
	}
	var out []models.EnrichedPost
	for _, p := range f.posts {
		if before != nil && !before.Before(p.Post) {
			continue
		}
		out = append(out, p.Clone())
	}
	page := models.FeedPage{HasMore: len(out) > limit}
	if len(out) > limit {
		out = out[:limit]
	}
	page.Posts = out
	if page.HasMore {
		page.NextCursor = models.CursorFor(out[len(out)-1].Post).Encode()
	}
	return page, nil
}

func (f *fakeFeed) SetLike(_ context.Context, actor feed.Actor, postID string, liked bool) (feed.LikeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.likes = append(f.likes, likeCall{actor.ID, postID, liked})
	if f.failLikes != nil {
		return feed.LikeResult{}, f.failLikes
	}
	i := f.find(postID)
	if i < 0 {
		return feed.LikeResult{}, apperr.NotFound("post not found")
	}
	f.posts[i].SetLiked(actor.ID, liked)
	return feed.LikeResult{PostID: postID, Liked: liked, Likes: len(f.posts[i].Likes)}, nil
}

func (f *fakeFeed) ToggleLike(ctx context.Context, actor feed.Actor, postID string) (feed.LikeResult, error) {
	f.mu.Lock()
	i := f.find(postID)
	liked := i >= 0 && f.posts[i].IsLikedBy(actor.ID)
	f.mu.Unlock()
	return f.SetLike(ctx, actor, postID, !liked)
}

func (f *fakeFeed) AddComment(_ context.Context, actor feed.Actor, postID, commentID, text string) (models.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments = append(f.comments, commentCall{actor.ID, postID, commentID, text})
	text, err := feed.ValidateComment(text, feed.DefaultCommentMaxLength)
	if err != nil {
		return models.Comment{}, err
	}
	i := f.find(postID)
	if i < 0 {
		return models.Comment{}, apperr.NotFound("post not found")
	}
	if commentID == "" {
		commentID = "generated"
	}
	c := models.Comment{ID: commentID, UserID: actor.ID, Username: actor.Name, Text: text, CreatedAt: time.Now().UTC()}
	if !f.posts[i].HasComment(commentID) {
		f.posts[i].Comments = append(f.posts[i].Comments, c)
	}
	return c, nil
}

func (f *fakeFeed) Post(_ context.Context, id string) (models.EnrichedPost, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i := f.find(id); i >= 0 {
		return f.posts[i].Clone(), nil
	}
	return models.EnrichedPost{}, apperr.NotFound("post not found")
}

func (f *fakeFeed) UserPosts(_ context.Context, userID string, _ int) ([]models.EnrichedPost, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []models.EnrichedPost{}
	for _, p := range f.posts {
		if p.UserID == userID {
			out = append(out, p.Clone())
		}
	}
	return out, nil
}

func (f *fakeFeed) Comments(ctx context.Context, postID string) ([]models.Comment, error) {
	p, err := f.Post(ctx, postID)
	return p.Comments, err
}

func (f *fakeFeed) CreatePost(_ context.Context, actor feed.Actor, in feed.CreatePostInput) (models.EnrichedPost, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, in)
	if p, ok := f.created[actor.ID+"/"+in.IdempotencyKey]; ok && in.IdempotencyKey != "" {
		return p, false, nil
	}
	p := models.EnrichedPost{
		Post:   models.Post{ID: primitive.NewObjectID(), UserID: actor.ID, Title: in.Title, Content: in.Content, CreatedAt: time.Now().UTC()},
		Author: models.UserCompact{ID: actor.ID, Name: actor.Name},
	}
	if in.Image != nil {
		p.ImageURL = "https://img.example/" + in.Image.Filename
	}
	f.created[actor.ID+"/"+in.IdempotencyKey] = p
	f.posts = append([]models.EnrichedPost{p}, f.posts...)
	return p, true, nil
}

func (f *fakeFeed) DeletePost(_ context.Context, actorID, postID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.find(postID)
	if i < 0 {
		return apperr.NotFound("post not found")
	}
	if f.posts[i].UserID != actorID {
		return apperr.Forbidden("only the author can delete this post")
	}
	f.posts = append(f.posts[:i], f.posts[i+1:]...)
	return nil
}

func (f *fakeFeed) CommentMaxLength() int { return feed.DefaultCommentMaxLength }

// fakeSessions records calls and hands out canned sessions.
type fakeSessions struct {
	mu       sync.Mutex
	signups  []models.SignUpRequest
	signouts []string
	changes  chan session.Event
}

func (f *fakeSessions) SignUp(_ context.Context, req models.SignUpRequest) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signups = append(f.signups, req)
	if req.Username == "taken" {
		return nil, apperr.Validation("username already taken")
	}
	return &session.Session{Token: "t-signup", User: &models.User{ID: "u1", Username: req.Username}}, nil
}

func (f *fakeSessions) SignInPassword(_ context.Context, email, password string) (*session.Session, error) {
	if password != "correct horse" {
		return nil, apperr.Auth("invalid email or password")
	}
	return &session.Session{Token: "t-" + email, Verified: true}, nil
}

func (f *fakeSessions) SignInFederated(_ context.Context, idToken string) (*session.Session, error) {
	return &session.Session{Token: "t-" + idToken, Verified: true}, nil
}

func (f *fakeSessions) SignInAnonymous(context.Context) (*session.Session, error) {
	return &session.Session{Token: "t-guest", Guest: true}, nil
}

func (f *fakeSessions) VerifyEmail(_ context.Context, userID, code string) (*session.Session, error) {
	if code != "123456" {
		return nil, apperr.Auth("invalid verification code")
	}
	return &session.Session{Token: "t-" + userID, Verified: true}, nil
}

func (f *fakeSessions) SignOut(_ context.Context, claims *models.JwtCustomClaims) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signouts = append(f.signouts, claims.UserID)
	return nil
}

func (f *fakeSessions) Changes(ctx context.Context, _ string) (<-chan session.Event, context.CancelFunc, error) {
	if f.changes == nil {
		return nil, nil, apperr.Validation("identity changes are not available")
	}
	_, cancel := context.WithCancel(ctx)
	return f.changes, cancel, nil
}

// memUsers is an in-memory UserStore.
type memUsers struct {
	mu    sync.Mutex
	users map[string]*models.User
}

func (m *memUsers) GetUserByID(_ context.Context, id string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, apperr.NotFound("user not found")
	}
	cp := *u
	return &cp, nil
}

func (m *memUsers) UpdateFields(_ context.Context, id string, fields map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return apperr.NotFound("user not found")
	}
	for k, v := range fields {
		s, _ := v.(string)
		switch k {
		case "name":
			u.Name = s
		case "username":
			for _, other := range m.users {
				if other.ID != id && strings.EqualFold(other.Username, s) {
					return apperr.Validation("username already taken")
				}
			}
			u.Username = s
		case "bio":
			u.Bio = s
		case "photo_url":
			u.PhotoURL = s
		case "photo_ref":
			u.PhotoRef = s
		}
	}
	return nil
}

func (m *memUsers) SearchUsers(_ context.Context, query string, limit int) ([]models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.User
	for _, u := range m.users {
		if u.Username == query || u.Name == query {
			out = append(out, *u)
		}
	}
	return out, nil
}

// fakeMedia accepts any upload and records deletions.
type fakeMedia struct {
	mu      sync.Mutex
	deleted []string
}

func (f *fakeMedia) Upload(_ context.Context, filename string, _ []byte) (media.Asset, error) {
	return media.Asset{URL: "https://img.example/" + filename, Ref: "cloudinary:" + filename}, nil
}

func (f *fakeMedia) Delete(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, ref)
	return nil
}

// fakeInbox is a NotificationService over a fixed list.
type fakeInbox struct {
	mu     sync.Mutex
	items  []models.Notification
	broker *live.Broker
	quiet  bool       // no refresh after a write
	marked [][]string // unseen ids passed to each MarkAllSeen
}

func (f *fakeInbox) markCalls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.marked...)
}

func (f *fakeInbox) Snapshot(_ context.Context, _ string) (notify.Inbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := append([]models.Notification(nil), f.items...)
	return notify.NewInbox(items), nil
}

func (f *fakeInbox) SubscribeUnseen(ctx context.Context, userID string) (*live.Subscription[notify.Inbox], error) {
	return live.Watch(ctx, f.broker, live.NotificationsTopic(userID), func(ctx context.Context) (notify.Inbox, error) {
		return f.Snapshot(ctx, userID)
	}, live.WatchOptions{})
}

func (f *fakeInbox) MarkAllSeen(_ context.Context, userID string, inbox notify.Inbox) (int64, error) {
	ids := map[string]bool{}
	for _, id := range inbox.UnseenIDs() {
		ids[id] = true
	}
	f.mu.Lock()
	f.marked = append(f.marked, inbox.UnseenIDs())
	quiet := f.quiet
	var n int64
	for i := range f.items {
		if ids[f.items[i].ID] && !f.items[i].Seen {
			f.items[i].Seen = true
			n++
		}
	}
	f.mu.Unlock()
	if n > 0 && !quiet {
		f.broker.Publish(live.NotificationsTopic(userID), nil)
	}
	return n, nil
}

func (f *fakeInbox) MarkAllSeenLatest(ctx context.Context, userID string) (int64, error) {
	inbox, _ := f.Snapshot(ctx, userID)
	return f.MarkAllSeen(ctx, userID, inbox)
}
