package feed

import (
	"context"
	"slices"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/anonto42/dzaleka-online/backend/internal/apperr"
	"github.com/anonto42/dzaleka-online/backend/internal/media"
	"github.com/anonto42/dzaleka-online/backend/internal/models"
	"github.com/anonto42/dzaleka-online/backend/internal/streak"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

var epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type memPosts struct {
	mu    sync.Mutex
	posts map[string]*models.Post
	seq   int
	lists int
	// frozen posts are what GetPostByID returns regardless of later writes
	frozen map[string]models.Post
}

func (m *memPosts) freeze(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frozen == nil {
		m.frozen = make(map[string]models.Post)
	}
	m.frozen[id] = m.posts[id].Clone()
}

func newMemPosts() *memPosts {
	return &memPosts{posts: map[string]*models.Post{}}
}

// seed stores a post by userID created n seconds after epoch.
func (m *memPosts) seed(userID string, n int) string {
	p := &models.Post{ID: primitive.NewObjectID(), UserID: userID, Content: "post " + strconv.Itoa(n), CreatedAt: epoch.Add(time.Duration(n) * time.Second)}
	p.Normalize()
	m.mu.Lock()
	m.posts[p.ID.Hex()] = p
	m.mu.Unlock()
	return p.ID.Hex()
}

func (m *memPosts) get(id string) models.Post {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.posts[id].Clone()
}

func (m *memPosts) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.posts)
}

func (m *memPosts) CreatePost(_ context.Context, p *models.Post) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.IdempotencyKey != "" {
		for _, existing := range m.posts {
			if existing.UserID == p.UserID && existing.IdempotencyKey == p.IdempotencyKey {
				*p = existing.Clone()
				return false, nil
			}
		}
	}
	m.seq++
	p.ID = primitive.NewObjectID()
	p.CreatedAt = epoch.Add(time.Hour + time.Duration(m.seq)*time.Second)
	p.Normalize()
	cp := p.Clone()
	m.posts[p.ID.Hex()] = &cp
	return true, nil
}

func (m *memPosts) GetPostByID(_ context.Context, id string) (*models.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.frozen[id]; ok {
		cp := p.Clone()
		return &cp, nil
	}
	p, ok := m.posts[id]
	if !ok {
		return nil, apperr.NotFound("post not found")
	}
	cp := p.Clone()
	return &cp, nil
}

func (m *memPosts) sorted() []models.Post {
	out := make([]models.Post, 0, len(m.posts))
	for _, p := range m.posts {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.Hex() > out[j].ID.Hex()
	})
	return out
}

func (m *memPosts) GetPostsByUserID(_ context.Context, userID string, limit int64) ([]models.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Post
	for _, p := range m.sorted() {
		if p.UserID == userID && int64(len(out)) < limit {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memPosts) ListPosts(_ context.Context, before *models.Cursor, limit int64) ([]models.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists++
	var out []models.Post
	for _, p := range m.sorted() {
		if before != nil && !before.Before(p) {
			continue
		}
		if int64(len(out)) == limit {
			break
		}
		out = append(out, p)
	}
	return out, nil
}

func (m *memPosts) setLike(postID, userID string, liked bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[postID]
	if !ok {
		return false, apperr.NotFound("post not found")
	}
	return p.SetLiked(userID, liked), nil
}

func (m *memPosts) AddLike(_ context.Context, postID, userID string) (bool, error) {
	return m.setLike(postID, userID, true)
}

func (m *memPosts) RemoveLike(_ context.Context, postID, userID string) (bool, error) {
	return m.setLike(postID, userID, false)
}

func (m *memPosts) AppendComment(_ context.Context, postID string, c models.Comment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[postID]
	if !ok {
		return apperr.NotFound("post not found")
	}
	if !p.HasComment(c.ID) {
		p.Comments = append(p.Comments, c)
	}
	return nil
}

func (m *memPosts) DeletePost(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.posts[id]; !ok {
		return apperr.NotFound("post not found")
	}
	delete(m.posts, id)
	return nil
}

type memUsers struct {
	mu    sync.Mutex
	users map[string]models.User
}

func newMemUsers(users ...models.User) *memUsers {
	m := &memUsers{users: map[string]models.User{}}
	for _, u := range users {
		m.users[u.ID] = u
	}
	return m
}

func (m *memUsers) rename(id, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.users[id]
	u.Name = name
	m.users[id] = u
}

func (m *memUsers) GetUsersByIDs(_ context.Context, ids []string) (map[string]models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]models.User{}
	for _, id := range ids {
		if u, ok := m.users[id]; ok {
			out[id] = u
		}
	}
	return out, nil
}

// memNotifications backs a real notify.Service.
type memNotifications struct {
	mu    sync.Mutex
	items []models.Notification
}

func (m *memNotifications) CreateNotification(_ context.Context, n *models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n.ID = strconv.Itoa(len(m.items) + 1)
	n.CreatedAt = time.Now()
	m.items = append(m.items, *n)
	return nil
}

func (m *memNotifications) ListByReceiver(_ context.Context, receiverID string, limit int) ([]models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Notification
	for i := len(m.items) - 1; i >= 0 && len(out) < limit; i-- {
		if m.items[i].ReceiverID == receiverID {
			out = append(out, m.items[i])
		}
	}
	return out, nil
}

func (m *memNotifications) MarkSeen(_ context.Context, receiverID string, ids []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for i := range m.items {
		if m.items[i].ReceiverID == receiverID && !m.items[i].Seen && slices.Contains(ids, m.items[i].ID) {
			m.items[i].Seen = true
			n++
		}
	}
	return n, nil
}

func (m *memNotifications) all() []models.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.items)
}

type recordedActivity struct {
	userID   string
	activity streak.Activity
}

type activityLog struct {
	mu      sync.Mutex
	entries []recordedActivity
}

func (a *activityLog) RecordQuietly(_ context.Context, userID string, act streak.Activity) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, recordedActivity{userID, act})
}

type fakeMedia struct {
	mu       sync.Mutex
	uploads  int
	deleted  []string
	failNext error
}

func (f *fakeMedia) Upload(_ context.Context, filename string, _ []byte) (media.Asset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return media.Asset{}, err
	}
	f.uploads++
	ref := "cloudinary:" + strconv.Itoa(f.uploads)
	return media.Asset{URL: "https://cdn.example/" + filename + "?v=" + strconv.Itoa(f.uploads), Ref: ref}, nil
}

func (f *fakeMedia) Delete(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, ref)
	return nil
}

// gatedBackend holds like and comment writes until release is closed.
type gatedBackend struct {
	Backend
	entered chan struct{}
	release chan struct{}
	fail    error
	pages   chan struct{}
	hold    chan struct{}
}

func newGatedBackend(b Backend) *gatedBackend {
	return &gatedBackend{Backend: b, entered: make(chan struct{}, 8), release: make(chan struct{})}
}

func (g *gatedBackend) SetLike(ctx context.Context, actor Actor, postID string, liked bool) (LikeResult, error) {
	g.entered <- struct{}{}
	<-g.release
	if g.fail != nil {
		return LikeResult{}, g.fail
	}
	return g.Backend.SetLike(ctx, actor, postID, liked)
}

func (g *gatedBackend) AddComment(ctx context.Context, actor Actor, postID, commentID, text string) (models.Comment, error) {
	g.entered <- struct{}{}
	<-g.release
	if g.fail != nil {
		return models.Comment{}, g.fail
	}
	return g.Backend.AddComment(ctx, actor, postID, commentID, text)
}

func (g *gatedBackend) Page(ctx context.Context, before *models.Cursor, limit int) (models.FeedPage, error) {
	if before != nil && g.hold != nil {
		g.pages <- struct{}{}
		<-g.hold
	}
	return g.Backend.Page(ctx, before, limit)
}
