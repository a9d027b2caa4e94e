package feed

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/anonto42/dzaleka-online/backend/internal/apperr"
	"github.com/anonto42/dzaleka-online/backend/internal/metrics"
	"github.com/anonto42/dzaleka-online/backend/internal/models"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// Backend is what a Synchronizer reads from and writes through. *Service
// satisfies it.
type Backend interface {
	Page(ctx context.Context, before *models.Cursor, limit int) (models.FeedPage, error)
	SetLike(ctx context.Context, actor Actor, postID string, liked bool) (LikeResult, error)
	AddComment(ctx context.Context, actor Actor, postID, commentID, text string) (models.Comment, error)
}

type likeKey struct {
	postID string
	userID string
}

type pendingLike struct {
	liked bool
	seq   uint64
}

// Synchronizer is one view's ordered, paginated copy of the feed. Like and
// comment actions change the local copy before the remote write returns and
// are rolled back if it fails. It is safe for concurrent use.
type Synchronizer struct {
	backend    Backend
	maxComment int

	group singleflight.Group

	mu        sync.Mutex
	posts     []models.EnrichedPost
	cursor    *models.Cursor
	limit     int
	loaded    bool
	exhausted bool
	seq       uint64
	likes     map[likeKey]pendingLike
	comments  map[string][]models.Comment // post id -> unacknowledged comments
}

func NewSynchronizer(backend Backend, commentMaxLength int) *Synchronizer {
	if commentMaxLength <= 0 {
		commentMaxLength = DefaultCommentMaxLength
	}
	return &Synchronizer{
		backend:    backend,
		maxComment: commentMaxLength,
		likes:      make(map[likeKey]pendingLike),
		comments:   make(map[string][]models.Comment),
	}
}

// LoadInitialPage replaces the view with the newest limit posts.
func (s *Synchronizer) LoadInitialPage(ctx context.Context, limit int) ([]models.EnrichedPost, error) {
	page, err := s.backend.Page(ctx, nil, limit)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.limit = limit
	s.loaded = true
	s.replace(page)
	return s.snapshot(), nil
}

// LoadNextPage appends the next page of posts older than the last one in
// view and returns only the additions. It does nothing before the initial
// page or after the feed is exhausted. Calls made while a fetch is in flight
// join it and return no additions of their own.
func (s *Synchronizer) LoadNextPage(ctx context.Context) ([]models.EnrichedPost, error) {
	s.mu.Lock()
	ready := s.loaded && !s.exhausted
	s.mu.Unlock()
	if !ready {
		return nil, nil
	}

	leader := false
	v, err, _ := s.group.Do("next", func() (interface{}, error) {
		leader = true
		return s.fetchNext(ctx)
	})
	if !leader || err != nil {
		return nil, err
	}
	return v.([]models.EnrichedPost), nil
}

func (s *Synchronizer) fetchNext(ctx context.Context) ([]models.EnrichedPost, error) {
	s.mu.Lock()
	if !s.loaded || s.exhausted {
		s.mu.Unlock()
		return nil, nil
	}
	cursor, limit := s.cursor, s.limit
	s.mu.Unlock()

	page, err := s.backend.Page(ctx, cursor, limit)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var added []models.EnrichedPost
	for _, p := range page.Posts {
		if s.indexOf(p.ID.Hex()) >= 0 {
			continue
		}
		p = s.overlay(p.Clone())
		s.posts = append(s.posts, p)
		added = append(added, p.Clone())
	}
	s.exhausted = !page.HasMore
	if len(page.Posts) > 0 {
		c := models.CursorFor(page.Posts[len(page.Posts)-1].Post)
		s.cursor = &c
	}
	return added, nil
}

// ApplySnapshot reconciles an authoritative page of the newest posts with the
// view. Posts in view that are older than the page's last post are kept, so a
// snapshot taken before a page was loaded does not drop that page. Pending
// likes and comments stay visible until their writes finish.
func (s *Synchronizer) ApplySnapshot(page models.FeedPage) []models.EnrichedPost {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = true
	s.merge(page)
	return s.snapshot()
}

// Window is how many posts a snapshot must cover to refresh the whole view.
func (s *Synchronizer) Window() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return max(len(s.posts), s.limit)
}

// HasMore reports whether older posts remain to be loaded.
func (s *Synchronizer) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded && !s.exhausted
}

// Posts returns a copy of the view.
func (s *Synchronizer) Posts() []models.EnrichedPost {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

// ToggleLike flips actor's like on postID in the view immediately, then
// writes the new state. If the write fails the flip is undone and the error
// returned; the caller may retry.
func (s *Synchronizer) ToggleLike(ctx context.Context, postID string, actor Actor) (bool, error) {
	s.mu.Lock()
	i := s.indexOf(postID)
	if i < 0 {
		s.mu.Unlock()
		return false, apperr.NotFound("post not in feed")
	}
	liked := !s.posts[i].IsLikedBy(actor.ID)
	s.posts[i].SetLiked(actor.ID, liked)
	s.seq++
	key := likeKey{postID: postID, userID: actor.ID}
	mine := s.seq
	s.likes[key] = pendingLike{liked: liked, seq: mine}
	s.mu.Unlock()

	_, err := s.backend.SetLike(ctx, actor, postID, liked)

	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.likes[key]; ok && p.seq == mine {
		delete(s.likes, key)
		if err != nil {
			if j := s.indexOf(postID); j >= 0 {
				s.posts[j].SetLiked(actor.ID, !liked)
			}
			metrics.OptimisticReverts.WithLabelValues("like").Inc()
		}
	}
	if err != nil {
		return !liked, apperr.Wrap("feed.ToggleLike", err)
	}
	return liked, nil
}

// SubmitComment validates text, shows the comment in the view and stores it.
// A failed write removes the local comment again.
func (s *Synchronizer) SubmitComment(ctx context.Context, postID string, actor Actor, text string) (models.Comment, error) {
	text, err := ValidateComment(text, s.maxComment)
	if err != nil {
		return models.Comment{}, err
	}

	local := models.Comment{
		ID:        uuid.NewString(),
		UserID:    actor.ID,
		Username:  actor.Name,
		Text:      text,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}

	s.mu.Lock()
	s.comments[postID] = append(s.comments[postID], local)
	if i := s.indexOf(postID); i >= 0 {
		s.posts[i].Comments = append(slices.Clip(s.posts[i].Comments), local)
	}
	s.mu.Unlock()

	stored, err := s.backend.AddComment(ctx, actor, postID, local.ID, text)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.comments[postID] = slices.DeleteFunc(s.comments[postID], func(c models.Comment) bool { return c.ID == local.ID })
	if len(s.comments[postID]) == 0 {
		delete(s.comments, postID)
	}

	i := s.indexOf(postID)
	if err != nil {
		if i >= 0 {
			s.posts[i].Comments = slices.DeleteFunc(slices.Clone(s.posts[i].Comments), func(c models.Comment) bool { return c.ID == local.ID })
		}
		metrics.OptimisticReverts.WithLabelValues("comment").Inc()
		return models.Comment{}, apperr.Wrap("feed.SubmitComment", err)
	}
	if i >= 0 {
		for j, c := range s.posts[i].Comments {
			if c.ID == stored.ID {
				s.posts[i].Comments[j] = stored
			}
		}
	}
	return stored, nil
}

// replace swaps the view for page, keeping pending local state. Caller holds mu.
func (s *Synchronizer) replace(page models.FeedPage) {
	posts := make([]models.EnrichedPost, 0, len(page.Posts))
	for _, p := range page.Posts {
		posts = append(posts, s.overlay(p.Clone()))
	}
	s.posts = posts
	s.exhausted = !page.HasMore
	s.cursor = nil
	if len(posts) > 0 {
		c := models.CursorFor(posts[len(posts)-1].Post)
		s.cursor = &c
	}
}

// merge refreshes the part of the view page covers and keeps the older tail
// with its cursor. Caller holds mu.
func (s *Synchronizer) merge(page models.FeedPage) {
	if !page.HasMore || len(page.Posts) == 0 {
		s.replace(page)
		return
	}

	posts := make([]models.EnrichedPost, 0, max(len(page.Posts), len(s.posts)))
	seen := make(map[string]bool, len(page.Posts))
	for _, p := range page.Posts {
		posts = append(posts, s.overlay(p.Clone()))
		seen[p.ID.Hex()] = true
	}
	edge := models.CursorFor(page.Posts[len(page.Posts)-1].Post)
	tail := 0
	for _, p := range s.posts {
		if edge.Before(p.Post) && !seen[p.ID.Hex()] {
			posts = append(posts, p)
			tail++
		}
	}
	s.posts = posts
	if tail == 0 {
		s.exhausted = false
		s.cursor = &edge
	}
}

// overlay applies in-flight likes and comments to p. Caller holds mu.
func (s *Synchronizer) overlay(p models.EnrichedPost) models.EnrichedPost {
	id := p.ID.Hex()
	for key, pending := range s.likes {
		if key.postID == id {
			p.SetLiked(key.userID, pending.liked)
		}
	}
	for _, c := range s.comments[id] {
		if !p.HasComment(c.ID) {
			p.Comments = append(slices.Clip(p.Comments), c)
		}
	}
	return p
}

func (s *Synchronizer) indexOf(postID string) int {
	return slices.IndexFunc(s.posts, func(p models.EnrichedPost) bool { return p.ID.Hex() == postID })
}

func (s *Synchronizer) snapshot() []models.EnrichedPost {
	out := make([]models.EnrichedPost, len(s.posts))
	for i, p := range s.posts {
		out[i] = p.Clone()
	}
	return out
}
