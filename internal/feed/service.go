// Package feed serves the paginated newsfeed and the like/comment actions
// on posts.
package feed

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/anonto42/dzaleka-online/backend/internal/apperr"
	"github.com/anonto42/dzaleka-online/backend/internal/live"
	"github.com/anonto42/dzaleka-online/backend/internal/media"
	"github.com/anonto42/dzaleka-online/backend/internal/metrics"
	"github.com/anonto42/dzaleka-online/backend/internal/models"
	"github.com/anonto42/dzaleka-online/backend/internal/notify"
	"github.com/anonto42/dzaleka-online/backend/internal/retry"
	"github.com/anonto42/dzaleka-online/backend/internal/streak"
	"github.com/anonto42/dzaleka-online/backend/pkg/logging"
	"github.com/google/uuid"
)

const (
	DefaultPageSize         = 10
	MaxPageSize             = 50
	DefaultCommentMaxLength = 500
	MaxContentLength        = 2000
	MaxTitleLength          = 120
)

type PostStore interface {
	CreatePost(ctx context.Context, post *models.Post) (bool, error)
	GetPostByID(ctx context.Context, id string) (*models.Post, error)
	GetPostsByUserID(ctx context.Context, userID string, limit int64) ([]models.Post, error)
	ListPosts(ctx context.Context, before *models.Cursor, limit int64) ([]models.Post, error)
	AddLike(ctx context.Context, postID, userID string) (bool, error)
	RemoveLike(ctx context.Context, postID, userID string) (bool, error)
	AppendComment(ctx context.Context, postID string, comment models.Comment) error
	DeletePost(ctx context.Context, id string) error
}

type UserLookup interface {
	GetUsersByIDs(ctx context.Context, ids []string) (map[string]models.User, error)
}

type Notifier interface {
	Notify(ctx context.Context, actorID string, req notify.Request) error
}

type ActivityRecorder interface {
	RecordQuietly(ctx context.Context, userID string, a streak.Activity)
}

type MediaStore interface {
	Upload(ctx context.Context, filename string, data []byte) (media.Asset, error)
	Delete(ctx context.Context, ref string) error
}

// Actor is the signed-in user performing an action.
type Actor struct {
	ID   string
	Name string
}

// Deps are the collaborators of a Service. Notifier, Activity and Media may be nil.
type Deps struct {
	Posts    PostStore
	Users    UserLookup
	Notifier Notifier
	Activity ActivityRecorder
	Media    MediaStore
	Broker   *live.Broker
}

type Options struct {
	PageSize         int
	CommentMaxLength int
	Timeout          time.Duration
}

// Service is the shared, stateless side of the feed.
type Service struct {
	Deps
	opts Options
}

func NewService(deps Deps, opts Options) *Service {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.CommentMaxLength <= 0 {
		opts.CommentMaxLength = DefaultCommentMaxLength
	}
	return &Service{Deps: deps, opts: opts}
}

// CommentMaxLength is the longest comment accepted, in characters.
func (s *Service) CommentMaxLength() int { return s.opts.CommentMaxLength }

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.opts.Timeout)
}

// read runs an idempotent store read under the op timeout, retrying transient failures.
func (s *Service) read(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, op, retry.Default, func(ctx context.Context) error {
		ctx, cancel := s.withTimeout(ctx)
		defer cancel()
		return fn(ctx)
	})
}

func (s *Service) publish() {
	if s.Broker != nil {
		s.Broker.Publish(live.TopicPosts, nil)
	}
}

func (s *Service) clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return s.opts.PageSize
	case limit > MaxPageSize:
		return MaxPageSize
	}
	return limit
}

// ValidateComment trims text and rejects it when empty or longer than limit characters.
func ValidateComment(text string, limit int) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", apperr.Validation("comment cannot be empty")
	}
	if utf8.RuneCountInString(text) > limit {
		return "", apperr.Validation(fmt.Sprintf("comment cannot exceed %d characters", limit))
	}
	return text, nil
}

// Page returns up to limit posts strictly older than before (newest first when
// before is nil), each with its author resolved now.
func (s *Service) Page(ctx context.Context, before *models.Cursor, limit int) (models.FeedPage, error) {
	limit = s.clampLimit(limit)

	var posts []models.Post
	err := s.read(ctx, "feed.Page", func(ctx context.Context) error {
		var err error
		posts, err = s.Posts.ListPosts(ctx, before, int64(limit+1))
		return err
	})
	if err != nil {
		return models.FeedPage{}, apperr.Wrap("feed.Page", err)
	}

	page := models.FeedPage{HasMore: len(posts) > limit}
	if page.HasMore {
		posts = posts[:limit]
	}
	if page.Posts, err = s.enrich(ctx, posts); err != nil {
		return models.FeedPage{}, err
	}
	if page.HasMore {
		page.NextCursor = models.CursorFor(posts[len(posts)-1]).Encode()
	}
	return page, nil
}

// Post returns one enriched post.
func (s *Service) Post(ctx context.Context, id string) (models.EnrichedPost, error) {
	var post *models.Post
	err := s.read(ctx, "feed.Post", func(ctx context.Context) error {
		var err error
		post, err = s.Posts.GetPostByID(ctx, id)
		return err
	})
	if err != nil {
		return models.EnrichedPost{}, apperr.Wrap("feed.Post", err)
	}
	out, err := s.enrich(ctx, []models.Post{*post})
	if err != nil {
		return models.EnrichedPost{}, err
	}
	return out[0], nil
}

// UserPosts returns the newest posts written by userID.
func (s *Service) UserPosts(ctx context.Context, userID string, limit int) ([]models.EnrichedPost, error) {
	limit = s.clampLimit(limit)
	var posts []models.Post
	err := s.read(ctx, "feed.UserPosts", func(ctx context.Context) error {
		var err error
		posts, err = s.Posts.GetPostsByUserID(ctx, userID, int64(limit))
		return err
	})
	if err != nil {
		return nil, apperr.Wrap("feed.UserPosts", err)
	}
	return s.enrich(ctx, posts)
}

// Comments returns a post's comments in insertion order.
func (s *Service) Comments(ctx context.Context, postID string) ([]models.Comment, error) {
	p, err := s.Post(ctx, postID)
	if err != nil {
		return nil, err
	}
	return p.Comments, nil
}

// enrich attaches the current author card to every post.
func (s *Service) enrich(ctx context.Context, posts []models.Post) ([]models.EnrichedPost, error) {
	out := make([]models.EnrichedPost, 0, len(posts))
	if len(posts) == 0 {
		return out, nil
	}

	seen := make(map[string]struct{}, len(posts))
	ids := make([]string, 0, len(posts))
	for _, p := range posts {
		if _, ok := seen[p.UserID]; !ok && p.UserID != "" {
			seen[p.UserID] = struct{}{}
			ids = append(ids, p.UserID)
		}
	}

	var authors map[string]models.User
	err := s.read(ctx, "feed.enrich", func(ctx context.Context) error {
		var err error
		authors, err = s.Users.GetUsersByIDs(ctx, ids)
		return err
	})
	if err != nil {
		return nil, apperr.Wrap("feed.enrich", err)
	}

	for _, p := range posts {
		author, ok := authors[p.UserID]
		if !ok {
			author = models.User{ID: p.UserID}
		}
		out = append(out, models.EnrichedPost{Post: p, Author: author.ToCompact()})
	}
	return out, nil
}

// Upload is an image attached to a new post.
type Upload struct {
	Filename string
	Data     []byte
}

type CreatePostInput struct {
	Title   string
	Content string
	Image   *Upload
	// IdempotencyKey makes a retried create return the first post.
	IdempotencyKey string
}

func (in CreatePostInput) validate() error {
	if strings.TrimSpace(in.Content) == "" {
		return apperr.Validation("content is required")
	}
	if utf8.RuneCountInString(in.Content) > MaxContentLength {
		return apperr.Validation(fmt.Sprintf("content cannot exceed %d characters", MaxContentLength))
	}
	if utf8.RuneCountInString(in.Title) > MaxTitleLength {
		return apperr.Validation(fmt.Sprintf("title cannot exceed %d characters", MaxTitleLength))
	}
	return nil
}

// CreatePost stores a post owned by actor. created is false when the
// idempotency key matched an earlier post, which is returned instead.
func (s *Service) CreatePost(ctx context.Context, actor Actor, in CreatePostInput) (post models.EnrichedPost, created bool, err error) {
	if err := in.validate(); err != nil {
		return post, false, err
	}

	p := &models.Post{
		UserID:         actor.ID,
		Title:          strings.TrimSpace(in.Title),
		Content:        strings.TrimSpace(in.Content),
		IdempotencyKey: in.IdempotencyKey,
	}

	var asset media.Asset
	if in.Image != nil {
		if s.Media == nil {
			return post, false, apperr.Validation("image uploads are not available")
		}
		asset, err = s.Media.Upload(ctx, in.Image.Filename, in.Image.Data)
		if err != nil {
			return post, false, apperr.Wrap("feed.CreatePost", err)
		}
		p.ImageURL, p.ImageRef = asset.URL, asset.Ref
	}

	wctx, cancel := s.withTimeout(ctx)
	created, err = s.Posts.CreatePost(wctx, p)
	cancel()
	// a replayed create keeps the first post's image; drop the new upload
	if asset.Ref != "" && (err != nil || p.ImageRef != asset.Ref) {
		s.deleteImage(ctx, asset.Ref)
	}
	if err != nil {
		return post, false, apperr.Wrap("feed.CreatePost", err)
	}

	if created {
		activity := streak.ActivityPost
		if p.ImageURL != "" {
			activity = streak.ActivityPostWithImage
		}
		metrics.PostsCreated.WithLabelValues(fmt.Sprint(p.ImageURL != "")).Inc()
		if s.Activity != nil {
			s.Activity.RecordQuietly(ctx, actor.ID, activity)
		}
		s.publish()
		logging.Info().Str("post_id", p.ID.Hex()).Str("user_id", actor.ID).Msg("post created")
	}

	out, err := s.enrich(ctx, []models.Post{*p})
	if err != nil {
		// the post is stored; fall back to the actor's name
		return models.EnrichedPost{Post: *p, Author: models.UserCompact{ID: actor.ID, Name: actor.Name}}, created, nil
	}
	return out[0], created, nil
}

// DeletePost removes a post owned by actorID and then its stored image.
func (s *Service) DeletePost(ctx context.Context, actorID, postID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	post, err := s.Posts.GetPostByID(ctx, postID)
	if err != nil {
		return apperr.Wrap("feed.DeletePost", err)
	}
	if post.UserID != actorID {
		return apperr.Forbidden("you can only delete your own posts")
	}
	if err := s.Posts.DeletePost(ctx, postID); err != nil {
		return apperr.Wrap("feed.DeletePost", err)
	}
	if post.ImageRef != "" {
		s.deleteImage(ctx, post.ImageRef)
	}
	s.publish()
	return nil
}

func (s *Service) deleteImage(ctx context.Context, ref string) {
	if s.Media == nil {
		return
	}
	if err := s.Media.Delete(ctx, ref); err != nil {
		logging.Warn().Err(err).Str("ref", ref).Msg("failed to delete stored image")
	}
}

// LikeResult is a post's like state after a write.
type LikeResult struct {
	PostID string `json:"post_id"`
	Liked  bool   `json:"liked"`
	Likes  int    `json:"likes"`
}

// SetLike makes actor's membership in the post's like set equal liked.
// Repeating the call changes nothing, so it is safe to retry.
func (s *Service) SetLike(ctx context.Context, actor Actor, postID string, liked bool) (LikeResult, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	post, err := s.Posts.GetPostByID(ctx, postID)
	if err != nil {
		return LikeResult{}, apperr.Wrap("feed.SetLike", err)
	}
	return s.setLike(ctx, actor, post, liked)
}

// ToggleLike flips actor's membership in the post's like set.
func (s *Service) ToggleLike(ctx context.Context, actor Actor, postID string) (LikeResult, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	post, err := s.Posts.GetPostByID(ctx, postID)
	if err != nil {
		return LikeResult{}, apperr.Wrap("feed.ToggleLike", err)
	}
	return s.setLike(ctx, actor, post, !post.IsLikedBy(actor.ID))
}

func (s *Service) setLike(ctx context.Context, actor Actor, post *models.Post, liked bool) (LikeResult, error) {
	postID := post.ID.Hex()

	var (
		changed bool
		err     error
	)
	if liked {
		changed, err = s.Posts.AddLike(ctx, postID, actor.ID)
	} else {
		changed, err = s.Posts.RemoveLike(ctx, postID, actor.ID)
	}
	if err != nil {
		return LikeResult{}, apperr.Wrap("feed.SetLike", err)
	}
	// the count comes from the read; the write decides who fans out
	post.SetLiked(actor.ID, liked)

	res := LikeResult{PostID: postID, Liked: liked, Likes: len(post.Likes)}
	if !changed {
		return res, nil
	}

	if liked {
		metrics.LikesToggled.WithLabelValues("like").Inc()
		s.fanOut(ctx, actor, post, models.NotificationLike)
	} else {
		metrics.LikesToggled.WithLabelValues("unlike").Inc()
	}
	s.publish()
	return res, nil
}

// AddComment appends a comment by actor. commentID may be empty; a comment
// id already on the post is not appended twice.
func (s *Service) AddComment(ctx context.Context, actor Actor, postID, commentID, text string) (models.Comment, error) {
	text, err := ValidateComment(text, s.opts.CommentMaxLength)
	if err != nil {
		return models.Comment{}, err
	}
	if commentID == "" {
		commentID = uuid.NewString()
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	post, err := s.Posts.GetPostByID(ctx, postID)
	if err != nil {
		return models.Comment{}, apperr.Wrap("feed.AddComment", err)
	}
	if post.HasComment(commentID) {
		for _, c := range post.Comments {
			if c.ID == commentID {
				return c, nil
			}
		}
	}

	comment := models.Comment{
		ID:        commentID,
		UserID:    actor.ID,
		Username:  actor.Name,
		Text:      text,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := s.Posts.AppendComment(ctx, postID, comment); err != nil {
		return models.Comment{}, apperr.Wrap("feed.AddComment", err)
	}

	metrics.CommentsCreated.Inc()
	s.fanOut(ctx, actor, post, models.NotificationComment)
	if s.Activity != nil {
		s.Activity.RecordQuietly(ctx, actor.ID, streak.ActivityComment)
	}
	s.publish()
	return comment, nil
}

// fanOut notifies the post owner. Failures are logged; the action that
// triggered it has already succeeded.
func (s *Service) fanOut(ctx context.Context, actor Actor, post *models.Post, kind models.NotificationKind) {
	if s.Notifier == nil {
		return
	}
	err := s.Notifier.Notify(ctx, actor.ID, notify.Request{
		ReceiverID: post.UserID,
		SenderName: actor.Name,
		Kind:       kind,
		PostID:     post.ID.Hex(),
	})
	if err != nil {
		logging.Warn().Err(err).Str("post_id", post.ID.Hex()).Str("kind", string(kind)).Msg("notification fan-out failed")
	}
}
