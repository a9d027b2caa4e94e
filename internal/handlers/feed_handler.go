package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/anonto42/dzaleka-online/backend/internal/feed"
	"github.com/anonto42/dzaleka-online/backend/internal/live"
	"github.com/anonto42/dzaleka-online/backend/internal/models"
	"github.com/anonto42/dzaleka-online/backend/internal/session"
	"github.com/anonto42/dzaleka-online/backend/pkg/logging"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

// SessionWatcher streams identity changes so live views can end on sign-out.
type SessionWatcher interface {
	Changes(ctx context.Context, userID string) (<-chan session.Event, context.CancelFunc, error)
}

// FeedHandler handles the newsfeed
type FeedHandler struct {
	feed     FeedService
	broker   *live.Broker
	sessions SessionWatcher
	pageSize int
	resync   time.Duration
}

// NewFeedHandler creates a new FeedHandler. sessions may be nil.
func NewFeedHandler(svc FeedService, broker *live.Broker, sessions SessionWatcher, pageSize int, resync time.Duration) *FeedHandler {
	if pageSize <= 0 {
		pageSize = feed.DefaultPageSize
	}
	return &FeedHandler{feed: svc, broker: broker, sessions: sessions, pageSize: pageSize, resync: resync}
}

// RegisterFeedRoutes registers feed routes
func (h *FeedHandler) RegisterFeedRoutes(g *echo.Group) {
	g.GET("/feed", h.GetFeed)
	g.GET("/feed/live", h.LiveFeed)
}

func (h *FeedHandler) limit(c echo.Context) int {
	limit := queryInt(c, "limit")
	if limit < 1 || limit > feed.MaxPageSize {
		limit = h.pageSize
	}
	return limit
}

// GetFeed returns one page of posts older than ?before=, newest first
func (h *FeedHandler) GetFeed(c echo.Context) error {
	var before *models.Cursor
	if token := c.QueryParam("before"); token != "" {
		cursor, err := models.DecodeCursor(token)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "Invalid cursor")
		}
		before = &cursor
	}

	page, err := h.feed.Page(c.Request().Context(), before, h.limit(c))
	if err != nil {
		return err
	}
	return ok(c, http.StatusOK, page)
}

type feedCommand struct {
	Type   string `json:"type"`
	PostID string `json:"post_id,omitempty"`
	Text   string `json:"text,omitempty"`
}

// feedView is one live feed connection.
type feedView struct {
	sock   *socket
	syncer *feed.Synchronizer
	claims *models.JwtCustomClaims
	actor  feed.Actor
	ctx    context.Context
	wg     sync.WaitGroup
}

// LiveFeed upgrades to a websocket that streams the feed and accepts
// load_more, toggle_like and comment commands. Likes and comments show in the
// view before the write is acknowledged and are rolled back if it fails.
func (h *FeedHandler) LiveFeed(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	claims := getClaims(c)

	sock, err := upgrade(c)
	if err != nil {
		// the upgrader has already replied
		return nil
	}

	ctx, cancel := liveContext(c)
	defer cancel()

	v := &feedView{
		sock:   sock,
		syncer: feed.NewSynchronizer(h.feed, h.feed.CommentMaxLength()),
		claims: claims,
		actor:  actor,
		ctx:    ctx,
	}

	posts, err := v.syncer.LoadInitialPage(ctx, h.limit(c))
	if err != nil {
		sock.sendError("load", "", err)
		sock.close(websocket.CloseTryAgainLater, "feed unavailable")
		return nil
	}
	v.sendPosts("snapshot", posts)

	sub, err := live.Watch(ctx, h.broker, live.TopicPosts, func(ctx context.Context) (models.FeedPage, error) {
		return h.feed.Page(ctx, nil, v.syncer.Window())
	}, live.WatchOptions{Resync: h.resync})
	if err != nil {
		sock.close(websocket.CloseInternalServerErr, "subscription failed")
		return nil
	}
	defer sub.Cancel()

	var changes <-chan session.Event
	if h.sessions != nil && !claims.Anonymous {
		ch, stop, err := h.sessions.Changes(ctx, claims.UserID)
		if err == nil {
			defer stop()
			changes = ch
		}
	}

	readerDone := make(chan struct{})
	go sock.keepAlive(ctx, cancel)
	go sock.readFrames(cancel, readerDone, v.handle)

	reason := "bye"
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case page, ok := <-sub.C:
			if !ok {
				break loop
			}
			v.sendPosts("snapshot", v.syncer.ApplySnapshot(page))
		case ev, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			if ev.Kind == session.EventSignedOut {
				_ = sock.send(echo.Map{"type": "signed_out"})
				reason = "signed out"
				break loop
			}
		}
	}

	cancel()
	sock.close(websocket.CloseNormalClosure, reason)
	<-readerDone
	v.wg.Wait()
	return nil
}

func (v *feedView) handle(data []byte) {
	var cmd feedCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		v.sock.sendError("decode", "", echo.NewHTTPError(http.StatusBadRequest, "Invalid frame"))
		return
	}

	switch cmd.Type {
	case "load_more":
		v.wg.Go(v.loadMore)
	case "toggle_like":
		if v.guard(cmd) {
			v.wg.Go(func() { v.toggleLike(cmd.PostID) })
		}
	case "comment":
		if v.guard(cmd) {
			v.wg.Go(func() { v.comment(cmd.PostID, cmd.Text) })
		}
	default:
		v.sock.sendError(cmd.Type, cmd.PostID, echo.NewHTTPError(http.StatusBadRequest, "Unknown command"))
	}
}

// guard rejects actions from guests and unverified accounts.
func (v *feedView) guard(cmd feedCommand) bool {
	switch {
	case v.claims.Anonymous:
		v.sock.sendError(cmd.Type, cmd.PostID, echo.NewHTTPError(http.StatusForbidden, "guests cannot perform this action"))
		return false
	case !session.CanAct(v.claims):
		v.sock.sendError(cmd.Type, cmd.PostID, echo.NewHTTPError(http.StatusForbidden, "verify your email to continue"))
		return false
	}
	return true
}

func (v *feedView) loadMore() {
	added, err := v.syncer.LoadNextPage(v.ctx)
	if err != nil {
		v.sock.sendError("load_more", "", err)
		return
	}
	hasMore := v.syncer.HasMore()
	if len(added) == 0 && hasMore {
		// joined a fetch already in flight
		return
	}
	v.send(echo.Map{"type": "page", "posts": nonNil(added), "has_more": hasMore})
}

func (v *feedView) toggleLike(postID string) {
	liked, likes, found := v.likeState(postID)
	if found {
		v.send(echo.Map{"type": "like", "post_id": postID, "liked": !liked, "likes": likes + delta(!liked), "pending": true})
	}

	_, err := v.syncer.ToggleLike(v.ctx, postID, v.actor)
	if err != nil {
		v.sock.sendError("toggle_like", postID, err)
	}
	if liked, likes, found = v.likeState(postID); found {
		v.send(echo.Map{"type": "like", "post_id": postID, "liked": liked, "likes": likes, "pending": false})
	}
}

func (v *feedView) comment(postID, text string) {
	stored, err := v.syncer.SubmitComment(v.ctx, postID, v.actor, text)
	if err != nil {
		v.sock.sendError("comment", postID, err)
		return
	}
	v.send(echo.Map{"type": "comment", "post_id": postID, "comment": stored})
}

func (v *feedView) likeState(postID string) (liked bool, likes int, found bool) {
	for _, p := range v.syncer.Posts() {
		if p.ID.Hex() == postID {
			return p.IsLikedBy(v.actor.ID), len(p.Likes), true
		}
	}
	return false, 0, false
}

func (v *feedView) sendPosts(kind string, posts []models.EnrichedPost) {
	v.send(echo.Map{"type": kind, "posts": nonNil(posts), "has_more": v.syncer.HasMore()})
}

func (v *feedView) send(frame echo.Map) {
	if err := v.sock.send(frame); err != nil {
		logging.Debug().Err(err).Str("user_id", v.actor.ID).Msg("failed to write feed frame")
	}
}

func delta(liked bool) int {
	if liked {
		return 1
	}
	return -1
}

func nonNil(posts []models.EnrichedPost) []models.EnrichedPost {
	if posts == nil {
		return []models.EnrichedPost{}
	}
	return posts
}
