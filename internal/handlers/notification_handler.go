package handlers

import (
	"context"
	"net/http"

	"github.com/anonto42/dzaleka-online/backend/internal/live"
	"github.com/anonto42/dzaleka-online/backend/internal/notify"
	"github.com/anonto42/dzaleka-online/backend/internal/session"
	"github.com/anonto42/dzaleka-online/backend/pkg/logging"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

// NotificationService is the inbox layer. *notify.Service satisfies it.
type NotificationService interface {
	Snapshot(ctx context.Context, userID string) (notify.Inbox, error)
	SubscribeUnseen(ctx context.Context, userID string) (*live.Subscription[notify.Inbox], error)
	MarkAllSeen(ctx context.Context, userID string, inbox notify.Inbox) (int64, error)
	MarkAllSeenLatest(ctx context.Context, userID string) (int64, error)
}

// NotificationHandler handles notification-related HTTP requests
type NotificationHandler struct {
	notifications NotificationService
	sessions      SessionWatcher
}

// NewNotificationHandler creates a new NotificationHandler. sessions may be nil.
func NewNotificationHandler(svc NotificationService, sessions SessionWatcher) *NotificationHandler {
	return &NotificationHandler{notifications: svc, sessions: sessions}
}

// RegisterNotificationRoutes registers notification routes
func (h *NotificationHandler) RegisterNotificationRoutes(g *echo.Group, act ...echo.MiddlewareFunc) {
	g.GET("/notifications", h.GetNotifications, act...)
	g.GET("/notifications/unread-count", h.GetUnreadCount, act...)
	g.PUT("/notifications/read-all", h.MarkAllAsRead, act...)
	g.GET("/notifications/live", h.LiveNotifications, act...)
}

// GetNotifications returns the caller's newest notifications with the unread count
func (h *NotificationHandler) GetNotifications(c echo.Context) error {
	inbox, err := h.notifications.Snapshot(c.Request().Context(), getUserIDFromContext(c))
	if err != nil {
		return err
	}
	return ok(c, http.StatusOK, inbox)
}

func (h *NotificationHandler) GetUnreadCount(c echo.Context) error {
	inbox, err := h.notifications.Snapshot(c.Request().Context(), getUserIDFromContext(c))
	if err != nil {
		return err
	}
	return ok(c, http.StatusOK, echo.Map{"count": inbox.Unread})
}

// MarkAllAsRead marks every unseen notification in the current inbox as seen
func (h *NotificationHandler) MarkAllAsRead(c echo.Context) error {
	updated, err := h.notifications.MarkAllSeenLatest(c.Request().Context(), getUserIDFromContext(c))
	if err != nil {
		return err
	}
	return ok(c, http.StatusOK, echo.Map{"updated": updated})
}

// LiveNotifications streams the inbox over a websocket. Sending
// {"type":"mark_all_seen"} marks the last delivered inbox as seen.
func (h *NotificationHandler) LiveNotifications(c echo.Context) error {
	userID := getUserIDFromContext(c)

	sock, err := upgrade(c)
	if err != nil {
		return nil
	}

	ctx, cancel := liveContext(c)
	defer cancel()

	sub, err := h.notifications.SubscribeUnseen(ctx, userID)
	if err != nil {
		sock.sendError("subscribe", "", err)
		sock.close(websocket.CloseInternalServerErr, "subscription failed")
		return nil
	}
	defer sub.Cancel()

	var changes <-chan session.Event
	if h.sessions != nil {
		ch, stop, err := h.sessions.Changes(ctx, userID)
		if err == nil {
			defer stop()
			changes = ch
		}
	}

	marks := make(chan struct{}, 1)
	readerDone := make(chan struct{})
	go sock.keepAlive(ctx, cancel)
	go sock.readFrames(cancel, readerDone, func(data []byte) {
		var cmd struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &cmd); err != nil || cmd.Type != "mark_all_seen" {
			sock.sendError(cmd.Type, "", echo.NewHTTPError(http.StatusBadRequest, "Unknown command"))
			return
		}
		select {
		case marks <- struct{}{}:
		default:
		}
	})

	var last notify.Inbox
	reason := "bye"
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case inbox, ok := <-sub.C:
			if !ok {
				break loop
			}
			last = inbox
			if err := sock.send(echo.Map{"type": "inbox", "items": inbox.Items, "unread": inbox.Unread}); err != nil {
				logging.Debug().Err(err).Str("user_id", userID).Msg("failed to write inbox frame")
			}
		case <-marks:
			// the subscription pushes the updated inbox after the write
			if _, err := h.notifications.MarkAllSeen(ctx, userID, last); err != nil {
				sock.sendError("mark_all_seen", "", err)
			} else {
				last = last.MarkedSeen()
			}
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
	return nil
}
