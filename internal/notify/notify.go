// Package notify writes like/comment notifications for post owners and
// serves each receiver's live inbox.
package notify

import (
	"context"
	"time"

	"github.com/anonto42/dzaleka-online/backend/internal/apperr"
	"github.com/anonto42/dzaleka-online/backend/internal/live"
	"github.com/anonto42/dzaleka-online/backend/internal/metrics"
	"github.com/anonto42/dzaleka-online/backend/internal/models"
	"github.com/anonto42/dzaleka-online/backend/internal/retry"
	"github.com/anonto42/dzaleka-online/backend/pkg/logging"
)

// Store is the notification persistence the service needs.
type Store interface {
	CreateNotification(ctx context.Context, n *models.Notification) error
	ListByReceiver(ctx context.Context, receiverID string, limit int) ([]models.Notification, error)
	MarkSeen(ctx context.Context, receiverID string, ids []string) (int64, error)
}

// Request describes one notification to deliver.
type Request struct {
	ReceiverID string
	SenderName string
	Kind       models.NotificationKind
	PostID     string
}

// Inbox is one snapshot of a receiver's notifications, newest first.
type Inbox struct {
	Items  []models.Notification `json:"items"`
	Unread int                   `json:"unread"`
}

// NewInbox counts the unseen items of a snapshot.
func NewInbox(items []models.Notification) Inbox {
	if items == nil {
		items = []models.Notification{}
	}
	unread := 0
	for _, n := range items {
		if !n.Seen {
			unread++
		}
	}
	return Inbox{Items: items, Unread: unread}
}

// UnseenIDs lists the ids of items not yet seen.
func (in Inbox) UnseenIDs() []string {
	ids := make([]string, 0, in.Unread)
	for _, n := range in.Items {
		if !n.Seen {
			ids = append(ids, n.ID)
		}
	}
	return ids
}

// MarkedSeen returns a copy with every item seen.
func (in Inbox) MarkedSeen() Inbox {
	items := make([]models.Notification, len(in.Items))
	for i, n := range in.Items {
		n.Seen = true
		items[i] = n
	}
	return Inbox{Items: items}
}

type Options struct {
	// Limit caps how many notifications a snapshot holds.
	Limit   int
	Timeout time.Duration
	Resync  time.Duration
}

type Service struct {
	store  Store
	broker *live.Broker
	opts   Options
}

func NewService(store Store, broker *live.Broker, opts Options) *Service {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	return &Service{store: store, broker: broker, opts: opts}
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.opts.Timeout)
}

// Notify stores one unseen notification for req.ReceiverID on behalf of
// actorID. Nothing is stored when the actor is the receiver. An unresolved
// receiver is logged and skipped.
func (s *Service) Notify(ctx context.Context, actorID string, req Request) error {
	if !req.Kind.Valid() {
		return apperr.Validation("unknown notification kind")
	}
	if req.ReceiverID == "" {
		metrics.Notifications.WithLabelValues("unresolved").Inc()
		logging.Warn().Str("post_id", req.PostID).Str("kind", string(req.Kind)).
			Msg("notification receiver could not be resolved, skipping fan-out")
		return nil
	}
	if req.ReceiverID == actorID {
		metrics.Notifications.WithLabelValues("self_suppressed").Inc()
		return nil
	}

	n := &models.Notification{
		ReceiverID: req.ReceiverID,
		SenderID:   actorID,
		SenderName: req.SenderName,
		Kind:       req.Kind,
		PostID:     req.PostID,
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.store.CreateNotification(ctx, n); err != nil {
		return apperr.Wrap("notify.Notify", err)
	}

	metrics.Notifications.WithLabelValues("created").Inc()
	s.broker.Publish(live.NotificationsTopic(req.ReceiverID), nil)
	return nil
}

// Snapshot loads userID's current inbox.
func (s *Service) Snapshot(ctx context.Context, userID string) (Inbox, error) {
	var items []models.Notification
	err := retry.Do(ctx, "notify.Snapshot", retry.Default, func(ctx context.Context) error {
		ctx, cancel := s.withTimeout(ctx)
		defer cancel()
		var err error
		items, err = s.store.ListByReceiver(ctx, userID, s.opts.Limit)
		return err
	})
	if err != nil {
		return Inbox{}, apperr.Wrap("notify.Snapshot", err)
	}
	return NewInbox(items), nil
}

// SubscribeUnseen streams userID's inbox, recomputing the unread count on
// every delivery. Cancel the subscription when the view goes away.
func (s *Service) SubscribeUnseen(ctx context.Context, userID string) (*live.Subscription[Inbox], error) {
	return live.Watch(ctx, s.broker, live.NotificationsTopic(userID), func(ctx context.Context) (Inbox, error) {
		return s.Snapshot(ctx, userID)
	}, live.WatchOptions{Resync: s.opts.Resync})
}

// MarkAllSeen flips every unseen item of inbox to seen in one batched write.
// When inbox has nothing unseen no write is made.
func (s *Service) MarkAllSeen(ctx context.Context, userID string, inbox Inbox) (int64, error) {
	ids := inbox.UnseenIDs()
	if len(ids) == 0 {
		return 0, nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	changed, err := s.store.MarkSeen(ctx, userID, ids)
	if err != nil {
		return 0, apperr.Wrap("notify.MarkAllSeen", err)
	}
	if changed > 0 {
		s.broker.Publish(live.NotificationsTopic(userID), nil)
	}
	return changed, nil
}

// MarkAllSeenLatest fetches the current inbox and marks it seen.
func (s *Service) MarkAllSeenLatest(ctx context.Context, userID string) (int64, error) {
	inbox, err := s.Snapshot(ctx, userID)
	if err != nil {
		return 0, err
	}
	return s.MarkAllSeen(ctx, userID, inbox)
}
