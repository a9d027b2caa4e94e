package repositories

import (
	"context"
	"time"

	"github.com/anonto42/dzaleka-online/backend/internal/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// NotificationRepository defines the interface for notification operations
type NotificationRepository interface {
	CreateNotification(ctx context.Context, notification *models.Notification) error
	ListByReceiver(ctx context.Context, receiverID string, limit int) ([]models.Notification, error)
	// MarkSeen flips seen to true for the given ids addressed to receiverID,
	// all or nothing, and returns how many rows changed.
	MarkSeen(ctx context.Context, receiverID string, ids []string) (int64, error)
}

type postgresNotificationRepository struct {
	db *gorm.DB
}

func NewPostgresNotificationRepository(db *gorm.DB) NotificationRepository {
	return &postgresNotificationRepository{db: db}
}

func (r *postgresNotificationRepository) CreateNotification(ctx context.Context, notification *models.Notification) error {
	if notification.ID == "" {
		notification.ID = uuid.NewString()
	}
	if notification.CreatedAt.IsZero() {
		notification.CreatedAt = time.Now().UTC()
	}
	notification.Seen = false
	return dbError("notifications.Create", r.db.WithContext(ctx).Create(notification).Error)
}

func (r *postgresNotificationRepository) ListByReceiver(ctx context.Context, receiverID string, limit int) ([]models.Notification, error) {
	notifications := []models.Notification{}
	err := r.db.WithContext(ctx).Where("receiver_id = ?", receiverID).
		Order("created_at DESC").Order("id DESC").
		Limit(limit).
		Find(&notifications).Error
	if err != nil {
		return nil, dbError("notifications.List", err)
	}
	return notifications, nil
}

func (r *postgresNotificationRepository) MarkSeen(ctx context.Context, receiverID string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var changed int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Notification{}).
			Where("receiver_id = ? AND id IN ? AND seen = false", receiverID, ids).
			Update("seen", true)
		changed = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, dbError("notifications.MarkSeen", err)
	}
	return changed, nil
}
