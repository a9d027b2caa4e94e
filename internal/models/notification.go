package models

import "time"

// NotificationKind is what the sender did to the receiver's post.
type NotificationKind string

const (
	NotificationLike    NotificationKind = "like"
	NotificationComment NotificationKind = "comment"
)

func (k NotificationKind) Valid() bool {
	return k == NotificationLike || k == NotificationComment
}

// Notification represents a user notification (PostgreSQL). Seen only ever
// moves from false to true.
type Notification struct {
	ID         string           `json:"id" gorm:"primaryKey;size:36"`
	ReceiverID string           `json:"receiver_id" gorm:"index:idx_receiver_created,priority:1;size:128;not null"`
	SenderID   string           `json:"sender_id" gorm:"size:128"`
	SenderName string           `json:"sender_name"`
	Kind       NotificationKind `json:"kind" gorm:"size:16;not null"`
	PostID     string           `json:"post_id" gorm:"size:64"`
	Seen       bool             `json:"seen" gorm:"not null;default:false;index"`
	CreatedAt  time.Time        `json:"created_at" gorm:"index:idx_receiver_created,priority:2,sort:desc"`
}
