package models

import "time"

// Comment is embedded in a Post. The author name is captured when the comment
// is written; ID lets optimistic local copies be matched to stored ones.
type Comment struct {
	ID        string    `json:"id" bson:"id"`
	UserID    string    `json:"user_id" bson:"user_id"`
	Username  string    `json:"username" bson:"username"`
	Text      string    `json:"text" bson:"text"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
}

// CreateCommentRequest defines the request body for creating a new comment.
// Length is enforced by the feed service so the limit stays configurable.
type CreateCommentRequest struct {
	// ID lets a client retry without posting the comment twice.
	ID   string `json:"id" validate:"omitempty,uuid"`
	Text string `json:"text" validate:"notblank"`
}
