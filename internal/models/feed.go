package models

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// EnrichedPost is a post with its author resolved at read time.
type EnrichedPost struct {
	Post
	Author UserCompact `json:"author"`
}

// Clone returns a deep enough copy for independent mutation.
func (e EnrichedPost) Clone() EnrichedPost {
	e.Post = e.Post.Clone()
	return e
}

// Cursor is the pagination key of the last post on a page. The next page
// holds posts strictly older than it in (created_at, id) order.
type Cursor struct {
	CreatedAt time.Time `json:"t"`
	ID        string    `json:"id"`
}

// CursorFor returns the cursor pointing at p.
func CursorFor(p Post) Cursor {
	return Cursor{CreatedAt: p.CreatedAt, ID: p.ID.Hex()}
}

// Before reports whether p sorts strictly after the cursor in feed order,
// i.e. p is older.
func (c Cursor) Before(p Post) bool {
	if !p.CreatedAt.Equal(c.CreatedAt) {
		return p.CreatedAt.Before(c.CreatedAt)
	}
	return p.ID.Hex() < c.ID
}

// ObjectID parses the cursor's post id.
func (c Cursor) ObjectID() (primitive.ObjectID, error) {
	return primitive.ObjectIDFromHex(c.ID)
}

// Encode renders the cursor as an opaque URL-safe token.
func (c Cursor) Encode() string {
	b, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeCursor parses a token produced by Encode.
func DecodeCursor(token string) (Cursor, error) {
	var c Cursor
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return c, fmt.Errorf("invalid cursor: %w", err)
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("invalid cursor: %w", err)
	}
	if _, err := c.ObjectID(); err != nil || c.CreatedAt.IsZero() {
		return c, fmt.Errorf("invalid cursor")
	}
	return c, nil
}

// FeedPage is one page of the newsfeed.
type FeedPage struct {
	Posts      []EnrichedPost `json:"posts"`
	NextCursor string         `json:"next_cursor,omitempty"`
	HasMore    bool           `json:"has_more"`
}
