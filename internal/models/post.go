package models

import (
	"slices"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// PostSchemaVersion is the current shape of documents in the posts collection.
// Version 1 documents lack title, schema_version and comment ids.
const PostSchemaVersion = 2

// Post represents a social media post stored in MongoDB
type Post struct {
	ID             primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	SchemaVersion  int                `json:"-" bson:"schema_version"`
	UserID         string             `json:"user_id" bson:"user_id"`
	Title          string             `json:"title,omitempty" bson:"title,omitempty"`
	Content        string             `json:"content" bson:"content"`
	ImageURL       string             `json:"image_url,omitempty" bson:"image_url,omitempty"`
	ImageRef       string             `json:"-" bson:"image_ref,omitempty"`
	Likes          []string           `json:"likes" bson:"likes"`
	Comments       []Comment          `json:"comments" bson:"comments"`
	IdempotencyKey string             `json:"-" bson:"idempotency_key,omitempty"`
	CreatedAt      time.Time          `json:"created_at" bson:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at" bson:"updated_at"`
}

// Normalize default-fills fields missing from older documents.
func (p *Post) Normalize() {
	if p.Likes == nil {
		p.Likes = []string{}
	}
	if p.Comments == nil {
		p.Comments = []Comment{}
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	p.SchemaVersion = PostSchemaVersion
}

func (p Post) IsLikedBy(userID string) bool {
	return slices.Contains(p.Likes, userID)
}

// SetLiked adds or removes userID from the like set, keeping it duplicate-free.
// It reports whether the set changed.
func (p *Post) SetLiked(userID string, liked bool) bool {
	i := slices.Index(p.Likes, userID)
	switch {
	case liked && i < 0:
		p.Likes = append(slices.Clip(p.Likes), userID)
		return true
	case !liked && i >= 0:
		p.Likes = slices.Delete(slices.Clone(p.Likes), i, i+1)
		return true
	}
	return false
}

// HasComment reports whether a comment with the given id is present.
func (p Post) HasComment(id string) bool {
	return slices.ContainsFunc(p.Comments, func(c Comment) bool { return c.ID == id })
}

// Clone returns a copy whose slices can be mutated independently.
func (p Post) Clone() Post {
	p.Likes = slices.Clone(p.Likes)
	p.Comments = slices.Clone(p.Comments)
	return p
}

// CreatePostRequest defines the form fields for creating a new post; the
// optional image travels as a multipart file.
type CreatePostRequest struct {
	Title   string `json:"title,omitempty" form:"title" validate:"max=120"`
	Content string `json:"content" form:"content" validate:"notblank,max=2000"`
}
