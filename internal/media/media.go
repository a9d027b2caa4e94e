// Package media stores post and profile images with an external host and
// removes them again when their owner goes away.
package media

import (
	"context"
	"fmt"
	"strings"

	"github.com/anonto42/dzaleka-online/backend/internal/apperr"
	"github.com/gabriel-vasile/mimetype"
)

// DefaultMaxBytes caps an image at 5 MB.
const DefaultMaxBytes = 5 << 20

// Asset is an uploaded image. URL is public; Ref identifies it for deletion.
type Asset struct {
	URL string `json:"url"`
	Ref string `json:"-"`
}

var allowedTypes = []string{"image/jpeg", "image/png", "image/gif", "image/webp"}

// Validate checks size and sniffed content type and returns the detected MIME type.
func Validate(data []byte, maxBytes int64) (string, error) {
	if len(data) == 0 {
		return "", apperr.Validation("image is empty")
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return "", apperr.Validation(fmt.Sprintf("image exceeds %d MB", maxBytes>>20))
	}
	mtype := mimetype.Detect(data)
	for _, allowed := range allowedTypes {
		if mtype.Is(allowed) {
			return mtype.String(), nil
		}
	}
	return "", apperr.Validation("unsupported image type " + mtype.String())
}

type Uploader interface {
	Upload(ctx context.Context, filename string, data []byte) (Asset, error)
}

type Deleter interface {
	Delete(ctx context.Context, ref string) error
}

// Store validates uploads before sending them to the uploader and routes
// deletions by reference: Cloudinary refs to Cloudinary, storage paths and
// gs:// URLs to the bucket.
type Store struct {
	uploader Uploader
	cloud    Deleter
	bucket   Deleter
	maxBytes int64
}

// NewStore wires the collaborators; any of them may be nil.
func NewStore(uploader Uploader, cloud, bucket Deleter, maxBytes int64) *Store {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Store{uploader: uploader, cloud: cloud, bucket: bucket, maxBytes: maxBytes}
}

func (s *Store) Upload(ctx context.Context, filename string, data []byte) (Asset, error) {
	if _, err := Validate(data, s.maxBytes); err != nil {
		return Asset{}, err
	}
	if s.uploader == nil {
		return Asset{}, apperr.Validation("image uploads are not configured")
	}
	return s.uploader.Upload(ctx, filename, data)
}

func (s *Store) Delete(ctx context.Context, ref string) error {
	switch {
	case ref == "":
		return nil
	case strings.HasPrefix(ref, cloudinaryRefPrefix):
		if s.cloud == nil {
			return apperr.Validation("cloudinary deletion is not configured")
		}
		return s.cloud.Delete(ctx, ref)
	default:
		if s.bucket == nil {
			return apperr.Validation("storage bucket is not configured")
		}
		return s.bucket.Delete(ctx, ref)
	}
}
