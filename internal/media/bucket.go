package media

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/anonto42/dzaleka-online/backend/internal/apperr"
)

// Bucket deletes images kept in a Firebase Storage bucket.
type Bucket struct {
	name   string
	remove func(ctx context.Context, object string) error
}

// NewBucket wraps a bucket handle from the Firebase storage client.
func NewBucket(name string, h *storage.BucketHandle) *Bucket {
	return &Bucket{
		name: name,
		remove: func(ctx context.Context, object string) error {
			return h.Object(object).Delete(ctx)
		},
	}
}

// Delete removes the object named by ref. An object that no longer exists
// counts as deleted.
func (b *Bucket) Delete(ctx context.Context, ref string) error {
	object, err := objectPath(ref, b.name)
	if err != nil {
		return err
	}
	err = b.remove(ctx, object)
	if err == nil || errors.Is(err, storage.ErrObjectNotExist) {
		return nil
	}
	if ctx.Err() != nil {
		return apperr.Transient("media.bucketDelete", err)
	}
	return apperr.Wrap("media.bucketDelete", err)
}

// objectPath extracts the object name from a plain path, a gs:// URL or a
// Firebase Storage download URL (…/v0/b/<bucket>/o/<escaped name>?alt=media).
func objectPath(ref, bucket string) (string, error) {
	switch {
	case strings.HasPrefix(ref, "gs://"):
		rest := strings.TrimPrefix(ref, "gs://")
		name, object, ok := strings.Cut(rest, "/")
		if !ok || object == "" {
			return "", apperr.Validation("invalid storage reference")
		}
		if bucket != "" && name != bucket {
			return "", apperr.Validation("storage reference points at another bucket")
		}
		return object, nil
	case strings.HasPrefix(ref, "https://"):
		u, err := url.Parse(ref)
		if err != nil {
			return "", apperr.Validation("invalid storage reference")
		}
		_, escaped, ok := strings.Cut(u.EscapedPath(), "/o/")
		if !ok || escaped == "" {
			return "", apperr.Validation("invalid storage reference")
		}
		object, err := url.PathUnescape(escaped)
		if err != nil {
			return "", apperr.Validation("invalid storage reference")
		}
		return object, nil
	case ref == "":
		return "", apperr.Validation("empty storage reference")
	default:
		return strings.TrimPrefix(ref, "/"), nil
	}
}
