package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anonto42/dzaleka-online/backend/internal/apperr"
	"github.com/anonto42/dzaleka-online/backend/internal/metrics"
	"github.com/anonto42/dzaleka-online/backend/pkg/config"
	"github.com/anonto42/dzaleka-online/backend/pkg/logging"
	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
	gobreaker "github.com/sony/gobreaker/v2"
)

const cloudinaryRefPrefix = "cloudinary:"

// Cloudinary uploads images to a Cloudinary cloud, unsigned through an
// upload preset or signed when an API secret is configured.
type Cloudinary struct {
	cfg     config.CloudinaryConfig
	cld     *cloudinary.Cloudinary
	timeout time.Duration
	cb      *gobreaker.CircuitBreaker[any]
}

func NewCloudinary(cfg config.CloudinaryConfig, timeout time.Duration) (*Cloudinary, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cld, err := cloudinary.NewFromParams(cfg.CloudName, cfg.APIKey, cfg.APISecret)
	if err != nil {
		return nil, fmt.Errorf("cloudinary: %w", err)
	}
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "cloudinary",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// client errors are the caller's fault and must not open the circuit
		IsSuccessful: func(err error) bool {
			return err == nil || !apperr.IsRetryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	})
	return &Cloudinary{cfg: cfg, cld: cld, timeout: timeout, cb: cb}, nil
}

func (c *Cloudinary) signed() bool {
	return c.cfg.APIKey != "" && c.cfg.APISecret != ""
}

// Upload sends data to Cloudinary. Data is assumed validated.
func (c *Cloudinary) Upload(ctx context.Context, _ string, data []byte) (Asset, error) {
	if c.cfg.CloudName == "" {
		return Asset{}, apperr.Validation("image uploads are not configured")
	}

	const op = "media.upload"
	res, err := guard(c, op, func() (*uploader.UploadResult, error) {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		file := bytes.NewReader(data)
		var (
			res *uploader.UploadResult
			err error
		)
		if c.signed() {
			res, err = c.cld.Upload.Upload(ctx, file, uploader.UploadParams{UploadPreset: c.cfg.UploadPreset})
		} else {
			res, err = c.cld.Upload.UnsignedUpload(ctx, file, c.cfg.UploadPreset, uploader.UploadParams{})
		}
		if err != nil {
			return nil, apperr.Transient(op, err)
		}
		if res.Error.Message != "" {
			return nil, apperr.Validation(res.Error.Message)
		}
		if res.SecureURL == "" {
			return nil, apperr.Transient(op, errors.New("cloudinary returned no secure_url"))
		}
		return res, nil
	})
	if err != nil {
		metrics.MediaUploads.WithLabelValues(resultLabel(err)).Inc()
		return Asset{}, err
	}
	metrics.MediaUploads.WithLabelValues("ok").Inc()
	return Asset{URL: res.SecureURL, Ref: cloudinaryRefPrefix + res.PublicID}, nil
}

// Delete destroys the asset behind a Cloudinary ref. A missing asset is not an error.
func (c *Cloudinary) Delete(ctx context.Context, ref string) error {
	if !c.signed() {
		return apperr.Validation("cloudinary API credentials are required to delete images")
	}

	const op = "media.destroy"
	publicID := strings.TrimPrefix(ref, cloudinaryRefPrefix)
	_, err := guard(c, op, func() (*uploader.DestroyResult, error) {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		res, err := c.cld.Upload.Destroy(ctx, uploader.DestroyParams{PublicID: publicID})
		if err != nil {
			return nil, apperr.Transient(op, err)
		}
		if res.Error.Message != "" {
			return nil, apperr.Validation(res.Error.Message)
		}
		if res.Result != "ok" && res.Result != "not found" {
			return nil, apperr.Wrap(op, fmt.Errorf("cloudinary destroy returned %q", res.Result))
		}
		return res, nil
	})
	return err
}

// guard runs fn through the circuit breaker. An open circuit is transient.
func guard[T any](c *Cloudinary, op string, fn func() (T, error)) (T, error) {
	var zero T
	out, err := c.cb.Execute(func() (any, error) {
		res, err := fn()
		if err != nil {
			return nil, err
		}
		return res, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return zero, apperr.Transient(op, err)
	}
	if err != nil {
		return zero, err
	}
	return out.(T), nil
}

func resultLabel(err error) string {
	switch {
	case apperr.Is(err, apperr.KindValidation):
		return "rejected"
	case apperr.IsRetryable(err):
		return "unavailable"
	default:
		return "failed"
	}
}
