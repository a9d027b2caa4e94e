package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindValidation, KindOf(Validation("comment is empty")))
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, KindTransient, KindOf(context.DeadlineExceeded))
	assert.Equal(t, KindNotFound, KindOf(fmt.Errorf("lookup: %w", NotFound("post not found"))))
}

func TestWrapKeepsKindAndAddsOp(t *testing.T) {
	err := Wrap("feed.AddComment", Validation("comment is empty"))

	var ae *Error
	assert.True(t, errors.As(err, &ae))
	assert.Equal(t, KindValidation, ae.Kind)
	assert.Equal(t, "feed.AddComment", ae.Op)
	assert.Equal(t, "feed.AddComment: comment is empty", err.Error())
}

func TestWrapDeadlineIsRetryable(t *testing.T) {
	err := Wrap("posts.Find", context.DeadlineExceeded)
	assert.True(t, IsRetryable(err))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap("noop", nil))
}

func TestPublicHidesInternalDetail(t *testing.T) {
	err := &Error{Kind: KindInternal, Err: errors.New("pq: connection refused")}
	assert.Equal(t, "internal error", err.Public())
	assert.Equal(t, "username already taken", Validation("username already taken").Public())
}
