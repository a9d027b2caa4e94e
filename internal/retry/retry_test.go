package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/anonto42/dzaleka-online/backend/internal/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fast = Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

func TestDoRetriesTransient(t *testing.T) {
	calls := 0
	err := Do(context.Background(), "test", fast, func(context.Context) error {
		calls++
		if calls < 3 {
			return apperr.Transient("read", errors.New("connection reset"))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), "test", fast, func(context.Context) error {
		calls++
		return apperr.NotFound("post not found")
	})

	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	assert.Equal(t, 1, calls)
}

func TestDoGivesUpAfterAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), "test", fast, func(context.Context) error {
		calls++
		return apperr.Transient("read", errors.New("timeout"))
	})

	assert.True(t, apperr.IsRetryable(err))
	assert.Equal(t, 3, calls)
}

func TestDoHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, "test", Policy{Attempts: 5, BaseDelay: time.Hour}, func(context.Context) error {
		calls++
		cancel()
		return apperr.Transient("read", errors.New("timeout"))
	})

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestBackoffIsCapped(t *testing.T) {
	b := Policy{BaseDelay: time.Second, MaxDelay: 2 * time.Second}.exponential()

	first := b.NextBackOff()
	assert.GreaterOrEqual(t, first, 800*time.Millisecond)
	assert.LessOrEqual(t, first, 1200*time.Millisecond)
	for i := 0; i < 10; i++ {
		assert.LessOrEqual(t, b.NextBackOff(), 2*time.Second+400*time.Millisecond)
	}
}

func TestDoWrapsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, "test", fast, func(context.Context) error {
		return apperr.Transient("read", errors.New("timeout"))
	})

	assert.ErrorIs(t, err, context.Canceled)
}
