package streak

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/anonto42/dzaleka-online/backend/internal/apperr"
	"github.com/anonto42/dzaleka-online/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var today = time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)

func day(offset int) *time.Time {
	d := today.AddDate(0, 0, offset)
	return &d
}

func TestApplyYesterdayIncrementsOncePerDay(t *testing.T) {
	c := NewCalculator(nil, nil)
	s := State{LastActiveDate: day(-1), Streak: 4}

	s, changed := c.Apply(s, ActivityComment, today)
	assert.True(t, changed)
	assert.Equal(t, 5, s.Streak)
	assert.Equal(t, today, *s.LastActiveDate)

	s, changed = c.Apply(s, ActivityComment, today)
	assert.False(t, changed)
	assert.Equal(t, 5, s.Streak)
}

func TestApplyGapResetsStreak(t *testing.T) {
	c := NewCalculator(nil, nil)

	s, _ := c.Apply(State{LastActiveDate: day(-3), Streak: 9}, ActivityPost, today)
	assert.Equal(t, 1, s.Streak)

	s, _ = c.Apply(State{}, ActivityPost, today)
	assert.Equal(t, 1, s.Streak)
	assert.Equal(t, today, *s.LastActiveDate)
}

func TestPointsAccumulatePerEvent(t *testing.T) {
	c := NewCalculator(nil, nil)
	s := State{Points: 100}

	s, _ = c.Apply(s, ActivityPostWithImage, today)
	s, _ = c.Apply(s, ActivityComment, today)

	assert.Equal(t, 100+DefaultAwards[ActivityPostWithImage]+DefaultAwards[ActivityComment], s.Points)
	assert.Greater(t, DefaultAwards[ActivityPostWithImage], DefaultAwards[ActivityPost])
	assert.Greater(t, DefaultAwards[ActivityPost], DefaultAwards[ActivityComment])
}

func TestPointsNeverDecrease(t *testing.T) {
	c := NewCalculator(Awards{ActivityComment: -5}, nil)
	s, _ := c.Apply(State{Points: 3}, ActivityComment, today)
	assert.Equal(t, 3, s.Points)
}

func TestDateUsesZone(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*3600)
	late := time.Date(2024, 6, 9, 22, 30, 0, 0, time.UTC) // already 10 June in UTC+3
	assert.Equal(t, today, Date(late, loc))
	assert.Equal(t, today.AddDate(0, 0, -1), Date(late, time.UTC))
}

type fakeStore struct {
	user *models.User
	err  error
}

func (f *fakeStore) UpdateActivity(_ context.Context, id string, fn func(u *models.User) error) error {
	if f.err != nil {
		return f.err
	}
	if f.user == nil || f.user.ID != id {
		return apperr.NotFound("user not found")
	}
	cp := *f.user
	if err := fn(&cp); err != nil {
		return err
	}
	*f.user = cp
	return nil
}

func TestServiceRecord(t *testing.T) {
	store := &fakeStore{user: &models.User{ID: "u1", Streak: 2, Points: 5, LastActiveDate: day(-1)}}
	calc := NewCalculator(nil, nil)
	calc.now = func() time.Time { return today.Add(15 * time.Hour) }
	svc := NewService(store, calc)

	st, err := svc.Record(context.Background(), "u1", ActivityPostWithImage)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Streak)
	assert.Equal(t, 20, store.user.Points)
	assert.Equal(t, today, *store.user.LastActiveDate)

	_, err = svc.Record(context.Background(), "u1", ActivityComment)
	require.NoError(t, err)
	assert.Equal(t, 3, store.user.Streak)
	assert.Equal(t, 22, store.user.Points)
}

func TestRecordQuietlySwallowsErrors(t *testing.T) {
	svc := NewService(&fakeStore{err: errors.New("db down")}, NewCalculator(nil, nil))
	assert.NotPanics(t, func() { svc.RecordQuietly(context.Background(), "u1", ActivityPost) })

	var nilSvc *Service
	assert.NotPanics(t, func() { nilSvc.RecordQuietly(context.Background(), "u1", ActivityPost) })
}
