// Package streak derives a user's consecutive-day activity streak and
// cumulative points.
package streak

import (
	"context"
	"time"

	"github.com/anonto42/dzaleka-online/backend/internal/apperr"
	"github.com/anonto42/dzaleka-online/backend/internal/models"
	"github.com/anonto42/dzaleka-online/backend/pkg/logging"
)

// Activity is a qualifying user action.
type Activity string

const (
	ActivityPost          Activity = "post"
	ActivityPostWithImage Activity = "post_with_image"
	ActivityComment       Activity = "comment"
)

// Awards is the number of points granted per activity.
type Awards map[Activity]int

// DefaultAwards rewards image posts above text posts and comments least.
var DefaultAwards = Awards{
	ActivityPost:          10,
	ActivityPostWithImage: 15,
	ActivityComment:       2,
}

// State is the part of a user the calculator reads and writes.
// LastActiveDate is a calendar date stored as midnight UTC; nil means never active.
type State struct {
	LastActiveDate *time.Time
	Streak         int
	Points         int
}

// Calculator applies activity events to a State.
type Calculator struct {
	awards Awards
	loc    *time.Location
	now    func() time.Time
}

// NewCalculator evaluates calendar days in loc (UTC when nil).
func NewCalculator(awards Awards, loc *time.Location) *Calculator {
	if awards == nil {
		awards = DefaultAwards
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Calculator{awards: awards, loc: loc, now: time.Now}
}

// Today returns the current calendar date in the calculator's zone as midnight UTC.
func (c *Calculator) Today() time.Time {
	return Date(c.now(), c.loc)
}

// Date truncates t to its calendar day in loc, expressed as midnight UTC.
func Date(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Apply returns the state after one activity on day today:
//   - already active today: streak unchanged
//   - active yesterday: streak + 1
//   - otherwise: streak restarts at 1
//
// Points always grow by the activity's award. dateChanged reports whether
// LastActiveDate moved.
func (c *Calculator) Apply(s State, a Activity, today time.Time) (next State, dateChanged bool) {
	next = s
	next.Points = s.Points + max(c.awards[a], 0)

	if s.LastActiveDate != nil {
		last := Date(*s.LastActiveDate, time.UTC)
		switch {
		case last.Equal(today):
			return next, false
		case last.Equal(today.AddDate(0, 0, -1)):
			next.Streak = s.Streak + 1
		default:
			next.Streak = 1
		}
	} else {
		next.Streak = 1
	}

	d := today
	next.LastActiveDate = &d
	return next, true
}

// Store persists a user's activity state atomically.
type Store interface {
	UpdateActivity(ctx context.Context, id string, fn func(u *models.User) error) error
}

// Service records activities against stored users.
type Service struct {
	store Store
	calc  *Calculator
}

func NewService(store Store, calc *Calculator) *Service {
	return &Service{store: store, calc: calc}
}

// Record applies a to userID's stored state and returns the new state.
func (s *Service) Record(ctx context.Context, userID string, a Activity) (State, error) {
	var out State
	today := s.calc.Today()
	err := s.store.UpdateActivity(ctx, userID, func(u *models.User) error {
		next, _ := s.calc.Apply(State{LastActiveDate: u.LastActiveDate, Streak: u.Streak, Points: u.Points}, a, today)
		u.LastActiveDate = next.LastActiveDate
		u.Streak = next.Streak
		u.Points = next.Points
		out = next
		return nil
	})
	if err != nil {
		return State{}, apperr.Wrap("streak.Record", err)
	}
	return out, nil
}

// RecordQuietly records a and logs failures; the triggering action has
// already succeeded and must not fail because of bookkeeping.
func (s *Service) RecordQuietly(ctx context.Context, userID string, a Activity) {
	if s == nil {
		return
	}
	st, err := s.Record(ctx, userID, a)
	if err != nil {
		logging.Warn().Err(err).Str("user_id", userID).Str("activity", string(a)).Msg("failed to record activity")
		return
	}
	logging.Debug().Str("user_id", userID).Str("activity", string(a)).
		Int("streak", st.Streak).Int("points", st.Points).Msg("activity recorded")
}
