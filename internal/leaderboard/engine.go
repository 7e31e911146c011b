// Package leaderboard computes weekly trophies and the cross-user
// leaderboards. Every cross-user result passes through the privacy gate;
// personal totals never do.
package leaderboard

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/clubsync/internal/clock"
	"github.com/jmerrifield20/clubsync/internal/privacy"
)

// Store is the persistence consumed by Engine.
type Store interface {
	// ActivityRows returns activity rows joined with their owners, oldest first.
	ActivityRows(ctx context.Context, q RowQuery) ([]Row, error)
	// ReplaceWeek atomically replaces every trophy row of one week and
	// returns the user id of the champion it replaced, or 0.
	ReplaceWeek(ctx context.Context, weekStart time.Time, trophies []Trophy) (int64, error)
	// Trophies returns stored trophy rows, newest week first. limit <= 0 means no limit.
	Trophies(ctx context.Context, championsOnly bool, limit int) ([]TrophyRow, error)
	// FirstStartDate returns the earliest stored start time, or the zero time.
	FirstStartDate(ctx context.Context) (time.Time, error)
}

// Config configures an Engine.
type Config struct {
	Location      *time.Location // reference timezone for week boundaries; default UTC
	ActivityTypes []string       // activity types counted towards trophies; empty counts all
	LookbackWeeks int            // completed weeks recomputed by RunDaily besides the current one
}

// AwardRecordFunc is invoked when a completed week gains a champion or its
// champion changes.
type AwardRecordFunc func(champion Trophy)

// Engine is the aggregation engine.
type Engine struct {
	store  Store
	cfg    Config
	clock  clock.Clock
	logger *zap.Logger
	award  AwardRecordFunc
}

// NewEngine creates an Engine.
func NewEngine(store Store, cfg Config, c clock.Clock, logger *zap.Logger) *Engine {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if c == nil {
		c = clock.Real{}
	}
	return &Engine{store: store, cfg: cfg, clock: c, logger: logger}
}

// SetAwardRecord configures the champion callback.
func (e *Engine) SetAwardRecord(fn AwardRecordFunc) {
	e.award = fn
}

// Location returns the reference timezone.
func (e *Engine) Location() *time.Location {
	return e.cfg.Location
}

// ComputeWeeklyTrophy recomputes and overwrites the trophy rows of the week
// containing weekStart. The champion is the user with the greatest visible
// distance; equal distances go to the lowest user id. A week that has not
// ended yet gets ranked rows but no champion.
func (e *Engine) ComputeWeeklyTrophy(ctx context.Context, weekStart time.Time) (*WeekResult, error) {
	start := WeekStart(weekStart, e.cfg.Location)
	end := nextWeek(start)

	rows, err := e.store.ActivityRows(ctx, RowQuery{From: start, Before: end, VisibleOnly: true})
	if err != nil {
		return nil, fmt.Errorf("load week %s: %w", start.Format(time.DateOnly), err)
	}

	type agg struct {
		distance float64
		count    int
	}
	per := make(map[int64]*agg)
	for _, r := range rows {
		if !r.Visible() || !e.countsForTrophy(r.Type) {
			continue
		}
		a, ok := per[r.UserID]
		if !ok {
			a = &agg{}
			per[r.UserID] = a
		}
		a.distance += r.Distance
		a.count++
	}

	now := e.clock.Now().UTC()
	trophies := make([]Trophy, 0, len(per))
	for uid, a := range per {
		trophies = append(trophies, Trophy{
			UserID:        uid,
			WeekStart:     start,
			WeekEnd:       WeekEnd(start),
			Distance:      a.distance,
			ActivityCount: a.count,
			ComputedAt:    now,
		})
	}
	sort.Slice(trophies, func(i, j int) bool {
		if trophies[i].Distance != trophies[j].Distance {
			return trophies[i].Distance > trophies[j].Distance
		}
		return trophies[i].UserID < trophies[j].UserID
	})
	for i := range trophies {
		trophies[i].Rank = i + 1
	}
	inProgress := end.After(now)
	if !inProgress && len(trophies) > 0 && trophies[0].Distance > 0 {
		trophies[0].Champion = true
	}

	previous, err := e.store.ReplaceWeek(ctx, start, trophies)
	if err != nil {
		return nil, fmt.Errorf("store week %s: %w", start.Format(time.DateOnly), err)
	}

	res := &WeekResult{WeekStart: start, WeekEnd: WeekEnd(start), Trophies: trophies, InProgress: inProgress}
	if len(trophies) > 0 && trophies[0].Champion {
		champ := trophies[0]
		res.Champion = &champ
		if e.award != nil && champ.UserID != previous {
			e.award(champ)
		}
	}
	e.logger.Info("weekly trophy computed",
		zap.String("week_start", start.Format(time.DateOnly)),
		zap.Int("participants", len(trophies)),
		zap.Bool("in_progress", inProgress),
		zap.Int64("champion", championID(res)),
	)
	return res, nil
}

// RunDaily recomputes the current week and the configured number of
// completed weeks before it. The current week only refreshes its standings.
func (e *Engine) RunDaily(ctx context.Context) ([]WeekResult, error) {
	current := WeekStart(e.clock.Now(), e.cfg.Location)
	from := current.AddDate(0, 0, -7*e.cfg.LookbackWeeks)
	return e.computeRange(ctx, from, current)
}

// Backfill recomputes every week from the one containing since up to the
// current week. A zero since starts at the earliest stored activity.
func (e *Engine) Backfill(ctx context.Context, since time.Time) ([]WeekResult, error) {
	if since.IsZero() {
		first, err := e.store.FirstStartDate(ctx)
		if err != nil {
			return nil, err
		}
		if first.IsZero() {
			return nil, nil
		}
		since = first
	}
	return e.computeRange(ctx, since, e.clock.Now())
}

func (e *Engine) computeRange(ctx context.Context, from, to time.Time) ([]WeekResult, error) {
	var out []WeekResult
	for _, w := range WeeksBetween(from, to, e.cfg.Location) {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		res, err := e.ComputeWeeklyTrophy(ctx, w)
		if err != nil {
			return out, err
		}
		out = append(out, *res)
	}
	return out, nil
}

// AllTime returns the all-time distance leaderboard.
func (e *Engine) AllTime(ctx context.Context, limit int) ([]Standing, error) {
	return e.Window(ctx, time.Time{}, time.Time{}, limit)
}

// CurrentWeek returns the distance leaderboard for the running week.
func (e *Engine) CurrentWeek(ctx context.Context, limit int) ([]Standing, error) {
	start := WeekStart(e.clock.Now(), e.cfg.Location)
	return e.Window(ctx, start, nextWeek(start), limit)
}

// Window returns the distance leaderboard for [from, before).
func (e *Engine) Window(ctx context.Context, from, before time.Time, limit int) ([]Standing, error) {
	rows, err := e.store.ActivityRows(ctx, RowQuery{From: from, Before: before, VisibleOnly: true})
	if err != nil {
		return nil, err
	}

	per := make(map[int64]*Standing)
	for _, r := range rows {
		if !r.Visible() {
			continue
		}
		s, ok := per[r.UserID]
		if !ok {
			s = &Standing{UserID: r.UserID, Name: displayName(r.Firstname, r.Lastname, r.AthleteID), ProfileImage: r.ProfileImage}
			per[r.UserID] = s
		}
		s.Distance += r.Distance
		s.ActivityCount++
		s.MovingTime += r.MovingTime
		s.ElevationGain += r.ElevationGain
	}

	out := make([]Standing, 0, len(per))
	for _, s := range per {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance > out[j].Distance
		}
		return out[i].UserID < out[j].UserID
	})
	out = truncate(out, limit)
	for i := range out {
		out[i].Rank = i + 1
	}
	return out, nil
}

// TrophyCounts ranks users by weeks won, then by total winning distance.
func (e *Engine) TrophyCounts(ctx context.Context, limit int) ([]TrophyStanding, error) {
	rows, err := e.store.Trophies(ctx, true, 0)
	if err != nil {
		return nil, err
	}

	per := make(map[int64]*TrophyStanding)
	for _, r := range rows {
		if !r.Champion || !e.tierVisible(r) {
			continue
		}
		s, ok := per[r.UserID]
		if !ok {
			s = &TrophyStanding{UserID: r.UserID, Name: displayName(r.Firstname, r.Lastname, 0), ProfileImage: r.ProfileImage}
			per[r.UserID] = s
		}
		s.Trophies++
		s.WinningDistance += r.Distance
	}

	out := make([]TrophyStanding, 0, len(per))
	for _, s := range per {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Trophies != out[j].Trophies {
			return out[i].Trophies > out[j].Trophies
		}
		if out[i].WinningDistance != out[j].WinningDistance {
			return out[i].WinningDistance > out[j].WinningDistance
		}
		return out[i].UserID < out[j].UserID
	})
	out = truncate(out, limit)
	for i := range out {
		out[i].Rank = i + 1
	}
	return out, nil
}

// Kudos ranks users by the engagement counter over [from, before).
func (e *Engine) Kudos(ctx context.Context, from, before time.Time, limit int) ([]KudosStanding, error) {
	rows, err := e.store.ActivityRows(ctx, RowQuery{From: from, Before: before, VisibleOnly: true})
	if err != nil {
		return nil, err
	}

	per := make(map[int64]*KudosStanding)
	for _, r := range rows {
		if !r.Visible() {
			continue
		}
		s, ok := per[r.UserID]
		if !ok {
			s = &KudosStanding{UserID: r.UserID, Name: displayName(r.Firstname, r.Lastname, r.AthleteID), ProfileImage: r.ProfileImage}
			per[r.UserID] = s
		}
		s.TotalKudos += r.KudosCount
		s.MaxKudos = max(s.MaxKudos, r.KudosCount)
		s.ActivityCount++
	}

	out := make([]KudosStanding, 0, len(per))
	for _, s := range per {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalKudos != out[j].TotalKudos {
			return out[i].TotalKudos > out[j].TotalKudos
		}
		if out[i].MaxKudos != out[j].MaxKudos {
			return out[i].MaxKudos > out[j].MaxKudos
		}
		return out[i].UserID < out[j].UserID
	})
	out = truncate(out, limit)
	for i := range out {
		out[i].Rank = i + 1
	}
	return out, nil
}

// RecentWinners returns the latest weekly champions, newest first.
func (e *Engine) RecentWinners(ctx context.Context, limit int) ([]Winner, error) {
	rows, err := e.store.Trophies(ctx, true, 0)
	if err != nil {
		return nil, err
	}
	var out []Winner
	for _, r := range rows {
		if !r.Champion || !e.tierVisible(r) {
			continue
		}
		out = append(out, Winner{
			UserID:       r.UserID,
			Name:         displayName(r.Firstname, r.Lastname, 0),
			ProfileImage: r.ProfileImage,
			WeekStart:    r.WeekStart,
			Distance:     r.Distance,
		})
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// PersonalTotals summarizes every activity of one user over [from, before)
// with no privacy filtering: owners always see their own full data.
func (e *Engine) PersonalTotals(ctx context.Context, userID int64, from, before time.Time) (*Totals, error) {
	rows, err := e.store.ActivityRows(ctx, RowQuery{From: from, Before: before, UserID: userID})
	if err != nil {
		return nil, err
	}
	t := &Totals{UserID: userID, ByType: make(map[string]TypeTotal)}
	for _, r := range rows {
		t.Distance += r.Distance
		t.ActivityCount++
		t.MovingTime += r.MovingTime
		t.ElevationGain += r.ElevationGain
		t.Kudos += r.KudosCount
		tt := t.ByType[r.Type]
		tt.Distance += r.Distance
		tt.ActivityCount++
		t.ByType[r.Type] = tt
	}
	return t, nil
}

func (e *Engine) countsForTrophy(activityType string) bool {
	return len(e.cfg.ActivityTypes) == 0 || slices.Contains(e.cfg.ActivityTypes, activityType)
}

// tierVisible applies the user gate to a stored trophy; its activities
// already passed the record gate when the week was computed.
func (e *Engine) tierVisible(r TrophyRow) bool {
	return r.Tier != privacy.TierPrivate
}

func championID(r *WeekResult) int64 {
	if r.Champion == nil {
		return 0
	}
	return r.Champion.UserID
}

func truncate[T any](s []T, limit int) []T {
	if limit > 0 && len(s) > limit {
		return s[:limit]
	}
	return s
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
