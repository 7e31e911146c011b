package leaderboard

import (
	"strings"
	"time"

	"github.com/jmerrifield20/clubsync/internal/privacy"
)

// Row is one stored activity joined with its owner, as read by the engine.
type Row struct {
	UserID        int64
	AthleteID     int64
	Firstname     string
	Lastname      string
	ProfileImage  string
	Tier          privacy.Tier
	ActivityID    int64
	Type          string
	StartDate     time.Time
	Distance      float64
	MovingTime    int
	ElevationGain float64
	KudosCount    int
	Visibility    privacy.Visibility
}

// Visible reports whether the row may be counted in a cross-user aggregate.
func (r Row) Visible() bool {
	return privacy.IsVisibleForAggregate(r.Visibility, r.Tier)
}

// RowQuery selects activity rows. Zero times leave the bound open; Before is exclusive.
type RowQuery struct {
	From        time.Time
	Before      time.Time
	UserID      int64
	VisibleOnly bool
}

// Matches reports whether r falls inside the query. Used by in-memory stores.
func (q RowQuery) Matches(r Row) bool {
	if !q.From.IsZero() && r.StartDate.Before(q.From) {
		return false
	}
	if !q.Before.IsZero() && !r.StartDate.Before(q.Before) {
		return false
	}
	if q.UserID != 0 && r.UserID != q.UserID {
		return false
	}
	if q.VisibleOnly && !r.Visible() {
		return false
	}
	return true
}

// Trophy is the persisted weekly aggregate for one user.
type Trophy struct {
	UserID        int64     `json:"user_id"`
	WeekStart     time.Time `json:"week_start"`
	WeekEnd       time.Time `json:"week_end"`
	Distance      float64   `json:"distance"`
	ActivityCount int       `json:"activity_count"`
	Rank          int       `json:"rank"`
	Champion      bool      `json:"champion"`
	ComputedAt    time.Time `json:"computed_at"`
}

// TrophyRow is a Trophy joined with its owner.
type TrophyRow struct {
	Trophy
	Firstname    string
	Lastname     string
	ProfileImage string
	Tier         privacy.Tier
}

// WeekResult is the outcome of computing one week.
type WeekResult struct {
	WeekStart  time.Time `json:"week_start"`
	WeekEnd    time.Time `json:"week_end"`
	Trophies   []Trophy  `json:"trophies"`
	Champion   *Trophy   `json:"champion,omitempty"`
	InProgress bool      `json:"in_progress"` // the week has not ended; no champion yet
}

// Standing is one line of a distance leaderboard.
type Standing struct {
	Rank          int     `json:"rank"`
	UserID        int64   `json:"user_id"`
	Name          string  `json:"name"`
	ProfileImage  string  `json:"profile_image"`
	Distance      float64 `json:"distance"`
	ActivityCount int     `json:"activity_count"`
	MovingTime    int     `json:"moving_time"`
	ElevationGain float64 `json:"elevation_gain"`
}

// TrophyStanding is one line of the trophy-count leaderboard.
type TrophyStanding struct {
	Rank            int     `json:"rank"`
	UserID          int64   `json:"user_id"`
	Name            string  `json:"name"`
	ProfileImage    string  `json:"profile_image"`
	Trophies        int     `json:"trophies"`
	WinningDistance float64 `json:"winning_distance"`
}

// KudosStanding is one line of the engagement leaderboard.
type KudosStanding struct {
	Rank          int    `json:"rank"`
	UserID        int64  `json:"user_id"`
	Name          string `json:"name"`
	ProfileImage  string `json:"profile_image"`
	TotalKudos    int    `json:"total_kudos"`
	MaxKudos      int    `json:"max_kudos"`
	ActivityCount int    `json:"activity_count"`
}

// Winner is a recent weekly champion.
type Winner struct {
	UserID       int64     `json:"user_id"`
	Name         string    `json:"name"`
	ProfileImage string    `json:"profile_image"`
	WeekStart    time.Time `json:"week_start"`
	Distance     float64   `json:"distance"`
}

// Totals is a personal, unfiltered summary.
type Totals struct {
	UserID        int64                `json:"user_id"`
	Distance      float64              `json:"distance"`
	ActivityCount int                  `json:"activity_count"`
	MovingTime    int                  `json:"moving_time"`
	ElevationGain float64              `json:"elevation_gain"`
	Kudos         int                  `json:"kudos"`
	ByType        map[string]TypeTotal `json:"by_type"`
}

// TypeTotal is the per-activity-type part of Totals.
type TypeTotal struct {
	Distance      float64 `json:"distance"`
	ActivityCount int     `json:"activity_count"`
}

func displayName(first, last string, athleteID int64) string {
	name := strings.TrimSpace(first + " " + last)
	if name == "" && athleteID != 0 {
		return "athlete " + itoa(athleteID)
	}
	return name
}
