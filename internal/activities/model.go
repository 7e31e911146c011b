package activities

import (
	"time"

	"github.com/jmerrifield20/clubsync/internal/privacy"
	"github.com/jmerrifield20/clubsync/internal/strava"
)

// Activity is one stored remote activity. (UserID, ActivityID) is the
// natural key. KudosCount and Visibility are refreshed on every re-fetch;
// every other descriptive field is written once.
type Activity struct {
	UserID             int64              `json:"user_id"`
	ActivityID         int64              `json:"activity_id"`
	Name               string             `json:"name"`
	Type               string             `json:"type"`
	SportType          string             `json:"sport_type"`
	StartDate          time.Time          `json:"start_date"`
	Distance           float64            `json:"distance"`
	MovingTime         int                `json:"moving_time"`
	ElapsedTime        int                `json:"elapsed_time"`
	TotalElevationGain float64            `json:"total_elevation_gain"`
	AverageSpeed       float64            `json:"average_speed"`
	AverageHeartrate   float64            `json:"average_heartrate"`
	MaxHeartrate       float64            `json:"max_heartrate"`
	KudosCount         int                `json:"kudos_count"`
	Visibility         privacy.Visibility `json:"visibility"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// HasHeartrate reports whether the activity carries a heart-rate summary.
func (a *Activity) HasHeartrate() bool {
	return a.AverageHeartrate > 0
}

// FromSummary builds an Activity for userID from a remote listing entry.
func FromSummary(userID int64, s strava.SummaryActivity) Activity {
	return Activity{
		UserID:             userID,
		ActivityID:         s.ID,
		Name:               s.Name,
		Type:               s.Type,
		SportType:          s.SportType,
		StartDate:          s.StartDate.UTC(),
		Distance:           s.Distance,
		MovingTime:         s.MovingTime,
		ElapsedTime:        s.ElapsedTime,
		TotalElevationGain: s.TotalElevationGain,
		AverageSpeed:       s.AverageSpeed,
		AverageHeartrate:   s.AverageHeartrate,
		MaxHeartrate:       s.MaxHeartrate,
		KudosCount:         s.KudosCount,
		Visibility:         privacy.FromRemote(s.Visibility, s.Private),
	}
}

// Outcome tags the effect of an Upsert.
type Outcome string

const (
	Inserted  Outcome = "inserted"
	Updated   Outcome = "updated"
	Unchanged Outcome = "unchanged"
)

// Counts tallies upsert outcomes.
type Counts struct {
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
}

// Add records one outcome.
func (c *Counts) Add(o Outcome) {
	switch o {
	case Inserted:
		c.Inserted++
	case Updated:
		c.Updated++
	default:
		c.Unchanged++
	}
}

// Merge adds other into c.
func (c *Counts) Merge(other Counts) {
	c.Inserted += other.Inserted
	c.Updated += other.Updated
	c.Unchanged += other.Unchanged
}

// Merge applies the mutable fields of incoming to stored and reports the
// resulting outcome. Immutable fields of stored are never touched.
func Merge(stored *Activity, incoming Activity) Outcome {
	if stored.KudosCount == incoming.KudosCount && stored.Visibility == incoming.Visibility {
		return Unchanged
	}
	stored.KudosCount = incoming.KudosCount
	stored.Visibility = incoming.Visibility
	return Updated
}
