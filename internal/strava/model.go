package strava

import "time"

// LatLng is a [lat, lng] pair. The remote sends an empty array when the
// activity has no GPS data.
type LatLng []float64

// Valid reports whether the pair carries a usable coordinate.
func (l LatLng) Valid() bool {
	return len(l) == 2 && !(l[0] == 0 && l[1] == 0)
}

// Lat returns the latitude, or 0 when invalid.
func (l LatLng) Lat() float64 {
	if !l.Valid() {
		return 0
	}
	return l[0]
}

// Lng returns the longitude, or 0 when invalid.
func (l LatLng) Lng() float64 {
	if !l.Valid() {
		return 0
	}
	return l[1]
}

// SummaryActivity is an entry of the athlete activity listing.
type SummaryActivity struct {
	ID                 int64     `json:"id"`
	Name               string    `json:"name"`
	Type               string    `json:"type"`
	SportType          string    `json:"sport_type"`
	StartDate          time.Time `json:"start_date"`
	Timezone           string    `json:"timezone"`
	Distance           float64   `json:"distance"`
	MovingTime         int       `json:"moving_time"`
	ElapsedTime        int       `json:"elapsed_time"`
	TotalElevationGain float64   `json:"total_elevation_gain"`
	AverageSpeed       float64   `json:"average_speed"`
	HasHeartrate       bool      `json:"has_heartrate"`
	AverageHeartrate   float64   `json:"average_heartrate"`
	MaxHeartrate       float64   `json:"max_heartrate"`
	KudosCount         int       `json:"kudos_count"`
	Private            bool      `json:"private"`
	Visibility         string    `json:"visibility"`
	StartLatLng        LatLng    `json:"start_latlng"`
}

// DetailedActivity is the single-activity representation including segment efforts.
type DetailedActivity struct {
	SummaryActivity
	SegmentEfforts []SegmentEffort `json:"segment_efforts"`
}

// SegmentEffort is one traversal of a segment within an activity.
type SegmentEffort struct {
	ID               int64          `json:"id"`
	Name             string         `json:"name"`
	ElapsedTime      int            `json:"elapsed_time"`
	MovingTime       int            `json:"moving_time"`
	StartDate        time.Time      `json:"start_date"`
	Distance         float64        `json:"distance"`
	AverageHeartrate float64        `json:"average_heartrate"`
	MaxHeartrate     float64        `json:"max_heartrate"`
	PRRank           *int           `json:"pr_rank"`
	KOMRank          *int           `json:"kom_rank"`
	Segment          SummarySegment `json:"segment"`
}

// SummarySegment is the segment master data embedded in an effort.
type SummarySegment struct {
	ID            int64   `json:"id"`
	Name          string  `json:"name"`
	ActivityType  string  `json:"activity_type"`
	Distance      float64 `json:"distance"`
	AverageGrade  float64 `json:"average_grade"`
	MaximumGrade  float64 `json:"maximum_grade"`
	ElevationHigh float64 `json:"elevation_high"`
	ElevationLow  float64 `json:"elevation_low"`
	ClimbCategory int     `json:"climb_category"`
	City          string  `json:"city"`
	State         string  `json:"state"`
	Country       string  `json:"country"`
}

// ActivityZone is one distribution returned by the zones endpoint
// (heartrate or power).
type ActivityZone struct {
	Type                string       `json:"type"`
	DistributionBuckets []ZoneBucket `json:"distribution_buckets"`
}

// ZoneBucket is the time spent, in seconds, between Min and Max.
type ZoneBucket struct {
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Time int     `json:"time"`
}

// Athlete is the authenticated athlete profile.
type Athlete struct {
	ID        int64  `json:"id"`
	Firstname string `json:"firstname"`
	Lastname  string `json:"lastname"`
	Profile   string `json:"profile"`
}

type faultResponse struct {
	Message string `json:"message"`
	Errors  []struct {
		Resource string `json:"resource"`
		Field    string `json:"field"`
		Code     string `json:"code"`
	} `json:"errors"`
}
