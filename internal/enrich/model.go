package enrich

import (
	"fmt"
	"time"

	"github.com/jmerrifield20/clubsync/internal/strava"
)

// Kind names one enrichment job.
type Kind string

const (
	KindZones    Kind = "zones"
	KindGeo      Kind = "geo"
	KindSegments Kind = "segments"
)

// Kinds lists every job in the order RunAll executes them.
var Kinds = []Kind{KindZones, KindGeo, KindSegments}

// ParseKind validates a job name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindZones, KindGeo, KindSegments:
		return k, nil
	}
	return "", fmt.Errorf("unknown enrichment kind %q", s)
}

// MarkerStatus records the enrichment state of an activity. Done and
// unavailable are terminal; failed is retried until MaxAttempts.
type MarkerStatus string

const (
	StatusDone        MarkerStatus = "done"
	StatusUnavailable MarkerStatus = "unavailable"
	StatusFailed      MarkerStatus = "failed"
)

// MaxAttempts bounds how often an activity is retried after a
// non-transient failure before it is no longer selected.
const MaxAttempts = 3

// Target is an activity selected for enrichment.
type Target struct {
	UserID     int64
	ActivityID int64
	StartDate  time.Time
}

// HRZones is the time in seconds spent in each of the five heart-rate zones.
type HRZones struct {
	UserID     int64
	ActivityID int64
	Seconds    [5]int
}

// ZonesFromRemote extracts the first five heart-rate buckets. ok is false
// when the activity carries no heart-rate distribution.
func ZonesFromRemote(t Target, zones []strava.ActivityZone) (HRZones, bool) {
	out := HRZones{UserID: t.UserID, ActivityID: t.ActivityID}
	for _, z := range zones {
		if z.Type != "heartrate" || len(z.DistributionBuckets) == 0 {
			continue
		}
		for i, b := range z.DistributionBuckets {
			if i == len(out.Seconds) {
				break
			}
			out.Seconds[i] = b.Time
		}
		return out, true
	}
	return out, false
}

// GeoPoint is an activity's start coordinate.
type GeoPoint struct {
	UserID     int64
	ActivityID int64
	Lat        float64
	Lng        float64
}

// Segment is segment master data shared across users.
type Segment struct {
	ID            int64
	Name          string
	ActivityType  string
	Distance      float64
	AverageGrade  float64
	MaximumGrade  float64
	ElevationHigh float64
	ElevationLow  float64
	ClimbCategory int
	City          string
	State         string
	Country       string
}

// SegmentEffort is one user's traversal of a segment, keyed by (UserID, EffortID).
type SegmentEffort struct {
	UserID           int64
	EffortID         int64
	ActivityID       int64
	SegmentID        int64
	Name             string
	ElapsedTime      int
	MovingTime       int
	StartDate        time.Time
	Distance         float64
	AverageHeartrate float64
	MaxHeartrate     float64
	PRRank           *int
	KOMRank          *int
}

// SegmentsFromRemote converts the efforts of a detailed activity,
// deduplicating segment master rows.
func SegmentsFromRemote(t Target, d *strava.DetailedActivity) ([]Segment, []SegmentEffort) {
	seen := make(map[int64]bool)
	var (
		segments []Segment
		efforts  []SegmentEffort
	)
	for _, e := range d.SegmentEfforts {
		s := e.Segment
		if !seen[s.ID] {
			seen[s.ID] = true
			segments = append(segments, Segment{
				ID:            s.ID,
				Name:          s.Name,
				ActivityType:  s.ActivityType,
				Distance:      s.Distance,
				AverageGrade:  s.AverageGrade,
				MaximumGrade:  s.MaximumGrade,
				ElevationHigh: s.ElevationHigh,
				ElevationLow:  s.ElevationLow,
				ClimbCategory: s.ClimbCategory,
				City:          s.City,
				State:         s.State,
				Country:       s.Country,
			})
		}
		efforts = append(efforts, SegmentEffort{
			UserID:           t.UserID,
			EffortID:         e.ID,
			ActivityID:       t.ActivityID,
			SegmentID:        s.ID,
			Name:             e.Name,
			ElapsedTime:      e.ElapsedTime,
			MovingTime:       e.MovingTime,
			StartDate:        e.StartDate.UTC(),
			Distance:         e.Distance,
			AverageHeartrate: e.AverageHeartrate,
			MaxHeartrate:     e.MaxHeartrate,
			PRRank:           e.PRRank,
			KOMRank:          e.KOMRank,
		})
	}
	return segments, efforts
}

// Report summarizes one job run.
type Report struct {
	Kind        Kind `json:"kind"`
	Selected    int  `json:"selected"`
	Enriched    int  `json:"enriched"`
	Unavailable int  `json:"unavailable"`
	Failed      int  `json:"failed"`
	Skipped     int  `json:"skipped"`
	Deferred    int  `json:"deferred"`
	QuotaHit    bool `json:"quota_hit"`
}
