package leaderboard

import (
	"testing"
	"time"
)

func TestWeekStart(t *testing.T) {
	tests := []struct {
		name string
		in   time.Time
		want time.Time
	}{
		{"monday midnight", time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)},
		{"wednesday afternoon", time.Date(2026, 3, 4, 14, 30, 0, 0, time.UTC), time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)},
		{"sunday last second", time.Date(2026, 3, 8, 23, 59, 59, 0, time.UTC), time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)},
		{"across month", time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC), time.Date(2026, 3, 30, 0, 0, 0, 0, time.UTC)},
		{"across year", time.Date(2027, 1, 2, 8, 0, 0, 0, time.UTC), time.Date(2026, 12, 28, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := WeekStart(tt.in, time.UTC); !got.Equal(tt.want) {
				t.Errorf("WeekStart(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestWeekBoundsInZone(t *testing.T) {
	loc, err := time.LoadLocation("Europe/London")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	// The week containing the spring clock change.
	start := WeekStart(time.Date(2026, 3, 29, 12, 0, 0, 0, loc), loc)
	if start.Weekday() != time.Monday || start.Hour() != 0 || start.Minute() != 0 {
		t.Fatalf("start = %v, want Monday 00:00", start)
	}
	end := WeekEnd(start)
	if end.Weekday() != time.Sunday || end.Hour() != 23 || end.Minute() != 59 || end.Second() != 59 {
		t.Errorf("end = %v, want Sunday 23:59:59", end)
	}
	if next := nextWeek(start); next.Hour() != 0 || next.Weekday() != time.Monday {
		t.Errorf("next = %v, want Monday 00:00", next)
	}
}

func TestWeeksBetween(t *testing.T) {
	from := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 3, 18, 0, 0, 0, 0, time.UTC)
	got := WeeksBetween(from, to, time.UTC)
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if !got[0].Equal(time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)) || !got[2].Equal(time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("weeks = %v", got)
	}
}
