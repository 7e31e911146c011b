package leaderboard

import "time"

// WeekStart returns Monday 00:00:00 of the week containing t, in loc.
func WeekStart(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	offset := (int(t.Weekday()) + 6) % 7 // days since Monday
	y, m, d := t.Date()
	return time.Date(y, m, d-offset, 0, 0, 0, 0, loc)
}

// WeekEnd returns Sunday 23:59:59 of the week starting at weekStart.
func WeekEnd(weekStart time.Time) time.Time {
	return nextWeek(weekStart).Add(-time.Second)
}

// nextWeek returns the Monday following weekStart. Calendar arithmetic keeps
// the boundary at midnight across daylight-saving changes.
func nextWeek(weekStart time.Time) time.Time {
	return weekStart.AddDate(0, 0, 7)
}

// WeeksBetween returns the starts of every week from the week containing
// from up to and including the week containing to.
func WeeksBetween(from, to time.Time, loc *time.Location) []time.Time {
	var out []time.Time
	last := WeekStart(to, loc)
	for w := WeekStart(from, loc); !w.After(last); w = nextWeek(w) {
		out = append(out, w)
	}
	return out
}
