// Package memstore is an in-memory, thread-safe implementation of every
// store used by the engine. It enforces the same natural keys as the
// PostgreSQL schema and backs tests and database-less development runs.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jmerrifield20/clubsync/internal/activities"
	"github.com/jmerrifield20/clubsync/internal/enrich"
	"github.com/jmerrifield20/clubsync/internal/leaderboard"
	"github.com/jmerrifield20/clubsync/internal/privacy"
	"github.com/jmerrifield20/clubsync/internal/runs"
	"github.com/jmerrifield20/clubsync/internal/users"
)

type activityKey struct {
	userID     int64
	activityID int64
}

type markerKey struct {
	activityKey
	kind enrich.Kind
}

type marker struct {
	status   enrich.MarkerStatus
	attempts int
}

type effortKey struct {
	userID   int64
	effortID int64
}

// Store holds all state behind a single lock.
type Store struct {
	mu sync.RWMutex

	nextUserID int64
	users      map[int64]*users.User
	byAthlete  map[int64]int64

	activities map[activityKey]*activities.Activity

	trophies map[int64]map[int64]leaderboard.Trophy // week start unix -> user -> trophy

	markers  map[markerKey]marker
	zones    map[activityKey]enrich.HRZones
	geo      map[activityKey]enrich.GeoPoint
	segments map[int64]enrich.Segment
	efforts  map[effortKey]enrich.SegmentEffort

	runs []runs.Run
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		users:      make(map[int64]*users.User),
		byAthlete:  make(map[int64]int64),
		activities: make(map[activityKey]*activities.Activity),
		trophies:   make(map[int64]map[int64]leaderboard.Trophy),
		markers:    make(map[markerKey]marker),
		zones:      make(map[activityKey]enrich.HRZones),
		geo:        make(map[activityKey]enrich.GeoPoint),
		segments:   make(map[int64]enrich.Segment),
		efforts:    make(map[effortKey]enrich.SegmentEffort),
	}
}

// ── Users ────────────────────────────────────────────────────────────────

// UpsertFromAuth mirrors users.Repository.UpsertFromAuth.
func (s *Store) UpsertFromAuth(_ context.Context, u *users.User) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if id, ok := s.byAthlete[u.AthleteID]; ok {
		existing := s.users[id]
		existing.Firstname = u.Firstname
		existing.Lastname = u.Lastname
		existing.ProfileImage = u.ProfileImage
		existing.AccessToken = u.AccessToken
		existing.RefreshToken = u.RefreshToken
		existing.TokenExpiresAt = u.TokenExpiresAt
		existing.Scopes = u.Scopes
		existing.Active = true
		existing.DeactivatedReason = ""
		existing.LastLoginAt = &now
		*u = copyUser(existing)
		return false, nil
	}

	s.nextUserID++
	u.ID = s.nextUserID
	if u.PrivacyTier == "" {
		u.PrivacyTier = privacy.TierPublic
	}
	u.Active = true
	u.DeactivatedReason = ""
	u.CreatedAt = now
	u.LastLoginAt = &now
	cp := copyUser(u)
	s.users[u.ID] = &cp
	s.byAthlete[u.AthleteID] = u.ID
	return true, nil
}

// Insert mirrors users.Repository.Insert.
func (s *Store) Insert(_ context.Context, u *users.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byAthlete[u.AthleteID]; ok {
		return users.ErrDuplicateAthlete
	}
	s.nextUserID++
	u.ID = s.nextUserID
	if u.PrivacyTier == "" {
		u.PrivacyTier = privacy.TierPublic
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	cp := copyUser(u)
	s.users[u.ID] = &cp
	s.byAthlete[u.AthleteID] = u.ID
	return nil
}

// GetByID mirrors users.Repository.GetByID.
func (s *Store) GetByID(_ context.Context, id int64) (*users.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, users.ErrNotFound
	}
	cp := copyUser(u)
	return &cp, nil
}

// GetByAthleteID mirrors users.Repository.GetByAthleteID.
func (s *Store) GetByAthleteID(ctx context.Context, athleteID int64) (*users.User, error) {
	s.mu.RLock()
	id, ok := s.byAthlete[athleteID]
	s.mu.RUnlock()
	if !ok {
		return nil, users.ErrNotFound
	}
	return s.GetByID(ctx, id)
}

// ListActive mirrors users.Repository.ListActive.
func (s *Store) ListActive(_ context.Context) ([]users.User, error) {
	return s.listUsers(func(u *users.User) bool { return u.Active }), nil
}

// ListAll mirrors users.Repository.ListAll.
func (s *Store) ListAll(_ context.Context) ([]users.User, error) {
	return s.listUsers(func(*users.User) bool { return true }), nil
}

func (s *Store) listUsers(keep func(*users.User) bool) []users.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []users.User
	for _, u := range s.users {
		if keep(u) {
			out = append(out, copyUser(u))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UpdateCredentials mirrors users.Repository.UpdateCredentials.
func (s *Store) UpdateCredentials(_ context.Context, id int64, previousRefresh string, c users.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok || u.RefreshToken != previousRefresh {
		return users.ErrCredentialsChanged
	}
	u.AccessToken = c.AccessToken
	u.RefreshToken = c.RefreshToken
	u.TokenExpiresAt = c.ExpiresAt
	u.Scopes = append([]string(nil), c.Scopes...)
	return nil
}

// Deactivate mirrors users.Repository.Deactivate.
func (s *Store) Deactivate(_ context.Context, id int64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return users.ErrNotFound
	}
	u.Active = false
	u.DeactivatedReason = reason
	return nil
}

// SetPrivacyTier mirrors users.Repository.SetPrivacyTier.
func (s *Store) SetPrivacyTier(_ context.Context, id int64, tier privacy.Tier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return users.ErrNotFound
	}
	u.PrivacyTier = tier
	return nil
}

// TouchLastSync mirrors users.Repository.TouchLastSync.
func (s *Store) TouchLastSync(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[id]; ok {
		t := at
		u.LastSyncAt = &t
	}
	return nil
}

func copyUser(u *users.User) users.User {
	cp := *u
	cp.Scopes = append([]string(nil), u.Scopes...)
	return cp
}

// ── Activities ───────────────────────────────────────────────────────────

// Upsert mirrors activities.Repository.Upsert.
func (s *Store) Upsert(_ context.Context, a activities.Activity) (activities.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertLocked(a, time.Now().UTC()), nil
}

// UpsertBatch mirrors activities.Repository.UpsertBatch.
func (s *Store) UpsertBatch(_ context.Context, userID int64, batch []activities.Activity) (activities.Counts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var c activities.Counts
	now := time.Now().UTC()
	for _, a := range batch {
		a.UserID = userID
		c.Add(s.upsertLocked(a, now))
	}
	return c, nil
}

func (s *Store) upsertLocked(a activities.Activity, now time.Time) activities.Outcome {
	key := activityKey{a.UserID, a.ActivityID}
	if stored, ok := s.activities[key]; ok {
		o := activities.Merge(stored, a)
		if o == activities.Updated {
			stored.UpdatedAt = now
		}
		return o
	}
	a.StartDate = a.StartDate.UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	s.activities[key] = &a
	return activities.Inserted
}

// LatestStartDate mirrors activities.Repository.LatestStartDate.
func (s *Store) LatestStartDate(_ context.Context, userID int64) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest time.Time
	for k, a := range s.activities {
		if k.userID == userID && a.StartDate.After(latest) {
			latest = a.StartDate
		}
	}
	return latest, nil
}

// Get mirrors activities.Repository.Get.
func (s *Store) Get(_ context.Context, userID, activityID int64) (*activities.Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.activities[activityKey{userID, activityID}]
	if !ok {
		return nil, activities.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

// ListByUser mirrors activities.Repository.ListByUser.
func (s *Store) ListByUser(_ context.Context, userID int64, limit int) ([]activities.Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []activities.Activity
	for k, a := range s.activities {
		if k.userID == userID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartDate.After(out[j].StartDate) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountByUser mirrors activities.Repository.CountByUser.
func (s *Store) CountByUser(_ context.Context, userID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for k := range s.activities {
		if k.userID == userID {
			n++
		}
	}
	return n, nil
}

// ── Leaderboard ──────────────────────────────────────────────────────────

// ActivityRows implements leaderboard.Store.
func (s *Store) ActivityRows(_ context.Context, q leaderboard.RowQuery) ([]leaderboard.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []leaderboard.Row
	for _, a := range s.activities {
		u, ok := s.users[a.UserID]
		if !ok {
			continue
		}
		r := leaderboard.Row{
			UserID:        u.ID,
			AthleteID:     u.AthleteID,
			Firstname:     u.Firstname,
			Lastname:      u.Lastname,
			ProfileImage:  u.ProfileImage,
			Tier:          u.PrivacyTier,
			ActivityID:    a.ActivityID,
			Type:          a.Type,
			StartDate:     a.StartDate,
			Distance:      a.Distance,
			MovingTime:    a.MovingTime,
			ElevationGain: a.TotalElevationGain,
			KudosCount:    a.KudosCount,
			Visibility:    a.Visibility,
		}
		if q.Matches(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartDate.Equal(out[j].StartDate) {
			return out[i].StartDate.Before(out[j].StartDate)
		}
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].ActivityID < out[j].ActivityID
	})
	return out, nil
}

// ReplaceWeek implements leaderboard.Store.
func (s *Store) ReplaceWeek(_ context.Context, weekStart time.Time, trophies []leaderboard.Trophy) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var previous int64
	for _, t := range s.trophies[weekStart.Unix()] {
		if t.Champion {
			previous = t.UserID
		}
	}
	week := make(map[int64]leaderboard.Trophy, len(trophies))
	for _, t := range trophies {
		week[t.UserID] = t
	}
	s.trophies[weekStart.Unix()] = week
	return previous, nil
}

// Trophies implements leaderboard.Store.
func (s *Store) Trophies(_ context.Context, championsOnly bool, limit int) ([]leaderboard.TrophyRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []leaderboard.TrophyRow
	for _, week := range s.trophies {
		for _, t := range week {
			if championsOnly && !t.Champion {
				continue
			}
			row := leaderboard.TrophyRow{Trophy: t}
			if u, ok := s.users[t.UserID]; ok {
				row.Firstname, row.Lastname = u.Firstname, u.Lastname
				row.ProfileImage, row.Tier = u.ProfileImage, u.PrivacyTier
			}
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].WeekStart.Equal(out[j].WeekStart) {
			return out[i].WeekStart.After(out[j].WeekStart)
		}
		return out[i].Rank < out[j].Rank
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// FirstStartDate implements leaderboard.Store.
func (s *Store) FirstStartDate(_ context.Context) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var first time.Time
	for _, a := range s.activities {
		if first.IsZero() || a.StartDate.Before(first) {
			first = a.StartDate
		}
	}
	return first, nil
}

// ── Enrichment ───────────────────────────────────────────────────────────

// Pending implements enrich.Store.
func (s *Store) Pending(_ context.Context, kind enrich.Kind, limit int) ([]enrich.Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		out      []enrich.Target
		attempts = make(map[activityKey]int)
	)
	for k, a := range s.activities {
		u, ok := s.users[k.userID]
		if !ok || !u.Active {
			continue
		}
		m, marked := s.markers[markerKey{k, kind}]
		if marked && (m.status != enrich.StatusFailed || m.attempts >= enrich.MaxAttempts) {
			continue
		}
		if kind == enrich.KindZones && !a.HasHeartrate() {
			continue
		}
		attempts[k] = m.attempts
		out = append(out, enrich.Target{UserID: k.userID, ActivityID: k.activityID, StartDate: a.StartDate})
	}
	sort.Slice(out, func(i, j int) bool {
		ai := attempts[activityKey{out[i].UserID, out[i].ActivityID}]
		aj := attempts[activityKey{out[j].UserID, out[j].ActivityID}]
		if ai != aj {
			return ai < aj
		}
		if !out[i].StartDate.Equal(out[j].StartDate) {
			return out[i].StartDate.After(out[j].StartDate)
		}
		return out[i].ActivityID > out[j].ActivityID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SaveZones implements enrich.Store.
func (s *Store) SaveZones(_ context.Context, z enrich.HRZones) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := activityKey{z.UserID, z.ActivityID}
	if _, ok := s.zones[k]; !ok {
		s.zones[k] = z
	}
	s.markLocked(k, enrich.KindZones, enrich.StatusDone)
	return nil
}

// SaveGeo implements enrich.Store.
func (s *Store) SaveGeo(_ context.Context, g enrich.GeoPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := activityKey{g.UserID, g.ActivityID}
	if _, ok := s.geo[k]; !ok {
		s.geo[k] = g
	}
	s.markLocked(k, enrich.KindGeo, enrich.StatusDone)
	return nil
}

// SaveSegments implements enrich.Store.
func (s *Store) SaveSegments(_ context.Context, t enrich.Target, segments []enrich.Segment, efforts []enrich.SegmentEffort) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, seg := range segments {
		s.segments[seg.ID] = seg
	}
	for _, e := range efforts {
		k := effortKey{e.UserID, e.EffortID}
		if _, ok := s.efforts[k]; !ok {
			s.efforts[k] = e
		}
	}
	s.markLocked(activityKey{t.UserID, t.ActivityID}, enrich.KindSegments, enrich.StatusDone)
	return nil
}

// MarkUnavailable implements enrich.Store.
func (s *Store) MarkUnavailable(_ context.Context, t enrich.Target, kind enrich.Kind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markLocked(activityKey{t.UserID, t.ActivityID}, kind, enrich.StatusUnavailable)
	return nil
}

// MarkFailed implements enrich.Store.
func (s *Store) MarkFailed(_ context.Context, t enrich.Target, kind enrich.Kind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mk := markerKey{activityKey{t.UserID, t.ActivityID}, kind}
	m, ok := s.markers[mk]
	if ok && m.status != enrich.StatusFailed {
		return nil
	}
	s.markers[mk] = marker{status: enrich.StatusFailed, attempts: m.attempts + 1}
	return nil
}

// markLocked records a terminal marker unless one already exists.
func (s *Store) markLocked(k activityKey, kind enrich.Kind, status enrich.MarkerStatus) {
	mk := markerKey{k, kind}
	if m, ok := s.markers[mk]; !ok || m.status == enrich.StatusFailed {
		s.markers[mk] = marker{status: status, attempts: m.attempts}
	}
}

// Marker returns the enrichment marker of an activity, if any.
func (s *Store) Marker(userID, activityID int64, kind enrich.Kind) (enrich.MarkerStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.markers[markerKey{activityKey{userID, activityID}, kind}]
	return m.status, ok
}

// Zones returns the stored zone breakdown of an activity.
func (s *Store) Zones(userID, activityID int64) (enrich.HRZones, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	z, ok := s.zones[activityKey{userID, activityID}]
	return z, ok
}

// Geo returns the stored start point of an activity.
func (s *Store) Geo(userID, activityID int64) (enrich.GeoPoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.geo[activityKey{userID, activityID}]
	return g, ok
}

// Efforts returns every stored effort of a user.
func (s *Store) Efforts(userID int64) []enrich.SegmentEffort {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []enrich.SegmentEffort
	for k, e := range s.efforts {
		if k.userID == userID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EffortID < out[j].EffortID })
	return out
}

// SegmentCount returns how many distinct segments are stored.
func (s *Store) SegmentCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.segments)
}

// ── Runs ─────────────────────────────────────────────────────────────────

// Record mirrors runs.Repository.Record.
func (s *Store) Record(_ context.Context, run runs.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, run)
	return nil
}

// Recent mirrors runs.Repository.Recent.
func (s *Store) Recent(_ context.Context, limit int) ([]runs.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]runs.Run, 0, len(s.runs))
	for i := len(s.runs) - 1; i >= 0; i-- {
		out = append(out, s.runs[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
