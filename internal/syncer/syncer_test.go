package syncer_test

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/clubsync/internal/clock"
	"github.com/jmerrifield20/clubsync/internal/memstore"
	"github.com/jmerrifield20/clubsync/internal/strava"
	"github.com/jmerrifield20/clubsync/internal/syncer"
	"github.com/jmerrifield20/clubsync/internal/syncerr"
	"github.com/jmerrifield20/clubsync/internal/users"
)

// ── Stubs ────────────────────────────────────────────────────────────────

type listCall struct {
	after time.Time
	page  int
}

// stubRemote serves activities started strictly after the cursor, oldest
// first, the way the remote does when an after parameter is supplied.
type stubRemote struct {
	mu     sync.Mutex
	acts   []strava.SummaryActivity
	calls  []listCall
	failAt int // page number that fails; 0 disables
	err    error
}

func (s *stubRemote) ListActivities(_ context.Context, _ string, after time.Time, page, perPage int) ([]strava.SummaryActivity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, listCall{after: after, page: page})
	if s.failAt != 0 && page == s.failAt {
		return nil, s.err
	}
	var matched []strava.SummaryActivity
	for _, a := range s.acts {
		if a.StartDate.After(after) {
			matched = append(matched, a)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].StartDate.Before(matched[j].StartDate) })
	lo := (page - 1) * perPage
	if lo >= len(matched) {
		return nil, nil
	}
	hi := min(lo+perPage, len(matched))
	return matched[lo:hi], nil
}

func (s *stubRemote) add(a strava.SummaryActivity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acts = append(s.acts, a)
}

func (s *stubRemote) lastCall() listCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[len(s.calls)-1]
}

type stubCreds struct {
	mu          sync.Mutex
	err         error
	handled     []error
	deactivated bool
}

func (c *stubCreds) EnsureValid(_ context.Context, u *users.User) (users.Credentials, error) {
	if c.err != nil {
		return users.Credentials{}, c.err
	}
	return u.Credentials(), nil
}

func (c *stubCreds) HandleAuthError(_ context.Context, _ *users.User, err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handled = append(c.handled, err)
	if _, ok := syncerr.IsAuth(err); ok {
		c.deactivated = true
	}
	return err
}

var monday = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func summary(id int64, start time.Time, distance float64) strava.SummaryActivity {
	return strava.SummaryActivity{
		ID:         id,
		Name:       "activity",
		Type:       "Run",
		SportType:  "Run",
		StartDate:  start,
		Distance:   distance,
		MovingTime: 1800,
		Visibility: "everyone",
	}
}

func newHarness(t *testing.T, perPage int) (*syncer.Syncer, *memstore.Store, *stubRemote, *stubCreds, *users.User) {
	t.Helper()
	store := memstore.New()
	u := &users.User{AthleteID: 1001, Firstname: "Ana", AccessToken: "at", RefreshToken: "rt", TokenExpiresAt: monday.Add(24 * time.Hour)}
	if err := store.Insert(context.Background(), u); err != nil {
		t.Fatalf("insert user: %v", err)
	}
	remote := &stubRemote{}
	creds := &stubCreds{}
	s := syncer.New(syncer.NewFetcher(remote, perPage, 10), store, store, creds, clock.NewFake(monday.Add(72*time.Hour)), zap.NewNop())
	return s, store, remote, creds, u
}

// ── Fetcher ──────────────────────────────────────────────────────────────

func TestFetcher_PaginatesUntilShortPage(t *testing.T) {
	remote := &stubRemote{}
	for i := range 5 {
		remote.add(summary(int64(i+1), monday.Add(time.Duration(i)*time.Hour), 1000))
	}
	f := syncer.NewFetcher(remote, 2, 10)

	var got []int64
	for a, err := range f.Records(context.Background(), "at", time.Time{}) {
		if err != nil {
			t.Fatalf("Records: %v", err)
		}
		got = append(got, a.ID)
	}
	if len(got) != 5 {
		t.Fatalf("got %d records, want 5", len(got))
	}
	if len(remote.calls) != 3 {
		t.Errorf("calls = %d, want 3 (2+2+1)", len(remote.calls))
	}
}

func TestFetcher_StopsOnEmptyPage(t *testing.T) {
	remote := &stubRemote{}
	for i := range 4 {
		remote.add(summary(int64(i+1), monday.Add(time.Duration(i)*time.Hour), 1000))
	}
	f := syncer.NewFetcher(remote, 2, 10)
	for _, err := range f.Pages(context.Background(), "at", time.Time{}) {
		if err != nil {
			t.Fatalf("Pages: %v", err)
		}
	}
	if len(remote.calls) != 3 {
		t.Errorf("calls = %d, want 3 (full, full, empty)", len(remote.calls))
	}
}

func TestFetcher_IsLazy(t *testing.T) {
	remote := &stubRemote{}
	for i := range 6 {
		remote.add(summary(int64(i+1), monday.Add(time.Duration(i)*time.Hour), 1000))
	}
	f := syncer.NewFetcher(remote, 2, 10)

	seq := f.Pages(context.Background(), "at", time.Time{})
	if len(remote.calls) != 0 {
		t.Fatalf("calls before ranging = %d, want 0", len(remote.calls))
	}
	for range seq {
		break
	}
	if len(remote.calls) != 1 {
		t.Errorf("calls after early stop = %d, want 1", len(remote.calls))
	}
}

func TestFetcher_RespectsPageLimit(t *testing.T) {
	remote := &stubRemote{}
	for i := range 10 {
		remote.add(summary(int64(i+1), monday.Add(time.Duration(i)*time.Hour), 1000))
	}
	f := syncer.NewFetcher(remote, 2, 3)
	n := 0
	for _, err := range f.Records(context.Background(), "at", time.Time{}) {
		if err != nil {
			t.Fatalf("Records: %v", err)
		}
		n++
	}
	if n != 6 {
		t.Errorf("records = %d, want 6", n)
	}
}

func TestFetcher_YieldsErrorAndStops(t *testing.T) {
	remote := &stubRemote{failAt: 2, err: &syncerr.QuotaError{RetryAfter: monday}}
	for i := range 6 {
		remote.add(summary(int64(i+1), monday.Add(time.Duration(i)*time.Hour), 1000))
	}
	f := syncer.NewFetcher(remote, 2, 10)

	pages, errs := 0, 0
	for _, err := range f.Pages(context.Background(), "at", time.Time{}) {
		if err != nil {
			errs++
			continue
		}
		pages++
	}
	if pages != 1 || errs != 1 {
		t.Errorf("pages=%d errs=%d, want 1 and 1", pages, errs)
	}
}

// ── Syncer ───────────────────────────────────────────────────────────────

func TestSync_NoNewDataLeavesRowsUnchanged(t *testing.T) {
	s, store, remote, _, u := newHarness(t, 50)
	ctx := context.Background()

	remote.add(summary(1, monday.Add(9*time.Hour), 5000))
	remote.add(summary(2, monday.Add(2*24*time.Hour+14*time.Hour), 3000))

	if _, err := s.Sync(ctx, u, syncer.Options{}); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	before, _ := store.ListByUser(ctx, u.ID, 0)

	res, err := s.Sync(ctx, u, syncer.Options{})
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if res.Counts.Inserted != 0 || res.Counts.Updated != 0 {
		t.Errorf("second sync counts = %+v, want no writes", res.Counts)
	}

	after, _ := store.ListByUser(ctx, u.ID, 0)
	if len(after) != 2 {
		t.Fatalf("rows = %d, want 2", len(after))
	}
	for i := range after {
		if after[i].Distance != before[i].Distance || !after[i].UpdatedAt.Equal(before[i].UpdatedAt) {
			t.Errorf("row %d changed: before %+v after %+v", i, before[i], after[i])
		}
	}
}

func TestSync_NewActivityAdvancesCursor(t *testing.T) {
	s, store, remote, _, u := newHarness(t, 50)
	ctx := context.Background()

	remote.add(summary(1, monday.Add(9*time.Hour), 5000))
	remote.add(summary(2, monday.Add(2*24*time.Hour+14*time.Hour), 3000))
	if _, err := s.Sync(ctx, u, syncer.Options{}); err != nil {
		t.Fatalf("first sync: %v", err)
	}

	newest := monday.Add(4*24*time.Hour + 7*time.Hour)
	remote.add(summary(3, newest, 8000))

	res, err := s.Sync(ctx, u, syncer.Options{})
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if !res.Cursor.Equal(monday.Add(2*24*time.Hour + 14*time.Hour)) {
		t.Errorf("cursor = %v, want Wednesday 14:00", res.Cursor)
	}
	if res.Counts.Inserted != 1 {
		t.Errorf("inserted = %d, want 1", res.Counts.Inserted)
	}
	if n, _ := store.CountByUser(ctx, u.ID); n != 3 {
		t.Errorf("rows = %d, want 3", n)
	}
	if !res.NewCursor.Equal(newest) {
		t.Errorf("new cursor = %v, want %v", res.NewCursor, newest)
	}

	if _, err := s.Sync(ctx, u, syncer.Options{}); err != nil {
		t.Fatalf("third sync: %v", err)
	}
	if got := remote.lastCall().after; !got.Equal(newest) {
		t.Errorf("next fetch after = %v, want %v", got, newest)
	}
}

func TestSync_FullRefreshesMutableFields(t *testing.T) {
	s, store, remote, _, u := newHarness(t, 50)
	ctx := context.Background()

	remote.add(summary(1, monday.Add(9*time.Hour), 5000))
	if _, err := s.Sync(ctx, u, syncer.Options{}); err != nil {
		t.Fatalf("sync: %v", err)
	}

	remote.mu.Lock()
	remote.acts[0].KudosCount = 7
	remote.acts[0].Visibility = "only_me"
	remote.acts[0].Distance = 9999
	remote.mu.Unlock()

	res, err := s.Sync(ctx, u, syncer.Options{Full: true})
	if err != nil {
		t.Fatalf("full sync: %v", err)
	}
	if res.Counts.Updated != 1 {
		t.Errorf("updated = %d, want 1", res.Counts.Updated)
	}
	a, err := store.Get(ctx, u.ID, 1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if a.KudosCount != 7 || a.Visibility != "only_me" {
		t.Errorf("mutable fields not refreshed: %+v", a)
	}
	if a.Distance != 5000 {
		t.Errorf("distance = %v, want immutable 5000", a.Distance)
	}
}

func TestSync_QuotaMidwayKeepsCommittedPrefix(t *testing.T) {
	s, store, remote, _, u := newHarness(t, 2)
	ctx := context.Background()

	for i := range 5 {
		remote.add(summary(int64(i+1), monday.Add(time.Duration(i)*time.Hour), 1000))
	}
	remote.failAt = 2
	remote.err = &syncerr.QuotaError{RetryAfter: monday.Add(time.Hour)}

	_, err := s.Sync(ctx, u, syncer.Options{})
	if _, ok := syncerr.IsQuota(err); !ok {
		t.Fatalf("err = %v, want quota error", err)
	}
	if n, _ := store.CountByUser(ctx, u.ID); n != 2 {
		t.Fatalf("rows after quota = %d, want first page only", n)
	}

	remote.failAt = 0
	res, err := s.Sync(ctx, u, syncer.Options{})
	if err != nil {
		t.Fatalf("resume sync: %v", err)
	}
	if !res.Cursor.Equal(monday.Add(time.Hour)) {
		t.Errorf("resume cursor = %v, want second activity start", res.Cursor)
	}
	if n, _ := store.CountByUser(ctx, u.ID); n != 5 {
		t.Errorf("rows after resume = %d, want 5", n)
	}
}

func TestSync_AuthErrorHandedToCredentials(t *testing.T) {
	s, _, remote, creds, u := newHarness(t, 50)

	remote.failAt = 1
	remote.err = syncerr.NewRefreshRejected("revoked")

	_, err := s.Sync(context.Background(), u, syncer.Options{})
	if _, ok := syncerr.IsAuth(err); !ok {
		t.Fatalf("err = %v, want auth error", err)
	}
	if !creds.deactivated {
		t.Error("expected HandleAuthError to see the auth error")
	}
}

func TestSync_CredentialErrorStopsBeforeFetch(t *testing.T) {
	s, _, remote, creds, u := newHarness(t, 50)
	creds.err = syncerr.NewScopeInsufficient("activity:read_all")

	if _, err := s.Sync(context.Background(), u, syncer.Options{}); err == nil {
		t.Fatal("expected error")
	}
	if len(remote.calls) != 0 {
		t.Errorf("remote calls = %d, want 0", len(remote.calls))
	}
}

func TestSync_TouchesLastSync(t *testing.T) {
	s, store, _, _, u := newHarness(t, 50)
	ctx := context.Background()
	if _, err := s.Sync(ctx, u, syncer.Options{}); err != nil {
		t.Fatalf("sync: %v", err)
	}
	got, _ := store.GetByID(ctx, u.ID)
	if got.LastSyncAt == nil || !got.LastSyncAt.Equal(monday.Add(72*time.Hour)) {
		t.Errorf("LastSyncAt = %v", got.LastSyncAt)
	}
}
