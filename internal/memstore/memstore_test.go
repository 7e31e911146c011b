package memstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jmerrifield20/clubsync/internal/activities"
	"github.com/jmerrifield20/clubsync/internal/privacy"
	"github.com/jmerrifield20/clubsync/internal/users"
)

func TestUpsert_NaturalKeyIsUniqueUnderConcurrency(t *testing.T) {
	s := New()
	ctx := context.Background()
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			batch := []activities.Activity{
				{ActivityID: 1, StartDate: start, Distance: 5000, KudosCount: w % 2, Visibility: privacy.VisibilityEveryone},
				{ActivityID: 2, StartDate: start.Add(time.Hour), Distance: 3000, Visibility: privacy.VisibilityEveryone},
			}
			if _, err := s.UpsertBatch(ctx, 1, batch); err != nil {
				t.Error(err)
			}
		}(w)
	}
	wg.Wait()

	if n, _ := s.CountByUser(ctx, 1); n != 2 {
		t.Errorf("rows = %d, want 2", n)
	}
	a, _ := s.Get(ctx, 1, 1)
	if a.Distance != 5000 {
		t.Errorf("distance = %v", a.Distance)
	}
}

func TestUsers_DuplicateAthleteAndCredentialRace(t *testing.T) {
	s := New()
	ctx := context.Background()
	u := &users.User{AthleteID: 9, RefreshToken: "r1", Active: true}
	if err := s.Insert(ctx, u); err != nil {
		t.Fatal(err)
	}
	if err := s.Insert(ctx, &users.User{AthleteID: 9}); err != users.ErrDuplicateAthlete {
		t.Errorf("duplicate insert err = %v", err)
	}

	if err := s.UpdateCredentials(ctx, u.ID, "r1", users.Credentials{AccessToken: "a2", RefreshToken: "r2"}); err != nil {
		t.Fatalf("UpdateCredentials: %v", err)
	}
	if err := s.UpdateCredentials(ctx, u.ID, "r1", users.Credentials{AccessToken: "a3", RefreshToken: "r3"}); err != users.ErrCredentialsChanged {
		t.Errorf("stale update err = %v, want ErrCredentialsChanged", err)
	}
}

func TestUpsertFromAuth_ReactivatesUser(t *testing.T) {
	s := New()
	ctx := context.Background()
	u := &users.User{AthleteID: 3, AccessToken: "a"}
	created, _ := s.UpsertFromAuth(ctx, u)
	if !created || !u.Active {
		t.Fatalf("created=%v active=%v", created, u.Active)
	}
	if err := s.Deactivate(ctx, u.ID, "scope_insufficient"); err != nil {
		t.Fatal(err)
	}
	again := &users.User{AthleteID: 3, AccessToken: "b"}
	created, _ = s.UpsertFromAuth(ctx, again)
	if created || !again.Active || again.ID != u.ID || again.DeactivatedReason != "" {
		t.Errorf("re-auth = %+v created=%v", again, created)
	}
}
