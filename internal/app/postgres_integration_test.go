//go:build integration

package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap"

	"github.com/jmerrifield20/clubsync/internal/activities"
	"github.com/jmerrifield20/clubsync/internal/config"
	"github.com/jmerrifield20/clubsync/internal/dbmigrate"
	"github.com/jmerrifield20/clubsync/internal/enrich"
	"github.com/jmerrifield20/clubsync/internal/privacy"
	"github.com/jmerrifield20/clubsync/internal/runs"
	"github.com/jmerrifield20/clubsync/internal/users"
	"github.com/jmerrifield20/clubsync/migrations"
)

var monday = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func newPostgresApp(t *testing.T) *App {
	t.Helper()
	ctx := context.Background()

	pg, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("clubsync"),
		postgres.WithUsername("clubsync"),
		postgres.WithPassword("clubsync"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(pg) })

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}

	v := config.NewViper("")
	v.Set("database.url", connStr)
	v.Set("strava.auth_url", "")
	cfg, err := config.FromViper(v)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	a, err := New(ctx, cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(a.Close)

	applied, err := dbmigrate.Apply(ctx, a.DB, migrations.FS, zap.NewNop())
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if applied != 6 {
		t.Fatalf("applied = %d, want 6", applied)
	}
	if again, err := dbmigrate.Apply(ctx, a.DB, migrations.FS, zap.NewNop()); err != nil || again != 0 {
		t.Fatalf("second apply = %d, %v; want 0, nil", again, err)
	}
	return a
}

func insertUser(t *testing.T, a *App, athleteID int64, tier privacy.Tier) *users.User {
	t.Helper()
	u := &users.User{
		AthleteID:      athleteID,
		Firstname:      "Athlete",
		Lastname:       "Number",
		AccessToken:    "access",
		RefreshToken:   "refresh",
		TokenExpiresAt: time.Now().Add(time.Hour).UTC(),
		Scopes:         []string{"read", "activity:read_all"},
		PrivacyTier:    tier,
		Active:         true,
	}
	if err := users.NewRepository(a.DB).Insert(context.Background(), u); err != nil {
		t.Fatalf("insert user %d: %v", athleteID, err)
	}
	return u
}

func activity(userID, id int64, typ string, start time.Time, meters float64, vis privacy.Visibility) activities.Activity {
	return activities.Activity{
		UserID:     userID,
		ActivityID: id,
		Name:       "Morning " + typ,
		Type:       typ,
		SportType:  typ,
		StartDate:  start,
		Distance:   meters,
		MovingTime: 1800,
		KudosCount: 1,
		Visibility: vis,
	}
}

func TestPostgres_Repositories(t *testing.T) {
	a := newPostgresApp(t)
	ctx := context.Background()

	alice := insertUser(t, a, 1001, privacy.TierPublic)
	bob := insertUser(t, a, 1002, privacy.TierPublic)
	carol := insertUser(t, a, 1003, privacy.TierPrivate)

	t.Run("duplicate athlete", func(t *testing.T) {
		err := users.NewRepository(a.DB).Insert(ctx, &users.User{AthleteID: 1001, PrivacyTier: privacy.TierPublic, Active: true})
		if !errors.Is(err, users.ErrDuplicateAthlete) {
			t.Fatalf("err = %v, want ErrDuplicateAthlete", err)
		}
	})

	t.Run("user without scopes", func(t *testing.T) {
		repo := users.NewRepository(a.DB)
		u := &users.User{AthleteID: 1004, AccessToken: "access", RefreshToken: "refresh", PrivacyTier: privacy.TierPublic, Active: true}
		if err := repo.Insert(ctx, u); err != nil {
			t.Fatalf("insert with nil scopes: %v", err)
		}
		if _, err := repo.UpsertFromAuth(ctx, &users.User{AthleteID: 1005, Scopes: users.ParseScopes("")}); err != nil {
			t.Fatalf("upsert with empty scope string: %v", err)
		}
		if err := repo.UpdateCredentials(ctx, u.ID, "refresh", users.Credentials{AccessToken: "a2", RefreshToken: "r2", ExpiresAt: time.Now()}); err != nil {
			t.Fatalf("update credentials with nil scopes: %v", err)
		}
	})

	t.Run("upsert outcomes", func(t *testing.T) {
		batch := []activities.Activity{
			activity(alice.ID, 1, "Run", monday.Add(8*time.Hour), 10000, privacy.VisibilityEveryone),
			activity(alice.ID, 2, "Walk", monday.Add(30*time.Hour), 3000, privacy.VisibilityEveryone),
		}
		counts, err := a.Activities.UpsertBatch(ctx, alice.ID, batch)
		if err != nil {
			t.Fatalf("first batch: %v", err)
		}
		if counts.Inserted != 2 {
			t.Fatalf("first batch counts = %+v", counts)
		}

		counts, err = a.Activities.UpsertBatch(ctx, alice.ID, batch)
		if err != nil {
			t.Fatalf("second batch: %v", err)
		}
		if counts.Unchanged != 2 {
			t.Fatalf("second batch counts = %+v, want 2 unchanged", counts)
		}

		batch[0].KudosCount = 7
		batch[0].Name = "renamed"
		counts, err = a.Activities.UpsertBatch(ctx, alice.ID, batch)
		if err != nil {
			t.Fatalf("third batch: %v", err)
		}
		if counts.Updated != 1 || counts.Unchanged != 1 {
			t.Fatalf("third batch counts = %+v, want 1 updated 1 unchanged", counts)
		}

		stored, err := activities.NewRepository(a.DB).Get(ctx, alice.ID, 1)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if stored.KudosCount != 7 {
			t.Errorf("kudos = %d, want 7", stored.KudosCount)
		}
		if stored.Name != "Morning Run" {
			t.Errorf("name = %q, descriptive fields must not change on update", stored.Name)
		}

		latest, err := a.Activities.LatestStartDate(ctx, alice.ID)
		if err != nil {
			t.Fatalf("latest: %v", err)
		}
		if !latest.Equal(monday.Add(30 * time.Hour)) {
			t.Errorf("cursor = %s", latest)
		}

		dup := activity(alice.ID, 4, "Hike", monday.Add(50*time.Hour), 2000, privacy.VisibilityEveryone)
		counts, err = a.Activities.UpsertBatch(ctx, alice.ID, []activities.Activity{dup, dup})
		if err != nil {
			t.Fatalf("batch with a repeated activity: %v", err)
		}
		if counts.Inserted != 1 || counts.Unchanged != 1 {
			t.Errorf("repeated activity counts = %+v, want 1 inserted 1 unchanged", counts)
		}
		if n, err := a.Activities.CountByUser(ctx, alice.ID); err != nil || n != 3 {
			t.Errorf("stored = %d, %v; want 3 after commit", n, err)
		}

		if _, err := a.Activities.UpsertBatch(ctx, alice.ID, []activities.Activity{activity(bob.ID, 9, "Run", monday, 1, privacy.VisibilityEveryone)}); err == nil {
			t.Error("expected an error for a foreign user's activity")
		}
	})

	t.Run("weekly trophy honors privacy", func(t *testing.T) {
		_, err := a.Activities.UpsertBatch(ctx, bob.ID, []activities.Activity{
			activity(bob.ID, 10, "Ride", monday.Add(10*time.Hour), 14000, privacy.VisibilityEveryone),
			activity(bob.ID, 11, "Run", monday.Add(12*time.Hour), 50000, privacy.VisibilityOnlyMe),
			activity(bob.ID, 12, "Swim", monday.Add(14*time.Hour), 2000, privacy.VisibilityEveryone),
		})
		if err != nil {
			t.Fatalf("bob batch: %v", err)
		}
		_, err = a.Activities.UpsertBatch(ctx, carol.ID, []activities.Activity{
			activity(carol.ID, 20, "Run", monday.Add(9*time.Hour), 90000, privacy.VisibilityEveryone),
		})
		if err != nil {
			t.Fatalf("carol batch: %v", err)
		}

		res, err := a.Engine.ComputeWeeklyTrophy(ctx, monday.Add(72*time.Hour))
		if err != nil {
			t.Fatalf("compute: %v", err)
		}
		if len(res.Trophies) != 2 {
			t.Fatalf("trophies = %+v, want alice and bob only", res.Trophies)
		}
		if res.Champion == nil || res.Champion.UserID != bob.ID || res.Champion.Distance != 14000 {
			t.Fatalf("champion = %+v, want bob with 14000", res.Champion)
		}

		// Recomputing replaces the week rather than adding to it.
		if _, err := a.Engine.ComputeWeeklyTrophy(ctx, monday); err != nil {
			t.Fatalf("recompute: %v", err)
		}
		counts, err := a.Engine.TrophyCounts(ctx, 10)
		if err != nil {
			t.Fatalf("trophy counts: %v", err)
		}
		if len(counts) != 1 || counts[0].UserID != bob.ID || counts[0].Trophies != 1 {
			t.Errorf("trophy counts = %+v", counts)
		}

		board, err := a.Engine.Window(ctx, monday, monday.AddDate(0, 0, 7), 10)
		if err != nil {
			t.Fatalf("window: %v", err)
		}
		for _, s := range board {
			if s.UserID == carol.ID {
				t.Errorf("private user on the board: %+v", s)
			}
		}

		totals, err := a.Engine.PersonalTotals(ctx, carol.ID, time.Time{}, time.Time{})
		if err != nil {
			t.Fatalf("totals: %v", err)
		}
		if totals.Distance != 90000 {
			t.Errorf("personal totals = %v, want unfiltered 90000", totals.Distance)
		}
	})

	t.Run("enrichment selection", func(t *testing.T) {
		repo := enrich.NewRepository(a.DB)
		hr := activity(alice.ID, 3, "Run", monday.Add(40*time.Hour), 5000, privacy.VisibilityEveryone)
		hr.AverageHeartrate = 150
		if _, err := a.Activities.Upsert(ctx, hr); err != nil {
			t.Fatalf("upsert: %v", err)
		}

		pending, err := repo.Pending(ctx, enrich.KindZones, 10)
		if err != nil {
			t.Fatalf("pending: %v", err)
		}
		if len(pending) != 1 || pending[0].ActivityID != 3 {
			t.Fatalf("zones pending = %+v, want only the heart-rate activity", pending)
		}

		if err := repo.SaveZones(ctx, enrich.HRZones{UserID: alice.ID, ActivityID: 3, Seconds: [5]int{60, 120, 600, 300, 0}}); err != nil {
			t.Fatalf("save zones: %v", err)
		}
		if pending, _ = repo.Pending(ctx, enrich.KindZones, 10); len(pending) != 0 {
			t.Errorf("zones still pending after save: %+v", pending)
		}

		geo, err := repo.Pending(ctx, enrich.KindGeo, 100)
		if err != nil {
			t.Fatalf("geo pending: %v", err)
		}
		before := len(geo)
		if err := repo.MarkUnavailable(ctx, geo[0], enrich.KindGeo); err != nil {
			t.Fatalf("mark unavailable: %v", err)
		}
		if geo, _ = repo.Pending(ctx, enrich.KindGeo, 100); len(geo) != before-1 {
			t.Errorf("geo pending = %d, want %d", len(geo), before-1)
		}

		geo, _ = repo.Pending(ctx, enrich.KindGeo, 100)
		failing := geo[0]
		for i := 0; i < enrich.MaxAttempts; i++ {
			if err := repo.MarkFailed(ctx, failing, enrich.KindGeo); err != nil {
				t.Fatalf("mark failed: %v", err)
			}
			geo, _ = repo.Pending(ctx, enrich.KindGeo, 100)
			if i < enrich.MaxAttempts-1 && (len(geo) == 0 || geo[len(geo)-1].ActivityID != failing.ActivityID) {
				t.Fatalf("attempt %d: failing activity should be retried last, pending = %+v", i+1, geo)
			}
		}
		for _, g := range geo {
			if g.ActivityID == failing.ActivityID && g.UserID == failing.UserID {
				t.Errorf("activity selected after %d failed attempts", enrich.MaxAttempts)
			}
		}

		if err := a.Users.Deactivate(ctx, alice.ID, "test"); err != nil {
			t.Fatalf("deactivate: %v", err)
		}
		geo, _ = repo.Pending(ctx, enrich.KindGeo, 100)
		for _, g := range geo {
			if g.UserID == alice.ID {
				t.Errorf("inactive user's activity selected: %+v", g)
			}
		}
	})

	t.Run("runs with failures", func(t *testing.T) {
		run := runs.Run{
			ID:         uuid.New(),
			Kind:       "sync",
			State:      "partially_failed",
			StartedAt:  monday,
			FinishedAt: monday.Add(time.Minute),
			Succeeded:  1,
			Failed:     1,
			Failures: []runs.Failure{
				{UserID: bob.ID, Kind: "transient", Message: "timeout"},
				{Kind: "internal", Message: "cycle error"},
			},
		}
		if err := a.Runs.Record(ctx, run); err != nil {
			t.Fatalf("record: %v", err)
		}
		recent, err := a.Runs.Recent(ctx, 5)
		if err != nil {
			t.Fatalf("recent: %v", err)
		}
		if len(recent) != 1 || recent[0].ID != run.ID {
			t.Fatalf("recent = %+v", recent)
		}
		if len(recent[0].Failures) != 2 || recent[0].Failures[1].UserID != 0 {
			t.Errorf("failures = %+v", recent[0].Failures)
		}
	})
}
