package app

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/jmerrifield20/clubsync/internal/config"
	"github.com/jmerrifield20/clubsync/internal/events"
	"github.com/jmerrifield20/clubsync/internal/scheduler"
	"github.com/jmerrifield20/clubsync/internal/users"
)

func newMemApp(t *testing.T) *App {
	t.Helper()
	v := config.NewViper("")
	v.Set("database.url", "")
	v.Set("strava.auth_url", "")
	cfg, err := config.FromViper(v)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	a, err := New(context.Background(), cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(a.Close)
	return a
}

func TestNew_InMemory(t *testing.T) {
	a := newMemApp(t)
	if a.DB != nil {
		t.Error("expected no database pool")
	}
	if _, ok := a.Publisher.(events.Noop); !ok {
		t.Errorf("publisher = %T, want events.Noop", a.Publisher)
	}
	if a.Issuer.Enabled() {
		t.Error("issuer enabled without a secret")
	}
	if !a.Health.Serving() || len(a.Health.Report()) != 0 {
		t.Errorf("health = %v %+v", a.Health.Serving(), a.Health.Report())
	}
}

func TestNew_TriggerRecordsRun(t *testing.T) {
	a := newMemApp(t)
	ctx := context.Background()

	if err := a.Users.SetPrivacyTier(ctx, 99, "private"); !errors.Is(err, users.ErrNotFound) {
		t.Fatalf("SetPrivacyTier on unknown user: %v", err)
	}

	if res := a.Scheduler.TriggerUser(99); res != scheduler.TriggerAccepted {
		t.Fatalf("TriggerUser = %s", res)
	}
	a.Scheduler.Wait()

	list, err := a.Runs.Recent(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Kind != string(scheduler.CycleOnDemand) || len(list[0].Failures) != 1 {
		t.Fatalf("runs = %+v", list)
	}
	if a.Scheduler.State(scheduler.CycleOnDemand) != scheduler.StatePartiallyFailed {
		t.Errorf("state = %s", a.Scheduler.State(scheduler.CycleOnDemand))
	}
}
