package scheduler

import (
	"time"

	"github.com/google/uuid"

	"github.com/jmerrifield20/clubsync/internal/enrich"
	"github.com/jmerrifield20/clubsync/internal/leaderboard"
	"github.com/jmerrifield20/clubsync/internal/runs"
	"github.com/jmerrifield20/clubsync/internal/syncer"
	"github.com/jmerrifield20/clubsync/internal/syncerr"
)

// CycleKind names a type of cycle.
type CycleKind string

const (
	CycleSync     CycleKind = "sync"
	CycleOnDemand CycleKind = "on_demand"
	CycleTrophy   CycleKind = "trophy"
	CycleEnrich   CycleKind = "enrich"
)

// State is the lifecycle state of a cycle kind.
type State string

const (
	StateIdle            State = "idle"
	StateRunning         State = "running"
	StateCompleted       State = "completed"
	StatePartiallyFailed State = "partially_failed"
)

// Outcome is the result of one user's sub-task within a cycle.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	// OutcomeDeferred means quota ran out; the user is retried next cycle.
	OutcomeDeferred Outcome = "deferred"
	// OutcomeSkipped means the cycle budget ran out before the user started.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeBusy means a sync for the user was already in flight.
	OutcomeBusy Outcome = "busy"
)

// UserReport is one user's sub-task result.
type UserReport struct {
	UserID  int64         `json:"user_id"`
	Outcome Outcome       `json:"outcome"`
	Kind    syncerr.Kind  `json:"kind,omitempty"`
	Error   string        `json:"error,omitempty"`
	Result  syncer.Result `json:"result"`
}

// CycleReport summarizes one cycle.
type CycleReport struct {
	ID         uuid.UUID                `json:"id"`
	Kind       CycleKind                `json:"kind"`
	State      State                    `json:"state"`
	StartedAt  time.Time                `json:"started_at"`
	FinishedAt time.Time                `json:"finished_at"`
	Users      []UserReport             `json:"users,omitempty"`
	Enrichment []enrich.Report          `json:"enrichment,omitempty"`
	Weeks      []leaderboard.WeekResult `json:"weeks,omitempty"`
	Error      string                   `json:"error,omitempty"`
}

// Count returns how many users ended with outcome o.
func (r *CycleReport) Count(o Outcome) int {
	n := 0
	for _, u := range r.Users {
		if u.Outcome == o {
			n++
		}
	}
	return n
}

// finalState is Completed only when no user failed, was deferred or was
// skipped and the cycle itself raised no error.
func (r *CycleReport) finalState() State {
	if r.Error != "" {
		return StatePartiallyFailed
	}
	for _, u := range r.Users {
		switch u.Outcome {
		case OutcomeFailed, OutcomeDeferred, OutcomeSkipped:
			return StatePartiallyFailed
		}
	}
	return StateCompleted
}

func (r *CycleReport) toRun() runs.Run {
	run := runs.Run{
		ID:         r.ID,
		Kind:       string(r.Kind),
		State:      string(r.State),
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Succeeded:  r.Count(OutcomeSucceeded),
		Failed:     r.Count(OutcomeFailed),
		Deferred:   r.Count(OutcomeDeferred),
		Skipped:    r.Count(OutcomeSkipped),
	}
	for _, u := range r.Users {
		if u.Outcome == OutcomeFailed || u.Outcome == OutcomeDeferred {
			run.Failures = append(run.Failures, runs.Failure{UserID: u.UserID, Kind: string(u.Kind), Message: u.Error})
		}
	}
	if r.Error != "" {
		run.Failures = append(run.Failures, runs.Failure{Kind: string(syncerr.KindInternal), Message: r.Error})
	}
	return run
}

// TriggerResult is the immediate answer to an on-demand trigger.
type TriggerResult string

const (
	TriggerAccepted       TriggerResult = "accepted"
	TriggerAlreadyRunning TriggerResult = "already_running"
	TriggerStopped        TriggerResult = "stopped"
)
