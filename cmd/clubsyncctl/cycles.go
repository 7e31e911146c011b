package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmerrifield20/clubsync/internal/enrich"
	"github.com/jmerrifield20/clubsync/internal/leaderboard"
	"github.com/jmerrifield20/clubsync/internal/runs"
	"github.com/jmerrifield20/clubsync/internal/scheduler"
	"github.com/jmerrifield20/clubsync/internal/syncer"
)

// ── sync ─────────────────────────────────────────────────────────────────────

var (
	syncUser int64
	syncFull bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a sync cycle now",
	Long: `Sync fetches new activities for every active user, or for one user
with --user. A single-user sync takes the same path as an on-demand
trigger from the web layer. --full ignores the cursor and re-reads the
whole history so engagement counts and visibility changes of older
activities are picked up; it applies to the all-users cycle only.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if syncFull && syncUser != 0 {
			return fmt.Errorf("--full cannot be combined with --user")
		}
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if syncUser == 0 {
			return printCycle(a.Scheduler.RunSyncCycle(ctx, syncer.Options{Full: syncFull}))
		}

		if res := a.Scheduler.TriggerUser(syncUser); res != scheduler.TriggerAccepted {
			return fmt.Errorf("sync user %d: %s", syncUser, res)
		}
		a.Scheduler.Wait()

		recent, err := a.Runs.Recent(ctx, 1)
		if err != nil {
			return err
		}
		if len(recent) == 0 {
			return fmt.Errorf("sync user %d: no run recorded", syncUser)
		}
		return printRun(recent[0])
	},
}

func init() {
	syncCmd.Flags().Int64Var(&syncUser, "user", 0, "sync only this user id")
	syncCmd.Flags().BoolVar(&syncFull, "full", false, "ignore the cursor and re-read the whole history")
}

// ── trophies ─────────────────────────────────────────────────────────────────

var (
	trophyWeek  string
	trophySince string
)

var trophiesCmd = &cobra.Command{
	Use:   "trophies",
	Short: "Recompute weekly trophies",
	Long: `Without flags this runs the daily trophy computation (current week plus
the configured lookback). --week recomputes the week containing one date;
--since recomputes every week from a date up to now.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if trophyWeek != "" && trophySince != "" {
			return fmt.Errorf("--week and --since are mutually exclusive")
		}
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		loc := a.Engine.Location()

		switch {
		case trophyWeek != "":
			day, err := time.ParseInLocation(time.DateOnly, trophyWeek, loc)
			if err != nil {
				return fmt.Errorf("--week: %w", err)
			}
			res, err := a.Engine.ComputeWeeklyTrophy(ctx, day)
			if err != nil {
				return err
			}
			return printWeeks([]leaderboard.WeekResult{*res})
		case trophySince != "":
			since, err := time.ParseInLocation(time.DateOnly, trophySince, loc)
			if err != nil {
				return fmt.Errorf("--since: %w", err)
			}
			weeks, err := a.Engine.Backfill(ctx, since)
			if err != nil {
				return err
			}
			return printWeeks(weeks)
		default:
			return printCycle(a.Scheduler.RunTrophies(ctx))
		}
	},
}

func init() {
	trophiesCmd.Flags().StringVar(&trophyWeek, "week", "", "recompute the week containing this date (YYYY-MM-DD)")
	trophiesCmd.Flags().StringVar(&trophySince, "since", "", "recompute every week since this date (YYYY-MM-DD)")
}

// ── enrich ───────────────────────────────────────────────────────────────────

var enrichKind string

var enrichCmd = &cobra.Command{
	Use:   "enrich",
	Short: "Run enrichment jobs",
	Long:  `Enrich runs one batch of every job, or only --kind (zones, geo or segments).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		var kind enrich.Kind
		if enrichKind != "" {
			k, err := enrich.ParseKind(enrichKind)
			if err != nil {
				return err
			}
			kind = k
		}
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if kind == "" {
			return printCycle(a.Scheduler.RunEnrichment(ctx))
		}
		rep, err := a.Enrich.Run(ctx, kind)
		if outputFormat == "json" {
			if perr := printJSON(rep); perr != nil {
				return perr
			}
		} else {
			printEnrichment([]enrich.Report{rep})
		}
		return err
	},
}

func init() {
	enrichCmd.Flags().StringVar(&enrichKind, "kind", "", "run only this job: zones, geo or segments")
}

// ── output ───────────────────────────────────────────────────────────────────

func printCycle(r *scheduler.CycleReport) error {
	if outputFormat == "json" {
		return printJSON(r)
	}
	fmt.Printf("cycle %s (%s): %s\n", r.ID, r.Kind, r.State)
	if r.Error != "" {
		fmt.Printf("  error: %s\n", r.Error)
	}
	if len(r.Users) > 0 {
		w := table("USER\tOUTCOME\tKIND\tINSERTED\tUPDATED\tERROR")
		for _, u := range r.Users {
			fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%s\n",
				u.UserID, u.Outcome, u.Kind, u.Result.Counts.Inserted, u.Result.Counts.Updated, u.Error)
		}
		w.Flush()
	}
	if len(r.Weeks) > 0 {
		printWeekTable(r.Weeks)
	}
	if len(r.Enrichment) > 0 {
		printEnrichment(r.Enrichment)
	}
	if r.State == scheduler.StatePartiallyFailed {
		return fmt.Errorf("cycle finished with failures")
	}
	return nil
}

func printRun(r runs.Run) error {
	if outputFormat == "json" {
		return printJSON(r)
	}
	fmt.Printf("run %s (%s): %s, %d succeeded, %d failed, %d deferred, %d skipped\n",
		r.ID, r.Kind, r.State, r.Succeeded, r.Failed, r.Deferred, r.Skipped)
	for _, f := range r.Failures {
		fmt.Printf("  user %d: %s: %s\n", f.UserID, f.Kind, f.Message)
	}
	if r.State == string(scheduler.StatePartiallyFailed) {
		return fmt.Errorf("run finished with failures")
	}
	return nil
}

func printWeeks(weeks []leaderboard.WeekResult) error {
	if outputFormat == "json" {
		return printJSON(weeks)
	}
	printWeekTable(weeks)
	return nil
}

func printWeekTable(weeks []leaderboard.WeekResult) {
	w := table("WEEK\tPARTICIPANTS\tCHAMPION\tDISTANCE (km)")
	for _, wk := range weeks {
		champion, dist := "-", "-"
		if wk.InProgress {
			champion = "in progress"
		}
		if wk.Champion != nil {
			champion = fmt.Sprint(wk.Champion.UserID)
			dist = fmt.Sprintf("%.1f", wk.Champion.Distance/1000)
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", wk.WeekStart.Format(time.DateOnly), len(wk.Trophies), champion, dist)
	}
	w.Flush()
}

func printEnrichment(reps []enrich.Report) {
	w := table("JOB\tSELECTED\tENRICHED\tUNAVAILABLE\tFAILED\tSKIPPED\tDEFERRED")
	for _, r := range reps {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\n", r.Kind, r.Selected, r.Enriched, r.Unavailable, r.Failed, r.Skipped, r.Deferred)
	}
	w.Flush()
}
