package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmerrifield20/clubsync/internal/leaderboard"
)

var (
	boardLimit int
	boardWeek  string
	boardFrom  string
	boardTo    string
)

var leaderboardCmd = &cobra.Command{
	Use:   "leaderboard",
	Short: "Print club leaderboards",
	Long: `Leaderboards honor each member's privacy tier exactly as the HTTP API
does: only activities visible under the owner's tier are counted.`,
}

var boardAllTimeCmd = &cobra.Command{
	Use:   "alltime",
	Short: "Total distance since the first synced activity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		rows, err := a.Engine.AllTime(ctx, boardLimit)
		if err != nil {
			return err
		}
		return printStandings(rows)
	},
}

var boardWeekCmd = &cobra.Command{
	Use:   "week",
	Short: "Distance for the current week, or the week of --week",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		var rows []leaderboard.Standing
		if boardWeek == "" {
			rows, err = a.Engine.CurrentWeek(ctx, boardLimit)
		} else {
			day, perr := time.ParseInLocation(time.DateOnly, boardWeek, a.Engine.Location())
			if perr != nil {
				return fmt.Errorf("--week: %w", perr)
			}
			start := leaderboard.WeekStart(day, a.Engine.Location())
			rows, err = a.Engine.Window(ctx, start, start.AddDate(0, 0, 7), boardLimit)
		}
		if err != nil {
			return err
		}
		return printStandings(rows)
	},
}

var boardTrophiesCmd = &cobra.Command{
	Use:   "trophies",
	Short: "Members ranked by weekly championships",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		rows, err := a.Engine.TrophyCounts(ctx, boardLimit)
		if err != nil {
			return err
		}
		if outputFormat == "json" {
			return printJSON(rows)
		}
		w := table("RANK\tNAME\tTROPHIES\tWINNING DISTANCE (km)")
		for _, r := range rows {
			fmt.Fprintf(w, "%d\t%s\t%d\t%.1f\n", r.Rank, r.Name, r.Trophies, r.WinningDistance/1000)
		}
		return w.Flush()
	},
}

var boardKudosCmd = &cobra.Command{
	Use:   "kudos",
	Short: "Kudos received between --from and --to",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		loc := a.Engine.Location()
		to := time.Now().In(loc)
		from := to.AddDate(0, 0, -30)
		if boardFrom != "" {
			if from, err = time.ParseInLocation(time.DateOnly, boardFrom, loc); err != nil {
				return fmt.Errorf("--from: %w", err)
			}
		}
		if boardTo != "" {
			if to, err = time.ParseInLocation(time.DateOnly, boardTo, loc); err != nil {
				return fmt.Errorf("--to: %w", err)
			}
		}
		if !from.Before(to) {
			return fmt.Errorf("--from must be before --to")
		}

		rows, err := a.Engine.Kudos(ctx, from, to, boardLimit)
		if err != nil {
			return err
		}
		if outputFormat == "json" {
			return printJSON(rows)
		}
		w := table("RANK\tNAME\tTOTAL\tBEST\tACTIVITIES")
		for _, r := range rows {
			fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%d\n", r.Rank, r.Name, r.TotalKudos, r.MaxKudos, r.ActivityCount)
		}
		return w.Flush()
	},
}

func init() {
	leaderboardCmd.PersistentFlags().IntVar(&boardLimit, "limit", 20, "maximum rows to print")
	boardWeekCmd.Flags().StringVar(&boardWeek, "week", "", "any date inside the week (YYYY-MM-DD)")
	boardKudosCmd.Flags().StringVar(&boardFrom, "from", "", "start date, inclusive (default 30 days ago)")
	boardKudosCmd.Flags().StringVar(&boardTo, "to", "", "end date, exclusive (default now)")

	leaderboardCmd.AddCommand(boardAllTimeCmd, boardWeekCmd, boardTrophiesCmd, boardKudosCmd)
}

func printStandings(rows []leaderboard.Standing) error {
	if outputFormat == "json" {
		return printJSON(rows)
	}
	w := table("RANK\tNAME\tDISTANCE (km)\tACTIVITIES\tMOVING (h)\tELEVATION (m)")
	for _, r := range rows {
		fmt.Fprintf(w, "%d\t%s\t%.1f\t%d\t%.1f\t%.0f\n",
			r.Rank, r.Name, r.Distance/1000, r.ActivityCount, float64(r.MovingTime)/3600, r.ElevationGain)
	}
	return w.Flush()
}
