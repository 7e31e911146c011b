// clubsyncctl is the operator CLI. It runs cycles, inspects leaderboards,
// moves users between deployments and mints admin tokens against the same
// storage the daemon uses.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmerrifield20/clubsync/internal/app"
	"github.com/jmerrifield20/clubsync/internal/config"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile      string
	outputFormat string
	verbose      bool
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "clubsyncctl",
	Short: "Operate the clubsync engine",
	Long: `clubsyncctl runs sync, trophy and enrichment cycles on demand, prints
leaderboards, exports and imports users, and issues admin tokens for the
HTTP API. It reads the same clubsync.yaml and environment as clubsyncd.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./clubsync.yaml or configs/clubsync.yaml)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "text", "output format: text or json")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log engine activity to stderr")

	rootCmd.AddCommand(syncCmd, trophiesCmd, enrichCmd, leaderboardCmd, usersCmd, tokenCmd, versionCmd)
}

// openApp loads configuration and wires the engine. The caller must Close it.
func openApp(ctx context.Context) (*app.App, error) {
	cfg, _, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	logger := zap.NewNop()
	if verbose {
		if logger, err = zap.NewDevelopment(); err != nil {
			return nil, err
		}
	}
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if a.DB == nil {
		fmt.Fprintln(os.Stderr, "warning: database.url is empty; working on a throwaway in-memory store")
	}
	return a, nil
}

// printJSON writes v as indented JSON.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// table returns a tabwriter over stdout with the given header row.
func table(header string) *tabwriter.Writer {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, header)
	return w
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the CLI version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}
