package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

// passphraseEnv is read when --passphrase is not given so the secret stays
// out of shell history.
const passphraseEnv = "CLUBSYNC_EXPORT_PASSPHRASE"

var (
	usersAll         bool
	exportPassphrase string
	exportOut        string
	deactivateReason string
)

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Inspect and manage club members",
}

var usersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List members (active only unless --all)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		list, err := a.Users.ListActive(ctx)
		if usersAll {
			list, err = a.Users.ListAll(ctx)
		}
		if err != nil {
			return err
		}
		if outputFormat == "json" {
			return printJSON(list)
		}
		w := table("ID\tATHLETE\tNAME\tPRIVACY\tACTIVE\tLAST SYNC")
		for _, u := range list {
			lastSync := "never"
			if u.LastSyncAt != nil {
				lastSync = u.LastSyncAt.UTC().Format(time.RFC3339)
			}
			active := "yes"
			if !u.Active {
				active = "no (" + u.DeactivatedReason + ")"
			}
			fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%s\n",
				u.ID, u.AthleteID, u.DisplayName(), u.PrivacyTier, active, lastSync)
		}
		return w.Flush()
	},
}

var usersExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write every member, credentials included, as an encrypted archive",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pass, err := passphrase()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		data, err := a.Users.Export(ctx, pass)
		if err != nil {
			return err
		}
		if exportOut == "" || exportOut == "-" {
			_, err = os.Stdout.Write(data)
			return err
		}
		if err := os.WriteFile(exportOut, data, 0o600); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "wrote %d bytes to %s\n", len(data), exportOut)
		return nil
	},
}

var usersImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Load members from an archive produced by export",
	Long: `Import creates members that do not exist yet, matched by athlete id.
Existing members are left untouched and reported as skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pass, err := passphrase()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.Users.Import(ctx, data, pass)
		if err != nil {
			return err
		}
		if outputFormat == "json" {
			return printJSON(res)
		}
		fmt.Printf("imported %d, skipped %d existing\n", len(res.Imported), len(res.Skipped))
		return nil
	},
}

var usersDeactivateCmd = &cobra.Command{
	Use:   "deactivate <user-id>",
	Short: "Stop syncing a member; their history stays on the leaderboards",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid user id %q", args[0])
		}
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Users.Deactivate(ctx, id, deactivateReason); err != nil {
			return err
		}
		fmt.Printf("user %d deactivated\n", id)
		return nil
	},
}

var usersPrivacyCmd = &cobra.Command{
	Use:   "privacy <user-id> <tier>",
	Short: "Set a member's privacy tier (public, club_only or private)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid user id %q", args[0])
		}
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Users.SetPrivacyTier(ctx, id, args[1]); err != nil {
			return err
		}
		fmt.Printf("user %d privacy tier set to %s\n", id, args[1])
		return nil
	},
}

func init() {
	usersListCmd.Flags().BoolVar(&usersAll, "all", false, "include deactivated members")
	for _, c := range []*cobra.Command{usersExportCmd, usersImportCmd} {
		c.Flags().StringVar(&exportPassphrase, "passphrase", "", "archive passphrase (default $"+passphraseEnv+")")
	}
	usersExportCmd.Flags().StringVar(&exportOut, "out", "", "output file (default stdout)")
	usersDeactivateCmd.Flags().StringVar(&deactivateReason, "reason", "operator", "reason recorded on the member")

	usersCmd.AddCommand(usersListCmd, usersExportCmd, usersImportCmd, usersDeactivateCmd, usersPrivacyCmd)
}

func passphrase() (string, error) {
	if exportPassphrase != "" {
		return exportPassphrase, nil
	}
	if p := os.Getenv(passphraseEnv); p != "" {
		return p, nil
	}
	return "", fmt.Errorf("a passphrase is required: use --passphrase or set %s", passphraseEnv)
}
