package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

var adminTTL time.Duration

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue bearer tokens for the HTTP API",
	Long:  `Tokens are signed with auth.trigger_secret, which must be set.`,
}

var tokenAdminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Issue an operator token for the /api/v1/admin routes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		if !a.Issuer.Enabled() {
			return fmt.Errorf("auth.trigger_secret is not configured")
		}
		tok, err := a.Issuer.IssueAdmin(adminTTL)
		if err != nil {
			return err
		}
		fmt.Println(tok)
		return nil
	},
}

var tokenUserCmd = &cobra.Command{
	Use:   "user <user-id>",
	Short: "Issue a session token for one member",
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
		if !a.Issuer.Enabled() {
			return fmt.Errorf("auth.trigger_secret is not configured")
		}
		u, err := a.Users.Get(ctx, id)
		if err != nil {
			return err
		}
		tok, err := a.Issuer.Issue(u.ID, u.AthleteID)
		if err != nil {
			return err
		}
		fmt.Println(tok)
		return nil
	},
}

func init() {
	tokenAdminCmd.Flags().DurationVar(&adminTTL, "ttl", 8*time.Hour, "token lifetime")
	tokenCmd.AddCommand(tokenAdminCmd, tokenUserCmd)
}
