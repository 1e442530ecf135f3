package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ceciliomichael/antigravity-gateway/internal/auth"
	"github.com/spf13/cobra"
)

func newAccountsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Inspect and manage stored accounts",
	}
	cmd.AddCommand(newAccountsListCmd(configPath))
	cmd.AddCommand(newAccountsRemoveCmd(configPath))
	return cmd
}

func newAccountsListCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List accounts with their per-family cooldowns",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			gw, err := loadGateway(*configPath, false)
			if err != nil {
				return err
			}
			defer gw.Close()

			manager, err := gw.dispatcher.AccountManager(cmd.Context())
			if err != nil {
				return err
			}
			if manager.Count() == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No accounts.")
				return nil
			}
			current := -1
			if acc := manager.Current(); acc != nil {
				current = manager.Snapshot(acc).Index
			}
			writeAccounts(cmd, manager.Accounts(), current, time.Now())
			return nil
		},
	}
}

func writeAccounts(cmd *cobra.Command, accounts []auth.ManagedAccount, current int, now time.Time) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "#\tEMAIL\tTIER\tPROJECT\tCOOLDOWNS")
	for _, acc := range accounts {
		marker := " "
		if acc.Index == current {
			marker = "*"
		}
		fmt.Fprintf(w, "%s%d\t%s\t%s\t%s\t%s\n",
			marker, acc.Index+1,
			orDash(acc.Email), orDash(string(acc.Tier)),
			orDash(acc.Parts.EffectiveProjectID()),
			cooldowns(acc, now))
	}
	_ = w.Flush()
}

func cooldowns(acc auth.ManagedAccount, now time.Time) string {
	var out []string
	nowMs := now.UnixMilli()
	for family, reset := range acc.RateLimitResetAt {
		if reset > nowMs {
			wait := time.Duration(reset-nowMs) * time.Millisecond
			out = append(out, fmt.Sprintf("%s %s", family, wait.Round(time.Second)))
		}
	}
	if len(out) == 0 {
		return "-"
	}
	sort.Strings(out)
	return strings.Join(out, ", ")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func newAccountsRemoveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <number>",
		Short: "Remove an account by its 1-based number from 'accounts list'",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil || n < 1 {
				return fmt.Errorf("invalid account number %q", args[0])
			}

			gw, err := loadGateway(*configPath, false)
			if err != nil {
				return err
			}
			defer gw.Close()

			if err := gw.dispatcher.RemoveAccount(cmd.Context(), n-1); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed account %d.\n", n)
			return nil
		},
	}
}
