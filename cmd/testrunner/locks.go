package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newLocksCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "locks",
		Short: "Inspect and clear environment, cron job and schedule locks",
	}

	list := &cobra.Command{
		Use:   "list [PATTERN]",
		Short: "List held locks matching a glob pattern",
		Long: `List held locks. PATTERN is a glob over lock keys, for example "env:*" or
"cronjob:*". Without a pattern every lock is listed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt := newRuntime(c)
			defer rt.Close()
			if err := rt.openLocker(ctx); err != nil {
				return err
			}
			pattern := "*"
			if len(args) == 1 {
				pattern = args[0]
			}
			locks, err := rt.inspector.List(ctx, pattern)
			if err != nil {
				return err
			}
			if len(locks) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no locks held")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "KEY\tOWNER\tTTL")
			for _, l := range locks {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", l.Key, l.Owner, l.TTL.Round(time.Second))
			}
			return tw.Flush()
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear KEY...",
		Short: "Release locks regardless of owner",
		Long: `Release locks regardless of owner. Use this after a worker died holding an
environment lock and the TTL is too long to wait out.

Example:
  testrunner locks clear env:3f1c...`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt := newRuntime(c)
			defer rt.Close()
			if err := rt.openLocker(ctx); err != nil {
				return err
			}
			for _, key := range args {
				if err := rt.inspector.ForceRelease(ctx, key); err != nil {
					return fmt.Errorf("clear %s: %w", key, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cleared %s\n", key)
			}
			return nil
		},
	}

	cmd.AddCommand(list, clearCmd)
	return cmd
}
