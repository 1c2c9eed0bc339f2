package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newSchedulerCommand(c *cli) *cobra.Command {
	var list bool
	var fire string
	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Fire cron jobs and scheduled suites",
		Long: `Load active cron jobs and scheduled suites, and publish a message each time one
of their cron expressions fires. The schedule is re-read periodically so
toggling a job or suite takes effect without a restart.

Examples:
  testrunner scheduler
  testrunner scheduler --list
  testrunner scheduler --fire cronjob:6b1d...`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, err := openStore(ctx, c)
			if err != nil {
				return err
			}
			defer rt.Close()
			if err := rt.openLocker(ctx); err != nil {
				return err
			}
			if err := rt.openBroker(ctx); err != nil {
				return err
			}
			s, err := newScheduler(rt)
			if err != nil {
				return err
			}

			switch {
			case list:
				if _, _, err := s.Refresh(ctx); err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "KEY\tNAME\tCRON\tNEXT")
				for _, e := range s.Entries() {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Key, e.Name, e.CronExpression, e.Next.Format(time.RFC3339))
				}
				return tw.Flush()
			case fire != "":
				if _, _, err := s.Refresh(ctx); err != nil {
					return err
				}
				fireCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
				defer cancel()
				return s.Fire(fireCtx, fire)
			}
			return s.Start(ctx)
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "Print the schedule and exit")
	cmd.Flags().StringVar(&fire, "fire", "", "Publish one trigger by key immediately and exit")
	return cmd
}
