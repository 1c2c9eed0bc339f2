package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newWatchdogCommand(c *cli) *cobra.Command {
	var staleMinutes int
	var dryRun, loop, asJSON bool
	cmd := &cobra.Command{
		Use:   "watchdog",
		Short: "Force-fail runs that stopped making progress",
		Long: `Find runs in a non-terminal status whose last update is older than
--stale-minutes and mark them failed. Always exits 0: this is a recovery
tool, not a health gate.

Examples:
  testrunner watchdog --dry-run
  testrunner watchdog --stale-minutes=45
  testrunner watchdog --loop`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			rt, err := openStore(ctx, c)
			if err != nil {
				c.logger.Error("Watchdog could not open the store", "error", err)
				return nil
			}
			defer rt.Close()
			if err := rt.openLocker(ctx); err != nil {
				c.logger.Warn("Watchdog running without locks", "error", err)
			}
			if err := rt.openTelemetry(ctx); err != nil {
				c.logger.Warn("Watchdog running without telemetry", "error", err)
			}

			cfg := rt.cfg.Watchdog
			if cmd.Flags().Changed("stale-minutes") {
				cfg.StaleMinutes = staleMinutes
			}
			w, err := newWatchdog(rt, cfg)
			if err != nil {
				c.logger.Error("Watchdog misconfigured", "error", err)
				return nil
			}
			if loop {
				return w.Run(ctx)
			}

			res, err := w.Sweep(ctx, dryRun)
			if err != nil {
				c.logger.Error("Watchdog sweep failed", "error", err)
				return nil
			}
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				_ = enc.Encode(res)
				return nil
			}
			verb, n := "recovered", res.Recovered
			if dryRun {
				verb, n = "would recover", len(res.Stuck)
			}
			for _, r := range res.Stuck {
				fmt.Fprintf(out, "%s\t%s\t%s\tlast update %s\n", r.ID, r.Status, r.TestType, r.UpdatedAt.Format("2006-01-02 15:04:05"))
			}
			fmt.Fprintf(out, "%d stuck, %s %d, %d failed\n", len(res.Stuck), verb, n, res.Failed)
			return nil
		},
	}
	cmd.Flags().IntVar(&staleMinutes, "stale-minutes", 30, "Minutes without an update before a run is stuck")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report stuck runs without changing them")
	cmd.Flags().BoolVar(&loop, "loop", false, "Sweep on the configured interval until interrupted")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the sweep result as JSON")
	return cmd
}
