package main

import (
	"encoding/json"
	"fmt"

	"github.com/GoCodeAlone/testrunner/artifact"
	"github.com/GoCodeAlone/testrunner/report"
	"github.com/GoCodeAlone/testrunner/store"
	"github.com/spf13/cobra"
)

func newMigrateCommand(c *cli) *cobra.Command {
	var status bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, err := openStore(ctx, c)
			if err != nil {
				return err
			}
			defer rt.Close()

			m := store.NewMigrator(rt.pg.Pool())
			out := cmd.OutOrStdout()
			if status {
				migrations, err := m.Status(ctx)
				if err != nil {
					return err
				}
				for _, mig := range migrations {
					state := "pending"
					if mig.Applied {
						state = "applied"
					}
					fmt.Fprintf(out, "%s\t%s\n", mig.Version, state)
				}
				return nil
			}
			applied, err := m.Migrate(ctx)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(out, "database is up to date")
			}
			for _, v := range applied {
				fmt.Fprintf(out, "applied %s\n", v)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&status, "status", false, "List migrations and whether they are applied")
	return cmd
}

func newArtifactsCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "artifacts",
		Short: "Manage collected screenshots and HTML captures",
	}

	var days int
	cleanup := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete run artifact directories older than --days",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("days") {
				days = c.cfg.Artifacts.RetentionDays
			}
			if days <= 0 {
				return fmt.Errorf("--days must be positive, got %d", days)
			}
			collector := artifact.NewCollector(c.cfg.Artifacts.Config, c.logger)
			removed, err := collector.CleanupOldArtifacts(days)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d artifact directories older than %d days\n", removed, days)
			return nil
		},
	}
	cleanup.Flags().IntVar(&days, "days", 30, "Maximum artifact age in days (defaults to artifacts.retention_days)")

	list := &cobra.Command{
		Use:   "list RUN_ID",
		Short: "List the artifacts collected for a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return fmt.Errorf("run id: %w", err)
			}
			listing, err := artifact.NewCollector(c.cfg.Artifacts.Config, c.logger).ListArtifacts(id)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(listing)
		},
	}

	cmd.AddCommand(cleanup, list)
	return cmd
}

func newReportsCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reports",
		Short: "Manage generated Allure reports",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired reports and per-run result directories",
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
			cfg := rt.cfg.Report
			gen := report.NewGenerator(cfg.Config, report.NewCLIBuilder(cfg.Binary, cfg.Timeout), rt.locker, rt.repo.Reports(), rt.logger)
			defer gen.Close()
			dirs, rows, err := gen.CleanupExpired(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d result directories and %d report rows\n", dirs, rows)
			return nil
		},
	}, &cobra.Command{
		Use:   "regenerate RUN_ID",
		Short: "Rebuild the Allure report for a finished run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := openAll(ctx, c, false)
			if err != nil {
				return err
			}
			defer rt.Close()
			run, err := loadRun(ctx, rt, args[0])
			if err != nil {
				return err
			}
			rep, err := rt.orch.RegenerateReports(ctx, run)
			if err != nil {
				return err
			}
			if rep != nil {
				fmt.Fprintln(cmd.OutOrStdout(), rep.URL)
			}
			return nil
		},
	})
	return cmd
}
