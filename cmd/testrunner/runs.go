package main

import (
	"context"
	"fmt"
	"io"

	"github.com/GoCodeAlone/testrunner/orchestrator"
	"github.com/GoCodeAlone/testrunner/queue"
	"github.com/GoCodeAlone/testrunner/store"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func parseID(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}

type runFlags struct {
	env      string
	testType string
	filter   string
	suite    string
	notify   bool
}

func (f *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.env, "env", "e", "", "Target environment id, code or name (required)")
	cmd.Flags().StringVarP(&f.testType, "type", "t", string(store.TestTypeMFTF), "Test type: mftf, playwright or both")
	cmd.Flags().StringVarP(&f.filter, "filter", "f", "", "Test, group or grep filter passed to the suite")
	cmd.Flags().StringVar(&f.suite, "suite", "", "Suite id supplying the pattern and exclusions")
	cmd.Flags().BoolVar(&f.notify, "notify", true, "Send notifications when the run finishes")
	_ = cmd.MarkFlagRequired("env")
}

func (f *runFlags) request(ctx context.Context, rt *runtime) (orchestrator.RunRequest, error) {
	env, err := rt.findEnvironment(ctx, f.env)
	if err != nil {
		return orchestrator.RunRequest{}, err
	}
	req := orchestrator.RunRequest{
		Environment:           env,
		TestType:              store.TestType(f.testType),
		Filter:                f.filter,
		Trigger:               store.TriggerManual,
		SuppressNotifications: !f.notify,
	}
	if f.suite != "" {
		id, err := parseID(f.suite)
		if err != nil {
			return req, fmt.Errorf("suite id: %w", err)
		}
		suite, err := rt.repo.Suites().GetSuite(ctx, id)
		if err != nil {
			return req, fmt.Errorf("suite %s: %w", id, err)
		}
		req.Suite = suite
		req.TestType = suite.TestType
		if req.Filter == "" {
			req.Filter = suite.TestPattern
		}
	}
	return req, nil
}

func newRunCommand(c *cli) *cobra.Command {
	var f runFlags
	var quiet bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run every phase of a test run in this process",
		Long: `Create a run and execute prepare, execute, report, notify and cleanup inline,
streaming suite output to stdout. Exits non-zero when the run does not complete.

Examples:
  testrunner run --env staging --type mftf --filter AdminLoginTest
  testrunner run --env 3f1c... --suite 9a2e... --notify=false`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, err := openAll(ctx, c, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			req, err := f.request(ctx, rt)
			if err != nil {
				return err
			}
			var sink io.Writer = cmd.OutOrStdout()
			if quiet {
				sink = nil
			}
			run, err := rt.orch.RunSync(ctx, req, sink)
			if run != nil {
				printRun(cmd.OutOrStdout(), run)
			}
			if err != nil {
				return err
			}
			if run.Status != store.RunStatusCompleted {
				return fmt.Errorf("run %s finished %s", run.ID, run.Status)
			}
			return nil
		},
	}
	f.register(cmd)
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Do not stream suite output")
	return cmd
}

func newDispatchCommand(c *cli) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Create a run and queue it for the workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, err := openAll(ctx, c, true)
			if err != nil {
				return err
			}
			defer rt.Close()

			req, err := f.request(ctx, rt)
			if err != nil {
				return err
			}
			id, err := rt.orch.Dispatch(ctx, req)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func newRetryCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "retry RUN_ID",
		Short: "Repeat a run as a new queued run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := openAll(ctx, c, true)
			if err != nil {
				return err
			}
			defer rt.Close()

			original, err := loadRun(ctx, rt, args[0])
			if err != nil {
				return err
			}
			run, err := rt.orch.RetryRun(ctx, original)
			if err != nil {
				return err
			}
			if err := rt.orch.Enqueue(ctx, run, queue.PhasePrepare); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), run.ID)
			return nil
		},
	}
}

func newCancelCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel RUN_ID",
		Short: "Stop a run's suite process and mark it cancelled",
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
			if err := rt.orch.CancelRun(ctx, run); err != nil {
				return err
			}
			printRun(cmd.OutOrStdout(), run)
			return nil
		},
	}
}

func loadRun(ctx context.Context, rt *runtime, ref string) (*store.TestRun, error) {
	id, err := parseID(ref)
	if err != nil {
		return nil, fmt.Errorf("run id: %w", err)
	}
	return rt.orch.GetRun(ctx, id)
}

func printRun(w io.Writer, run *store.TestRun) {
	fmt.Fprintf(w, "run %s: %s", run.ID, run.Status)
	if run.ErrorMessage != "" {
		fmt.Fprintf(w, " (%s)", run.ErrorMessage)
	}
	fmt.Fprintln(w)
}
