package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/GoCodeAlone/testrunner/config"
	"github.com/spf13/cobra"
)

// cli carries state shared by every subcommand.
type cli struct {
	configPath string
	logLevel   string

	cfg    *config.Config
	level  *slog.LevelVar
	logger *slog.Logger
}

func newRootCommand(version string) *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "testrunner",
		Short:         "Regression test orchestration",
		Long:          `testrunner prepares a test module, runs MFTF and Playwright suites against target environments, builds Allure reports and notifies subscribers.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.load(cmd.ErrOrStderr())
		},
	}

	defaultConfig := os.Getenv("TESTRUNNER_CONFIG")
	if defaultConfig == "" {
		if _, err := os.Stat("testrunner.yaml"); err == nil {
			defaultConfig = "testrunner.yaml"
		}
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", defaultConfig, "Path to the configuration YAML file")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "Override the configured log level (debug, info, warn, error)")

	root.AddCommand(
		newWorkerCommand(c),
		newRunCommand(c),
		newDispatchCommand(c),
		newRetryCommand(c),
		newCancelCommand(c),
		newSchedulerCommand(c),
		newWatchdogCommand(c),
		newLocksCommand(c),
		newMigrateCommand(c),
		newArtifactsCommand(c),
		newReportsCommand(c),
	)
	return root
}

func (c *cli) load(stderr io.Writer) error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}
	c.cfg = cfg
	c.level = new(slog.LevelVar)
	if err := setLevel(c.level, cfg.Log.Level); err != nil {
		return err
	}
	opts := &slog.HandlerOptions{Level: c.level}
	var h slog.Handler = slog.NewTextHandler(stderr, opts)
	if cfg.Log.Format == "json" {
		h = slog.NewJSONHandler(stderr, opts)
	}
	c.logger = slog.New(h)
	return nil
}

func setLevel(v *slog.LevelVar, level string) error {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return fmt.Errorf("log level %q: %w", level, err)
	}
	v.Set(l)
	return nil
}
