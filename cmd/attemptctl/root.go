package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/alem-hub/exam-attempts/config"
	"github.com/alem-hub/exam-attempts/internal/bootstrap"
	"github.com/alem-hub/exam-attempts/pkg/logger"
	"github.com/alem-hub/exam-attempts/pkg/timeutil"
)

var errNeedsDatabase = errors.New("this command needs DATABASE_URL; the in-memory store has nothing to administer")

// cli carries state shared by all subcommands.
type cli struct {
	verbose bool
	clock   timeutil.Clock

	app *bootstrap.App
}

func newRootCmd() *cobra.Command {
	c := &cli{clock: timeutil.SystemClock{}}

	root := &cobra.Command{
		Use:           "attemptctl",
		Short:         "Administer exam attempts",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.open(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if c.app != nil {
				c.app.Close()
			}
		},
	}
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "log at debug level")

	root.AddCommand(
		newMigrateCmd(c),
		newAttemptCmd(c),
		newSweepCmd(c),
		newRelayCmd(c),
		newOutboxCmd(c),
	)
	return root
}

func (c *cli) open(cmd *cobra.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	opts := logger.DefaultOptions()
	opts.Output = cmd.ErrOrStderr()
	opts.Format = logger.FormatText
	opts.Level = slog.LevelWarn
	if c.verbose {
		opts.Level = slog.LevelDebug
	}

	app, err := bootstrap.New(cmd.Context(), cfg,
		bootstrap.WithLogger(logger.New(opts)),
		bootstrap.WithClock(c.clock),
	)
	if err != nil {
		return err
	}
	c.app = app
	return nil
}

func (c *cli) requireDatabase() error {
	if c.app.DB == nil {
		return errNeedsDatabase
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
