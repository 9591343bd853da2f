package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newSweepCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one expiry sweep now",
		Long: `Run one expiry sweep now. It claims expired attempts exactly like the
worker's scheduled sweep, so it is safe to run while workers are up.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			stats, err := c.app.Sweeper.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"found":          stats.Found,
				"auto_submitted": stats.AutoSubmitted,
				"duration":       stats.Duration.Round(time.Millisecond).String(),
			})
		},
	}
}

func newRelayCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Drive the outbox relay",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "flush",
		Short: "Deliver due outbox events now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			stats, err := c.app.Relay.Flush(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"claimed":       stats.Claimed,
				"delivered":     stats.Delivered,
				"failed":        stats.Failed,
				"dead_lettered": stats.DeadLettered,
			})
		},
	})
	return cmd
}

func newOutboxCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect the event outbox",
	}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Count outbox events by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := c.app.Outbox.Stats(cmd.Context())
			if err != nil {
				return err
			}
			out := map[string]any{
				"pending":   s.Pending,
				"delivered": s.Delivered,
				"dead":      s.Dead,
			}
			if !s.OldestPending.IsZero() {
				out["oldest_pending"] = s.OldestPending.UTC().Format(time.RFC3339)
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}

	requeue := &cobra.Command{
		Use:   "requeue [event-id]",
		Short: "Return dead-lettered events to pending",
		Long:  "Return one dead-lettered event, or all of them when no id is given, to pending.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id string
			if len(args) == 1 {
				id = args[0]
			}
			n, err := c.app.Outbox.Requeue(cmd.Context(), id, c.clock.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %d event(s)\n", n)
			return nil
		},
	}

	cmd.AddCommand(stats, requeue)
	return cmd
}
