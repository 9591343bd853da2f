package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alem-hub/exam-attempts/internal/application/command"
	"github.com/alem-hub/exam-attempts/internal/application/query"
	"github.com/alem-hub/exam-attempts/internal/domain/shared"
)

func newAttemptCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "attempt",
		Aliases: []string{"attempts"},
		Short:   "Inspect and manage attempts",
	}
	cmd.AddCommand(
		newAttemptShowCmd(c),
		newAttemptListCmd(c),
		newAttemptStartCmd(c),
		newAttemptCancelCmd(c),
		newAttemptDeleteCmd(c),
	)
	return cmd
}

func newAttemptShowCmd(c *cli) *cobra.Command {
	var answers bool
	cmd := &cobra.Command{
		Use:   "show <attempt-id>",
		Short: "Show one attempt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dto, err := c.app.GetAttempt.Handle(cmd.Context(), query.GetAttemptQuery{
				AttemptID:      args[0],
				IncludeAnswers: answers,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), dto)
		},
	}
	cmd.Flags().BoolVar(&answers, "answers", false, "include saved answers")
	return cmd
}

func newAttemptListCmd(c *cli) *cobra.Command {
	var examID, studentID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a student's attempts at an exam",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dto, err := c.app.ListAttempts.Handle(cmd.Context(), query.ListStudentAttemptsQuery{
				ExamID:    examID,
				StudentID: studentID,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), dto)
		},
	}
	cmd.Flags().StringVar(&examID, "exam", "", "exam id (required)")
	cmd.Flags().StringVar(&studentID, "student", "", "student id (required)")
	_ = cmd.MarkFlagRequired("exam")
	_ = cmd.MarkFlagRequired("student")
	return cmd
}

// start exists for smoke tests and support work; clients normally start
// attempts through the service.
func newAttemptStartCmd(c *cli) *cobra.Command {
	var start command.StartAttemptCommand
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start an attempt on behalf of a student",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := c.app.Lifecycle.StartAttempt(cmd.Context(), start)
			if err != nil && !errors.Is(err, shared.ErrAttemptAlreadyActive) {
				return err
			}
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "attempt %s is already active\n", res.Attempt.ID)
			}
			return c.show(cmd, res.Attempt.ID)
		},
	}
	cmd.Flags().StringVar(&start.ExamID, "exam", "", "exam id (required)")
	cmd.Flags().StringVar(&start.StudentID, "student", "", "student id (required)")
	cmd.Flags().IntVar(&start.DurationMinutes, "duration", 0, "duration in minutes, overriding the catalog")
	_ = cmd.MarkFlagRequired("exam")
	_ = cmd.MarkFlagRequired("student")
	return cmd
}

func newAttemptCancelCmd(c *cli) *cobra.Command {
	var version int64
	cmd := &cobra.Command{
		Use:   "cancel <attempt-id>",
		Short: "Cancel an active attempt",
		Long: `Cancel an active attempt. Without --version the current version is read
first, so a concurrent change between the read and the cancel still fails
with a version conflict rather than being overwritten.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id := args[0]
			if version < 0 {
				a, err := c.app.Attempts.GetByID(ctx, id)
				if err != nil {
					return err
				}
				version = a.Version
			}
			if err := c.app.Lifecycle.Cancel(ctx, id, version, c.clock.Now()); err != nil {
				return err
			}
			return c.show(cmd, id)
		},
	}
	cmd.Flags().Int64Var(&version, "version", -1, "expected attempt version")
	return cmd
}

func newAttemptDeleteCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <attempt-id>",
		Short: "Soft-delete an attempt (a deleted active attempt frees the slot)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.app.Attempts.SoftDelete(cmd.Context(), args[0], c.clock.Now()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

func (c *cli) show(cmd *cobra.Command, id string) error {
	dto, err := c.app.GetAttempt.Handle(cmd.Context(), query.GetAttemptQuery{AttemptID: id})
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), dto)
}
