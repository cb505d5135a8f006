package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/calder/transitpipe/internal/scheduler"
)

// NewScheduleCommand creates the schedule command
func NewScheduleCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Queue an attempt for every eligible task",
		Long: `Schedule scans all tasks and queues one attempt for each task that is
fully configured, has never been attempted, and whose file and metadata
dependencies are satisfied.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			q, err := rt.openQueue(cmd.Context())
			if err != nil {
				return err
			}
			n, err := scheduler.New(rt.store, q).ScheduleEligible(cmd.Context(), nil)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scheduled %d attempt(s)\n", n)
			return nil
		},
	}
}

// NewRescheduleCommand creates the reschedule command
func NewRescheduleCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reschedule",
		Short: "Queue fresh attempts for tasks whose attempts all failed",
		Long: `Reschedule retries tasks that have been attempted but never finished
successfully, including stalled attempts an operator has given up on.
Tasks with a successful attempt are left alone.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			q, err := rt.openQueue(cmd.Context())
			if err != nil {
				return err
			}
			n, err := scheduler.New(rt.store, q).RescheduleUnfinished(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rescheduled %d attempt(s)\n", n)
			return nil
		},
	}
}
