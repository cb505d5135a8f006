package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewQueueCommand creates the queue command group
func NewQueueCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the attempt queues",
	}
	cmd.AddCommand(newQueueLenCommand())
	cmd.AddCommand(newQueueListCommand())
	cmd.AddCommand(newQueueEmptyCommand())
	return cmd
}

func newQueueLenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "len <task-type>",
		Short: "Count waiting attempts of a task type",
		Args:  cobra.ExactArgs(1),
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
			n, err := q.Length(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		},
	}
}

func newQueueListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list <task-type>",
		Short: "List waiting attempt ids of a task type, oldest first",
		Args:  cobra.ExactArgs(1),
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
			ids, err := q.List(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
}

func newQueueEmptyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "empty <task-type>",
		Short: "Drop all waiting attempts of a task type",
		Long: `Empty takes every queued attempt of the task type out of the queued
state. The attempt rows stay in the store; reschedule can queue the tasks
again later.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			n, err := rt.store.EmptyQueue(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "dropped %d attempt(s)\n", n)
			return nil
		},
	}
}
