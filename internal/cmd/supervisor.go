package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/calder/transitpipe/internal/supervisor"
)

// NewSupervisorCommand creates the supervisor command
func NewSupervisorCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "supervisor",
		Short: "Run the stalled-attempt watchdog",
		Long: `Supervisor periodically flags running attempts whose heartbeat is older
than max_heartbeat_age. Stalled attempts are reported, never killed;
"transitpipe reschedule" creates fresh attempts for the affected tasks.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			err = supervisor.New(rt.store, rt.cfg).Run(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}
