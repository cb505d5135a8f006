package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/calder/transitpipe/internal/supervisor"
)

// NewTimingsCommand creates the timings command
func NewTimingsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "timings",
		Short: "Show accumulated run times per task type",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			progress, err := supervisor.New(rt.store, rt.cfg).Progress(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-28s %12s %12s\n", "task type", "wall (s)", "cpu (s)")
			var totalWall, totalCPU float64
			for _, p := range progress {
				fmt.Fprintf(out, "%-28s %12.2f %12.2f\n", p.TaskType, p.WallSeconds, p.CPUSeconds)
				totalWall += p.WallSeconds
				totalCPU += p.CPUSeconds
			}
			fmt.Fprintf(out, "%-28s %12.2f %12.2f\n", "total", totalWall, totalCPU)
			return nil
		},
	}
}
