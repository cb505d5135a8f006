package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// NewErrorsCommand creates the errors command
func NewErrorsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "errors",
		Short: "Show all stored error-severity log messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			logs, err := rt.store.ErrorLogs(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, m := range logs {
				attempt := "-"
				if m.AttemptID != nil {
					attempt = fmt.Sprintf("%d", *m.AttemptID)
				}
				fmt.Fprintf(out, "%s attempt=%s %s\n",
					m.GeneratedTime.Format(time.RFC3339), attempt, m.Message)
			}
			return nil
		},
	}
}
