package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewInitDBCommand creates the init-db command
func NewInitDBCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init-db",
		Short: "Create (or destructively recreate) the store schema",
		Long: `Init-db drops all pipeline tables and recreates them empty. A file lock
serialises concurrent init attempts against the same embedded database.
This destroys existing data; --force is required once tables exist.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")

			rt, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx := cmd.Context()
			if !force {
				// Refuse silently clobbering a populated store.
				tasks, err := rt.store.ListTasks(ctx)
				if err == nil && len(tasks) > 0 {
					return fmt.Errorf("store already holds %d task(s); re-run with --force", len(tasks))
				}
			}
			if err := rt.store.InitSchema(ctx, rt.lockPath()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema initialised")
			return nil
		},
	}
	cmd.Flags().Bool("force", false, "Confirm destroying existing data")
	return cmd
}
