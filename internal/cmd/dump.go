package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// NewDumpCommand creates the dump command
func NewDumpCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dump <file>",
		Short: "Write the whole store to a JSON dump file",
		Long: `Dump serialises every table to a JSON document, suitable for backup,
migration between store drivers, or inspection. Use "-" for stdout.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			out := cmd.OutOrStdout()
			if args[0] != "-" {
				f, err := os.Create(args[0])
				if err != nil {
					return fmt.Errorf("create dump file: %w", err)
				}
				defer f.Close()
				out = f
			}
			return rt.store.Dump(cmd.Context(), out)
		},
	}
}

// NewRestoreCommand creates the restore command
func NewRestoreCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore <file>",
		Short: "Replace the whole store with the contents of a dump file",
		Long: `Restore drops and recreates the schema, then reloads every row from the
dump. This destroys the current store contents; --force is required.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")
			if !force {
				return fmt.Errorf("restore destroys the current store; re-run with --force")
			}

			rt, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open dump file: %w", err)
			}
			defer f.Close()

			if err := rt.store.Restore(cmd.Context(), f, rt.lockPath()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "store restored")
			return nil
		},
	}
	cmd.Flags().Bool("force", false, "Confirm the destructive restore")
	return cmd
}
