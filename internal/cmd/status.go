package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/calder/transitpipe/internal/models"
	"github.com/calder/transitpipe/internal/supervisor"
)

// NewStatusCommand creates the status command
func NewStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the task tree and per-type progress",
		Long: `Status prints every job's task tree with the state of each task's most
recent attempt, followed by a per-task-type progress summary. Output is
coloured when stdout is a terminal.`,
		Args: cobra.NoArgs,
		RunE: statusCommand,
	}
	cmd.Flags().Bool("no-color", false, "Disable coloured output")
	return cmd
}

func statusCommand(cmd *cobra.Command, args []string) error {
	noColor, _ := cmd.Flags().GetBool("no-color")
	color.NoColor = noColor || !isatty.IsTerminal(os.Stdout.Fd())

	rt, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()
	ctx := cmd.Context()

	roots, err := rt.store.RootTasks(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, root := range roots {
		if err := printTaskTree(ctx, rt, out, root, 0); err != nil {
			return err
		}
	}
	if len(roots) > 0 {
		fmt.Fprintln(out)
	}

	progress, err := supervisor.New(rt.store, rt.cfg).Progress(ctx)
	if err != nil {
		return err
	}
	printProgress(out, progress)
	return nil
}

func printTaskTree(ctx context.Context, rt *runtime, out io.Writer, task *models.Task, depth int) error {
	state, err := taskState(ctx, rt, task)
	if err != nil {
		return err
	}
	name := task.TaskName
	if name == "" && depth == 0 {
		name = task.JobName
	}
	indent := strings.Repeat("  ", depth)
	fmt.Fprintf(out, "%s%d %s %s [%s]\n", indent, task.ID, task.TaskType, name, state)

	children, err := rt.store.ChildTasks(ctx, task.ID)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := printTaskTree(ctx, rt, out, child, depth+1); err != nil {
			return err
		}
	}
	return nil
}

func taskState(ctx context.Context, rt *runtime, task *models.Task) (string, error) {
	if !task.FullyConfigured {
		return "unconfigured", nil
	}
	attempts, err := rt.store.AttemptsForTask(ctx, task.ID)
	if err != nil {
		return "", err
	}
	if len(attempts) == 0 {
		return "waiting", nil
	}
	latest := attempts[len(attempts)-1]
	switch {
	case latest.Stalled(time.Now(), rt.cfg.MaxHeartbeatAge):
		return color.RedString("stalled"), nil
	case latest.Running:
		return color.YellowString("running"), nil
	case latest.Queued:
		return color.CyanString("queued"), nil
	case latest.ErrorFail:
		return color.RedString("failed"), nil
	case latest.AllProductsPassedQC:
		return color.GreenString("done"), nil
	default:
		return color.RedString("qc-rejected"), nil
	}
}

func printProgress(out io.Writer, progress []*supervisor.TypeProgress) {
	fmt.Fprintf(out, "%-28s %8s %8s %8s %8s %8s %8s\n",
		"task type", "waiting", "queued", "running", "stalled", "ok", "failed")
	for _, p := range progress {
		ok := fmt.Sprintf("%d", p.DoneOK)
		failed := fmt.Sprintf("%d", p.DoneFail)
		if p.DoneOK > 0 {
			ok = color.GreenString(ok)
		}
		if p.DoneFail > 0 {
			failed = color.RedString(failed)
		}
		fmt.Fprintf(out, "%-28s %8d %8d %8d %8d %8s %8s\n",
			p.TaskType, p.Waiting, p.Queued, p.Running, p.Stalled, ok, failed)
	}
}
