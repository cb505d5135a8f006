package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/calder/transitpipe/internal/catalog"
	"github.com/calder/transitpipe/internal/expand"
	"github.com/calder/transitpipe/internal/worker"
)

// NewWorkerCommand creates the worker command
func NewWorkerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a worker process serving this container's capability set",
		Long: `Worker polls the queues of every task type its container may run (per
the TaskType catalogue), claims one attempt at a time and executes it.
The process runs until interrupted; the current attempt is completed and
recorded before exit.`,
		Args: cobra.NoArgs,
		RunE: workerCommand,
	}
	cmd.Flags().String("container", "", "Container name (overrides the configured one)")
	return cmd
}

func workerCommand(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	container, _ := cmd.Flags().GetString("container")
	if container == "" {
		container = rt.cfg.Container
	}

	handlers := worker.NewHandlerRegistry()
	worker.RegisterBuiltins(handlers)
	expand.Register(handlers)

	capabilities, err := containerCapabilities(rt, container, handlers)
	if err != nil {
		return err
	}

	q, err := rt.openQueue(cmd.Context())
	if err != nil {
		return err
	}
	w := worker.New(rt.store, q, rt.registry, handlers, rt.cfg, rt.host, capabilities)
	for _, taskType := range w.Capabilities() {
		if err := q.Declare(cmd.Context(), taskType); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// containerCapabilities resolves the task types a container may run. With
// no catalogue file present, the worker serves every registered handler.
func containerCapabilities(rt *runtime, container string, handlers *worker.HandlerRegistry) ([]string, error) {
	if _, err := os.Stat(rt.cfg.CataloguePath); os.IsNotExist(err) {
		return handlers.TaskTypes(), nil
	}
	cat, err := catalog.Load(rt.cfg.CataloguePath)
	if err != nil {
		return nil, err
	}
	if !cat.HasContainer(container) {
		return nil, fmt.Errorf("container %q is not in the catalogue", container)
	}
	return cat.Capabilities(container), nil
}
