// Package cmd wires the transitpipe command-line interface. Every
// subcommand opens its resources through the shared runtime helper and
// reports failure through its error return, so the process exit code is 0
// on success and 1 otherwise.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/calder/transitpipe/internal/config"
	"github.com/calder/transitpipe/internal/logging"
	"github.com/calder/transitpipe/internal/models"
	"github.com/calder/transitpipe/internal/queue"
	"github.com/calder/transitpipe/internal/registry"
	"github.com/calder/transitpipe/internal/store"
)

// Version is injected at build time via -ldflags
var Version = "dev"

// NewRootCommand creates and returns the root cobra command for transitpipe
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transitpipe",
		Short: "Distributed transit-search pipeline orchestrator",
		Long: `Transitpipe orchestrates exoplanet transit-search workflows: jobs are
submitted as task trees, expanded into leaf tasks with declared file and
metadata dependencies, scheduled when their inputs are satisfied, and
executed by container-scoped worker processes.

State lives in a relational store (SQLite or PostgreSQL); attempts are
dispatched through an embedded queue or a Redis broker.`,
		Version: Version,
		// Silence usage on errors to avoid duplicate help text
		SilenceUsage: true,
	}

	cmd.PersistentFlags().String("config", "transitpipe.yaml", "Path to config file")

	cmd.AddCommand(NewSubmitCommand())
	cmd.AddCommand(NewScheduleCommand())
	cmd.AddCommand(NewRescheduleCommand())
	cmd.AddCommand(NewQueueCommand())
	cmd.AddCommand(NewStatusCommand())
	cmd.AddCommand(NewTimingsCommand())
	cmd.AddCommand(NewErrorsCommand())
	cmd.AddCommand(NewDumpCommand())
	cmd.AddCommand(NewRestoreCommand())
	cmd.AddCommand(NewInitDBCommand())
	cmd.AddCommand(NewWorkerCommand())
	cmd.AddCommand(NewSupervisorCommand())

	return cmd
}

// runtime bundles the resources a subcommand needs. Close releases them in
// reverse order of acquisition. The host row and queue are opened lazily:
// interning a host touches the worker_hosts table, and init-db and restore
// must be able to run against a database that has no schema yet.
type runtime struct {
	cfg      *config.Config
	store    *store.Store
	registry *registry.Registry

	host  *models.WorkerHost
	queue queue.Queue
}

func openRuntime(cmd *cobra.Command) (*runtime, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logging.Init(cfg.LogLevel)

	st, err := store.Open(cfg.Store)
	if err != nil {
		return nil, err
	}
	st.MaxLogMessageLength = cfg.MaxLogMessageLength

	return &runtime{
		cfg:      cfg,
		store:    st,
		registry: registry.New(st, cfg.RepositoryRoot),
	}, nil
}

// openQueue interns this process's host row and opens the queue back-end,
// memoising both for the life of the command.
func (rt *runtime) openQueue(ctx context.Context) (queue.Queue, error) {
	if rt.queue != nil {
		return rt.queue, nil
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	host, err := rt.store.InternHost(ctx, hostname)
	if err != nil {
		return nil, err
	}
	q, err := queue.Open(rt.cfg.Queue, rt.store, host.ID)
	if err != nil {
		return nil, err
	}
	rt.host = host
	rt.queue = q
	return q, nil
}

func (rt *runtime) Close() {
	if rt.queue != nil {
		if err := rt.queue.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing queue: %v\n", err)
		}
	}
	if err := rt.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: closing store: %v\n", err)
	}
}

// lockPath returns the flock path guarding destructive schema operations,
// or "" when the store is not file-based.
func (rt *runtime) lockPath() string {
	if rt.cfg.Store.Driver == config.DriverSQLite {
		return rt.cfg.Store.Path + ".lock"
	}
	return ""
}
