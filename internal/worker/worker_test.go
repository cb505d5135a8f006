package worker

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calder/transitpipe/internal/config"
	"github.com/calder/transitpipe/internal/models"
	"github.com/calder/transitpipe/internal/queue"
	"github.com/calder/transitpipe/internal/registry"
	"github.com/calder/transitpipe/internal/store"
)

type fixture struct {
	store    *store.Store
	queue    queue.Queue
	registry *registry.Registry
	handlers *HandlerRegistry
	cfg      *config.Config
	host     *models.WorkerHost
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(config.StoreConfig{
		Driver: config.DriverSQLite,
		Path:   filepath.Join(dir, "pipeline.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.InitSchema(context.Background(), ""))

	host, err := s.InternHost(context.Background(), "test-host")
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.RepositoryRoot = filepath.Join(dir, "repository")
	cfg.HeartbeatCadence = 10 * time.Millisecond
	cfg.PollInterval = 10 * time.Millisecond

	handlers := NewHandlerRegistry()
	RegisterBuiltins(handlers)

	return &fixture{
		store:    s,
		queue:    queue.NewEmbedded(s, host.ID),
		registry: registry.New(s, cfg.RepositoryRoot),
		handlers: handlers,
		cfg:      cfg,
		host:     host,
	}
}

func (f *fixture) worker(capabilities ...string) *Worker {
	return New(f.store, f.queue, f.registry, f.handlers, f.cfg, f.host, capabilities)
}

// enqueue creates a task of the given type with an optional description and
// places a queued attempt for it.
func (f *fixture) enqueue(t *testing.T, taskType, description string) (taskID, attemptID int64) {
	t.Helper()
	ctx := context.Background()
	taskID, err := f.store.CreateTask(ctx, &models.Task{TaskType: taskType, FullyConfigured: true})
	require.NoError(t, err)
	if description != "" {
		require.NoError(t, f.store.SetMetadata(ctx, models.ScopeTask, taskID,
			models.KeyTaskDescription, models.Str(description)))
	}
	attemptID, err = f.store.CreateAttempt(ctx, taskID)
	require.NoError(t, err)
	return taskID, attemptID
}

func TestExecuteNullTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, attemptID := f.enqueue(t, TaskTypeNull, "")
	w := f.worker(TaskTypeNull)

	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	a, err := f.store.GetAttempt(ctx, attemptID)
	require.NoError(t, err)
	assert.Equal(t, models.StateFinished, a.State())
	assert.False(t, a.ErrorFail)
	assert.True(t, a.AllProductsPassedQC)
	require.NotNil(t, a.RunTimeWallClock)
	assert.GreaterOrEqual(t, *a.RunTimeWallClock, 0.0)
	require.NotNil(t, a.StartTime)
	require.NotNil(t, a.EndTime)

	// The null handler's info line was mirrored to the store.
	logs, err := f.store.LogsForAttempt(ctx, attemptID)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Equal(t, models.SeverityInfo, logs[0].Severity)
}

func TestExecuteErrorTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, attemptID := f.enqueue(t, TaskTypeError, `{"message": "synthetic failure"}`)
	w := f.worker(TaskTypeError)

	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	a, err := f.store.GetAttempt(ctx, attemptID)
	require.NoError(t, err)
	assert.Equal(t, models.StateFinished, a.State())
	assert.True(t, a.ErrorFail)
	assert.Contains(t, a.ErrorText, "synthetic failure")
	assert.False(t, a.AllProductsPassedQC)

	logs, err := f.store.ErrorLogs(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, logs)
}

func TestExecuteSleepTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, attemptID := f.enqueue(t, TaskTypeSleep, `{"seconds": 0.01}`)
	w := f.worker(TaskTypeSleep)

	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	a, err := f.store.GetAttempt(ctx, attemptID)
	require.NoError(t, err)
	assert.False(t, a.ErrorFail)
	require.NotNil(t, a.RunTimeWallClock)
	assert.GreaterOrEqual(t, *a.RunTimeWallClock, 0.01)
}

func TestHandlerPanicFailsAttempt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.handlers.Register("panicky", func(context.Context, *HandlerContext) error {
		panic("boom")
	})
	_, attemptID := f.enqueue(t, "panicky", "")
	w := f.worker("panicky")

	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	a, err := f.store.GetAttempt(ctx, attemptID)
	require.NoError(t, err)
	assert.True(t, a.ErrorFail)
	assert.Contains(t, a.ErrorText, "boom")
	assert.Equal(t, models.StateFinished, a.State())
}

func TestCapabilityFiltering(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A capability with no registered handler is never polled, so the
	// queued attempt stays untouched.
	_, attemptID := f.enqueue(t, "unregistered_type", "")
	w := f.worker("unregistered_type", TaskTypeNull)
	assert.Equal(t, []string{TaskTypeNull}, w.Capabilities())
	assert.NotEmpty(t, w.Token())

	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	a, err := f.store.GetAttempt(ctx, attemptID)
	require.NoError(t, err)
	assert.True(t, a.Queued)
}

func TestDefaultQCMarksVersions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.handlers.Register("producer", func(ctx context.Context, hc *HandlerContext) error {
		productID, err := hc.Store.CreateProduct(ctx, &models.FileProduct{
			GeneratorTask: hc.Task.ID,
			Directory:     "out",
			Filename:      "result.dat",
			SemanticType:  "detection_list",
		})
		if err != nil {
			return err
		}
		_, err = hc.Store.CreateVersion(ctx, &models.FileProductVersion{
			ProductID:                productID,
			GeneratedByTaskExecution: hc.AttemptID,
			RepositoryID:             "20260101_000000_cafe01",
		})
		return err
	})
	_, attemptID := f.enqueue(t, "producer", "")
	w := f.worker("producer")

	_, err := w.RunOnce(ctx)
	require.NoError(t, err)

	versions, err := f.store.VersionsForAttempt(ctx, attemptID)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.True(t, versions[0].QCPassed())

	a, err := f.store.GetAttempt(ctx, attemptID)
	require.NoError(t, err)
	assert.True(t, a.AllProductsPassedQC)
}

func TestCustomQCOverridesDefault(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.handlers.Register("strict", func(context.Context, *HandlerContext) error {
		return nil
	})
	f.handlers.RegisterQC("strict", func(ctx context.Context, hc *HandlerContext) error {
		return hc.Store.SetAllProductsPassedQC(ctx, hc.AttemptID, false)
	})
	_, attemptID := f.enqueue(t, "strict", "")
	w := f.worker("strict")

	_, err := w.RunOnce(ctx)
	require.NoError(t, err)

	a, err := f.store.GetAttempt(ctx, attemptID)
	require.NoError(t, err)
	assert.False(t, a.ErrorFail)
	assert.False(t, a.AllProductsPassedQC)
}

func TestQCErrorFailsAttempt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.handlers.Register("qc_broken", func(context.Context, *HandlerContext) error {
		return nil
	})
	f.handlers.RegisterQC("qc_broken", func(context.Context, *HandlerContext) error {
		return errors.New("verdict unavailable")
	})
	_, attemptID := f.enqueue(t, "qc_broken", "")
	w := f.worker("qc_broken")

	_, err := w.RunOnce(ctx)
	require.NoError(t, err)

	a, err := f.store.GetAttempt(ctx, attemptID)
	require.NoError(t, err)
	assert.True(t, a.ErrorFail)
	assert.Contains(t, a.ErrorText, "verdict unavailable")
}

func TestEnvOverlay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Predecessor with task metadata and a successful attempt carrying
	// result metadata.
	predID, err := f.store.CreateTask(ctx, &models.Task{TaskType: TaskTypeNull, FullyConfigured: true})
	require.NoError(t, err)
	require.NoError(t, f.store.SetMetadata(ctx, models.ScopeTask, predID, "period", models.Num(12.5)))
	require.NoError(t, f.store.SetMetadata(ctx, models.ScopeTask, predID, "shared", models.Str("from_pred")))

	predAttempt, err := f.store.CreateAttempt(ctx, predID)
	require.NoError(t, err)
	won, err := f.store.ClaimAttempt(ctx, predAttempt, f.host.ID)
	require.NoError(t, err)
	require.True(t, won)
	require.NoError(t, f.store.SetAllProductsPassedQC(ctx, predAttempt, true))
	require.NoError(t, f.store.RecordAttemptEnd(ctx, predAttempt, time.Now(), 1, 1, 1))
	require.NoError(t, f.store.SetMetadata(ctx, models.ScopeAttempt, predAttempt, "mes", models.Num(9.1)))

	succID, attemptID := f.enqueue(t, TaskTypeNull, "")
	require.NoError(t, f.store.WithTx(ctx, func(tx *sql.Tx) error {
		return f.store.AddMetadataInputTx(ctx, tx, succID, predID)
	}))
	require.NoError(t, f.store.SetMetadata(ctx, models.ScopeTask, succID, "shared", models.Str("own_wins")))

	task, err := f.store.GetTask(ctx, succID)
	require.NoError(t, err)
	hc := &HandlerContext{Store: f.store, Task: task, AttemptID: attemptID}

	env, err := hc.Env(ctx)
	require.NoError(t, err)
	assert.Equal(t, 12.5, env.Metadata["period"].Native())
	assert.Equal(t, 9.1, env.Metadata["mes"].Native())
	assert.Equal(t, "own_wins", env.Metadata["shared"].Native())
}
