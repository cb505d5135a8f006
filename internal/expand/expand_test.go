package expand

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calder/transitpipe/internal/config"
	"github.com/calder/transitpipe/internal/models"
	"github.com/calder/transitpipe/internal/queue"
	"github.com/calder/transitpipe/internal/registry"
	"github.com/calder/transitpipe/internal/scheduler"
	"github.com/calder/transitpipe/internal/store"
	"github.com/calder/transitpipe/internal/worker"
)

type fixture struct {
	store  *store.Store
	queue  queue.Queue
	worker *worker.Worker
	sched  *scheduler.Scheduler
	host   *models.WorkerHost
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

	handlers := worker.NewHandlerRegistry()
	worker.RegisterBuiltins(handlers)
	Register(handlers)

	q := queue.NewEmbedded(s, host.ID)
	reg := registry.New(s, cfg.RepositoryRoot)
	w := worker.New(s, q, reg, handlers, cfg, host, handlers.TaskTypes())

	return &fixture{store: s, queue: q, worker: w, sched: scheduler.New(s, q), host: host}
}

// submitRoot creates a fully configured root task holding a description.
func (f *fixture) submitRoot(t *testing.T, taskType, description string) int64 {
	t.Helper()
	ctx := context.Background()
	id, err := f.store.CreateTask(ctx, &models.Task{
		TaskType:        taskType,
		JobName:         "test_job",
		FullyConfigured: true,
	})
	require.NoError(t, err)
	require.NoError(t, f.store.SetMetadata(ctx, models.ScopeTask, id,
		models.KeyTaskDescription, models.Str(description)))
	return id
}

// run executes one fresh attempt of the task directly through the worker.
func (f *fixture) run(t *testing.T, taskID int64) *models.Attempt {
	t.Helper()
	ctx := context.Background()
	attemptID, err := f.store.CreateAttempt(ctx, taskID)
	require.NoError(t, err)
	won, err := f.store.ClaimAttempt(ctx, attemptID, f.host.ID)
	require.NoError(t, err)
	require.True(t, won)
	require.NoError(t, f.worker.Execute(ctx, attemptID))
	a, err := f.store.GetAttempt(ctx, attemptID)
	require.NoError(t, err)
	return a
}

func TestChainMaterialisesChildren(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	root := f.submitRoot(t, TaskTypeChain, `{"task_list": [{"task": "null"}]}`)
	a := f.run(t, root)
	assert.False(t, a.ErrorFail)

	children, err := f.store.ChildTasks(ctx, root)
	require.NoError(t, err)
	require.Len(t, children, 1)
	child := children[0]
	assert.Equal(t, "null", child.TaskType)
	assert.Equal(t, "test_job", child.JobName)
	assert.True(t, child.FullyConfigured)

	v, ok, err := f.store.GetMetadata(ctx, models.ScopeTask, child.ID, models.KeyTaskDescription)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, v.String(), `"null"`)
}

func TestChainDeclaresFileDependencies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	root := f.submitRoot(t, TaskTypeChain, `{"task_list": [
		{"task": "synthesis_psls", "task_name": "synth", "outputs": {"lightcurve": "lc.dat"}},
		{"task": "transit_search_bls", "inputs": {"lightcurve": "lc.dat"}}
	]}`)
	a := f.run(t, root)
	require.False(t, a.ErrorFail, a.ErrorText)

	children, err := f.store.ChildTasks(ctx, root)
	require.NoError(t, err)
	require.Len(t, children, 2)

	products, err := f.store.ProductsForTask(ctx, children[0].ID)
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.Equal(t, "lc.dat", products[0].Filename)
	assert.Equal(t, "lightcurve", products[0].SemanticType)

	inputs, err := f.store.FileInputs(ctx, children[1].ID)
	require.NoError(t, err)
	require.Len(t, inputs, 1)
	assert.Equal(t, products[0].ID, inputs[0].InputProductID)
}

func TestChainMissingInputFailsAttempt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	root := f.submitRoot(t, TaskTypeChain,
		`{"task_list": [{"task": "verify", "inputs": {"lightcurve": "absent.dat"}}]}`)
	a := f.run(t, root)
	assert.True(t, a.ErrorFail)
	assert.Contains(t, a.ErrorText, "dependency missing")

	children, err := f.store.ChildTasks(ctx, root)
	require.NoError(t, err)
	assert.Empty(t, children)
}

func TestChainOutputCollisionFailsAttempt(t *testing.T) {
	f := newFixture(t)

	root := f.submitRoot(t, TaskTypeChain, `{"task_list": [
		{"task": "a", "outputs": {"lightcurve": "lc.dat"}},
		{"task": "b", "outputs": {"lightcurve": "lc.dat"}}
	]}`)
	a := f.run(t, root)
	assert.True(t, a.ErrorFail)
	assert.Contains(t, a.ErrorText, "output already declared")
}

func TestChainSiblingMetadataScope(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	root := f.submitRoot(t, TaskTypeChain, `{"task_list": [
		{"task": "null", "task_name": "A"},
		{"task": "null", "requires_metadata_from": ["A"]}
	]}`)
	a := f.run(t, root)
	require.False(t, a.ErrorFail, a.ErrorText)

	children, err := f.store.ChildTasks(ctx, root)
	require.NoError(t, err)
	require.Len(t, children, 2)

	deps, err := f.store.MetadataInputs(ctx, children[1].ID)
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.Equal(t, children[0].ID, deps[0].PredecessorTaskID)

	// An unknown sibling name is a hard failure.
	bad := f.submitRoot(t, TaskTypeChain,
		`{"task_list": [{"task": "null", "requires_metadata_from": ["nobody"]}]}`)
	a = f.run(t, bad)
	assert.True(t, a.ErrorFail)
	assert.Contains(t, a.ErrorText, "dependency missing")
}

func TestConditionalSelectsBranch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	root := f.submitRoot(t, TaskTypeConditional, `{
		"criterion": "(1 + 1 == 2)",
		"task_list": [{"task": "null"}],
		"task_list_else": [{"task": "error"}]
	}`)
	a := f.run(t, root)
	require.False(t, a.ErrorFail, a.ErrorText)

	chains, err := f.store.ChildTasks(ctx, root)
	require.NoError(t, err)
	require.Len(t, chains, 1)
	require.Equal(t, TaskTypeChain, chains[0].TaskType)

	a = f.run(t, chains[0].ID)
	require.False(t, a.ErrorFail, a.ErrorText)
	leaves, err := f.store.ChildTasks(ctx, chains[0].ID)
	require.NoError(t, err)
	require.Len(t, leaves, 1)
	assert.Equal(t, "null", leaves[0].TaskType)
}

func TestConditionalFalseBranch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	root := f.submitRoot(t, TaskTypeConditional, `{
		"criterion": "(3 < 2)",
		"task_list": [{"task": "null"}],
		"task_list_else": [{"task": "error"}]
	}`)
	a := f.run(t, root)
	require.False(t, a.ErrorFail)

	chains, err := f.store.ChildTasks(ctx, root)
	require.NoError(t, err)
	require.Len(t, chains, 1)
	a = f.run(t, chains[0].ID)
	require.False(t, a.ErrorFail)
	leaves, err := f.store.ChildTasks(ctx, chains[0].ID)
	require.NoError(t, err)
	require.Len(t, leaves, 1)
	assert.Equal(t, "error", leaves[0].TaskType)

	// False criterion with no else-branch is a clean no-op.
	bare := f.submitRoot(t, TaskTypeConditional,
		`{"criterion": "(3 < 2)", "task_list": [{"task": "null"}]}`)
	a = f.run(t, bare)
	assert.False(t, a.ErrorFail)
	none, err := f.store.ChildTasks(ctx, bare)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestForLoopLinearRange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	root := f.submitRoot(t, TaskTypeForLoop, `{
		"name": "p",
		"linear_range": [1, 3, 3],
		"task_list": [{"task": "null"}]
	}`)
	a := f.run(t, root)
	require.False(t, a.ErrorFail, a.ErrorText)

	chains, err := f.store.ChildTasks(ctx, root)
	require.NoError(t, err)
	require.Len(t, chains, 3)

	for i, chain := range chains {
		p, ok, err := f.store.GetMetadata(ctx, models.ScopeTask, chain.ID, "p")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, float64(i+1), p.Float())

		idx, ok, err := f.store.GetMetadata(ctx, models.ScopeTask, chain.ID, "p_index")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, float64(i), idx.Float())
	}

	// Loop bindings flow down to the leaves through chain expansion.
	a = f.run(t, chains[0].ID)
	require.False(t, a.ErrorFail)
	leaves, err := f.store.ChildTasks(ctx, chains[0].ID)
	require.NoError(t, err)
	require.Len(t, leaves, 1)
	p, ok, err := f.store.GetMetadata(ctx, models.ScopeTask, leaves[0].ID, "p")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1.0, p.Float())
}

func TestForLoopValuesAndLogRange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	byValues := f.submitRoot(t, TaskTypeForLoop, `{
		"name": "method",
		"values": ["bls", "tls"],
		"task_list": [{"task": "null"}]
	}`)
	a := f.run(t, byValues)
	require.False(t, a.ErrorFail, a.ErrorText)
	chains, err := f.store.ChildTasks(ctx, byValues)
	require.NoError(t, err)
	require.Len(t, chains, 2)
	v, ok, err := f.store.GetMetadata(ctx, models.ScopeTask, chains[1].ID, "method")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "tls", v.String())

	byLog := f.submitRoot(t, TaskTypeForLoop, `{
		"name": "period",
		"log_range": [1, 100, 3],
		"task_list": [{"task": "null"}]
	}`)
	a = f.run(t, byLog)
	require.False(t, a.ErrorFail, a.ErrorText)
	chains, err = f.store.ChildTasks(ctx, byLog)
	require.NoError(t, err)
	require.Len(t, chains, 3)
	want := []float64{1, 10, 100}
	for i, chain := range chains {
		p, ok, err := f.store.GetMetadata(ctx, models.ScopeTask, chain.ID, "period")
		require.NoError(t, err)
		require.True(t, ok)
		assert.InDelta(t, want[i], p.Float(), 1e-9)
	}

	// Exactly one value source is allowed.
	both := f.submitRoot(t, TaskTypeForLoop, `{
		"name": "x",
		"values": [1],
		"linear_range": [1, 2, 2],
		"task_list": [{"task": "null"}]
	}`)
	a = f.run(t, both)
	assert.True(t, a.ErrorFail)
}

func TestDoWhileLoopGrowsAndTerminates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	desc := `{
		"task": "execution_do_while_loop",
		"iteration_name": "iter",
		"repeat_criterion": "(iter_index < 2)",
		"task_list": [{"task": "null", "task_name": "body"}],
		"requires_metadata_from_child": ["body"]
	}`
	root := f.submitRoot(t, TaskTypeDoWhile, desc)

	// Iteration 0 expands unconditionally.
	a := f.run(t, root)
	require.False(t, a.ErrorFail, a.ErrorText)
	chains, err := f.store.ChildTasks(ctx, root)
	require.NoError(t, err)
	require.Len(t, chains, 1)

	// The chain holds the body plus the successor loop task.
	a = f.run(t, chains[0].ID)
	require.False(t, a.ErrorFail, a.ErrorText)
	members, err := f.store.ChildTasks(ctx, chains[0].ID)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "null", members[0].TaskType)
	assert.Equal(t, TaskTypeDoWhile, members[1].TaskType)

	// The successor waits on the body's metadata and carries the counter.
	deps, err := f.store.MetadataInputs(ctx, members[1].ID)
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.Equal(t, members[0].ID, deps[0].PredecessorTaskID)
	counter, ok, err := f.store.GetMetadata(ctx, models.ScopeTask, members[1].ID, "iter_index")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1.0, counter.Float())

	// Counter 1: criterion (1 < 2) holds, so another iteration appears.
	a = f.run(t, members[1].ID)
	require.False(t, a.ErrorFail, a.ErrorText)
	next, err := f.store.ChildTasks(ctx, members[1].ID)
	require.NoError(t, err)
	require.Len(t, next, 1)

	a = f.run(t, next[0].ID)
	require.False(t, a.ErrorFail, a.ErrorText)
	members2, err := f.store.ChildTasks(ctx, next[0].ID)
	require.NoError(t, err)
	require.Len(t, members2, 2)

	// Counter 2: criterion (2 < 2) fails, the loop stops growing.
	a = f.run(t, members2[1].ID)
	require.False(t, a.ErrorFail, a.ErrorText)
	stopped, err := f.store.ChildTasks(ctx, members2[1].ID)
	require.NoError(t, err)
	assert.Empty(t, stopped)
}

// End-to-end: submit, schedule, execute, repeat until the tree settles.
func TestScheduledPipelineRunsLeaf(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	root := f.submitRoot(t, TaskTypeChain, `{"task_list": [{"task": "null"}]}`)

	for i := 0; i < 4; i++ {
		_, err := f.sched.ScheduleEligible(ctx, nil)
		require.NoError(t, err)
		_, err = f.worker.RunOnce(ctx)
		require.NoError(t, err)
	}

	children, err := f.store.ChildTasks(ctx, root)
	require.NoError(t, err)
	require.Len(t, children, 1)

	attempts, err := f.store.AttemptsForTask(ctx, children[0].ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, models.StateFinished, attempts[0].State())
	assert.False(t, attempts[0].ErrorFail)
	assert.True(t, attempts[0].AllProductsPassedQC)
}
