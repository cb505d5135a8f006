package scheduler

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calder/transitpipe/internal/config"
	"github.com/calder/transitpipe/internal/models"
	"github.com/calder/transitpipe/internal/queue"
	"github.com/calder/transitpipe/internal/store"
)

type fixture struct {
	store  *store.Store
	queue  queue.Queue
	sched  *Scheduler
	hostID int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(config.StoreConfig{
		Driver: config.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "pipeline.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.InitSchema(context.Background(), ""))

	host, err := s.InternHost(context.Background(), "test-host")
	require.NoError(t, err)

	q := queue.NewEmbedded(s, host.ID)
	return &fixture{store: s, queue: q, sched: New(s, q), hostID: host.ID}
}

func (f *fixture) createTask(t *testing.T, taskType string, configured bool) int64 {
	t.Helper()
	id, err := f.store.CreateTask(context.Background(),
		&models.Task{TaskType: taskType, FullyConfigured: configured})
	require.NoError(t, err)
	return id
}

// finishAttempt walks an attempt through claim and completion.
func (f *fixture) finishAttempt(t *testing.T, attemptID int64, fail bool) {
	t.Helper()
	ctx := context.Background()
	won, err := f.store.ClaimAttempt(ctx, attemptID, f.hostID)
	require.NoError(t, err)
	require.True(t, won)
	if fail {
		require.NoError(t, f.store.MarkAttemptFailed(ctx, attemptID, "boom"))
	}
	require.NoError(t, f.store.SetAllProductsPassedQC(ctx, attemptID, !fail))
	require.NoError(t, f.store.RecordAttemptEnd(ctx, attemptID, time.Now(), 1, 1, 1))
}

func TestScheduleEligibleBasics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ready := f.createTask(t, "transit_search_bls", true)
	f.createTask(t, "synthesis_psls", false) // not configured

	n, err := f.sched.ScheduleEligible(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	attempts, err := f.store.AttemptsForTask(ctx, ready)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.True(t, attempts[0].Queued)

	// The default criterion schedules each task at most once.
	n, err = f.sched.ScheduleEligible(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestScheduleEligibleOrdersByTaskID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.createTask(t, "null", true)
	second := f.createTask(t, "null", true)

	n, err := f.sched.ScheduleEligible(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	ids, err := f.queue.List(ctx, "null")
	require.NoError(t, err)
	require.Len(t, ids, 2)

	a1, err := f.store.GetAttempt(ctx, ids[0])
	require.NoError(t, err)
	a2, err := f.store.GetAttempt(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, first, a1.TaskID)
	assert.Equal(t, second, a2.TaskID)
}

func TestInFlightAttemptBlocks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task := f.createTask(t, "null", true)
	_, err := f.sched.ScheduleOne(ctx, task)
	require.NoError(t, err)

	// Queued blocks even under a permissive criterion.
	n, err := f.sched.ScheduleEligible(ctx, func(*models.Attempt) bool { return false })
	require.NoError(t, err)
	assert.Zero(t, n)

	// Running blocks too.
	_, ok, err := f.queue.FetchClaim(ctx, "null", true, true)
	require.NoError(t, err)
	require.True(t, ok)
	n, err = f.sched.ScheduleEligible(ctx, func(*models.Attempt) bool { return false })
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFileInputGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	producer := f.createTask(t, "synthesis_psls", true)
	consumer := f.createTask(t, "transit_search_bls", true)

	productID, err := f.store.CreateProduct(ctx, &models.FileProduct{
		GeneratorTask: producer,
		Directory:     "job/target_0001",
		Filename:      "lc.dat",
		SemanticType:  "lightcurve",
	})
	require.NoError(t, err)
	require.NoError(t, f.store.WithTx(ctx, func(tx *sql.Tx) error {
		return f.store.AddFileInputTx(ctx, tx, consumer, productID, "lightcurve")
	}))

	// Producer runs first; consumer is held back by the missing version.
	n, err := f.sched.ScheduleEligible(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	producerAttempts, err := f.store.AttemptsForTask(ctx, producer)
	require.NoError(t, err)
	require.Len(t, producerAttempts, 1)
	f.finishAttempt(t, producerAttempts[0].ID, false)

	versionID, err := f.store.CreateVersion(ctx, &models.FileProductVersion{
		ProductID:                productID,
		GeneratedByTaskExecution: producerAttempts[0].ID,
		RepositoryID:             "20260101_000000_abcdef",
	})
	require.NoError(t, err)

	// A version exists but has no QC verdict yet.
	n, err = f.sched.ScheduleEligible(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, f.store.SetVersionQC(ctx, versionID, true))
	n, err = f.sched.ScheduleEligible(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	attempts, err := f.store.AttemptsForTask(ctx, consumer)
	require.NoError(t, err)
	assert.Len(t, attempts, 1)
}

func TestMetadataPredecessorGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pred := f.createTask(t, "synthesis_psls", true)
	succ := f.createTask(t, "vetting", true)
	require.NoError(t, f.store.WithTx(ctx, func(tx *sql.Tx) error {
		return f.store.AddMetadataInputTx(ctx, tx, succ, pred)
	}))

	n, err := f.sched.ScheduleEligible(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n) // predecessor only

	attempts, err := f.store.AttemptsForTask(ctx, pred)
	require.NoError(t, err)
	require.Len(t, attempts, 1)

	// A failed predecessor attempt does not unlock the successor.
	f.finishAttempt(t, attempts[0].ID, true)
	n, err = f.sched.ScheduleEligible(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Retry the predecessor and let it succeed.
	n, err = f.sched.RescheduleUnfinished(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	attempts, err = f.store.AttemptsForTask(ctx, pred)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	f.finishAttempt(t, attempts[1].ID, false)

	n, err = f.sched.ScheduleEligible(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	succAttempts, err := f.store.AttemptsForTask(ctx, succ)
	require.NoError(t, err)
	assert.Len(t, succAttempts, 1)
}

func TestRescheduleUnfinishedSkipsSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	good := f.createTask(t, "null", true)
	bad := f.createTask(t, "null", true)

	n, err := f.sched.ScheduleEligible(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	goodAttempts, err := f.store.AttemptsForTask(ctx, good)
	require.NoError(t, err)
	f.finishAttempt(t, goodAttempts[0].ID, false)
	badAttempts, err := f.store.AttemptsForTask(ctx, bad)
	require.NoError(t, err)
	f.finishAttempt(t, badAttempts[0].ID, true)

	n, err = f.sched.RescheduleUnfinished(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	badAttempts, err = f.store.AttemptsForTask(ctx, bad)
	require.NoError(t, err)
	assert.Len(t, badAttempts, 2)
	goodAttempts, err = f.store.AttemptsForTask(ctx, good)
	require.NoError(t, err)
	assert.Len(t, goodAttempts, 1)
}
