package orchestrator

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smisawa/foreman/internal/fsio"
	"github.com/smisawa/foreman/internal/logx"
	"github.com/smisawa/foreman/internal/model"
	"github.com/smisawa/foreman/internal/rundir"
)

func newReconciler(t *testing.T) (*Reconciler, string) {
	t.Helper()
	runDir := t.TempDir()
	require.NoError(t, rundir.EnsureLayout(runDir))
	retry := NewRetryManager(runDir, model.DefaultConfig())
	logger := logx.New(&bytes.Buffer{}, "reconciler", logx.LevelDebug)
	return NewReconciler(runDir, retry, logger), runDir
}

func writeClaim(t *testing.T, runDir, taskID, workerID string) {
	t.Helper()
	claim := model.Claim{TaskID: taskID, WorkerID: workerID, ClaimedAt: model.Timestamp()}
	require.NoError(t, fsio.AtomicWrite(rundir.ClaimPath(runDir, taskID), claim))
}

func writeResult(t *testing.T, runDir, workerID string, results ...model.TaskResult) {
	t.Helper()
	rf := model.ResultFile{
		SchemaVersion: fsio.CurrentSchemaVersion,
		FileType:      "result_task",
		WorkerID:      workerID,
		Results:       results,
	}
	require.NoError(t, fsio.AtomicWrite(rundir.ResultPath(runDir, workerID), rf))
}

func patterns(repairs []Repair) []string {
	out := make([]string, 0, len(repairs))
	for _, r := range repairs {
		out = append(out, r.Pattern)
	}
	return out
}

func TestReconcileAppliesUnappliedClaim(t *testing.T) {
	r, runDir := newReconciler(t)
	state := twoLevelState()
	writeClaim(t, runDir, "a", "worker-01-aaaaaaaa")

	repairs, err := r.Reconcile(state, map[string]bool{"worker-01-aaaaaaaa": true})
	require.NoError(t, err)
	assert.Contains(t, patterns(repairs), PatternClaimUnapplied)

	task := state.Task("a")
	assert.Equal(t, model.TaskClaimed, task.Status)
	require.NotNil(t, task.WorkerID)
	assert.Equal(t, "worker-01-aaaaaaaa", *task.WorkerID)
}

func TestReconcileAppliesUnappliedResult(t *testing.T) {
	r, runDir := newReconciler(t)
	state := twoLevelState()

	worker := "worker-01-aaaaaaaa"
	task := state.Task("a")
	require.NoError(t, applyTaskStatus(task, model.TaskClaimed))
	task.WorkerID = &worker
	writeResult(t, runDir, worker, model.TaskResult{
		ID: "res-1", TaskID: "a", WorkerID: worker,
		Status: model.TaskCompleted, FailureReason: model.FailureNone,
	})

	repairs, err := r.Reconcile(state, map[string]bool{worker: true})
	require.NoError(t, err)
	assert.Contains(t, patterns(repairs), PatternResultUnapplied)
	assert.Equal(t, model.TaskCompleted, state.Task("a").Status)
}

func TestReconcileIgnoresResultFromPreviousAssignment(t *testing.T) {
	r, runDir := newReconciler(t)
	state := twoLevelState()

	current := "worker-02-bbbbbbbb"
	task := state.Task("a")
	require.NoError(t, applyTaskStatus(task, model.TaskClaimed))
	task.WorkerID = &current
	writeClaim(t, runDir, "a", current)

	// Stale report from the worker that held the task before a crash requeue.
	writeResult(t, runDir, "worker-01-aaaaaaaa", model.TaskResult{
		ID: "res-old", TaskID: "a", WorkerID: "worker-01-aaaaaaaa",
		Status: model.TaskCompleted,
	})

	repairs, err := r.Reconcile(state, map[string]bool{current: true})
	require.NoError(t, err)
	assert.NotContains(t, patterns(repairs), PatternResultUnapplied)
	assert.Equal(t, model.TaskClaimed, state.Task("a").Status)
}

func TestReconcileRequeuesDeadWorkerTasks(t *testing.T) {
	r, runDir := newReconciler(t)
	state := twoLevelState()

	dead := "worker-01-aaaaaaaa"
	task := state.Task("a")
	require.NoError(t, applyTaskStatus(task, model.TaskClaimed))
	require.NoError(t, applyTaskStatus(task, model.TaskInProgress))
	task.WorkerID = &dead
	writeClaim(t, runDir, "a", dead)

	repairs, err := r.Reconcile(state, map[string]bool{})
	require.NoError(t, err)
	assert.Contains(t, patterns(repairs), PatternDeadWorkerTask)

	assert.Equal(t, model.TaskPending, state.Task("a").Status)
	assert.Zero(t, state.Task("a").RetryCount)
	_, serr := os.Stat(rundir.ClaimPath(runDir, "a"))
	assert.True(t, os.IsNotExist(serr))
}

func TestReconcileRemovesOrphanClaim(t *testing.T) {
	r, runDir := newReconciler(t)
	state := twoLevelState()
	writeClaim(t, runDir, "ghost", "worker-01-aaaaaaaa")

	repairs, err := r.Reconcile(state, nil)
	require.NoError(t, err)
	assert.Contains(t, patterns(repairs), PatternOrphanClaim)

	_, serr := os.Stat(rundir.ClaimPath(runDir, "ghost"))
	assert.True(t, os.IsNotExist(serr))
}

func TestReconcileRepairsLevelDrift(t *testing.T) {
	r, _ := newReconciler(t)
	state := twoLevelState()
	// Corrupt c's level: it depends on a, so its derived depth is 1.
	state.Task("c").Level = 0

	repairs, err := r.Reconcile(state, nil)
	require.NoError(t, err)
	assert.Contains(t, patterns(repairs), PatternLevelDrift)
	assert.Equal(t, 1, state.Task("c").Level)

	lvl1 := state.LevelAt(1)
	require.NotNil(t, lvl1)
	assert.Contains(t, lvl1.TaskIDs, "c")
}

func TestReconcileIsIdempotent(t *testing.T) {
	r, runDir := newReconciler(t)
	state := twoLevelState()
	writeClaim(t, runDir, "a", "worker-01-aaaaaaaa")
	writeClaim(t, runDir, "ghost", "worker-01-aaaaaaaa")
	state.Task("c").Level = 0

	live := map[string]bool{"worker-01-aaaaaaaa": true}
	first, err := r.Reconcile(state, live)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := r.Reconcile(state, live)
	require.NoError(t, err)
	assert.Empty(t, second, "second pass over a consistent state repairs nothing")
}

func TestReconcileQuarantinesCorruptClaim(t *testing.T) {
	r, runDir := newReconciler(t)
	state := twoLevelState()
	require.NoError(t, os.WriteFile(rundir.ClaimPath(runDir, "a"), []byte("{{{"), 0o644))

	_, err := r.Reconcile(state, nil)
	require.NoError(t, err)

	_, serr := os.Stat(rundir.ClaimPath(runDir, "a"))
	assert.True(t, os.IsNotExist(serr), "corrupt claim moved aside")
	assert.Equal(t, model.TaskPending, state.Task("a").Status)
}
