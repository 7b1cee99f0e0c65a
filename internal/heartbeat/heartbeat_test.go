package heartbeat

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smisawa/foreman/internal/fsio"
	"github.com/smisawa/foreman/internal/logx"
	"github.com/smisawa/foreman/internal/model"
	"github.com/smisawa/foreman/internal/rundir"
)

func setupRunDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, rundir.EnsureLayout(dir))
	return dir
}

func testMonitor(runDir string, threshold time.Duration) *Monitor {
	return NewMonitor(runDir, threshold, logx.New(&bytes.Buffer{}, "heartbeat", logx.LevelDebug))
}

func TestEmitterAppendsAndTrims(t *testing.T) {
	runDir := setupRunDir(t)
	e := NewEmitter(runDir, "worker-01-aaaaaaaa", 3)

	taskID := "task-a"
	for i := 0; i < 5; i++ {
		require.NoError(t, e.Beat(&taskID, "executing", float64(i)/5))
	}

	var hf model.HeartbeatFile
	require.NoError(t, fsio.ReadYAML(rundir.HeartbeatPath(runDir, "worker-01-aaaaaaaa"), &hf))
	assert.Len(t, hf.Records, 3, "records trimmed to max")
	assert.Equal(t, "worker-01-aaaaaaaa", hf.WorkerID)
	require.NotNil(t, hf.Latest())
	assert.InDelta(t, 0.8, hf.Latest().Progress, 1e-9)
}

func TestMonitorPollPicksUpHeartbeats(t *testing.T) {
	runDir := setupRunDir(t)
	e := NewEmitter(runDir, "worker-01-aaaaaaaa", 10)
	require.NoError(t, e.Beat(nil, "idle", 0))

	m := testMonitor(runDir, time.Minute)
	m.Poll()

	rec, ok := m.Latest("worker-01-aaaaaaaa")
	require.True(t, ok)
	assert.Equal(t, "idle", rec.Step)

	_, ok = m.LastSeen("worker-01-aaaaaaaa")
	assert.True(t, ok)
}

func TestMonitorStaleness(t *testing.T) {
	runDir := setupRunDir(t)
	m := testMonitor(runDir, time.Minute)

	assert.True(t, m.IsStale("worker-01-aaaaaaaa"), "no heartbeat at all is stale")

	e := NewEmitter(runDir, "worker-01-aaaaaaaa", 10)
	require.NoError(t, e.Beat(nil, "idle", 0))
	m.Poll()
	assert.False(t, m.IsStale("worker-01-aaaaaaaa"))

	m.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	assert.True(t, m.IsStale("worker-01-aaaaaaaa"), "silence past threshold is stale")
}

func TestMonitorTracksProgressSeparatelyFromLiveness(t *testing.T) {
	runDir := setupRunDir(t)
	m := testMonitor(runDir, time.Minute)

	const worker = "worker-01-aaaaaaaa"
	task := "task-a"
	t0 := time.Now().Add(-10 * time.Minute).UTC().Truncate(time.Second)

	rec := func(ts time.Time, step string) model.HeartbeatRecord {
		return model.HeartbeatRecord{WorkerID: worker, Timestamp: ts.Format(time.RFC3339), TaskID: &task, Step: step}
	}
	write := func(recs ...model.HeartbeatRecord) {
		hf := model.HeartbeatFile{SchemaVersion: 1, FileType: "heartbeat", WorkerID: worker, Records: recs}
		require.NoError(t, fsio.AtomicWrite(rundir.HeartbeatPath(runDir, worker), hf))
	}

	write(rec(t0, "executing"))
	m.Poll()
	at, ok := m.LastProgress(worker)
	require.True(t, ok)
	assert.True(t, at.Equal(t0))

	// Same task and step again: the worker is alive but not advancing.
	write(rec(t0, "executing"), rec(t0.Add(5*time.Minute), "executing"))
	m.Poll()
	seen, ok := m.LastSeen(worker)
	require.True(t, ok)
	assert.True(t, seen.Equal(t0.Add(5*time.Minute)), "liveness follows the latest beat")
	at, _ = m.LastProgress(worker)
	assert.True(t, at.Equal(t0), "an unchanged step is not progress")

	// A new step counts as progress.
	write(rec(t0.Add(6*time.Minute), "verifying"))
	m.Poll()
	at, _ = m.LastProgress(worker)
	assert.True(t, at.Equal(t0.Add(6*time.Minute)))
}

func TestMonitorQuarantinesCorruptFile(t *testing.T) {
	runDir := setupRunDir(t)
	path := rundir.HeartbeatPath(runDir, "worker-01-aaaaaaaa")
	require.NoError(t, os.WriteFile(path, []byte("{{{"), 0o644))

	m := testMonitor(runDir, time.Minute)
	m.Poll()

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "corrupt file moved out of the way")

	entries, err := os.ReadDir(filepath.Join(runDir, "quarantine"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestMonitorForget(t *testing.T) {
	runDir := setupRunDir(t)
	e := NewEmitter(runDir, "worker-01-aaaaaaaa", 10)
	require.NoError(t, e.Beat(nil, "idle", 0))

	m := testMonitor(runDir, time.Minute)
	m.Poll()
	_, ok := m.Latest("worker-01-aaaaaaaa")
	require.True(t, ok)

	m.Forget("worker-01-aaaaaaaa")
	_, ok = m.Latest("worker-01-aaaaaaaa")
	assert.False(t, ok)
}
