package launcher

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smisawa/foreman/internal/logx"
	"github.com/smisawa/foreman/internal/model"
)

// fakeBackend scripts start/inspect/stop outcomes for Base tests.
type fakeBackend struct {
	mu           sync.Mutex
	startErrs    []error // consumed per attempt; nil entry means success
	startCalls   int
	inspectFn    func(workerID string) (model.WorkerStatus, error)
	inspectCalls int
	stopCalls    []bool // force flags in call order
}

func (f *fakeBackend) start(_ context.Context, spec SpawnSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.startCalls
	f.startCalls++
	if idx < len(f.startErrs) && f.startErrs[idx] != nil {
		return "", f.startErrs[idx]
	}
	return "pid-1234", nil
}

func (f *fakeBackend) inspect(_ context.Context, workerID string) (model.WorkerStatus, error) {
	f.mu.Lock()
	f.inspectCalls++
	fn := f.inspectFn
	f.mu.Unlock()
	if fn == nil {
		return model.WorkerRunning, nil
	}
	return fn(workerID)
}

func (f *fakeBackend) stop(_ context.Context, _ string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls = append(f.stopCalls, force)
	return nil
}

func newTestBase(fb *fakeBackend) (*Base, *[]time.Duration, *time.Time) {
	cfg := model.DefaultConfig()
	logger := logx.New(&bytes.Buffer{}, "launcher", logx.LevelDebug)
	b := newBase(fb, cfg, logger)

	var slept []time.Duration
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		now = now.Add(d)
		return nil
	}
	b.now = func() time.Time { return now }
	return b, &slept, &now
}

func TestSpawnRetriesWithExponentialBackoff(t *testing.T) {
	fb := &fakeBackend{startErrs: []error{errors.New("boom"), errors.New("boom"), nil}}
	b, slept, _ := newTestBase(fb)

	res, err := b.Spawn(context.Background(), SpawnSpec{WorkerID: "worker-01-aaaaaaaa"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, "pid-1234", res.Handle)
	// base=2s: delays 2s then 4s before attempts 2 and 3.
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, *slept)
}

func TestSpawnBackoffIsCapped(t *testing.T) {
	fb := &fakeBackend{startErrs: make([]error, 8)}
	for i := range fb.startErrs {
		fb.startErrs[i] = errors.New("boom")
	}
	cfg := model.DefaultConfig()
	cfg.Spawn.MaxAttempts = 8
	logger := logx.New(&bytes.Buffer{}, "launcher", logx.LevelDebug)
	b := newBase(fb, cfg, logger)

	var slept []time.Duration
	b.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	_, err := b.Spawn(context.Background(), SpawnSpec{WorkerID: "worker-01-aaaaaaaa"})
	require.Error(t, err)
	// 2,4,8,16,30,30,30 — capped at 30s.
	assert.Equal(t, []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
		30 * time.Second, 30 * time.Second, 30 * time.Second,
	}, slept)
}

func TestSpawnExhaustionReturnsSpawnFailure(t *testing.T) {
	last := errors.New("no such image")
	fb := &fakeBackend{startErrs: []error{errors.New("a"), errors.New("b"), last}}
	b, _, _ := newTestBase(fb)

	_, err := b.Spawn(context.Background(), SpawnSpec{WorkerID: "worker-01-aaaaaaaa"})
	require.Error(t, err)

	var sf *model.SpawnFailure
	require.True(t, errors.As(err, &sf))
	assert.Equal(t, 3, sf.Attempts)
	assert.ErrorIs(t, err, last, "last error must be attached")
	assert.Equal(t, 3, fb.startCalls)
}

func TestMonitorServesFromCooldownCache(t *testing.T) {
	fb := &fakeBackend{}
	b, _, now := newTestBase(fb)

	assert.Equal(t, model.WorkerRunning, b.Monitor(context.Background(), "worker-01-aaaaaaaa"))
	assert.Equal(t, model.WorkerRunning, b.Monitor(context.Background(), "worker-01-aaaaaaaa"))
	assert.Equal(t, 1, fb.inspectCalls, "second call within cooldown must not probe")

	*now = now.Add(11 * time.Second) // past the 10s cooldown
	assert.Equal(t, model.WorkerRunning, b.Monitor(context.Background(), "worker-01-aaaaaaaa"))
	assert.Equal(t, 2, fb.inspectCalls)
}

func TestMonitorDegradesOnProbeFailure(t *testing.T) {
	fb := &fakeBackend{}
	b, _, now := newTestBase(fb)

	// First probe succeeds and caches running.
	assert.Equal(t, model.WorkerRunning, b.Monitor(context.Background(), "worker-01-aaaaaaaa"))

	*now = now.Add(time.Minute)
	fb.inspectFn = func(string) (model.WorkerStatus, error) {
		return model.WorkerUnknown, errors.New("docker daemon unreachable")
	}
	assert.Equal(t, model.WorkerRunning, b.Monitor(context.Background(), "worker-01-aaaaaaaa"),
		"probe failure returns last known status")

	// With no prior check at all, degrade to unknown.
	assert.Equal(t, model.WorkerUnknown, b.Monitor(context.Background(), "worker-99-ffffffff"))
}

func TestTerminateGracefulThenForce(t *testing.T) {
	fb := &fakeBackend{}
	fb.inspectFn = func(string) (model.WorkerStatus, error) {
		return model.WorkerRunning, nil // never exits on its own
	}
	b, _, _ := newTestBase(fb)

	require.NoError(t, b.Terminate(context.Background(), "worker-01-aaaaaaaa"))
	require.NotEmpty(t, fb.stopCalls)
	assert.False(t, fb.stopCalls[0], "first stop is graceful")
	assert.True(t, fb.stopCalls[len(fb.stopCalls)-1], "final stop is forced after grace")
}

func TestTerminateReturnsOnceExited(t *testing.T) {
	fb := &fakeBackend{}
	calls := 0
	fb.inspectFn = func(string) (model.WorkerStatus, error) {
		calls++
		if calls >= 2 {
			return model.WorkerStopped, nil
		}
		return model.WorkerRunning, nil
	}
	b, _, _ := newTestBase(fb)

	require.NoError(t, b.Terminate(context.Background(), "worker-01-aaaaaaaa"))
	assert.Equal(t, []bool{false}, fb.stopCalls, "no force kill when worker exits in grace window")
}
