// Package launcher spawns, monitors, and terminates worker agents. The two
// backends (OS process, container) share spawn retry/backoff, the monitor
// cooldown cache, and graceful termination through Base; only the raw
// start/inspect/stop mechanics differ.
package launcher

import (
	"context"
	"time"

	"github.com/smisawa/foreman/internal/model"
)

// SpawnSpec carries everything a backend needs to start one worker agent.
type SpawnSpec struct {
	WorkerID  string
	Feature   string
	RunDir    string
	Workspace string
	Branch    string
	Level     int
	Env       map[string]string
}

// SpawnResult reports a successful spawn.
type SpawnResult struct {
	WorkerID string
	Handle   string // pid or container id, opaque to callers
	Attempts int    // 1-based attempt that succeeded
}

// Launcher is the orchestrator's view of worker lifecycle operations.
//
// Spawn retries transient failures with exponential backoff and returns a
// *model.SpawnFailure once attempts are exhausted. Monitor never returns an
// error: a failed health check degrades to the last known status (or
// WorkerUnknown when there is none) so one bad probe cannot halt the loop.
type Launcher interface {
	Spawn(ctx context.Context, spec SpawnSpec) (SpawnResult, error)
	Monitor(ctx context.Context, workerID string) model.WorkerStatus
	Terminate(ctx context.Context, workerID string) error
}

// backend is the per-implementation surface: raw start/inspect/stop.
type backend interface {
	start(ctx context.Context, spec SpawnSpec) (handle string, err error)
	inspect(ctx context.Context, workerID string) (model.WorkerStatus, error)
	// stop signals the worker; force escalates to a kill.
	stop(ctx context.Context, workerID string, force bool) error
}

// sleepCtx sleeps for d or returns early when ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
