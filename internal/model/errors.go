package model

import (
	"fmt"
	"time"
)

// GraphError reports a malformed task graph. Always fatal at startup.
type GraphError struct {
	Reason string
}

func (e *GraphError) Error() string {
	return "graph error: " + e.Reason
}

// SpawnFailure is produced after spawn retries are exhausted. The last
// underlying error is attached for diagnostics.
type SpawnFailure struct {
	WorkerID string
	Attempts int
	Err      error
}

func (e *SpawnFailure) Error() string {
	return fmt.Sprintf("spawn %s failed after %d attempts: %v", e.WorkerID, e.Attempts, e.Err)
}

func (e *SpawnFailure) Unwrap() error { return e.Err }

// VerificationFailure is a task-content failure: the verification command
// exited non-zero. Retried a bounded number of times, then the task blocks.
type VerificationFailure struct {
	TaskID   string
	ExitCode int
	Output   string
}

func (e *VerificationFailure) Error() string {
	return fmt.Sprintf("verification failed for %s (exit %d)", e.TaskID, e.ExitCode)
}

// WorkerCrash is an infrastructure failure: the agent process or container
// exited. The owning task is reassigned without a retry-count increment.
type WorkerCrash struct {
	WorkerID string
	TaskID   string
}

func (e *WorkerCrash) Error() string {
	if e.TaskID == "" {
		return fmt.Sprintf("worker %s crashed", e.WorkerID)
	}
	return fmt.Sprintf("worker %s crashed holding task %s", e.WorkerID, e.TaskID)
}

// TaskTimeout marks a task stuck in_progress past the stale threshold with no
// heartbeat progress.
type TaskTimeout struct {
	TaskID string
	Age    time.Duration
}

func (e *TaskTimeout) Error() string {
	return fmt.Sprintf("task %s stale after %s", e.TaskID, e.Age)
}

// MergeConflict is fatal only at finalize time; per-level execution never
// merges.
type MergeConflict struct {
	Branch string
	Err    error
}

func (e *MergeConflict) Error() string {
	return fmt.Sprintf("merge conflict integrating %s: %v", e.Branch, e.Err)
}

func (e *MergeConflict) Unwrap() error { return e.Err }
