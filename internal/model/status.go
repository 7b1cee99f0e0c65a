package model

import "fmt"

// TaskStatus is the lifecycle status of a task in the run state.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskClaimed    TaskStatus = "claimed"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskBlocked    TaskStatus = "blocked"
)

// WorkerStatus is the orchestrator-observed status of a worker agent.
type WorkerStatus string

const (
	WorkerSpawning WorkerStatus = "spawning"
	WorkerReady    WorkerStatus = "ready"
	WorkerRunning  WorkerStatus = "running"
	WorkerStalled  WorkerStatus = "stalled"
	WorkerCrashed  WorkerStatus = "crashed"
	WorkerStopped  WorkerStatus = "stopped"
	// WorkerUnknown is returned by a launcher when a health check fails.
	// It is never persisted; the last known status is kept instead.
	WorkerUnknown WorkerStatus = "unknown"
)

// LevelStatus is the aggregate status of one dependency level.
type LevelStatus string

const (
	LevelPending LevelStatus = "pending"
	LevelActive  LevelStatus = "active"
	// LevelResolved: every task terminal, at least one not completed.
	LevelResolved LevelStatus = "resolved"
	// LevelComplete: every task completed.
	LevelComplete LevelStatus = "complete"
)

// FailureReason distinguishes why a task left the happy path.
type FailureReason string

const (
	FailureNone         FailureReason = "none"
	FailureVerification FailureReason = "verification"
	FailureCrash        FailureReason = "crash"
	FailureTimeout      FailureReason = "timeout"
)

var terminalTaskStatuses = map[TaskStatus]bool{
	TaskCompleted: true,
	TaskFailed:    true,
	TaskBlocked:   true,
}

var terminalWorkerStatuses = map[WorkerStatus]bool{
	WorkerCrashed: true,
	WorkerStopped: true,
}

// Task status transitions: pending → claimed → in_progress → terminal.
// failed → pending (requeue) and failed → blocked (retry bound reached) are
// special-cased in ValidateTaskTransition since failed is otherwise terminal.
var validTaskTransitions = map[TaskStatus]map[TaskStatus]bool{
	TaskPending: {
		TaskClaimed: true,
		TaskBlocked: true,
	},
	TaskClaimed: {
		TaskInProgress: true,
		TaskPending:    true, // claim released → back to pending
	},
	TaskInProgress: {
		TaskCompleted: true,
		TaskFailed:    true,
	},
}

var validWorkerTransitions = map[WorkerStatus]map[WorkerStatus]bool{
	WorkerSpawning: {
		WorkerReady:   true,
		WorkerCrashed: true,
		WorkerStopped: true,
	},
	WorkerReady: {
		WorkerRunning: true,
		WorkerStalled: true,
		WorkerCrashed: true,
		WorkerStopped: true,
	},
	WorkerRunning: {
		WorkerReady:   true,
		WorkerStalled: true,
		WorkerCrashed: true,
		WorkerStopped: true,
	},
	WorkerStalled: {
		WorkerReady:   true,
		WorkerRunning: true,
		WorkerCrashed: true,
		WorkerStopped: true,
	},
}

var validLevelTransitions = map[LevelStatus]map[LevelStatus]bool{
	LevelPending: {
		LevelActive: true,
	},
	LevelActive: {
		LevelResolved: true,
		LevelComplete: true,
	},
	// The reconciler may upgrade resolved → complete after a requeued task lands.
	LevelResolved: {
		LevelComplete: true,
	},
}

// IsTaskTerminal reports whether a task status counts toward level resolution.
func IsTaskTerminal(s TaskStatus) bool {
	return terminalTaskStatuses[s]
}

func IsWorkerTerminal(s WorkerStatus) bool {
	return terminalWorkerStatuses[s]
}

func IsLevelTerminal(s LevelStatus) bool {
	return s == LevelResolved || s == LevelComplete
}

func ValidateTaskTransition(from, to TaskStatus) error {
	// failed is terminal for level resolution, but the retry manager may
	// requeue it or dead-letter it.
	if from == TaskFailed && (to == TaskPending || to == TaskBlocked) {
		return nil
	}
	if IsTaskTerminal(from) {
		return fmt.Errorf("cannot transition from terminal task status %q", from)
	}
	allowed, ok := validTaskTransitions[from]
	if !ok {
		return fmt.Errorf("unknown task status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid task transition: %q → %q", from, to)
	}
	return nil
}

func ValidateWorkerTransition(from, to WorkerStatus) error {
	if IsWorkerTerminal(from) {
		return fmt.Errorf("cannot transition from terminal worker status %q", from)
	}
	allowed, ok := validWorkerTransitions[from]
	if !ok {
		return fmt.Errorf("unknown worker status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid worker transition: %q → %q", from, to)
	}
	return nil
}

func ValidateLevelTransition(from, to LevelStatus) error {
	allowed, ok := validLevelTransitions[from]
	if !ok {
		return fmt.Errorf("cannot transition from level status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid level transition: %q → %q", from, to)
	}
	return nil
}
