package orchestrator

import (
	"fmt"
	"os"
	"time"

	"github.com/smisawa/foreman/internal/model"
	"github.com/smisawa/foreman/internal/rundir"
)

// RetryManager applies the two retry policies. A verification failure is a
// task-content defect and charges the task's retry counter; a worker crash
// is an infrastructure fault and never does. Timeouts are charged: a task
// that keeps stalling the same way is a content problem.
type RetryManager struct {
	runDir           string
	maxVerifyRetries int
	staleTaskAfter   time.Duration
}

func NewRetryManager(runDir string, cfg model.Config) *RetryManager {
	return &RetryManager{
		runDir:           runDir,
		maxVerifyRetries: cfg.Retry.MaxVerifyRetries,
		staleTaskAfter:   time.Duration(cfg.Retry.StaleTaskSec) * time.Second,
	}
}

// FailAndRequeue moves an in_progress task to failed with the given reason,
// then either requeues it (releasing its claim) or dead-letters it to
// blocked when the retry bound is spent. Crash reassignment goes through
// ReassignFromCrash instead; it must not touch the counter.
func (m *RetryManager) FailAndRequeue(state *model.RunState, taskID string, reason model.FailureReason, lastError string) (requeued bool, err error) {
	t := state.Task(taskID)
	if t == nil {
		return false, fmt.Errorf("unknown task %s", taskID)
	}

	if t.Status != model.TaskFailed {
		if err := applyTaskStatus(t, model.TaskFailed); err != nil {
			return false, err
		}
	}
	t.FailureReason = reason
	t.LastError = &lastError
	t.RetryCount++

	if t.RetryCount > m.maxVerifyRetries {
		if err := applyTaskStatus(t, model.TaskBlocked); err != nil {
			return false, err
		}
		t.WorkerID = nil
		return false, nil
	}
	return true, m.requeue(state, t)
}

// ReassignFromCrash returns every task the dead worker held to pending. The
// retry counter is untouched; the worker failed, not the task.
func (m *RetryManager) ReassignFromCrash(state *model.RunState, workerID string) ([]string, error) {
	var reassigned []string
	for i := range state.Tasks {
		t := &state.Tasks[i]
		if t.WorkerID == nil || *t.WorkerID != workerID {
			continue
		}
		if t.Status != model.TaskClaimed && t.Status != model.TaskInProgress {
			continue
		}
		if t.Status == model.TaskInProgress {
			// in_progress has no direct edge to pending; route through failed
			// so the transition history stays legal.
			if err := applyTaskStatus(t, model.TaskFailed); err != nil {
				return reassigned, err
			}
			t.FailureReason = model.FailureCrash
		}
		if err := m.requeue(state, t); err != nil {
			return reassigned, err
		}
		reassigned = append(reassigned, t.ID)
	}
	return reassigned, nil
}

// StaleTasks returns the in_progress tasks whose last observed progress is
// older than the stale threshold. lastProgress reports the most recent
// heartbeat touching the task; a task nobody has beaten for falls back to
// its start time.
func (m *RetryManager) StaleTasks(state *model.RunState, lastProgress func(taskID string) (time.Time, bool), now time.Time) []model.TaskTimeout {
	var stale []model.TaskTimeout
	for i := range state.Tasks {
		t := &state.Tasks[i]
		if t.Status != model.TaskInProgress {
			continue
		}

		seen, ok := lastProgress(t.ID)
		if !ok {
			if t.StartedAt == nil {
				continue
			}
			parsed, err := time.Parse(time.RFC3339, *t.StartedAt)
			if err != nil {
				continue
			}
			seen = parsed
		}
		if age := now.Sub(seen); age > m.staleTaskAfter {
			stale = append(stale, model.TaskTimeout{TaskID: t.ID, Age: age})
		}
	}
	return stale
}

// requeue returns a task to pending and releases its claim file so another
// worker can take it.
func (m *RetryManager) requeue(state *model.RunState, t *model.Task) error {
	if err := applyTaskStatus(t, model.TaskPending); err != nil {
		return err
	}
	t.WorkerID = nil
	t.ClaimedAt = nil
	t.StartedAt = nil

	if err := os.Remove(rundir.ClaimPath(m.runDir, t.ID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release claim for %s: %w", t.ID, err)
	}
	return nil
}

// applyTaskStatus validates and applies a task transition, stamping the
// lifecycle timestamps the new status implies.
func applyTaskStatus(t *model.Task, to model.TaskStatus) error {
	if err := model.ValidateTaskTransition(t.Status, to); err != nil {
		return fmt.Errorf("task %s: %w", t.ID, err)
	}
	t.Status = to
	now := model.Timestamp()
	switch to {
	case model.TaskClaimed:
		t.ClaimedAt = &now
	case model.TaskInProgress:
		t.StartedAt = &now
	case model.TaskCompleted, model.TaskFailed, model.TaskBlocked:
		t.CompletedAt = &now
	}
	return nil
}
