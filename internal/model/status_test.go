package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTaskTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    TaskStatus
		to      TaskStatus
		wantErr bool
	}{
		{"pending to claimed", TaskPending, TaskClaimed, false},
		{"pending to blocked", TaskPending, TaskBlocked, false},
		{"claimed to in_progress", TaskClaimed, TaskInProgress, false},
		{"claimed released to pending", TaskClaimed, TaskPending, false},
		{"in_progress to completed", TaskInProgress, TaskCompleted, false},
		{"in_progress to failed", TaskInProgress, TaskFailed, false},
		{"failed requeued to pending", TaskFailed, TaskPending, false},
		{"failed to blocked", TaskFailed, TaskBlocked, false},
		{"pending to completed skips claim", TaskPending, TaskCompleted, true},
		{"pending to in_progress skips claim", TaskPending, TaskInProgress, true},
		{"completed is terminal", TaskCompleted, TaskPending, true},
		{"blocked is terminal", TaskBlocked, TaskPending, true},
		{"failed to completed", TaskFailed, TaskCompleted, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTaskTransition(tt.from, tt.to)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateWorkerTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    WorkerStatus
		to      WorkerStatus
		wantErr bool
	}{
		{"spawning to ready", WorkerSpawning, WorkerReady, false},
		{"spawning to crashed", WorkerSpawning, WorkerCrashed, false},
		{"ready to running", WorkerReady, WorkerRunning, false},
		{"running back to ready", WorkerRunning, WorkerReady, false},
		{"running to stalled", WorkerRunning, WorkerStalled, false},
		{"stalled recovers to running", WorkerStalled, WorkerRunning, false},
		{"running to crashed", WorkerRunning, WorkerCrashed, false},
		{"crashed is terminal", WorkerCrashed, WorkerReady, true},
		{"stopped is terminal", WorkerStopped, WorkerRunning, true},
		{"spawning to running skips ready", WorkerSpawning, WorkerRunning, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateWorkerTransition(tt.from, tt.to)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateLevelTransition(t *testing.T) {
	assert.NoError(t, ValidateLevelTransition(LevelPending, LevelActive))
	assert.NoError(t, ValidateLevelTransition(LevelActive, LevelResolved))
	assert.NoError(t, ValidateLevelTransition(LevelActive, LevelComplete))
	assert.NoError(t, ValidateLevelTransition(LevelResolved, LevelComplete))
	assert.Error(t, ValidateLevelTransition(LevelPending, LevelResolved))
	assert.Error(t, ValidateLevelTransition(LevelComplete, LevelActive))
}

func TestIsTaskTerminal(t *testing.T) {
	assert.True(t, IsTaskTerminal(TaskCompleted))
	assert.True(t, IsTaskTerminal(TaskFailed))
	assert.True(t, IsTaskTerminal(TaskBlocked))
	assert.False(t, IsTaskTerminal(TaskPending))
	assert.False(t, IsTaskTerminal(TaskClaimed))
	assert.False(t, IsTaskTerminal(TaskInProgress))
}

func TestWorkerIDs(t *testing.T) {
	id := NewWorkerID(3)
	require.True(t, ValidWorkerID(id), "generated id %q should validate", id)
	assert.False(t, ValidWorkerID("../escape"))
	assert.False(t, ValidWorkerID("worker-1"))
	assert.False(t, ValidWorkerID(""))
}
