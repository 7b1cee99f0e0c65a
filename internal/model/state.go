// Package model defines the data structures for foreman's configuration,
// run state, task graph, and on-disk record files.
package model

import "time"

// Task is one unit of work in the dependency graph.
type Task struct {
	ID            string        `yaml:"id"`
	Level         int           `yaml:"level"`
	Dependencies  []string      `yaml:"dependencies"`
	Files         []string      `yaml:"files"`
	VerifyCommand string        `yaml:"verify_command"`
	Status        TaskStatus    `yaml:"status"`
	WorkerID      *string       `yaml:"worker_id"`
	RetryCount    int           `yaml:"retry_count"`
	FailureReason FailureReason `yaml:"failure_reason"`
	LastError     *string       `yaml:"last_error"`
	CreatedAt     string        `yaml:"created_at"`
	ClaimedAt     *string       `yaml:"claimed_at"`
	StartedAt     *string       `yaml:"started_at"`
	CompletedAt   *string       `yaml:"completed_at"`
}

// Worker is the registry record for one execution agent. Mutable fields are
// owned by the WorkerRegistry and must only change through registry methods.
type Worker struct {
	ID              string       `yaml:"id"`
	Status          WorkerStatus `yaml:"status"`
	Backend         string       `yaml:"backend"` // "process" or "container"
	Handle          string       `yaml:"handle"`  // pid or container id, opaque here
	Slot            int          `yaml:"slot"`    // fleet slot; a respawn inherits it
	Branch          string       `yaml:"branch"`
	Level           int          `yaml:"level"`
	RespawnCount    int          `yaml:"respawn_count"`
	CurrentTaskID   *string      `yaml:"current_task_id"`
	StartedAt       string       `yaml:"started_at"`
	ReadyAt         *string      `yaml:"ready_at"`
	LastHeartbeatAt *string      `yaml:"last_heartbeat_at"`
	HealthCheckAt   *string      `yaml:"health_check_at"`
}

// Level is one dependency-depth bucket of tasks.
type Level struct {
	Index   int         `yaml:"index"`
	TaskIDs []string    `yaml:"task_ids"`
	Status  LevelStatus `yaml:"status"`
}

// RunState is the persisted snapshot of a run, atomically rewritten by the
// orchestrator and readable concurrently by status tooling.
type RunState struct {
	SchemaVersion int      `yaml:"schema_version"`
	FileType      string   `yaml:"file_type"`
	RunID         string   `yaml:"run_id"`
	Feature       string   `yaml:"feature"`
	CurrentLevel  int      `yaml:"current_level"`
	Levels        []Level  `yaml:"levels"`
	Tasks         []Task   `yaml:"tasks"`
	Workers       []Worker `yaml:"workers"`
	Metrics       Metrics  `yaml:"metrics"`
	EventLogPath  string   `yaml:"event_log_path"`
	CreatedAt     string   `yaml:"created_at"`
	UpdatedAt     string   `yaml:"updated_at"`
}

// Task returns a pointer into the state's task slice, or nil.
func (s *RunState) Task(id string) *Task {
	for i := range s.Tasks {
		if s.Tasks[i].ID == id {
			return &s.Tasks[i]
		}
	}
	return nil
}

// LevelAt returns a pointer to the level with the given index, or nil.
func (s *RunState) LevelAt(index int) *Level {
	for i := range s.Levels {
		if s.Levels[i].Index == index {
			return &s.Levels[i]
		}
	}
	return nil
}

// Timestamp returns the current UTC time in the RFC3339 format used by all
// persisted records.
func Timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}
