package model

// Metrics is the counters block embedded in RunState.
type Metrics struct {
	TasksDispatched       int `yaml:"tasks_dispatched"`
	TasksCompleted        int `yaml:"tasks_completed"`
	TasksFailed           int `yaml:"tasks_failed"`
	TasksBlocked          int `yaml:"tasks_blocked"`
	TaskTimeouts          int `yaml:"task_timeouts"`
	WorkerCrashes         int `yaml:"worker_crashes"`
	WorkerRespawns        int `yaml:"worker_respawns"`
	TaskReassignments     int `yaml:"task_reassignments"`
	ReconciliationRepairs int `yaml:"reconciliation_repairs"`
	LevelsAdvanced        int `yaml:"levels_advanced"`
}
