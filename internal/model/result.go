package model

// ResultFile is the per-worker result stream under results/<worker>.yaml.
// Workers append; the orchestrator consumes and applies.
type ResultFile struct {
	SchemaVersion int          `yaml:"schema_version"`
	FileType      string       `yaml:"file_type"`
	WorkerID      string       `yaml:"worker_id"`
	Results       []TaskResult `yaml:"results"`
}

// TaskResult is one reported task outcome.
type TaskResult struct {
	ID               string        `yaml:"id"`
	TaskID           string        `yaml:"task_id"`
	WorkerID         string        `yaml:"worker_id"`
	Status           TaskStatus    `yaml:"status"` // completed or failed
	FailureReason    FailureReason `yaml:"failure_reason"`
	Summary          string        `yaml:"summary"`
	FilesChanged     []string      `yaml:"files_changed"`
	VerifyExitCode   int           `yaml:"verify_exit_code"`
	VerifyDurationMs int64         `yaml:"verify_duration_ms"`
	CommitRef        string        `yaml:"commit_ref,omitempty"`
	CreatedAt        string        `yaml:"created_at"`
}

// HeartbeatFile holds the recent liveness records for one worker. The emitter
// appends and trims so the file stays bounded; the monitor reads the tail.
type HeartbeatFile struct {
	SchemaVersion int               `yaml:"schema_version"`
	FileType      string            `yaml:"file_type"`
	WorkerID      string            `yaml:"worker_id"`
	Records       []HeartbeatRecord `yaml:"records"`
}

type HeartbeatRecord struct {
	WorkerID  string  `yaml:"worker_id"`
	Timestamp string  `yaml:"timestamp"`
	TaskID    *string `yaml:"task_id"`
	Step      string  `yaml:"step"`
	Progress  float64 `yaml:"progress"`
}

// Latest returns the most recent heartbeat record, or nil.
func (f *HeartbeatFile) Latest() *HeartbeatRecord {
	if len(f.Records) == 0 {
		return nil
	}
	return &f.Records[len(f.Records)-1]
}
