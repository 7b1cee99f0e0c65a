package model

// Board is the claimable-task view published by the orchestrator for the
// current level. Workers read it to find candidates; the O_EXCL claim file is
// what makes a claim win, the board is only the menu.
type Board struct {
	SchemaVersion int          `yaml:"schema_version"`
	FileType      string       `yaml:"file_type"`
	RunID         string       `yaml:"run_id"`
	Level         int          `yaml:"level"`
	Entries       []BoardEntry `yaml:"entries"`
	UpdatedAt     string       `yaml:"updated_at"`
}

type BoardEntry struct {
	TaskID        string     `yaml:"task_id"`
	Level         int        `yaml:"level"`
	Status        TaskStatus `yaml:"status"`
	DepsCompleted bool       `yaml:"deps_completed"`
	Files         []string   `yaml:"files"`
	VerifyCommand string     `yaml:"verify_command"`
}

// Claim is the content of a claims/<task>.claim file. The file's exclusive
// creation is the atomic first-claim-wins step.
type Claim struct {
	TaskID    string `yaml:"task_id"`
	WorkerID  string `yaml:"worker_id"`
	Level     int    `yaml:"level"`
	ClaimedAt string `yaml:"claimed_at"`
}
