package model

// Config is the resolved configuration object consumed by the core packages.
// Parsing from foreman.yaml happens only in cmd/foreman.
type Config struct {
	Run          RunConfig          `yaml:"run"`
	Workers      WorkersConfig      `yaml:"workers"`
	Spawn        SpawnConfig        `yaml:"spawn"`
	Monitor      MonitorConfig      `yaml:"monitor"`
	Heartbeat    HeartbeatConfig    `yaml:"heartbeat"`
	Retry        RetryConfig        `yaml:"retry"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Verify       VerifyConfig       `yaml:"verify"`
	Gates        GatesConfig        `yaml:"gates"`
	Limits       LimitsConfig       `yaml:"limits"`
	Logging      LoggingConfig      `yaml:"logging"`
}

type RunConfig struct {
	Feature   string `yaml:"feature"`
	Workspace string `yaml:"workspace"` // git repository root the workers operate in
	Baseline  string `yaml:"baseline"`  // baseline branch finalize integrates into
}

type WorkersConfig struct {
	Count     int             `yaml:"count"`
	Backend   string          `yaml:"backend"` // "process" or "container"
	Image     string          `yaml:"image"`   // container backend only
	Agent     string          `yaml:"agent"`   // execution agent command run per task
	Resources ResourcesConfig `yaml:"resources"`
}

// ResourcesConfig is passed through to the launcher backend; the container
// backend maps it onto --cpus/--memory.
type ResourcesConfig struct {
	CPUs     float64 `yaml:"cpus"`
	MemoryMB int     `yaml:"memory_mb"`
}

type SpawnConfig struct {
	MaxAttempts    int `yaml:"max_attempts"`
	BackoffBaseSec int `yaml:"backoff_base_sec"`
	BackoffCapSec  int `yaml:"backoff_cap_sec"`
}

type MonitorConfig struct {
	CooldownSec       int `yaml:"cooldown_sec"`        // health-check cache window
	TerminateGraceSec int `yaml:"terminate_grace_sec"` // SIGTERM → SIGKILL window
}

type HeartbeatConfig struct {
	IntervalSec  int `yaml:"interval_sec"`  // worker emit cadence
	ThresholdSec int `yaml:"threshold_sec"` // silence before a worker is stalled
}

type RetryConfig struct {
	MaxVerifyRetries   int `yaml:"max_verify_retries"`    // verification failures before blocked
	StaleTaskSec       int `yaml:"stale_task_sec"`        // in_progress without progress before timeout
	MaxRespawnAttempts int `yaml:"max_respawn_attempts"`  // per worker slot
}

type OrchestratorConfig struct {
	PollIntervalSec      int `yaml:"poll_interval_sec"`
	ReconcileIntervalSec int `yaml:"reconcile_interval_sec"`
}

type VerifyConfig struct {
	TimeoutSec int `yaml:"timeout_sec"`
}

type GatesConfig struct {
	Commands   []GateCommand `yaml:"commands"`
	TimeoutSec int           `yaml:"timeout_sec"`
}

type GateCommand struct {
	Name    string `yaml:"name"`
	Command string `yaml:"command"`
}

type LimitsConfig struct {
	MaxEventLogBytes   int64 `yaml:"max_event_log_bytes"`
	MaxHeartbeatRecords int  `yaml:"max_heartbeat_records"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// ApplyDefaults fills zero-valued knobs with the documented defaults.
func (c *Config) ApplyDefaults() {
	if c.Workers.Count <= 0 {
		c.Workers.Count = 3
	}
	if c.Workers.Backend == "" {
		c.Workers.Backend = "process"
	}
	if c.Run.Baseline == "" {
		c.Run.Baseline = "main"
	}
	if c.Spawn.MaxAttempts <= 0 {
		c.Spawn.MaxAttempts = 3
	}
	if c.Spawn.BackoffBaseSec <= 0 {
		c.Spawn.BackoffBaseSec = 2
	}
	if c.Spawn.BackoffCapSec <= 0 {
		c.Spawn.BackoffCapSec = 30
	}
	if c.Monitor.CooldownSec <= 0 {
		c.Monitor.CooldownSec = 10
	}
	if c.Monitor.TerminateGraceSec <= 0 {
		c.Monitor.TerminateGraceSec = 10
	}
	if c.Heartbeat.IntervalSec <= 0 {
		c.Heartbeat.IntervalSec = 15
	}
	if c.Heartbeat.ThresholdSec <= 0 {
		c.Heartbeat.ThresholdSec = 90
	}
	if c.Retry.MaxVerifyRetries <= 0 {
		c.Retry.MaxVerifyRetries = 2
	}
	if c.Retry.StaleTaskSec <= 0 {
		c.Retry.StaleTaskSec = 600
	}
	if c.Retry.MaxRespawnAttempts <= 0 {
		c.Retry.MaxRespawnAttempts = 3
	}
	if c.Orchestrator.PollIntervalSec <= 0 {
		c.Orchestrator.PollIntervalSec = 15
	}
	if c.Orchestrator.ReconcileIntervalSec <= 0 {
		c.Orchestrator.ReconcileIntervalSec = 60
	}
	if c.Verify.TimeoutSec <= 0 {
		c.Verify.TimeoutSec = 300
	}
	if c.Gates.TimeoutSec <= 0 {
		c.Gates.TimeoutSec = 1800
	}
	if c.Limits.MaxEventLogBytes <= 0 {
		c.Limits.MaxEventLogBytes = 100 * 1024 * 1024
	}
	if c.Limits.MaxHeartbeatRecords <= 0 {
		c.Limits.MaxHeartbeatRecords = 50
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() Config {
	var c Config
	c.ApplyDefaults()
	return c
}
