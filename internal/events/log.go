// Package events provides the append-only JSONL event log that external
// observability tooling consumes. The core emits; it never parses this back.
package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Lifecycle event types emitted by the orchestrator and merge coordinator.
const (
	EventSpawn     = "worker_spawn"
	EventReady     = "worker_ready"
	EventStalled   = "worker_stalled"
	EventCrash     = "worker_crash"
	EventRespawn   = "worker_respawn"
	EventStop      = "worker_stop"
	EventClaim     = "task_claim"
	EventComplete  = "task_complete"
	EventFail      = "task_fail"
	EventTimeout   = "task_timeout"
	EventReassign  = "task_reassign"
	EventBlocked   = "task_blocked"
	EventReconcile = "reconcile_repair"
	EventAdvance   = "level_advance"
	EventFinalize  = "finalize"
	EventGate      = "quality_gate"
)

// DefaultMaxLogSize bounds a log file before rotation (100MB).
const DefaultMaxLogSize = 100 * 1024 * 1024

const archiveDir = "archive"

// Entry is one structured, timestamped event record.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType string         `json:"event_type"`
	RunID     string         `json:"run_id,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	WorkerID  string         `json:"worker_id,omitempty"`
	Level     *int           `json:"level,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Log is an append-only JSONL writer with size-based rotation.
type Log struct {
	mu          sync.Mutex
	file        *os.File
	currentSize int64
	maxSize     int64
	path        string
	runID       string
}

// NewLog opens (or creates) the event log at path.
func NewLog(path, runID string, maxSize int64) (*Log, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create event log dir: %w", err)
	}

	l := &Log{path: path, runID: runID, maxSize: maxSize}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Log) open() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat event log: %w", err)
	}
	l.file = f
	l.currentSize = stat.Size()
	return nil
}

// Emit appends one event. Errors are returned for callers that want them,
// but the orchestrator treats a logging failure as non-fatal.
func (l *Log) Emit(eventType string, e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.Timestamp = time.Now().UTC()
	e.EventType = eventType
	if e.RunID == "" {
		e.RunID = l.runID
	}

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	line = append(line, '\n')

	if l.currentSize+int64(len(line)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return err
		}
	}

	n, err := l.file.Write(line)
	if err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	l.currentSize += int64(n)
	return nil
}

// rotate archives the current file and starts a fresh one. Caller holds mu.
func (l *Log) rotate() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close for rotation: %w", err)
	}

	dir := filepath.Join(filepath.Dir(l.path), archiveDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}
	stamp := time.Now().UTC().Format("20060102T150405")
	archived := filepath.Join(dir, fmt.Sprintf("%s.%s", filepath.Base(l.path), stamp))
	if err := os.Rename(l.path, archived); err != nil {
		return fmt.Errorf("archive event log: %w", err)
	}

	return l.open()
}

// Close releases the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
