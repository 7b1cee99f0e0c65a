// Package rundir defines the on-disk layout of a run directory and the path
// helpers the orchestrator and workers share.
package rundir

import (
	"fmt"
	"os"
	"path/filepath"
)

// Layout:
//
//	<run>/
//	  graph.yaml
//	  state.yaml
//	  board.yaml
//	  claims/<task>.claim
//	  results/<worker>.yaml
//	  heartbeats/<worker>.yaml
//	  events/run.jsonl
//	  logs/*.log
//	  locks/run.lock
//	  worktrees/<worker>/
//	  quarantine/

func GraphPath(runDir string) string  { return filepath.Join(runDir, "graph.yaml") }
func StatePath(runDir string) string  { return filepath.Join(runDir, "state.yaml") }
func BoardPath(runDir string) string  { return filepath.Join(runDir, "board.yaml") }
func ClaimsDir(runDir string) string  { return filepath.Join(runDir, "claims") }
func ResultsDir(runDir string) string { return filepath.Join(runDir, "results") }
func HeartbeatsDir(runDir string) string {
	return filepath.Join(runDir, "heartbeats")
}
func EventLogPath(runDir string) string {
	return filepath.Join(runDir, "events", "run.jsonl")
}
func LogsDir(runDir string) string { return filepath.Join(runDir, "logs") }
func RunLockPath(runDir string) string {
	return filepath.Join(runDir, "locks", "run.lock")
}

func ClaimPath(runDir, taskID string) string {
	return filepath.Join(ClaimsDir(runDir), taskID+".claim")
}

func ResultPath(runDir, workerID string) string {
	return filepath.Join(ResultsDir(runDir), workerID+".yaml")
}

func HeartbeatPath(runDir, workerID string) string {
	return filepath.Join(HeartbeatsDir(runDir), workerID+".yaml")
}

func WorktreesDir(runDir string) string {
	return filepath.Join(runDir, "worktrees")
}

// WorktreePath is the private git checkout one worker commits in.
func WorktreePath(runDir, workerID string) string {
	return filepath.Join(WorktreesDir(runDir), workerID)
}

// EnsureLayout creates every directory a run needs.
func EnsureLayout(runDir string) error {
	dirs := []string{
		runDir,
		ClaimsDir(runDir),
		ResultsDir(runDir),
		HeartbeatsDir(runDir),
		filepath.Dir(EventLogPath(runDir)),
		LogsDir(runDir),
		filepath.Dir(RunLockPath(runDir)),
		WorktreesDir(runDir),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
