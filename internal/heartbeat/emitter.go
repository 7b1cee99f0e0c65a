// Package heartbeat carries worker liveness signals over per-worker YAML
// files: workers emit, the orchestrator's monitor watches and polls.
package heartbeat

import (
	"fmt"

	"github.com/smisawa/foreman/internal/fsio"
	"github.com/smisawa/foreman/internal/lock"
	"github.com/smisawa/foreman/internal/model"
	"github.com/smisawa/foreman/internal/rundir"
)

// fileLocks serializes writers of the same heartbeat file: the worker's main
// loop and its background beat goroutine share one emitter.
var fileLocks = lock.NewMutexMap()

// Emitter appends heartbeat records to this worker's file, trimming so the
// file stays bounded.
type Emitter struct {
	runDir     string
	workerID   string
	maxRecords int
}

func NewEmitter(runDir, workerID string, maxRecords int) *Emitter {
	if maxRecords <= 0 {
		maxRecords = 50
	}
	return &Emitter{runDir: runDir, workerID: workerID, maxRecords: maxRecords}
}

// Beat records one liveness/progress signal.
func (e *Emitter) Beat(taskID *string, step string, progress float64) error {
	path := rundir.HeartbeatPath(e.runDir, e.workerID)
	fileLocks.Lock(path)
	defer fileLocks.Unlock(path)

	var hf model.HeartbeatFile
	if err := fsio.ReadYAML(path, &hf); err != nil {
		// Missing or corrupt file: start a fresh one. The worker side must
		// never die because its own heartbeat file went bad.
		hf = model.HeartbeatFile{}
	}
	hf.SchemaVersion = fsio.CurrentSchemaVersion
	hf.FileType = "heartbeat"
	hf.WorkerID = e.workerID

	hf.Records = append(hf.Records, model.HeartbeatRecord{
		WorkerID:  e.workerID,
		Timestamp: model.Timestamp(),
		TaskID:    taskID,
		Step:      step,
		Progress:  progress,
	})
	if len(hf.Records) > e.maxRecords {
		hf.Records = hf.Records[len(hf.Records)-e.maxRecords:]
	}

	if err := fsio.AtomicWrite(path, hf); err != nil {
		return fmt.Errorf("write heartbeat: %w", err)
	}
	return nil
}
