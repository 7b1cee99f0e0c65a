package heartbeat

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/smisawa/foreman/internal/fsio"
	"github.com/smisawa/foreman/internal/logx"
	"github.com/smisawa/foreman/internal/model"
	"github.com/smisawa/foreman/internal/rundir"
)

type observation struct {
	record model.HeartbeatRecord
	seenAt time.Time

	// progressSig fingerprints the reported work (task, step, progress);
	// progressAt is when it last changed. A worker can heartbeat forever
	// while wedged on one step, so liveness and progress diverge.
	progressSig string
	progressAt  time.Time
}

func progressSignature(rec *model.HeartbeatRecord) string {
	task := ""
	if rec.TaskID != nil {
		task = *rec.TaskID
	}
	return fmt.Sprintf("%s|%s|%g", task, rec.Step, rec.Progress)
}

// Monitor tracks the latest heartbeat per worker. It reacts to file events
// via fsnotify and also supports explicit polling, so a missed event never
// strands a worker as silent.
type Monitor struct {
	runDir    string
	threshold time.Duration
	logger    *logx.Logger
	now       func() time.Time

	mu       sync.RWMutex
	observed map[string]observation

	watcher *fsnotify.Watcher
	wg      sync.WaitGroup
}

func NewMonitor(runDir string, threshold time.Duration, logger *logx.Logger) *Monitor {
	return &Monitor{
		runDir:    runDir,
		threshold: threshold,
		logger:    logger,
		now:       time.Now,
		observed:  make(map[string]observation),
	}
}

// Start begins watching the heartbeat directory until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create heartbeat watcher: %w", err)
	}
	dir := rundir.HeartbeatsDir(m.runDir)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	m.watcher = watcher

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if !strings.HasSuffix(ev.Name, ".yaml") {
					continue
				}
				m.ingest(ev.Name)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				m.logger.Warnf("heartbeat_watch error=%v", err)
			}
		}
	}()
	return nil
}

// Wait blocks until the watch goroutine has exited.
func (m *Monitor) Wait() {
	m.wg.Wait()
}

// Poll rescans every heartbeat file. Called at startup and as a fallback on
// each orchestrator iteration.
func (m *Monitor) Poll() {
	dir := rundir.HeartbeatsDir(m.runDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			m.logger.Warnf("heartbeat_poll error=%v", err)
		}
		return
	}
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		m.ingest(filepath.Join(dir, entry.Name()))
	}
}

func (m *Monitor) ingest(path string) {
	var hf model.HeartbeatFile
	if err := fsio.ReadYAML(path, &hf); err != nil {
		if os.IsNotExist(err) {
			return
		}
		// A half-written or corrupt heartbeat file is worker damage, not a
		// monitor failure. Quarantine and move on.
		if moved, qerr := fsio.Quarantine(m.runDir, path); qerr == nil {
			m.logger.Warnf("heartbeat_quarantined file=%s moved=%s error=%v", path, moved, err)
		} else {
			m.logger.Warnf("heartbeat_unreadable file=%s error=%v", path, err)
		}
		return
	}

	latest := hf.Latest()
	if latest == nil || hf.WorkerID == "" {
		return
	}

	obs := observation{
		record:      *latest,
		seenAt:      m.now(),
		progressSig: progressSignature(latest),
	}

	m.mu.Lock()
	if prev, ok := m.observed[hf.WorkerID]; ok && prev.progressSig == obs.progressSig {
		obs.progressAt = prev.progressAt
	} else if ts, err := time.Parse(time.RFC3339, latest.Timestamp); err == nil {
		obs.progressAt = ts
	} else {
		obs.progressAt = obs.seenAt
	}
	m.observed[hf.WorkerID] = obs
	m.mu.Unlock()
}

// Latest returns the most recent heartbeat record for a worker.
func (m *Monitor) Latest(workerID string) (model.HeartbeatRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obs, ok := m.observed[workerID]
	return obs.record, ok
}

// LastSeen returns the timestamp of the worker's last heartbeat.
func (m *Monitor) LastSeen(workerID string) (time.Time, bool) {
	rec, ok := m.Latest(workerID)
	if !ok {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339, rec.Timestamp)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// LastProgress returns when the worker's reported work last advanced. Fresh
// heartbeats with an unchanged task, step, and progress do not count.
func (m *Monitor) LastProgress(workerID string) (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obs, ok := m.observed[workerID]
	if !ok {
		return time.Time{}, false
	}
	return obs.progressAt, true
}

// IsStale reports whether the worker has been silent past the threshold. A
// worker with no heartbeat at all is stale once asked.
func (m *Monitor) IsStale(workerID string) bool {
	ts, ok := m.LastSeen(workerID)
	if !ok {
		return true
	}
	return m.now().Sub(ts) > m.threshold
}

// Forget drops a worker's cached heartbeat, e.g. after it is unregistered.
func (m *Monitor) Forget(workerID string) {
	m.mu.Lock()
	delete(m.observed, workerID)
	m.mu.Unlock()
}
