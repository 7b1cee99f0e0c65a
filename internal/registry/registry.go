// Package registry holds the single source of truth for worker state. Every
// component that cares about "what is running" shares one Registry instance;
// nothing else may keep its own copy of worker records.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/smisawa/foreman/internal/model"
)

// Registry is a lock-guarded store of worker records. Get/All/Active return
// copies; mutation happens only through registry methods.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*model.Worker
}

func New() *Registry {
	return &Registry{
		workers: make(map[string]*model.Worker),
	}
}

// Register adds a worker record. Registering an existing id is an error: a
// respawn must unregister the dead worker first.
func (r *Registry) Register(w model.Worker) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.workers[w.ID]; ok {
		return fmt.Errorf("worker %s already registered", w.ID)
	}
	cp := w
	r.workers[w.ID] = &cp
	return nil
}

// Unregister removes and returns the worker record, if present.
func (r *Registry) Unregister(id string) (model.Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return model.Worker{}, false
	}
	delete(r.workers, id)
	return *w, true
}

// Get returns a copy of the worker record.
func (r *Registry) Get(id string) (model.Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.workers[id]
	if !ok {
		return model.Worker{}, false
	}
	return *w, true
}

// UpdateStatus applies a validated status transition.
func (r *Registry) UpdateStatus(id string, status model.WorkerStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return fmt.Errorf("worker %s not registered", id)
	}
	if w.Status == status {
		return nil
	}
	if err := model.ValidateWorkerTransition(w.Status, status); err != nil {
		return fmt.Errorf("worker %s: %w", id, err)
	}
	w.Status = status
	if status == model.WorkerReady && w.ReadyAt == nil {
		now := model.Timestamp()
		w.ReadyAt = &now
	}
	return nil
}

// AssignTask records the task a worker is executing.
func (r *Registry) AssignTask(id, taskID string) error {
	return r.update(id, func(w *model.Worker) {
		w.CurrentTaskID = &taskID
	})
}

// ClearTask clears the worker's current task.
func (r *Registry) ClearTask(id string) error {
	return r.update(id, func(w *model.Worker) {
		w.CurrentTaskID = nil
	})
}

// RecordHeartbeat stamps the last observed heartbeat time.
func (r *Registry) RecordHeartbeat(id, at string) error {
	return r.update(id, func(w *model.Worker) {
		w.LastHeartbeatAt = &at
	})
}

// RecordHealthCheck stamps the last launcher health check, caching the
// monitor cooldown window.
func (r *Registry) RecordHealthCheck(id, at string) error {
	return r.update(id, func(w *model.Worker) {
		w.HealthCheckAt = &at
	})
}

// SetLevel reassigns the level a worker claims from.
func (r *Registry) SetLevel(id string, level int) error {
	return r.update(id, func(w *model.Worker) {
		w.Level = level
	})
}

func (r *Registry) update(id string, mutate func(*model.Worker)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return fmt.Errorf("worker %s not registered", id)
	}
	mutate(w)
	return nil
}

// All returns copies of every worker record, ordered by id.
func (r *Registry) All() []model.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(func(*model.Worker) bool { return true })
}

// Active returns workers that are not stopped or crashed.
func (r *Registry) Active() []model.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(func(w *model.Worker) bool {
		return !model.IsWorkerTerminal(w.Status)
	})
}

// ByLevel returns active workers assigned to the given level.
func (r *Registry) ByLevel(level int) []model.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(func(w *model.Worker) bool {
		return w.Level == level && !model.IsWorkerTerminal(w.Status)
	})
}

// Count returns the number of registered workers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// collect assumes the caller holds at least the read lock.
func (r *Registry) collect(keep func(*model.Worker) bool) []model.Worker {
	out := make([]model.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		if keep(w) {
			out = append(out, *w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
