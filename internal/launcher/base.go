package launcher

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/smisawa/foreman/internal/logx"
	"github.com/smisawa/foreman/internal/model"
)

type healthCheck struct {
	status model.WorkerStatus
	at     time.Time
}

// Base implements the shared launcher behavior on top of a backend.
type Base struct {
	backend backend
	spawn   model.SpawnConfig
	monitor model.MonitorConfig
	logger  *logx.Logger

	// sleep and now are injectable so tests run without wall-clock waits.
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	group singleflight.Group

	mu     sync.Mutex
	checks map[string]healthCheck
}

func newBase(b backend, cfg model.Config, logger *logx.Logger) *Base {
	return &Base{
		backend: b,
		spawn:   cfg.Spawn,
		monitor: cfg.Monitor,
		logger:  logger,
		sleep:   sleepCtx,
		now:     time.Now,
		checks:  make(map[string]healthCheck),
	}
}

// Spawn starts a worker, retrying transient failures with exponential
// backoff: delay = min(base * 2^attempt, cap).
func (b *Base) Spawn(ctx context.Context, spec SpawnSpec) (SpawnResult, error) {
	var lastErr error
	base := time.Duration(b.spawn.BackoffBaseSec) * time.Second
	cap := time.Duration(b.spawn.BackoffCapSec) * time.Second

	for attempt := 0; attempt < b.spawn.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := base << (attempt - 1)
			if delay > cap {
				delay = cap
			}
			b.logger.Warnf("spawn_retry worker=%s attempt=%d delay=%s error=%v",
				spec.WorkerID, attempt+1, delay, lastErr)
			if err := b.sleep(ctx, delay); err != nil {
				return SpawnResult{}, err
			}
		}

		handle, err := b.backend.start(ctx, spec)
		if err == nil {
			b.logger.Infof("spawn_ok worker=%s handle=%s attempt=%d", spec.WorkerID, handle, attempt+1)
			return SpawnResult{WorkerID: spec.WorkerID, Handle: handle, Attempts: attempt + 1}, nil
		}
		lastErr = err
	}

	b.logger.Errorf("spawn_exhausted worker=%s attempts=%d error=%v",
		spec.WorkerID, b.spawn.MaxAttempts, lastErr)
	return SpawnResult{}, &model.SpawnFailure{
		WorkerID: spec.WorkerID,
		Attempts: b.spawn.MaxAttempts,
		Err:      lastErr,
	}
}

// Monitor returns the worker's status, serving from the cooldown cache when
// the last real check is recent enough. Concurrent probes for the same
// worker collapse into one backend call. A failed probe returns the last
// known status rather than an error.
func (b *Base) Monitor(ctx context.Context, workerID string) model.WorkerStatus {
	cooldown := time.Duration(b.monitor.CooldownSec) * time.Second

	b.mu.Lock()
	if hc, ok := b.checks[workerID]; ok && b.now().Sub(hc.at) < cooldown {
		b.mu.Unlock()
		return hc.status
	}
	b.mu.Unlock()

	v, _, _ := b.group.Do(workerID, func() (any, error) {
		status, err := b.backend.inspect(ctx, workerID)
		if err != nil {
			b.logger.Warnf("monitor_degraded worker=%s error=%v", workerID, err)
			b.mu.Lock()
			defer b.mu.Unlock()
			if hc, ok := b.checks[workerID]; ok {
				return hc.status, nil
			}
			return model.WorkerUnknown, nil
		}
		b.mu.Lock()
		b.checks[workerID] = healthCheck{status: status, at: b.now()}
		b.mu.Unlock()
		return status, nil
	})
	return v.(model.WorkerStatus)
}

// Terminate asks the worker to stop, waits up to the grace period for it to
// exit, then force-kills.
func (b *Base) Terminate(ctx context.Context, workerID string) error {
	if err := b.backend.stop(ctx, workerID, false); err != nil {
		b.logger.Warnf("terminate_signal worker=%s error=%v", workerID, err)
	}

	grace := time.Duration(b.monitor.TerminateGraceSec) * time.Second
	deadline := b.now().Add(grace)
	for b.now().Before(deadline) {
		status, err := b.backend.inspect(ctx, workerID)
		if err == nil && model.IsWorkerTerminal(status) {
			b.forgetCheck(workerID)
			b.logger.Infof("terminate_ok worker=%s status=%s", workerID, status)
			return nil
		}
		if err := b.sleep(ctx, 500*time.Millisecond); err != nil {
			return err
		}
	}

	b.logger.Warnf("terminate_force worker=%s grace=%s", workerID, grace)
	if err := b.backend.stop(ctx, workerID, true); err != nil {
		return err
	}
	b.forgetCheck(workerID)
	return nil
}

func (b *Base) forgetCheck(workerID string) {
	b.mu.Lock()
	delete(b.checks, workerID)
	b.mu.Unlock()
}
