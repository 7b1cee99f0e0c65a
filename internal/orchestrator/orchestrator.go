// Package orchestrator drives a run: it activates levels, publishes the
// claim board, absorbs claims, heartbeats, and results from the run
// directory, repairs divergence, and manages the worker fleet.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/smisawa/foreman/internal/events"
	"github.com/smisawa/foreman/internal/fsio"
	"github.com/smisawa/foreman/internal/graph"
	"github.com/smisawa/foreman/internal/heartbeat"
	"github.com/smisawa/foreman/internal/launcher"
	"github.com/smisawa/foreman/internal/lock"
	"github.com/smisawa/foreman/internal/logx"
	"github.com/smisawa/foreman/internal/model"
	"github.com/smisawa/foreman/internal/registry"
	"github.com/smisawa/foreman/internal/rundir"
)

// Options wires an Orchestrator. Launcher, Monitor, Sleep, and Now are
// overridable for tests; nil selects the real implementation.
type Options struct {
	RunDir   string
	Config   model.Config
	Logger   *logx.Logger
	Launcher launcher.Launcher
	Monitor  *heartbeat.Monitor
	Events   *events.Log
	Sleep    func(ctx context.Context, d time.Duration) error
	Now      func() time.Time
}

// Orchestrator is the single writer of state.yaml and board.yaml. Workers
// communicate back exclusively through claim, result, and heartbeat files.
type Orchestrator struct {
	runDir   string
	cfg      model.Config
	logger   *logx.Logger
	launcher launcher.Launcher
	monitor  *heartbeat.Monitor
	events   *events.Log
	registry *registry.Registry
	retry    *RetryManager
	rec      *Reconciler
	lc       LevelController
	runLock  *lock.FileLock

	state          *model.RunState
	appliedResults map[string]bool
	lastReconcile  time.Time

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func New(opts Options) (*Orchestrator, error) {
	cfg := opts.Config
	cfg.ApplyDefaults()

	o := &Orchestrator{
		runDir:         opts.RunDir,
		cfg:            cfg,
		logger:         opts.Logger,
		launcher:       opts.Launcher,
		monitor:        opts.Monitor,
		events:         opts.Events,
		registry:       registry.New(),
		retry:          NewRetryManager(opts.RunDir, cfg),
		runLock:        lock.NewFileLock(rundir.RunLockPath(opts.RunDir)),
		appliedResults: make(map[string]bool),
		sleep:          opts.Sleep,
		now:            opts.Now,
	}
	o.rec = NewReconciler(opts.RunDir, o.retry, opts.Logger)

	if o.launcher == nil {
		l, err := launcher.FromConfig(cfg, opts.Logger)
		if err != nil {
			return nil, err
		}
		o.launcher = l
	}
	if o.monitor == nil {
		threshold := time.Duration(cfg.Heartbeat.ThresholdSec) * time.Second
		o.monitor = heartbeat.NewMonitor(opts.RunDir, threshold, opts.Logger)
	}
	if o.sleep == nil {
		o.sleep = func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o, nil
}

// InitState builds a fresh run state from a validated graph.
func InitState(g *graph.Graph, runID string) *model.RunState {
	now := model.Timestamp()
	return &model.RunState{
		SchemaVersion: fsio.CurrentSchemaVersion,
		FileType:      "run_state",
		RunID:         runID,
		Feature:       g.Feature,
		CurrentLevel:  0,
		Levels:        g.Levels,
		Tasks:         g.Tasks,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Run executes the full run: spawn the fleet, drive levels to resolution,
// stop the fleet. It returns once every level is resolved or a fatal
// condition (zero-success level, lost fleet) aborts the run.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.runLock.TryLock(); err != nil {
		return err
	}
	defer o.runLock.Unlock()

	if err := o.loadState(); err != nil {
		return err
	}
	if err := o.lc.Activate(o.state, o.state.CurrentLevel); err != nil {
		return err
	}
	if o.state.EventLogPath == "" {
		o.state.EventLogPath = rundir.EventLogPath(o.runDir)
	}
	if err := o.openEvents(); err != nil {
		return err
	}
	defer o.events.Close()

	if err := o.monitor.Start(ctx); err != nil {
		return err
	}

	// One reconcile before anything moves: a previous orchestrator may have
	// died mid-cycle and the run directory is ahead of the state file.
	if err := o.reconcile(); err != nil {
		return err
	}

	if err := o.spawnFleet(ctx); err != nil {
		o.terminateFleet(context.WithoutCancel(ctx))
		return err
	}
	defer o.terminateFleet(context.WithoutCancel(ctx))

	if err := PublishBoard(o.runDir, o.state); err != nil {
		return err
	}
	if err := o.persist(); err != nil {
		return err
	}

	poll := time.Duration(o.cfg.Orchestrator.PollIntervalSec) * time.Second
	for {
		if err := o.sleep(ctx, poll); err != nil {
			o.logger.Infof("run_interrupted run=%s", o.state.RunID)
			return o.persist()
		}

		done, err := o.cycle(ctx)
		if err != nil {
			_ = o.persist()
			return err
		}
		if err := o.persist(); err != nil {
			return err
		}
		if done {
			o.logger.Infof("run_resolved run=%s levels=%d", o.state.RunID, len(o.state.Levels))
			return nil
		}
	}
}

// cycle is one poll iteration. done is true once the last level resolves.
func (o *Orchestrator) cycle(ctx context.Context) (bool, error) {
	o.monitor.Poll()
	o.intakeHeartbeats()

	if err := o.intakeClaims(); err != nil {
		return false, err
	}
	if err := o.intakeResults(); err != nil {
		return false, err
	}
	if err := o.checkWorkers(ctx); err != nil {
		return false, err
	}
	if err := o.checkStaleTasks(); err != nil {
		return false, err
	}

	if o.now().Sub(o.lastReconcile) >= time.Duration(o.cfg.Orchestrator.ReconcileIntervalSec)*time.Second {
		if err := o.reconcile(); err != nil {
			return false, err
		}
	}

	resolved, _, successes := o.lc.Evaluate(o.state, o.state.CurrentLevel)
	if resolved {
		if successes == 0 {
			return false, fmt.Errorf("level %d resolved with zero completed tasks; aborting run", o.state.CurrentLevel)
		}
		return o.advance()
	}

	return false, PublishBoard(o.runDir, o.state)
}

// advance runs the level transition: a reconcile pass first, then the seal
// and activation, then a fresh board for the new level.
func (o *Orchestrator) advance() (bool, error) {
	if err := o.reconcile(); err != nil {
		return false, err
	}

	sealed := o.state.CurrentLevel
	next, ok, err := o.lc.Advance(o.state)
	if err != nil {
		return false, err
	}
	o.emit(events.EventAdvance, events.Entry{Level: &sealed, Details: map[string]any{"next": next, "final": !ok}})
	if !ok {
		return true, nil
	}
	o.state.Metrics.LevelsAdvanced++

	o.logger.Infof("level_advance run=%s from=%d to=%d", o.state.RunID, sealed, next)
	for _, w := range o.registry.Active() {
		if err := o.registry.SetLevel(w.ID, next); err != nil {
			return false, err
		}
	}
	return false, PublishBoard(o.runDir, o.state)
}

// intakeClaims absorbs new claim files into the state.
func (o *Orchestrator) intakeClaims() error {
	claims, err := readClaims(o.runDir)
	if err != nil {
		return err
	}
	for _, c := range claims {
		if !model.ValidWorkerID(c.WorkerID) {
			o.logger.Warnf("claim_rejected task=%s worker=%q reason=malformed_worker_id", c.TaskID, c.WorkerID)
			continue
		}
		t := o.state.Task(c.TaskID)
		if t == nil || t.Status != model.TaskPending {
			continue
		}
		if err := applyTaskStatus(t, model.TaskClaimed); err != nil {
			return err
		}
		worker := c.WorkerID
		t.WorkerID = &worker
		t.ClaimedAt = &c.ClaimedAt
		t.FailureReason = model.FailureNone
		o.state.Metrics.TasksDispatched++

		if err := o.registry.AssignTask(c.WorkerID, c.TaskID); err != nil {
			o.logger.Warnf("claim_assign task=%s worker=%s error=%v", c.TaskID, c.WorkerID, err)
		}
		// A claim proves the worker is up even when its first heartbeat has
		// not been ingested yet; promote through ready to keep the
		// transition legal.
		if w, ok := o.registry.Get(c.WorkerID); ok && w.Status == model.WorkerSpawning {
			if err := o.registry.UpdateStatus(c.WorkerID, model.WorkerReady); err == nil {
				o.emit(events.EventReady, events.Entry{WorkerID: c.WorkerID})
			}
		}
		if err := o.registry.UpdateStatus(c.WorkerID, model.WorkerRunning); err != nil {
			o.logger.Warnf("claim_status task=%s worker=%s error=%v", c.TaskID, c.WorkerID, err)
		}
		o.emit(events.EventClaim, events.Entry{TaskID: c.TaskID, WorkerID: c.WorkerID, Level: &t.Level})
	}
	return nil
}

// intakeResults applies newly reported task outcomes exactly once.
func (o *Orchestrator) intakeResults() error {
	results, err := readResults(o.runDir)
	if err != nil {
		return err
	}
	for _, res := range results {
		if res.ID == "" || o.appliedResults[res.ID] {
			continue
		}
		o.appliedResults[res.ID] = true

		t := o.state.Task(res.TaskID)
		if t == nil || model.IsTaskTerminal(t.Status) {
			continue
		}
		if t.WorkerID == nil || *t.WorkerID != res.WorkerID {
			continue
		}

		if err := ApplyResult(o.state, o.retry, res); err != nil {
			return err
		}
		o.registry.ClearTask(res.WorkerID)
		o.registry.UpdateStatus(res.WorkerID, model.WorkerReady)

		switch res.Status {
		case model.TaskCompleted:
			o.state.Metrics.TasksCompleted++
			o.emit(events.EventComplete, events.Entry{TaskID: res.TaskID, WorkerID: res.WorkerID})
		case model.TaskFailed:
			o.state.Metrics.TasksFailed++
			o.emit(events.EventFail, events.Entry{TaskID: res.TaskID, WorkerID: res.WorkerID,
				Details: map[string]any{"reason": string(res.FailureReason), "summary": res.Summary}})
			if o.state.Task(res.TaskID).Status == model.TaskBlocked {
				o.state.Metrics.TasksBlocked++
				o.emit(events.EventBlocked, events.Entry{TaskID: res.TaskID,
					Details: map[string]any{"retries": o.state.Task(res.TaskID).RetryCount}})
			}
		}
	}
	return nil
}

// intakeHeartbeats mirrors heartbeat observations into the registry and
// promotes claimed tasks to in_progress on first observed execution.
func (o *Orchestrator) intakeHeartbeats() {
	for _, w := range o.registry.Active() {
		rec, ok := o.monitor.Latest(w.ID)
		if !ok {
			continue
		}
		o.registry.RecordHeartbeat(w.ID, rec.Timestamp)

		if w.Status == model.WorkerSpawning {
			o.registry.UpdateStatus(w.ID, model.WorkerReady)
			o.emit(events.EventReady, events.Entry{WorkerID: w.ID})
		}
		if w.Status == model.WorkerStalled {
			o.registry.UpdateStatus(w.ID, model.WorkerRunning)
			o.logger.Infof("worker_recovered worker=%s", w.ID)
		}

		if rec.TaskID == nil {
			continue
		}
		t := o.state.Task(*rec.TaskID)
		if t != nil && t.Status == model.TaskClaimed && t.WorkerID != nil && *t.WorkerID == w.ID {
			if err := applyTaskStatus(t, model.TaskInProgress); err == nil {
				o.logger.Debugf("task_started task=%s worker=%s", t.ID, w.ID)
			}
		}
	}
}

// checkWorkers probes the fleet. Launcher-observed exits mark crashes and
// trigger reassignment plus respawn; heartbeat silence only marks stalled.
func (o *Orchestrator) checkWorkers(ctx context.Context) error {
	for _, w := range o.registry.Active() {
		status := o.launcher.Monitor(ctx, w.ID)
		o.registry.RecordHealthCheck(w.ID, model.Timestamp())

		switch status {
		case model.WorkerCrashed, model.WorkerStopped:
			if err := o.handleCrash(ctx, w); err != nil {
				return err
			}
		default:
			if w.Status != model.WorkerSpawning && o.monitor.IsStale(w.ID) {
				if w.Status != model.WorkerStalled {
					o.registry.UpdateStatus(w.ID, model.WorkerStalled)
					o.emit(events.EventStalled, events.Entry{WorkerID: w.ID})
					o.logger.Warnf("worker_stalled worker=%s", w.ID)
				}
			}
		}
	}
	return nil
}

// handleCrash reassigns the dead worker's tasks without charging their retry
// counters, then respawns a replacement while the slot has respawns left.
func (o *Orchestrator) handleCrash(ctx context.Context, w model.Worker) error {
	o.registry.UpdateStatus(w.ID, model.WorkerCrashed)
	o.state.Metrics.WorkerCrashes++
	o.emit(events.EventCrash, events.Entry{WorkerID: w.ID})
	o.logger.Warnf("worker_crashed worker=%s respawns=%d", w.ID, w.RespawnCount)

	reassigned, err := o.retry.ReassignFromCrash(o.state, w.ID)
	if err != nil {
		return err
	}
	for _, taskID := range reassigned {
		o.state.Metrics.TaskReassignments++
		o.emit(events.EventReassign, events.Entry{TaskID: taskID, WorkerID: w.ID})
	}

	o.registry.Unregister(w.ID)
	o.monitor.Forget(w.ID)

	if w.RespawnCount >= o.cfg.Retry.MaxRespawnAttempts {
		o.logger.Warnf("worker_abandoned worker=%s respawns=%d", w.ID, w.RespawnCount)
		if o.registry.Count() == 0 {
			return fmt.Errorf("worker fleet exhausted; no slots left to respawn")
		}
		return nil
	}

	// The replacement inherits the dead worker's slot, and with it the slot's
	// branch, so it continues the same line of work and never collides with a
	// live slot's branch.
	replacement, err := o.spawnWorkerSlot(ctx, w.Slot, w.RespawnCount+1)
	if err != nil {
		o.logger.Errorf("respawn_failed worker=%s error=%v", w.ID, err)
		if o.registry.Count() == 0 {
			return fmt.Errorf("worker fleet exhausted: %w", err)
		}
		return nil
	}
	o.state.Metrics.WorkerRespawns++
	o.emit(events.EventRespawn, events.Entry{WorkerID: replacement,
		Details: map[string]any{"replaces": w.ID, "respawn_count": w.RespawnCount + 1}})
	return nil
}

// checkStaleTasks times out in_progress tasks with no observed progress.
func (o *Orchestrator) checkStaleTasks() error {
	workerFor := make(map[string]string)
	for i := range o.state.Tasks {
		t := &o.state.Tasks[i]
		if t.WorkerID != nil {
			workerFor[t.ID] = *t.WorkerID
		}
	}
	// Progress, not liveness: a worker heartbeating through a wedged agent
	// must still trip the task timeout.
	lastProgress := func(taskID string) (time.Time, bool) {
		id, ok := workerFor[taskID]
		if !ok {
			return time.Time{}, false
		}
		return o.monitor.LastProgress(id)
	}

	for _, timeout := range o.retry.StaleTasks(o.state, lastProgress, o.now()) {
		o.state.Metrics.TaskTimeouts++
		o.emit(events.EventTimeout, events.Entry{TaskID: timeout.TaskID,
			Details: map[string]any{"age_sec": int(timeout.Age.Seconds())}})
		o.logger.Warnf("task_timeout task=%s age=%s", timeout.TaskID, timeout.Age)

		workerID := workerFor[timeout.TaskID]
		requeued, err := o.retry.FailAndRequeue(o.state, timeout.TaskID, model.FailureTimeout, timeout.Error())
		if err != nil {
			return err
		}
		if !requeued {
			o.state.Metrics.TasksBlocked++
			o.emit(events.EventBlocked, events.Entry{TaskID: timeout.TaskID})
		}
		if workerID != "" {
			o.registry.ClearTask(workerID)
		}
	}
	return nil
}

// reconcile runs a full repair pass and records what it fixed.
func (o *Orchestrator) reconcile() error {
	live := make(map[string]bool)
	for _, w := range o.registry.Active() {
		live[w.ID] = true
	}
	repairs, err := o.rec.Reconcile(o.state, live)
	if err != nil {
		return err
	}
	for _, rep := range repairs {
		o.state.Metrics.ReconciliationRepairs++
		o.emit(events.EventReconcile, events.Entry{TaskID: rep.TaskID, WorkerID: rep.WorkerID,
			Details: map[string]any{"pattern": rep.Pattern, "detail": rep.Detail}})
	}
	o.lastReconcile = o.now()
	return nil
}

// spawnFleet starts the configured worker count concurrently. Any spawn
// failing after its retries aborts the run before task work begins.
func (o *Orchestrator) spawnFleet(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for slot := 1; slot <= o.cfg.Workers.Count; slot++ {
		slot := slot
		g.Go(func() error {
			_, err := o.spawnWorkerSlot(gctx, slot, 0)
			return err
		})
	}
	return g.Wait()
}

func (o *Orchestrator) spawnWorkerSlot(ctx context.Context, slot, respawnCount int) (string, error) {
	workerID := model.NewWorkerID(slot)
	branch := fmt.Sprintf("%s/worker/%02d", o.state.Feature, slot)

	o.emit(events.EventSpawn, events.Entry{WorkerID: workerID})
	res, err := o.launcher.Spawn(ctx, launcher.SpawnSpec{
		WorkerID:  workerID,
		Feature:   o.state.Feature,
		RunDir:    o.runDir,
		Workspace: o.cfg.Run.Workspace,
		Branch:    branch,
		Level:     o.state.CurrentLevel,
	})
	if err != nil {
		return "", err
	}

	w := model.Worker{
		ID:           workerID,
		Status:       model.WorkerSpawning,
		Backend:      o.cfg.Workers.Backend,
		Handle:       res.Handle,
		Slot:         slot,
		Branch:       branch,
		Level:        o.state.CurrentLevel,
		RespawnCount: respawnCount,
		StartedAt:    model.Timestamp(),
	}
	if err := o.registry.Register(w); err != nil {
		return "", err
	}
	o.logger.Infof("worker_spawned worker=%s handle=%s attempts=%d", workerID, res.Handle, res.Attempts)
	return workerID, nil
}

// terminateFleet stops every active worker, tolerating individual failures.
func (o *Orchestrator) terminateFleet(ctx context.Context) {
	g := new(errgroup.Group)
	for _, w := range o.registry.Active() {
		w := w
		g.Go(func() error {
			if err := o.launcher.Terminate(ctx, w.ID); err != nil {
				o.logger.Warnf("terminate_failed worker=%s error=%v", w.ID, err)
				return nil
			}
			o.registry.UpdateStatus(w.ID, model.WorkerStopped)
			o.emit(events.EventStop, events.Entry{WorkerID: w.ID})
			return nil
		})
	}
	g.Wait()
}

// loadState reads state.yaml, or falls back to building it from graph.yaml
// for a run that was initialized but never driven.
func (o *Orchestrator) loadState() error {
	var state model.RunState
	err := fsio.ReadYAML(rundir.StatePath(o.runDir), &state)
	if err == nil {
		o.state = &state
		// Results already reflected in the state must not re-apply.
		results, rerr := readResults(o.runDir)
		if rerr != nil {
			return rerr
		}
		for _, res := range results {
			t := o.state.Task(res.TaskID)
			if t != nil && model.IsTaskTerminal(t.Status) {
				o.appliedResults[res.ID] = true
			}
		}
		return nil
	}

	g, gerr := graph.Load(rundir.GraphPath(o.runDir))
	if gerr != nil {
		return fmt.Errorf("no usable state (%v) and no usable graph: %w", err, gerr)
	}
	o.state = InitState(g, model.NewRunID())
	return nil
}

func (o *Orchestrator) persist() error {
	o.state.Workers = o.registry.All()
	o.state.UpdatedAt = model.Timestamp()
	if err := fsio.AtomicWrite(rundir.StatePath(o.runDir), o.state); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	return nil
}

func (o *Orchestrator) openEvents() error {
	if o.events != nil {
		return nil
	}
	log, err := events.NewLog(o.state.EventLogPath, o.state.RunID, o.cfg.Limits.MaxEventLogBytes)
	if err != nil {
		return err
	}
	o.events = log
	return nil
}

// emit writes one lifecycle event; logging failures never stop the run.
func (o *Orchestrator) emit(eventType string, e events.Entry) {
	if o.events == nil {
		return
	}
	if err := o.events.Emit(eventType, e); err != nil {
		o.logger.Warnf("event_emit type=%s error=%v", eventType, err)
	}
}
