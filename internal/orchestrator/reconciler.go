package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/smisawa/foreman/internal/fsio"
	"github.com/smisawa/foreman/internal/graph"
	"github.com/smisawa/foreman/internal/logx"
	"github.com/smisawa/foreman/internal/model"
	"github.com/smisawa/foreman/internal/rundir"
)

// Repair patterns the reconciler can detect and fix. Each pass over a
// consistent state produces zero repairs; reconciliation is idempotent.
const (
	PatternClaimUnapplied  = "claim_unapplied"  // claim file on disk, task still pending
	PatternResultUnapplied = "result_unapplied" // result on disk, task not terminal
	PatternDeadWorkerTask  = "dead_worker_task" // task held by a worker that no longer exists
	PatternOrphanClaim     = "orphan_claim"     // claim file for a task the state does not know
	PatternLevelDrift      = "level_drift"      // stored level differs from derived dependency depth
	PatternLevelStatus     = "level_status"     // level status lags its member tasks
)

// Repair records one divergence the reconciler fixed.
type Repair struct {
	Pattern  string
	TaskID   string
	WorkerID string
	Detail   string
}

// Reconciler compares the authoritative run state against the claim and
// result files on disk and repairs divergence in the state's favor where the
// state is ahead, and in the disk's favor where a worker got further than
// the state recorded.
type Reconciler struct {
	runDir string
	retry  *RetryManager
	logger *logx.Logger
}

func NewReconciler(runDir string, retry *RetryManager, logger *logx.Logger) *Reconciler {
	return &Reconciler{runDir: runDir, retry: retry, logger: logger}
}

// Reconcile runs every repair pattern once. live is the set of worker ids
// the registry still considers active.
func (r *Reconciler) Reconcile(state *model.RunState, live map[string]bool) ([]Repair, error) {
	var repairs []Repair

	step, err := r.reconcileClaims(state)
	if err != nil {
		return repairs, err
	}
	repairs = append(repairs, step...)

	step, err = r.reconcileResults(state)
	if err != nil {
		return repairs, err
	}
	repairs = append(repairs, step...)

	step, err = r.reconcileDeadWorkers(state, live)
	if err != nil {
		return repairs, err
	}
	repairs = append(repairs, step...)

	repairs = append(repairs, r.reconcileLevels(state)...)

	for _, rep := range repairs {
		r.logger.Warnf("repair pattern=%s task=%s worker=%s detail=%q",
			rep.Pattern, rep.TaskID, rep.WorkerID, rep.Detail)
	}
	return repairs, nil
}

// reconcileClaims applies claim files the state has not absorbed and removes
// claims for tasks the state does not know.
func (r *Reconciler) reconcileClaims(state *model.RunState) ([]Repair, error) {
	claims, err := readClaims(r.runDir)
	if err != nil {
		return nil, err
	}

	var repairs []Repair
	for _, c := range claims {
		t := state.Task(c.TaskID)
		if t == nil {
			if err := os.Remove(rundir.ClaimPath(r.runDir, c.TaskID)); err != nil && !os.IsNotExist(err) {
				return repairs, fmt.Errorf("remove orphan claim %s: %w", c.TaskID, err)
			}
			repairs = append(repairs, Repair{
				Pattern: PatternOrphanClaim, TaskID: c.TaskID, WorkerID: c.WorkerID,
				Detail: "claim for unknown task removed",
			})
			continue
		}
		if t.Status != model.TaskPending {
			continue
		}

		if err := applyTaskStatus(t, model.TaskClaimed); err != nil {
			return repairs, err
		}
		worker := c.WorkerID
		t.WorkerID = &worker
		t.ClaimedAt = &c.ClaimedAt
		repairs = append(repairs, Repair{
			Pattern: PatternClaimUnapplied, TaskID: c.TaskID, WorkerID: c.WorkerID,
			Detail: "claim applied to state",
		})
	}
	return repairs, nil
}

// reconcileResults applies reported outcomes the state missed, e.g. after an
// orchestrator restart. A result only applies while the task is still held
// by the worker that reported it; anything else is a stale report from a
// previous assignment.
func (r *Reconciler) reconcileResults(state *model.RunState) ([]Repair, error) {
	results, err := readResults(r.runDir)
	if err != nil {
		return nil, err
	}

	var repairs []Repair
	for _, res := range results {
		t := state.Task(res.TaskID)
		if t == nil || model.IsTaskTerminal(t.Status) {
			continue
		}
		if t.WorkerID == nil || *t.WorkerID != res.WorkerID {
			continue
		}

		if err := ApplyResult(state, r.retry, res); err != nil {
			return repairs, err
		}
		repairs = append(repairs, Repair{
			Pattern: PatternResultUnapplied, TaskID: res.TaskID, WorkerID: res.WorkerID,
			Detail: fmt.Sprintf("result %s applied", res.Status),
		})
	}
	return repairs, nil
}

// reconcileDeadWorkers requeues tasks held by workers nobody tracks anymore.
// No retry increment: losing the worker is not the task's fault.
func (r *Reconciler) reconcileDeadWorkers(state *model.RunState, live map[string]bool) ([]Repair, error) {
	var repairs []Repair
	holders := map[string]bool{}
	for i := range state.Tasks {
		t := &state.Tasks[i]
		if t.WorkerID == nil || live[*t.WorkerID] {
			continue
		}
		if t.Status != model.TaskClaimed && t.Status != model.TaskInProgress {
			continue
		}
		holders[*t.WorkerID] = true
	}

	for workerID := range holders {
		reassigned, err := r.retry.ReassignFromCrash(state, workerID)
		if err != nil {
			return repairs, err
		}
		for _, taskID := range reassigned {
			repairs = append(repairs, Repair{
				Pattern: PatternDeadWorkerTask, TaskID: taskID, WorkerID: workerID,
				Detail: "requeued from dead worker",
			})
		}
	}
	return repairs, nil
}

// reconcileLevels re-derives dependency depths and repairs drifted task
// levels and lagging level statuses.
func (r *Reconciler) reconcileLevels(state *model.RunState) []Repair {
	var repairs []Repair

	ids := make([]string, 0, len(state.Tasks))
	deps := make(map[string][]string, len(state.Tasks))
	for i := range state.Tasks {
		ids = append(ids, state.Tasks[i].ID)
		deps[state.Tasks[i].ID] = state.Tasks[i].Dependencies
	}
	derived := graph.DeriveLevels(ids, deps)

	drifted := false
	for i := range state.Tasks {
		t := &state.Tasks[i]
		if want := derived[t.ID]; t.Level != want {
			repairs = append(repairs, Repair{
				Pattern: PatternLevelDrift, TaskID: t.ID,
				Detail: fmt.Sprintf("level %d corrected to %d", t.Level, want),
			})
			t.Level = want
			drifted = true
		}
	}
	if drifted {
		maxLevel := 0
		for _, lv := range derived {
			if lv > maxLevel {
				maxLevel = lv
			}
		}
		rebuilt := graph.GroupLevels(state.Tasks, maxLevel)
		// Preserve the statuses of levels that survived the rebuild.
		for i := range rebuilt {
			if old := state.LevelAt(rebuilt[i].Index); old != nil {
				rebuilt[i].Status = old.Status
			}
		}
		state.Levels = rebuilt
	}

	var lc LevelController
	for i := range state.Levels {
		lvl := &state.Levels[i]
		if lvl.Status != model.LevelActive || len(lvl.TaskIDs) == 0 {
			continue
		}
		resolved, complete, successes := lc.Evaluate(state, lvl.Index)
		if !resolved || successes == 0 {
			continue
		}
		// Advancement past the current level stays with the main loop; only
		// the status record is repaired here.
		if lvl.Index == state.CurrentLevel {
			continue
		}
		if err := lc.Seal(state, lvl.Index, complete); err == nil {
			repairs = append(repairs, Repair{
				Pattern: PatternLevelStatus,
				Detail:  fmt.Sprintf("level %d sealed as %s", lvl.Index, lvl.Status),
			})
		}
	}
	return repairs
}

// ApplyResult moves a task to the outcome a worker reported. Completed tasks
// land directly; failed ones go through the retry policy.
func ApplyResult(state *model.RunState, retry *RetryManager, res model.TaskResult) error {
	t := state.Task(res.TaskID)
	if t == nil {
		return fmt.Errorf("result for unknown task %s", res.TaskID)
	}

	// A result implies execution started even if no heartbeat said so.
	if t.Status == model.TaskClaimed {
		if err := applyTaskStatus(t, model.TaskInProgress); err != nil {
			return err
		}
	}

	switch res.Status {
	case model.TaskCompleted:
		if err := applyTaskStatus(t, model.TaskCompleted); err != nil {
			return err
		}
		t.FailureReason = model.FailureNone
		t.LastError = nil
		return nil
	case model.TaskFailed:
		_, err := retry.FailAndRequeue(state, res.TaskID, res.FailureReason, res.Summary)
		return err
	default:
		return fmt.Errorf("result for %s reports non-terminal status %q", res.TaskID, res.Status)
	}
}

// readClaims loads every claim file in the run directory.
func readClaims(runDir string) ([]model.Claim, error) {
	entries, err := os.ReadDir(rundir.ClaimsDir(runDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list claims: %w", err)
	}

	var claims []model.Claim
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".claim") {
			continue
		}
		var c model.Claim
		path := filepath.Join(rundir.ClaimsDir(runDir), e.Name())
		if err := fsio.ReadYAML(path, &c); err != nil {
			// A half-written claim from a dying worker. Quarantine it so the
			// task becomes claimable again.
			if _, qerr := fsio.Quarantine(runDir, path); qerr != nil {
				return claims, qerr
			}
			continue
		}
		claims = append(claims, c)
	}
	return claims, nil
}

// readResults loads every worker's reported results in file order.
func readResults(runDir string) ([]model.TaskResult, error) {
	entries, err := os.ReadDir(rundir.ResultsDir(runDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list results: %w", err)
	}

	var results []model.TaskResult
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		var rf model.ResultFile
		path := filepath.Join(rundir.ResultsDir(runDir), e.Name())
		if err := fsio.ReadYAML(path, &rf); err != nil {
			if _, qerr := fsio.Quarantine(runDir, path); qerr != nil {
				return results, qerr
			}
			continue
		}
		results = append(results, rf.Results...)
	}
	return results, nil
}
