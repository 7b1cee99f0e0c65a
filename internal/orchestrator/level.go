package orchestrator

import (
	"fmt"

	"github.com/smisawa/foreman/internal/model"
)

// LevelController owns level activation and advancement. A level advances
// when it is resolved (every task terminal), not only when it is complete
// (every task completed); failed and blocked tasks do not wedge the run
// unless nothing at all succeeded.
type LevelController struct{}

// Evaluate reports the aggregate position of one level: resolved means every
// task is terminal, complete means every task completed, successes counts
// completed tasks.
func (LevelController) Evaluate(state *model.RunState, index int) (resolved, complete bool, successes int) {
	lvl := state.LevelAt(index)
	if lvl == nil {
		return false, false, 0
	}

	resolved, complete = true, true
	for _, id := range lvl.TaskIDs {
		t := state.Task(id)
		if t == nil {
			return false, false, 0
		}
		if !model.IsTaskTerminal(t.Status) {
			return false, false, successes
		}
		if t.Status == model.TaskCompleted {
			successes++
		} else {
			complete = false
		}
	}
	return resolved, complete, successes
}

// Activate marks the level active. Activating the already-active level is a
// no-op so the call is safe on resume.
func (LevelController) Activate(state *model.RunState, index int) error {
	lvl := state.LevelAt(index)
	if lvl == nil {
		return fmt.Errorf("no level %d", index)
	}
	if lvl.Status == model.LevelActive {
		return nil
	}
	if err := model.ValidateLevelTransition(lvl.Status, model.LevelActive); err != nil {
		return err
	}
	lvl.Status = model.LevelActive
	return nil
}

// Seal stamps the terminal status of a resolved level.
func (LevelController) Seal(state *model.RunState, index int, complete bool) error {
	lvl := state.LevelAt(index)
	if lvl == nil {
		return fmt.Errorf("no level %d", index)
	}
	target := model.LevelResolved
	if complete {
		target = model.LevelComplete
	}
	if lvl.Status == target {
		return nil
	}
	if err := model.ValidateLevelTransition(lvl.Status, target); err != nil {
		return err
	}
	lvl.Status = target
	return nil
}

// Advance seals the current level and activates the next. ok is false when
// the sealed level was the last one. A resolved level with zero completed
// tasks aborts the run: everything downstream would be built on nothing.
func (lc LevelController) Advance(state *model.RunState) (next int, ok bool, err error) {
	cur := state.CurrentLevel
	resolved, complete, successes := lc.Evaluate(state, cur)
	if !resolved {
		return cur, false, fmt.Errorf("level %d is not resolved", cur)
	}
	if successes == 0 {
		return cur, false, fmt.Errorf("level %d resolved with zero completed tasks", cur)
	}

	if err := lc.Seal(state, cur, complete); err != nil {
		return cur, false, err
	}
	if cur+1 >= len(state.Levels) {
		return cur, false, nil
	}

	state.CurrentLevel = cur + 1
	if err := lc.Activate(state, state.CurrentLevel); err != nil {
		return cur, false, err
	}
	return state.CurrentLevel, true, nil
}
