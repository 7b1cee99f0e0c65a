package orchestrator

import (
	"fmt"

	"github.com/smisawa/foreman/internal/fsio"
	"github.com/smisawa/foreman/internal/model"
	"github.com/smisawa/foreman/internal/rundir"
)

// BuildBoard projects the current level of the run state onto the claimable
// board. DepsCompleted is computed here, once, from the authoritative state;
// workers re-check it at claim time but never compute it themselves.
func BuildBoard(state *model.RunState) model.Board {
	board := model.Board{
		SchemaVersion: fsio.CurrentSchemaVersion,
		FileType:      "board",
		RunID:         state.RunID,
		Level:         state.CurrentLevel,
		UpdatedAt:     model.Timestamp(),
	}

	lvl := state.LevelAt(state.CurrentLevel)
	if lvl == nil {
		return board
	}
	for _, id := range lvl.TaskIDs {
		t := state.Task(id)
		if t == nil {
			continue
		}
		board.Entries = append(board.Entries, model.BoardEntry{
			TaskID:        t.ID,
			Level:         t.Level,
			Status:        t.Status,
			DepsCompleted: depsCompleted(state, t),
			Files:         t.Files,
			VerifyCommand: t.VerifyCommand,
		})
	}
	return board
}

// PublishBoard atomically rewrites board.yaml from the state.
func PublishBoard(runDir string, state *model.RunState) error {
	if err := fsio.AtomicWrite(rundir.BoardPath(runDir), BuildBoard(state)); err != nil {
		return fmt.Errorf("publish board: %w", err)
	}
	return nil
}

func depsCompleted(state *model.RunState, t *model.Task) bool {
	for _, dep := range t.Dependencies {
		d := state.Task(dep)
		if d == nil || d.Status != model.TaskCompleted {
			return false
		}
	}
	return true
}
