package workerproto

import (
	"fmt"
	"os"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/smisawa/foreman/internal/fsio"
	"github.com/smisawa/foreman/internal/model"
	"github.com/smisawa/foreman/internal/rundir"
)

// claimNextTask reads the published board and attempts an atomic claim on
// each eligible entry in order. First-claim-wins is enforced by exclusive
// creation of the claim file; a losing claim just moves to the next
// candidate. Returns nil when nothing is claimable.
func (r *Runner) claimNextTask() (*model.BoardEntry, error) {
	var board model.Board
	if err := fsio.ReadYAML(rundir.BoardPath(r.runDir), &board); err != nil {
		if os.IsNotExist(err) {
			return nil, nil // board not published yet
		}
		return nil, fmt.Errorf("read board: %w", err)
	}

	for i := range board.Entries {
		entry := &board.Entries[i]
		// Eligibility is re-checked at claim time, not trusted from spawn
		// time: the level gate and dependency completeness both live here.
		if entry.Status != model.TaskPending {
			continue
		}
		if entry.Level != board.Level {
			continue
		}
		if !entry.DepsCompleted {
			continue
		}

		ok, err := r.tryClaim(entry.TaskID, entry.Level)
		if err != nil {
			return nil, err
		}
		if ok {
			return entry, nil
		}
	}
	return nil, nil
}

// tryClaim creates claims/<task>.claim with O_EXCL. Exactly one worker can
// win; everyone else sees os.IsExist.
func (r *Runner) tryClaim(taskID string, level int) (bool, error) {
	path := rundir.ClaimPath(r.runDir, taskID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil // lost the race
		}
		return false, fmt.Errorf("create claim %s: %w", taskID, err)
	}

	claim := model.Claim{
		TaskID:    taskID,
		WorkerID:  r.workerID,
		Level:     level,
		ClaimedAt: model.Timestamp(),
	}
	content, err := yamlv3.Marshal(claim)
	if err != nil {
		f.Close()
		os.Remove(path)
		return false, fmt.Errorf("marshal claim: %w", err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		os.Remove(path)
		return false, fmt.Errorf("write claim: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return false, fmt.Errorf("close claim: %w", err)
	}
	return true, nil
}
