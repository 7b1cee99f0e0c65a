package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/smisawa/foreman/internal/fsio"
	"github.com/smisawa/foreman/internal/model"
	"github.com/smisawa/foreman/internal/rundir"
)

func newStatusCmd() *cobra.Command {
	var runDir string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print a snapshot of a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			var state model.RunState
			if err := fsio.ReadYAML(rundir.StatePath(runDir), &state); err != nil {
				return fmt.Errorf("read run state: %w", err)
			}
			printStatus(cmd.OutOrStdout(), &state)
			return nil
		},
	}

	cmd.Flags().StringVar(&runDir, "run-dir", "", "run directory (required)")
	cmd.MarkFlagRequired("run-dir")
	return cmd
}

func printStatus(out io.Writer, state *model.RunState) {
	fmt.Fprintf(out, "run %s  feature=%s  level=%d/%d  updated=%s\n\n",
		state.RunID, state.Feature, state.CurrentLevel, len(state.Levels)-1, state.UpdatedAt)

	w := tabwriter.NewWriter(out, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "LEVEL\tSTATUS\tDONE\tFAILED\tBLOCKED\tOPEN")
	for _, lvl := range state.Levels {
		var done, failed, blocked, open int
		for _, id := range lvl.TaskIDs {
			t := state.Task(id)
			if t == nil {
				continue
			}
			switch t.Status {
			case model.TaskCompleted:
				done++
			case model.TaskFailed:
				failed++
			case model.TaskBlocked:
				blocked++
			default:
				open++
			}
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%d\t%d\n", lvl.Index, lvl.Status, done, failed, blocked, open)
	}
	w.Flush()

	fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "WORKER\tSTATUS\tLEVEL\tTASK\tRESPAWNS")
	for _, worker := range state.Workers {
		task := "-"
		if worker.CurrentTaskID != nil {
			task = *worker.CurrentTaskID
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\n",
			worker.ID, worker.Status, worker.Level, task, worker.RespawnCount)
	}
	w.Flush()

	m := state.Metrics
	fmt.Fprintf(out, "\ncompleted=%d failed=%d blocked=%d timeouts=%d crashes=%d respawns=%d reassigned=%d repairs=%d\n",
		m.TasksCompleted, m.TasksFailed, m.TasksBlocked, m.TaskTimeouts,
		m.WorkerCrashes, m.WorkerRespawns, m.TaskReassignments, m.ReconciliationRepairs)
}
