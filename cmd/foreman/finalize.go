package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/smisawa/foreman/internal/events"
	"github.com/smisawa/foreman/internal/fsio"
	"github.com/smisawa/foreman/internal/logx"
	"github.com/smisawa/foreman/internal/merge"
	"github.com/smisawa/foreman/internal/model"
	"github.com/smisawa/foreman/internal/rundir"
)

func newFinalizeCmd() *cobra.Command {
	var runDir string

	cmd := &cobra.Command{
		Use:   "finalize",
		Short: "Integrate worker branches and promote the baseline",
		Long:  "finalize merges every worker branch onto a detached ref, runs the configured\nquality gates once against the integrated tree, and fast-forwards the baseline\nbranch only if everything passes.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			var state model.RunState
			if err := fsio.ReadYAML(rundir.StatePath(runDir), &state); err != nil {
				return fmt.Errorf("read run state: %w", err)
			}

			logger, err := logx.Open(rundir.LogsDir(runDir), "finalize", logx.ParseLevel(cfg.Logging.Level))
			if err != nil {
				return err
			}
			defer logger.Close()

			log, err := events.NewLog(rundir.EventLogPath(runDir), state.RunID, cfg.Limits.MaxEventLogBytes)
			if err != nil {
				return err
			}
			defer log.Close()

			c := merge.NewCoordinator(merge.Options{
				Workspace: cfg.Run.Workspace,
				Baseline:  cfg.Run.Baseline,
				Gates:     cfg.Gates,
				Logger:    logger,
				Events:    log,
			})
			report, err := c.Finalize(cmd.Context(), &state)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "baseline %s: %s -> %s\n", cfg.Run.Baseline, report.BaselineBefore, report.BaselineAfter)
			for _, b := range report.Merged {
				fmt.Fprintf(out, "merged   %s\n", b)
			}
			for _, b := range report.Skipped {
				fmt.Fprintf(out, "skipped  %s (no commits)\n", b)
			}
			for _, g := range report.Gates {
				fmt.Fprintf(out, "gate     %s exit=%d (%dms)\n", g.Name, g.ExitCode, g.DurationMs)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&runDir, "run-dir", "", "run directory (required)")
	cmd.MarkFlagRequired("run-dir")
	return cmd
}
