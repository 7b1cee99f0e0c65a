package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/smisawa/foreman/internal/logx"
	"github.com/smisawa/foreman/internal/rundir"
	"github.com/smisawa/foreman/internal/workerproto"
)

// newWorkerCmd is the entry point the launcher spawns; operators do not run
// it by hand.
func newWorkerCmd() *cobra.Command {
	var (
		runDir    string
		workerID  string
		workspace string
		branch    string
		level     int
		agent     string
	)

	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run the worker protocol loop (spawned by the orchestrator)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			logger, err := logx.Open(rundir.LogsDir(runDir), workerID, logx.ParseLevel(cfg.Logging.Level))
			if err != nil {
				return err
			}
			defer logger.Close()

			r := workerproto.NewRunner(workerproto.Options{
				RunDir:    runDir,
				WorkerID:  workerID,
				Workspace: workspace,
				Branch:    branch,
				Level:     level,
				Agent:     agent,
				Config:    cfg,
				Logger:    logger,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return r.Loop(ctx)
		},
	}

	cmd.Flags().StringVar(&runDir, "run-dir", "", "run directory")
	cmd.Flags().StringVar(&workerID, "worker-id", "", "assigned worker id")
	cmd.Flags().StringVar(&workspace, "workspace", "", "git workspace to operate in")
	cmd.Flags().StringVar(&branch, "branch", "", "worker branch")
	cmd.Flags().IntVar(&level, "level", 0, "starting level")
	cmd.Flags().StringVar(&agent, "agent", "", "execution agent command")
	cmd.MarkFlagRequired("run-dir")
	cmd.MarkFlagRequired("worker-id")
	return cmd
}
