package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/smisawa/foreman/internal/fsio"
	"github.com/smisawa/foreman/internal/graph"
	"github.com/smisawa/foreman/internal/logx"
	"github.com/smisawa/foreman/internal/model"
	"github.com/smisawa/foreman/internal/orchestrator"
	"github.com/smisawa/foreman/internal/rundir"
)

func newRunCmd() *cobra.Command {
	var (
		runDir    string
		graphFile string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Drive a task graph run to resolution",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := rundir.EnsureLayout(runDir); err != nil {
				return err
			}

			if graphFile != "" {
				if err := seedGraph(runDir, graphFile, cfg); err != nil {
					return err
				}
			}

			logger, err := logx.Open(rundir.LogsDir(runDir), "orchestrator", logx.ParseLevel(cfg.Logging.Level))
			if err != nil {
				return err
			}
			defer logger.Close()

			o, err := orchestrator.New(orchestrator.Options{
				RunDir: runDir,
				Config: cfg,
				Logger: logger,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return o.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&runDir, "run-dir", "", "run directory (required)")
	cmd.Flags().StringVar(&graphFile, "graph", "", "task graph file to seed a new run with")
	cmd.MarkFlagRequired("run-dir")
	return cmd
}

// seedGraph validates the graph input, writes it into the run directory, and
// persists the initial run state. Re-seeding an already-driven run is
// refused; resume instead.
func seedGraph(runDir, graphFile string, cfg model.Config) error {
	if _, err := os.Stat(rundir.StatePath(runDir)); err == nil {
		return fmt.Errorf("run directory already has state; omit --graph to resume")
	}

	g, err := graph.Load(graphFile)
	if err != nil {
		return err
	}
	if cfg.Run.Feature != "" {
		g.Feature = cfg.Run.Feature
	}

	var in graph.Input
	if err := fsio.ReadYAML(graphFile, &in); err != nil {
		return err
	}
	if err := fsio.AtomicWrite(rundir.GraphPath(runDir), in); err != nil {
		return err
	}

	state := orchestrator.InitState(g, model.NewRunID())
	return fsio.AtomicWrite(rundir.StatePath(runDir), state)
}
