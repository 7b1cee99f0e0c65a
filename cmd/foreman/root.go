package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/smisawa/foreman/internal/fsio"
	"github.com/smisawa/foreman/internal/model"
)

var (
	cfgPath  string
	logLevel string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "foreman",
		Short:         "Level-based task graph orchestrator",
		Long:          "foreman drives a dependency-levelled task graph across a fleet of worker agents,\ncoordinating through a shared run directory.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&cfgPath, "config", "foreman.yaml", "configuration file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override configured log level (debug|info|warn|error)")

	root.AddCommand(
		newRunCmd(),
		newWorkerCmd(),
		newStatusCmd(),
		newFinalizeCmd(),
		newVersionCmd(),
	)
	return root
}

// loadConfig reads foreman.yaml and applies defaults. A missing file is not
// an error; every knob has a default.
func loadConfig() (model.Config, error) {
	var cfg model.Config
	if err := fsio.ReadYAML(cfgPath, &cfg); err != nil {
		if !os.IsNotExist(err) {
			return cfg, err
		}
		cfg = model.Config{}
	}
	cfg.ApplyDefaults()
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}
