package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/gosight/gosight/tracker/internal/config"
	"github.com/gosight/gosight/tracker/internal/logging"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "trackctl",
		Short:         "Drive a learning event tracker against a configured sink",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("config", "", "Path to YAML config file (overrides TRACKCTL_CONFIG env var)")

	root.AddCommand(newSimulateCmd())
	root.AddCommand(newConfigCmd())
	return root
}

// loadConfig resolves the config using --config (highest priority), then
// TRACKCTL_CONFIG, then built-in defaults, and sets up logging from it.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = os.Getenv("TRACKCTL_CONFIG")
	}

	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}

	logging.Setup(cfg.Logging)
	return cfg, nil
}
