// Command delta serves tables over HTTP and operates on table locations
// directly from the command line.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/diegomrodrigues2/go-delta-from-scratch/internal/config"
	"github.com/diegomrodrigues2/go-delta-from-scratch/internal/logging"
	"github.com/diegomrodrigues2/go-delta-from-scratch/internal/metrics"
	"github.com/diegomrodrigues2/go-delta-from-scratch/internal/table"
)

var exitFn = os.Exit

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "delta:", err)
		exitFn(1)
	}
}

type globalFlags struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "delta",
		Short:         "Transactional table log with optimistic concurrency",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "path to the YAML configuration (default $"+config.EnvConfigPath+")")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "override log.level from the configuration")

	root.AddCommand(
		newServeCmd(g),
		newCreateCmd(g),
		newCommitCmd(g),
		newLogCmd(g),
		newStateCmd(g),
		newCheckpointCmd(g),
	)
	return root
}

// load reads the configuration and builds the logger every subcommand uses.
func (g *globalFlags) load() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return cfg, nil, err
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, logger, nil
}

// tableOptions are the options of tables opened by the offline commands.
func tableOptions(cfg config.Config, logger *zap.Logger) ([]table.Option, error) {
	return table.OptionsFromConfig(cfg, logger, metrics.NewCommit(nil))
}
