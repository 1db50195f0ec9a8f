package main

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/exploopio/deprisk/pkg/config"
	"github.com/exploopio/deprisk/pkg/core"
)

// app holds what every command shares: the flags of the root command and
// the lazily loaded configuration.
type app struct {
	cfgFile string
	verbose bool
	quiet   bool

	// stderr receives log output. Tests replace it.
	stderr io.Writer

	cfg *config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{stderr: os.Stderr}

	root := &cobra.Command{
		Use:           appName,
		Short:         "Dependency risk profiler",
		Long:          "deprisk aggregates vulnerability data from OSV, NVD, GitHub and package registries and scores each dependency of a manifest.",
		Version:       appVersion,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (YAML)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")
	root.PersistentFlags().BoolVarP(&a.quiet, "quiet", "q", false, "only log errors")

	root.AddCommand(
		newScanCmd(a),
		newConfigCmd(a),
		newSourcesCmd(),
		newCacheCmd(a),
		newServeMetricsCmd(a),
	)
	return root
}

// config loads the configuration once per process.
func (a *app) config() (*config.Config, error) {
	if a.cfg != nil {
		return a.cfg, nil
	}
	cfg, err := config.Load(a.cfgFile)
	if err != nil {
		return nil, err
	}
	a.cfg = cfg
	return cfg, nil
}

// logger honors --verbose and --quiet over the configured level.
func (a *app) logger(cfg *config.Config) *core.LogrusLogger {
	level := core.ParseLogLevel(cfg.LogLevel)
	switch {
	case a.quiet:
		level = core.LogLevelError
	case a.verbose:
		level = core.LogLevelDebug
	}
	return core.NewLogrusLogger(a.stderr, level).WithField("app", appName)
}
