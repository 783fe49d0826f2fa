// slidegate - slide-to-verify human presence gate
//
//	slidegate profiles            List difficulty presets
//	slidegate simulate            Drive synthetic gestures through a session
//	slidegate classify <file>...  Classify recorded gesture documents
//	slidegate run                 Keep simulating and follow config changes
//	slidegate history             Inspect the attempt store
//	slidegate metrics             Rebuild metrics from the attempt store
//	slidegate config              Show, create or validate the configuration
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"slidegate/internal/config"
	"slidegate/internal/harness"
	"slidegate/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	envFile    string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "slidegate",
		Short:         "Slide-to-verify human presence gate",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return config.LoadEnvFiles(opts.envFile)
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default: search ., config dir, data dir)")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the config")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override logging.level")

	root.AddCommand(newProfilesCmd(opts))
	root.AddCommand(newSimulateCmd(opts))
	root.AddCommand(newClassifyCmd(opts))
	root.AddCommand(newRunCmd(opts))
	root.AddCommand(newHistoryCmd(opts))
	root.AddCommand(newMetricsCmd(opts))
	root.AddCommand(newConfigCmd(opts))
	return root
}

// resolveConfigPath picks the --config value or the first config file found.
func resolveConfigPath(opts *rootOptions) string {
	if opts.configPath != "" {
		return opts.configPath
	}
	if found := config.FindConfigFile(); found != "" {
		return found
	}
	return config.ConfigPath()
}

// app is one command's worth of wiring.
type app struct {
	cfg    *config.Config
	loader *config.Loader
	logger *logging.Logger
	gate   *harness.Gate
}

// loadApp reads and validates the configuration, applies edit, and builds
// the logger and gate.
func loadApp(opts *rootOptions, edit func(*config.Config)) (*app, error) {
	loader := config.NewLoader(resolveConfigPath(opts))
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if edit != nil {
		edit(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.LoggerConfig())
	if err != nil {
		return nil, fmt.Errorf("setup logging: %w", err)
	}
	logging.SetDefault(logger)

	gate, err := harness.New(cfg, harness.WithLogger(logger))
	if err != nil {
		_ = logger.Close()
		return nil, err
	}
	return &app{cfg: cfg, loader: loader, logger: logger, gate: gate}, nil
}

func (a *app) Close() error {
	err := a.gate.Close()
	_ = a.loader.Close()
	_ = a.logger.Close()
	return err
}
