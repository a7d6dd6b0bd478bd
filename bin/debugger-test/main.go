// Test driver for the debugger exception handling harness.  With no
// arguments it runs the full suite, spawning copies of itself in the
// child roles.  The role subcommands exist for those children and are
// not meant to be invoked by hand, except segfault, which crashes on
// purpose for manual backtrace inspection.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/leeminghao/zircon/config"
	"github.com/leeminghao/zircon/harness"
	"github.com/leeminghao/zircon/inferior"
	"github.com/leeminghao/zircon/logflags"
	"github.com/leeminghao/zircon/watchdog"
)

var configPath string

// loadConfig resolves the harness parameters: the --config flag, then the
// environment (set by the driver for its children), then defaults.  A
// v=<level> positional argument overrides the configured verbosity.
func loadConfig(args []string) (config.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv(config.EnvConfigPath)
	}

	cfg := config.Default()
	if path != "" {
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return config.Config{}, err
		}
	}

	level := config.ParseVerbosity(args)
	if level > 0 {
		cfg.Verbosity = level
	}
	logflags.SetVerbosity(cfg.Verbosity)

	return cfg, nil
}

func runDriver(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(config.ExitTestFailure)
	}

	// Child roles inherit the environment, so they run with the same
	// parameters as the driver.
	if configPath != "" {
		os.Setenv(config.EnvConfigPath, configPath)
	}

	supervisor := watchdog.New(cfg.WatchdogTick, cfg.WatchdogTicks)
	supervisor.Start()

	code := harness.NewRunner(harness.DefaultCases(cfg)...).Run()

	supervisor.Complete()
	supervisor.Join()

	os.Exit(code)
}

func runInferior(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(config.ExitMessageLoopFailure)
	}

	os.Exit(inferior.Run(cfg))
}

func runSegfault(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(config.ExitTestFailure)
	}

	inferior.DeepFault(cfg.SegfaultDepth)
}

func main() {
	root := &cobra.Command{
		Use:   "debugger-test [v=<level>]",
		Short: "validates hardware exception handling and inferior control",
		Args:  cobra.ArbitraryArgs,
		Run:   runDriver,
	}

	root.PersistentFlags().StringVar(
		&configPath,
		"config",
		"",
		"harness parameters yaml file")

	root.AddCommand(
		&cobra.Command{
			Use:    config.InferiorRoleName + " [v=<level>]",
			Short:  "run as a debuggee serving driver control messages",
			Args:   cobra.ArbitraryArgs,
			Hidden: true,
			Run:    runInferior,
		},
		&cobra.Command{
			Use:   config.SegfaultRoleName + " [v=<level>]",
			Short: "crash through a deep call chain for backtrace inspection",
			Args:  cobra.ArbitraryArgs,
			Run:   runSegfault,
		})

	err := root.Execute()
	if err != nil {
		os.Exit(config.ExitTestFailure)
	}
}
