// Harness parameters.  The zero config is not usable; start from Default
// and optionally overlay a yaml file.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// Child process roles, passed as the first command line argument.
	InferiorRoleName = "inferior"
	SegfaultRoleName = "segfault"

	// The control channel endpoint inherited by child roles.  Fd 0-2 are
	// stdio; this is the first inheritable slot after them.
	ControlChannelFd = 3

	// Propagates the driver's config file path to child roles so both
	// sides agree on sizes and counts.
	EnvConfigPath = "ZIRCON_CONFIG"
)

// Process exit codes.  The driver asserts on these, so each failure mode
// must stay distinguishable after the kernel truncates the status to a
// byte.
const (
	ExitSuccess = 0

	// One or more harness checks failed.
	ExitTestFailure = 1

	// The watchdog fired.  This kills the whole process, not just the
	// watchdog goroutine.
	ExitWatchdogFired = 5

	// The inferior's message loop failed.
	ExitMessageLoopFailure = 20

	// The inferior observed wrong buffer contents after a supervised
	// recovery.
	ExitDataCorruption = 21

	// The inferior ran to completion and was told to finish.
	ExitInferiorDone = 123
)

type Config struct {
	// Number of deliberate faults to recover from per crash request.
	StressRuns int `yaml:"stress_runs"`

	// Number of sleeper threads started by the start-extra-threads request.
	ExtraThreads int `yaml:"extra_threads"`

	// Size of the stack buffer inspected and mutated across each fault.
	MemorySize int `yaml:"memory_size"`

	// Value added to every buffer byte by the supervisor while the faulted
	// thread is suspended.  The inferior verifies the adjustment after it
	// resumes.
	DataAdjust uint8 `yaml:"data_adjust"`

	// Call chain depth for the standalone segfault role.
	SegfaultDepth int `yaml:"segfault_depth"`

	WatchdogTick  time.Duration `yaml:"watchdog_tick"`
	WatchdogTicks int           `yaml:"watchdog_ticks"`

	// Register layout name ("amd64" or "arm64").  Defaults to the build
	// architecture.
	RegisterLayout string `yaml:"register_layout"`

	Verbosity int `yaml:"verbosity"`
}

func Default() Config {
	return Config{
		StressRuns:     4,
		ExtraThreads:   4,
		MemorySize:     8,
		DataAdjust:     0x10,
		SegfaultDepth:  4,
		WatchdogTick:   500 * time.Millisecond,
		WatchdogTicks:  10,
		RegisterLayout: runtime.GOARCH,
	}
}

// Load overlays the yaml file at path on top of the defaults.  Keys absent
// from the file keep their default values.
func Load(path string) (Config, error) {
	cfg := Default()

	content, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	err = yaml.Unmarshal(content, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	err = cfg.Validate()
	if err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

func (cfg Config) Validate() error {
	if cfg.StressRuns < 1 {
		return fmt.Errorf("stress_runs must be positive: %d", cfg.StressRuns)
	}
	if cfg.ExtraThreads < 1 {
		return fmt.Errorf("extra_threads must be positive: %d", cfg.ExtraThreads)
	}
	if cfg.MemorySize < 1 || cfg.MemorySize > 256 {
		return fmt.Errorf("memory_size out of range: %d", cfg.MemorySize)
	}
	if cfg.SegfaultDepth < 1 {
		return fmt.Errorf("segfault_depth must be positive: %d", cfg.SegfaultDepth)
	}
	if cfg.WatchdogTick <= 0 {
		return fmt.Errorf("watchdog_tick must be positive: %s", cfg.WatchdogTick)
	}
	if cfg.WatchdogTicks < 1 {
		return fmt.Errorf("watchdog_ticks must be positive: %d", cfg.WatchdogTicks)
	}
	switch cfg.RegisterLayout {
	case "amd64", "arm64":
	default:
		return fmt.Errorf("unsupported register layout: %q", cfg.RegisterLayout)
	}
	return nil
}

// VerbosityArg renders the verbosity setting the way child roles expect it
// on their command line.
func (cfg Config) VerbosityArg() string {
	return fmt.Sprintf("v=%d", cfg.Verbosity)
}

// ParseVerbosity scans child role arguments for a v=<level> setting.  The
// first match wins; malformed or missing settings leave the level at zero.
func ParseVerbosity(args []string) int {
	for _, arg := range args {
		if !strings.HasPrefix(arg, "v=") {
			continue
		}

		level, err := strconv.Atoi(arg[len("v="):])
		if err != nil {
			return 0
		}
		return level
	}
	return 0
}
