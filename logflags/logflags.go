// Component loggers for the harness.  Chattiness is controlled by a single
// verbosity level shared by the driver and the child processes (the driver
// forwards its level to children on their command line).
package logflags

import (
	"os"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var verbosity = 0

func SetVerbosity(level int) {
	if level < 0 {
		level = 0
	}
	verbosity = level
}

func Verbosity() int {
	return verbosity
}

func verbosityToLevel(level int) logrus.Level {
	switch {
	case level <= 0:
		return logrus.WarnLevel
	case level == 1:
		return logrus.InfoLevel
	case level == 2:
		return logrus.DebugLevel
	default:
		return logrus.TraceLevel
	}
}

func makeLogger(fields logrus.Fields) *logrus.Entry {
	logger := logrus.New().WithFields(fields)
	logger.Logger.Out = os.Stderr
	logger.Logger.Level = verbosityToLevel(verbosity)
	logger.Logger.Formatter = &logrus.TextFormatter{
		ForceColors:     isatty.IsTerminal(os.Stderr.Fd()),
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	}
	return logger
}

// Driver returns a logger for the top level test driver.
func Driver() *logrus.Entry {
	return makeLogger(logrus.Fields{"layer": "driver"})
}

// Monitor returns a logger for the exception monitor.
func Monitor() *logrus.Entry {
	return makeLogger(logrus.Fields{"layer": "monitor"})
}

// Pump returns a logger for the exception event pump.
func Pump() *logrus.Entry {
	return makeLogger(logrus.Fields{"layer": "pump"})
}

// Inferior returns a logger for the debuggee side of the harness.  The
// pid field distinguishes inferior output from driver output since both
// write to the same terminal.
func Inferior() *logrus.Entry {
	return makeLogger(logrus.Fields{"layer": "inferior", "pid": os.Getpid()})
}

// Watchdog returns a logger for the watchdog supervisor.
func Watchdog() *logrus.Entry {
	return makeLogger(logrus.Fields{"layer": "watchdog"})
}

// Protocol returns a logger for control channel message traffic.
func Protocol() *logrus.Entry {
	return makeLogger(logrus.Fields{"layer": "protocol", "pid": os.Getpid()})
}

// Shell returns a logger for the interactive inspection shell.
func Shell() *logrus.Entry {
	return makeLogger(logrus.Fields{"layer": "shell"})
}
