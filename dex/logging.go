// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package dex

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/decred/slog"
)

// Every component constructor accepts a Logger. All logging should take place
// through the provided logger.
type Logger = slog.Logger

// Level is a logging level.
type Level = slog.Level

const (
	LevelTrace    = slog.LevelTrace
	LevelDebug    = slog.LevelDebug
	LevelInfo     = slog.LevelInfo
	LevelWarn     = slog.LevelWarn
	LevelError    = slog.LevelError
	LevelCritical = slog.LevelCritical
	LevelOff      = slog.LevelOff

	// DefaultLogLevel is the level used for subsystems that do not have a
	// level set explicitly.
	DefaultLogLevel = LevelInfo
)

// Disabled is a Logger that will never output anything.
var Disabled Logger = slog.Disabled

// LoggerMaker allows creation of new log subsystems with predefined levels.
type LoggerMaker struct {
	*slog.Backend
	DefaultLevel slog.Level
	Levels       map[string]slog.Level
}

// NewLoggerMaker parses the debug level string into a new *LoggerMaker. The
// debugLevel string can specify a single verbosity for the entire system:
// "trace", "debug", "info", "warn", "error", "critical", "off". The Levels map
// is populated with the default level for every subsystem. Alternatively,
// levels may be set for individual subsystems with a comma-separated list of
// SUBSYS=level pairs, e.g. "info,SEQ=debug,RPC=trace".
func NewLoggerMaker(writer io.Writer, debugLevel string) (*LoggerMaker, error) {
	lm := &LoggerMaker{
		Backend:      slog.NewBackend(writer),
		Levels:       make(map[string]slog.Level),
		DefaultLevel: DefaultLogLevel,
	}

	for _, v := range strings.Split(debugLevel, ",") {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		fields := strings.Split(v, "=")
		switch len(fields) {
		case 1:
			lvl, ok := slog.LevelFromString(fields[0])
			if !ok {
				return nil, fmt.Errorf("invalid log level %q", v)
			}
			lm.DefaultLevel = lvl
		case 2:
			subsysID, logLevel := strings.TrimSpace(fields[0]), strings.TrimSpace(fields[1])
			if subsysID == "" {
				return nil, fmt.Errorf("missing subsystem in %q", v)
			}
			lvl, ok := slog.LevelFromString(logLevel)
			if !ok {
				return nil, fmt.Errorf("invalid log level %q for subsystem %s", logLevel, subsysID)
			}
			lm.Levels[subsysID] = lvl
		default:
			return nil, fmt.Errorf("invalid subsystem/level pair %q", v)
		}
	}

	return lm, nil
}

// NewLogger creates a new Logger for the subsystem with the given name. If a
// level was parsed for the subsystem, it is used. Otherwise the DefaultLevel
// is used.
func (lm *LoggerMaker) NewLogger(name string) Logger {
	lvl, ok := lm.Levels[name]
	if !ok {
		lvl = lm.DefaultLevel
	}
	logger := lm.Backend.Logger(name)
	logger.SetLevel(lvl)
	return logger
}

// NewLogger creates a new Logger writing to writer with the given name and
// level.
func NewLogger(name string, lvl slog.Level, writer io.Writer) Logger {
	lgr := slog.NewBackend(writer).Logger(name)
	lgr.SetLevel(lvl)
	return lgr
}

// StdOutLogger creates a Logger with the provided name with lvl as the log
// level that prints to standard out.
func StdOutLogger(name string, lvl slog.Level) Logger {
	return NewLogger(name, lvl, os.Stdout)
}
