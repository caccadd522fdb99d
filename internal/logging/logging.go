// Package logging sets up the structured logger used across the indexer's
// subsystems: a package-level Logger, a WithComponent helper, and one
// child logger per subsystem.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance, reconfigured by Init.
var Logger zerolog.Logger

// Per-subsystem child loggers, matching internal/flush.Coordinator,
// internal/backup.Engine, internal/advance.Engine, internal/reorgdrv.Driver,
// internal/prefetch.Prefetcher, and internal/engine.Loop.
var (
	Advance  zerolog.Logger
	Backup   zerolog.Logger
	Flush    zerolog.Logger
	Reorg    zerolog.Logger
	Prefetch zerolog.Logger
	Engine   zerolog.Logger
)

func init() {
	Logger = NewConsoleLogger(os.Stdout, "info")
	initComponentLoggers()
}

// Init reconfigures the global logger and its component children. When
// file is non-empty, logs go to both the console (colored or JSON per
// jsonOutput) and file (always JSON).
func Init(level string, jsonOutput bool, file string) error {
	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		var consoleWriter io.Writer = os.Stdout
		if !jsonOutput {
			consoleWriter = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
		}
		Logger = zerolog.New(zerolog.MultiLevelWriter(consoleWriter, f)).
			Level(parseLevel(level)).
			With().Timestamp().Logger()
	} else if jsonOutput {
		Logger = NewJSONLogger(os.Stdout, level)
	} else {
		Logger = NewConsoleLogger(os.Stdout, level)
	}
	initComponentLoggers()
	return nil
}

// NewConsoleLogger builds a colored console logger at level writing to w.
func NewConsoleLogger(w io.Writer, level string) zerolog.Logger {
	output := zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	return zerolog.New(output).Level(parseLevel(level)).With().Timestamp().Logger()
}

// NewJSONLogger builds a structured JSON logger at level writing to w.
func NewJSONLogger(w io.Writer, level string) zerolog.Logger {
	return zerolog.New(w).Level(parseLevel(level)).With().Timestamp().Logger()
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func initComponentLoggers() {
	Advance = WithComponent("advance")
	Backup = WithComponent("backup")
	Flush = WithComponent("flush")
	Reorg = WithComponent("reorg")
	Prefetch = WithComponent("prefetch")
	Engine = WithComponent("engine")
}

// WithComponent returns a child logger tagged with a "component" field.
func WithComponent(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}
