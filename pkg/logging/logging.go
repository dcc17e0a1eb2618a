// Package logging provides the structured zerolog logger shared by every
// klauss process (orchestrator, coordinator, worker).
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance, configured by Init.
var Logger zerolog.Logger

// Level is a logging verbosity level.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls Init's output format and verbosity.
type Config struct {
	Level      Level
	JSONOutput bool
	Verbose    bool
}

// Init configures the global Logger. Verbose forces DebugLevel regardless
// of Level.
func Init(cfg Config) {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	}
	if cfg.Verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.JSONOutput {
		Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
		return
	}
	Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with a component name
// (orchestrator, coordinator, worker, queue, verify, ...).
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithWorkerID returns a child logger tagged with a worker_id.
func WithWorkerID(workerID string) zerolog.Logger {
	return Logger.With().Str("worker_id", workerID).Logger()
}

// WithJobID returns a child logger tagged with a job_id.
func WithJobID(jobID string) zerolog.Logger {
	return Logger.With().Str("job_id", jobID).Logger()
}
