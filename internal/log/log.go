// Package log configures the process-wide zerolog logger and hands out
// component-scoped child loggers.
package log

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/flarerelay/msgcore/internal/config"
)

// Init configures the global zerolog logger from cfg.Log. Call once at
// process startup before any component logger is derived.
func Init(cfg config.LogConfig) {
	zerolog.TimeFieldFormat = time.RFC3339

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}

// For returns a child logger tagged with the calling component's name,
// e.g. log.For("router") or log.For("delivery.worker").
func For(component string) zerolog.Logger {
	return log.Logger.With().Str("component", component).Logger()
}
