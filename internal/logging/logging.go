// Package logging builds the process logger.
package logging

import (
	"io"
	log "log/slog"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

var levels = map[string]log.Level{
	"debug":   log.LevelDebug,
	"info":    log.LevelInfo,
	"warn":    log.LevelWarn,
	"warning": log.LevelWarn,
	"error":   log.LevelError,
}

// ParseLevel maps a level name onto a slog level, defaulting to info.
func ParseLevel(name string) log.Level {
	if lvl, ok := levels[strings.ToLower(strings.TrimSpace(name))]; ok {
		return lvl
	}
	return log.LevelInfo
}

// New returns a tint-colored logger writing to w. Set noColor when w is not
// a terminal.
func New(w io.Writer, level string, noColor bool) *log.Logger {
	return log.New(tint.NewHandler(w, &tint.Options{
		Level:      ParseLevel(level),
		TimeFormat: time.StampMicro,
		NoColor:    noColor,
	}))
}

// Setup installs the logger as the process default and returns it.
func Setup(w io.Writer, level string, noColor bool) *log.Logger {
	logger := New(w, level, noColor)
	log.SetDefault(logger)
	return logger
}
