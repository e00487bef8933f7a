// Package obs wires the kernel's structured logging. Every component takes
// a zerolog.Logger rather than reaching for a package-global, keeping
// mutable state explicit and parameter-passed.
package obs

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// New builds a component-scoped logger at the given level, writing to w
// (os.Stderr in production, a buffer in tests). component is attached as a
// static field so log aggregation can filter by subsystem (crypto, log,
// vault, quorum, export, api, ...).
func New(w io.Writer, level string, component string) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	return zerolog.New(w).
		Level(parseLevel(level)).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
