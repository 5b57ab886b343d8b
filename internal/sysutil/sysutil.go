// Package sysutil sets up process-wide logging.
package sysutil

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// isTerminal is swapped in tests.
var isTerminal = func(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// SetupLogger points the global zerolog logger at out with a timestamp and
// the given level. Output is human-readable when pretty is set or when out
// is a terminal, JSON otherwise.
func SetupLogger(out io.Writer, level string, pretty bool) {
	SetLogLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if f, ok := out.(*os.File); ok && !pretty {
		pretty = isTerminal(f)
	}
	if pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05.000"}
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
}

// SetLogLevel sets the global level by name, case-insensitively. "warning"
// means warn; empty, "disabled" and unknown names fall back to info so the
// daemon is never silenced by a typo.
func SetLogLevel(name string) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "warning" {
		name = "warn"
	}
	lvl, err := zerolog.ParseLevel(name)
	if err != nil || name == "" || lvl == zerolog.Disabled || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}
