// Package sysutil holds process bootstrap helpers shared by the server
// entrypoint: logger construction, log level parsing and version lookup.
package sysutil

import (
	"io"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ParseLevel maps a LOG_LEVEL value to a zerolog level. Unknown and empty
// values fall back to info.
func ParseLevel(lvl string) zerolog.Level {
	switch s := strings.ToLower(strings.TrimSpace(lvl)); s {
	case "", "info":
		return zerolog.InfoLevel
	case "warning":
		return zerolog.WarnLevel
	default:
		l, err := zerolog.ParseLevel(s)
		if err != nil || l == zerolog.NoLevel {
			return zerolog.InfoLevel
		}
		return l
	}
}

// SetLogLevel sets the global zerolog level from a LOG_LEVEL value.
func SetLogLevel(lvl string) {
	zerolog.SetGlobalLevel(ParseLevel(lvl))
}

// NewLogger builds the process logger. Pretty output is meant for local
// development; production logs are JSON lines.
func NewLogger(w io.Writer, pretty bool, service, version string) zerolog.Logger {
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Logger()
}

// readBuildInfo is replaced in tests.
var readBuildInfo = debug.ReadBuildInfo

// Version resolves the running version: an explicit override (APP_VERSION),
// then the main module version stamped by the go tool, then "dev".
func Version(override string) string {
	var mod string
	if bi, ok := readBuildInfo(); ok && bi.Main.Version != "(devel)" {
		mod = bi.Main.Version
	}
	return strings.TrimSpace(FirstNonEmpty(override, mod, "dev"))
}

// FirstNonEmpty returns the first value that is not blank, or "".
func FirstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
