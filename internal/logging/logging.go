// Package logging provides the thin glue between a RUST_LOG-style level
// filter string and the slog.Logger every component receives.  Sink
// configuration (rotation, output targets, syslog) is the entrypoint's
// concern, not this package's.
package logging

import (
	"log/slog"
	"strings"
)

// ParseLevel maps the filter strings "error|warn|info|debug|trace" onto an
// slog.Level.  "trace" has no slog equivalent and is mapped to one level
// below Debug, matching the convention slog itself documents for custom
// levels.  An unrecognized or empty value yields the documented default,
// Error.
func ParseLevel(filter string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(filter)) {
	case "trace":
		return slog.LevelDebug - 4
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "":
		return slog.LevelError
	default:
		return slog.LevelError
	}
}
