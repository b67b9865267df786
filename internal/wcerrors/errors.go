// Package wcerrors defines the error taxonomy shared by every component of
// the captive-portal service.  Errors are a sum of kinds, not strings, so
// that the supervisor can switch on what went wrong instead of matching
// messages.
package wcerrors

import (
	"fmt"

	"github.com/AdguardTeam/golibs/errors"
)

// Kind is the closed set of error categories a component may report.
type Kind uint8

// Kind values.
const (
	// KindUnknown is the zero value and must not be used directly.
	KindUnknown Kind = iota

	// KindConfig marks invalid CLI/env input.  Fatal at startup.
	KindConfig

	// KindBackendUnavailable marks a bus connection refused or the daemon
	// not running.  Fatal at startup, recoverable mid-run with retries.
	KindBackendUnavailable

	// KindInterface marks a missing or vanished wireless interface.  Fatal.
	KindInterface

	// KindScanUnsupported marks a driver/mode that forbids scanning.
	KindScanUnsupported

	// KindHotspotUnsupported marks a driver that refuses AP mode.
	KindHotspotUnsupported

	// KindAuthFailed marks a rejected credential during a connect attempt.
	KindAuthFailed

	// KindNetworkUnavailable marks a connect attempt that found no route or
	// no carrier.
	KindNetworkUnavailable

	// KindTimeout marks an operation that exceeded its deadline.
	KindTimeout

	// KindCodec marks a malformed DHCP or DNS packet.
	KindCodec

	// KindIO marks a transient socket error.
	KindIO
)

// String implements the fmt.Stringer interface for Kind.
func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindBackendUnavailable:
		return "backend_unavailable"
	case KindInterface:
		return "interface"
	case KindScanUnsupported:
		return "scan_unsupported"
	case KindHotspotUnsupported:
		return "hotspot_unsupported"
	case KindAuthFailed:
		return "auth_failed"
	case KindNetworkUnavailable:
		return "network_unavailable"
	case KindTimeout:
		return "timeout"
	case KindCodec:
		return "codec"
	case KindIO:
		return "io"
	default:
		return "unknown"
	}
}

// Error is a component error tagged with a Kind.  A nil *Error is not a
// valid error value; use nil of type error instead.
type Error struct {
	// Err is the underlying cause, if any.
	Err error

	// Op names the operation that failed, e.g. "dhcp: allocate".
	Op string

	// Kind is the category of failure.
	Kind Kind
}

// Error implements the error interface for *Error.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}

	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying cause for use with errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.Err }

// New returns a new *Error with the given kind, operation, and cause.  cause
// may be nil.
func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}

	return e.Kind == kind
}

// Fatal reports whether a startup error of the given kind should abort the
// process rather than retrying.
func Fatal(kind Kind) bool {
	switch kind {
	case KindConfig, KindBackendUnavailable, KindInterface:
		return true
	default:
		return false
	}
}
