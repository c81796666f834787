package client

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
)

// ErrRetriesExhausted wraps the last retryable error once the configured
// attempt cap is reached.
var ErrRetriesExhausted = errors.New("retry attempts exhausted")

// ErrConnectionReset is the canonical reset error. Transport errors that
// carry ECONNRESET (or the usual peer-reset message) match it through
// IsConnectionReset.
var ErrConnectionReset = errors.New("connection reset by peer")

// ErrTLSClosed marks a send attempted after the TLS layer shut down. The
// engine never retries it but makes sure the connection stays out of the
// pool.
var ErrTLSClosed = errors.New("tls engine already closed")

// ConfigurationError reports a protocol/TLS mismatch or an unparseable
// redirect location. It fails before, or independent of, any I/O.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return "configuration: " + e.Reason + ": " + e.Err.Error()
	}
	return "configuration: " + e.Reason
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// RedirectError carries the Location target and status of a redirect
// response. The retry policy consumes it; it surfaces to the caller only
// when redirect following is rejected.
type RedirectError struct {
	Location string
	Status   int
}

func (e *RedirectError) Error() string {
	return fmt.Sprintf("redirect %d to %q", e.Status, e.Location)
}

// DispatchError reports a failure while building or sending a request. It
// always surfaces immediately.
type DispatchError struct {
	Err error
}

func (e *DispatchError) Error() string { return "dispatch: " + e.Err.Error() }

func (e *DispatchError) Unwrap() error { return e.Err }

// UpgradeError reports a failed websocket handshake. No connection is
// handed to the caller when it occurs.
type UpgradeError struct {
	Err error
}

func (e *UpgradeError) Error() string { return "websocket upgrade: " + e.Err.Error() }

func (e *UpgradeError) Unwrap() error { return e.Err }

// IsConnectionReset reports whether err is a peer reset. Matches the
// ErrConnectionReset sentinel, ECONNRESET/EPIPE from the transport, and the
// reset message some wrapped transports only expose as text.
func IsConnectionReset(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConnectionReset) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	return strings.Contains(err.Error(), "connection reset by peer")
}
