package errdefs

import (
	"errors"
	"fmt"
)

// Sentinel errors for subscription and request bookkeeping. Callers match
// them with errors.Is after any amount of wrapping.
var (
	// ErrAlreadySubscribed is returned when a subscription for the same
	// event/key pair is already registered.
	ErrAlreadySubscribed = errors.New("already subscribed")

	// ErrNotSubscribed is returned when unsubscribing an event/key pair
	// that was never registered.
	ErrNotSubscribed = errors.New("not subscribed")

	// ErrInvalidUsage is returned for API misuse detected synchronously,
	// such as sending a subscribe command through Connection.Send.
	ErrInvalidUsage = errors.New("invalid usage")

	// ErrRetriesExhausted is returned when a request retry budget ran out.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrConsoleRefused is returned when the platform refuses a console
	// connection (allowed=false) or omits the connection details.
	ErrConsoleRefused = errors.New("console connection refused")

	// ErrMigrationAborted indicates a socket migration that failed on the
	// new socket. It never surfaces to callers; it routes into recovery.
	ErrMigrationAborted = errors.New("migration aborted")

	// ErrRecoveryFailed indicates a resubscribe round that failed or timed
	// out. The recovery loop retries indefinitely.
	ErrRecoveryFailed = errors.New("recovery failed")

	// ErrClosed is returned on operations against a disposed entity, and
	// is the terminal resolution of RPCs drained by Dispose.
	ErrClosed = errors.New("closed")

	// ErrNotReady is returned when an operation requires a started client.
	ErrNotReady = errors.New("client not ready")
)

// ConfigError reports invalid configuration at construction time.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid configuration: %s", e.Reason)
	}
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// NewConfigError creates a ConfigError for the given field.
func NewConfigError(field, reason string) *ConfigError {
	return &ConfigError{Field: field, Reason: reason}
}

// IsConfigError reports whether err is (or wraps) a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
