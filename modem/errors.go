package modem

import (
	"errors"
	"fmt"
)

var (
	// ErrNoDialer is returned when a Modem is constructed without a Dialer.
	//
	// This indicates a configuration error. A Dialer is required in order to
	// establish a connection to the module.
	ErrNoDialer = errors.New("no dialer configured")

	// ErrNotInitialized is returned when an operation is attempted on a Modem
	// that has not been successfully initialized.
	ErrNotInitialized = errors.New("modem not initialized")

	// ErrAlreadyClosed is returned when Close is called on a Modem that has
	// already been closed.
	ErrAlreadyClosed = errors.New("modem already closed")

	// ErrLoopRunning is returned when Loop is called while another Loop call
	// is still running.
	ErrLoopRunning = errors.New("loop already running")

	// ErrClosed is returned to every pending and future operation once the
	// session is torn down, whether by Close or by a transport failure.
	ErrClosed = errors.New("session closed")

	// ErrTimeout is returned when a command received no response within its
	// deadline after exhausting the configured retries. The session remains
	// usable; the next queued command proceeds.
	ErrTimeout = errors.New("command timed out")

	// ErrNack is returned when a confirmed uplink completed without the
	// module reporting a network acknowledgment.
	ErrNack = errors.New("no ack received for confirmed uplink")
)

// ModuleError reports an explicit rejection by the module firmware, e.g.
// "+MSGHEX: ERROR(-20)". Module errors are deterministic decisions and are
// never retried automatically.
type ModuleError struct {
	// Verb is the command verb the error was framed with.
	Verb string
	// Code is the module-specific error code.
	Code int
}

func (e *ModuleError) Error() string {
	return fmt.Sprintf("module error %d in response to %s", e.Code, e.Verb)
}

// MalformedError reports a response line that did not match the shape the
// pending command expects. It is local to that command, like a ModuleError,
// but logged distinctly for diagnosability.
type MalformedError struct {
	Line string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed response line %q", e.Line)
}
