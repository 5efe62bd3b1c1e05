package daemon

import (
	"errors"
	"fmt"
)

// ErrAlreadyRunning is returned when lock acquisition loses to a
// verified live peer.
var ErrAlreadyRunning = errors.New("daemon already running")

// ErrNotRunning is returned by control operations that need a live daemon.
var ErrNotRunning = errors.New("daemon is not running")

// VerificationError reports a lock or PID file pointing at a process
// that is not this daemon.
type VerificationError struct {
	PID     int
	Cmdline string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("process %d is not a talon daemon (cmdline %q)", e.PID, e.Cmdline)
}

// StartupError is a fatal startup failure carrying a stable reason code
// for the audit trail (E_LOCK_ACQUIRE, E_LISTENER_BIND, E_SANITY_CHECK, ...).
type StartupError struct {
	Reason string
	Err    error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("startup failed (%s): %v", e.Reason, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }
