// Package daemon enforces the single-instance contract of the talon
// daemon: lock/PID file coordination, liveness and identity
// verification of recorded PIDs, and deterministic shutdown ordering.
package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/talonhq/talon/internal/audit"
	"github.com/talonhq/talon/internal/procident"
)

const (
	pidFileName  = "daemon.pid"
	lockFileName = "daemon.lock"
)

// IdentityProgram and IdentityEntrypoints are the command-line tokens
// that positively identify a talon daemon process: the program name
// plus any one of the daemon entrypoints. Both the foreground form
// ("talond run") and the detached form ("talond daemon run") must pass,
// or a competing instance would mistake a live daemon for a stale
// holder and steal its lock.
var (
	IdentityProgram     = "talond"
	IdentityEntrypoints = []string{"run", "daemon"}
)

// LifecycleConfig holds the dependencies for a Lifecycle.
type LifecycleConfig struct {
	Dir         string // daemon state directory (holds daemon.pid, daemon.lock)
	Logger      *slog.Logger
	Prober      procident.Prober // nil uses the platform prober
	Program     string           // empty uses IdentityProgram
	Entrypoints []string         // nil uses IdentityEntrypoints
}

// Lifecycle owns the lock and PID files for one state directory.
type Lifecycle struct {
	dir         string
	logger      *slog.Logger
	prober      procident.Prober
	program     string
	entrypoints []string
}

// NewLifecycle creates a Lifecycle for the given state directory.
func NewLifecycle(cfg LifecycleConfig) *Lifecycle {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	prober := cfg.Prober
	if prober == nil {
		prober = procident.New()
	}
	program := cfg.Program
	if program == "" {
		program = IdentityProgram
	}
	entrypoints := cfg.Entrypoints
	if entrypoints == nil {
		entrypoints = IdentityEntrypoints
	}
	return &Lifecycle{dir: cfg.Dir, logger: logger, prober: prober, program: program, entrypoints: entrypoints}
}

func (l *Lifecycle) pidPath() string  { return filepath.Join(l.dir, pidFileName) }
func (l *Lifecycle) lockPath() string { return filepath.Join(l.dir, lockFileName) }

// AcquireLock attempts an atomic exclusive-create of the lock file. On
// conflict it verifies the recorded holder: a live, identity-verified
// peer yields ErrAlreadyRunning; a dead or foreign holder's lock is
// deleted and the create retried once.
func (l *Lifecycle) AcquireLock(record LockRecord) error {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("create daemon dir: %w", err)
	}

	err := l.tryCreateLock(record)
	if err == nil {
		return nil
	}
	if !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("create lock file: %w", err)
	}

	holder, readErr := l.readLock()
	if readErr == nil && l.holderIsLive(holder.PID) {
		return fmt.Errorf("%w: pid %d holds %s", ErrAlreadyRunning, holder.PID, l.lockPath())
	}

	// Stale or unreadable lock: remove and retry the exclusive-create
	// once. A file that vanished in between is not an error.
	if rmErr := os.Remove(l.lockPath()); rmErr != nil && !os.IsNotExist(rmErr) {
		return fmt.Errorf("remove stale lock: %w", rmErr)
	}
	l.logger.Warn("removed stale lock file", "path", l.lockPath())
	audit.Record(audit.KindLockTakeover, "stale lock removed at acquisition",
		map[string]string{"holder_pid": strconv.Itoa(holder.PID), "new_pid": strconv.Itoa(record.PID)})

	if err := l.tryCreateLock(record); err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: lock recreated by a competing process", ErrAlreadyRunning)
		}
		return fmt.Errorf("create lock file: %w", err)
	}
	return nil
}

func (l *Lifecycle) tryCreateLock(record LockRecord) error {
	f, err := os.OpenFile(l.lockPath(), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	if err := enc.Encode(record); err != nil {
		f.Close()
		os.Remove(l.lockPath())
		return fmt.Errorf("write lock record: %w", err)
	}
	return f.Close()
}

func (l *Lifecycle) readLock() (LockRecord, error) {
	var rec LockRecord
	data, err := os.ReadFile(l.lockPath())
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("parse lock record: %w", err)
	}
	return rec, nil
}

// holderIsLive reports whether pid is alive and identity-verified.
// An unreadable command line counts as live: we do not steal a lock
// from a process we cannot inspect.
func (l *Lifecycle) holderIsLive(pid int) bool {
	if !procident.Alive(pid) {
		return false
	}
	switch procident.Verify(l.prober, pid, l.program, l.entrypoints...) {
	case procident.VerdictMatch:
		return true
	case procident.VerdictUnknown:
		l.logger.Warn("cannot read command line of lock holder, assuming valid", "pid", pid)
		return true
	default:
		return false
	}
}

// ReleaseLock removes the lock file, tolerating prior absence.
func (l *Lifecycle) ReleaseLock() error {
	if err := os.Remove(l.lockPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// WritePidFile persists the daemon state as the directory's single
// JSON PID file.
func (l *Lifecycle) WritePidFile(state DaemonState) error {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("create daemon dir: %w", err)
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal daemon state: %w", err)
	}
	if err := os.WriteFile(l.pidPath(), data, 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// ReadPidFile retrieves the persisted daemon state. A missing file
// yields ErrNotRunning.
func (l *Lifecycle) ReadPidFile() (DaemonState, error) {
	var state DaemonState
	data, err := os.ReadFile(l.pidPath())
	if err != nil {
		if os.IsNotExist(err) {
			return state, ErrNotRunning
		}
		return state, fmt.Errorf("read pid file: %w", err)
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return state, fmt.Errorf("parse pid file: %w", err)
	}
	return state, nil
}

// RemovePidFile deletes the PID file, tolerating prior absence.
func (l *Lifecycle) RemovePidFile() error {
	if err := os.Remove(l.pidPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove pid file: %w", err)
	}
	return nil
}

// IsRunning reads the PID file and verifies the recorded process. A
// missing file, dead PID, or foreign command line yields false after
// silently cleaning up both the PID and lock files. An unreadable
// command line is assumed valid, with a warning.
func (l *Lifecycle) IsRunning() (bool, int) {
	state, err := l.ReadPidFile()
	if err != nil {
		// Disappearing between check and read means "not running",
		// never an I/O failure to surface.
		return false, 0
	}

	if !procident.Alive(state.PID) {
		l.cleanupStale(state.PID, "process dead")
		return false, 0
	}
	switch procident.Verify(l.prober, state.PID, l.program, l.entrypoints...) {
	case procident.VerdictMismatch:
		cmdline, _ := l.prober.CommandLine(state.PID)
		verr := &VerificationError{PID: state.PID, Cmdline: cmdline}
		l.cleanupStale(state.PID, verr.Error())
		return false, 0
	case procident.VerdictUnknown:
		l.logger.Warn("cannot read command line of recorded pid, assuming valid", "pid", state.PID)
	}
	return true, state.PID
}

func (l *Lifecycle) cleanupStale(pid int, reason string) {
	_ = l.RemovePidFile()
	_ = l.ReleaseLock()
	l.logger.Info("cleaned up stale daemon files", "pid", pid, "reason", reason)
	audit.Record(audit.KindLockTakeover, reason, map[string]string{"holder_pid": strconv.Itoa(pid)})
}

// Dir returns the state directory this lifecycle manages.
func (l *Lifecycle) Dir() string { return l.dir }
