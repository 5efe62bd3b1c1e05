// Package procident inspects running processes to answer two questions:
// is a PID alive, and does its command line identify it as one of ours.
package procident

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
)

// Verdict is the outcome of an identity check.
type Verdict int

const (
	// VerdictMatch means the command line contains all required tokens.
	VerdictMatch Verdict = iota
	// VerdictMismatch means the command line was read and does not match.
	VerdictMismatch
	// VerdictUnknown means the command line could not be read. Callers
	// treat this as "assume valid" and log a warning rather than
	// condemning a process they cannot inspect.
	VerdictUnknown
)

func (v Verdict) String() string {
	switch v {
	case VerdictMatch:
		return "match"
	case VerdictMismatch:
		return "mismatch"
	default:
		return "unknown"
	}
}

// Prober reads a process's command line.
type Prober interface {
	// CommandLine returns the command line of pid. ok is false when the
	// command line cannot be read (process gone, unsupported platform,
	// permissions).
	CommandLine(pid int) (cmdline string, ok bool)
}

// New selects the best available prober for this platform: /proc where
// present, otherwise a ps-based fallback, otherwise a prober that always
// reports unknown.
func New() Prober {
	if runtime.GOOS == "linux" {
		if _, err := os.Stat("/proc/self/cmdline"); err == nil {
			return procfsProber{}
		}
	}
	if _, err := exec.LookPath("ps"); err == nil {
		return psProber{}
	}
	return noProber{}
}

// procfsProber reads /proc/<pid>/cmdline directly.
type procfsProber struct{}

func (procfsProber) CommandLine(pid int) (string, bool) {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "cmdline"))
	if err != nil || len(data) == 0 {
		return "", false
	}
	// Arguments are NUL-separated.
	return strings.TrimSpace(strings.ReplaceAll(string(data), "\x00", " ")), true
}

// psProber shells out to ps, which works on Linux and macOS.
type psProber struct{}

func (psProber) CommandLine(pid int) (string, bool) {
	out, err := exec.Command("ps", "-p", strconv.Itoa(pid), "-o", "command=").Output()
	if err != nil {
		return "", false
	}
	cmdline := strings.TrimSpace(string(out))
	if cmdline == "" {
		return "", false
	}
	return cmdline, true
}

type noProber struct{}

func (noProber) CommandLine(int) (string, bool) { return "", false }

// Alive reports whether pid refers to a live process, via signal 0.
// EPERM counts as alive: the process exists, we just cannot signal it.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

// Verify checks whether pid's command line identifies one of our daemon
// processes: the program token must appear along with at least one of
// the entrypoint tokens. No entrypoints means the program token alone
// decides. An unreadable command line yields VerdictUnknown, never
// VerdictMismatch.
func Verify(p Prober, pid int, program string, entrypoints ...string) Verdict {
	cmdline, ok := p.CommandLine(pid)
	if !ok {
		return VerdictUnknown
	}
	if !strings.Contains(cmdline, program) {
		return VerdictMismatch
	}
	if len(entrypoints) == 0 {
		return VerdictMatch
	}
	for _, tok := range entrypoints {
		if strings.Contains(cmdline, tok) {
			return VerdictMatch
		}
	}
	return VerdictMismatch
}
