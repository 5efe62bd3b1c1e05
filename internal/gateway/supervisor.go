// Package gateway supervises at most one instance of the optional
// messaging-gateway subprocess: preflight validation, launch, exit
// monitoring, and indefinite delay-capped retry.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/talonhq/talon/internal/bus"
	"github.com/talonhq/talon/internal/config"
	"github.com/talonhq/talon/internal/probe"
	"github.com/talonhq/talon/internal/retry"
)

// State names a supervisor lifecycle phase.
type State string

const (
	StateStopped        State = "STOPPED"
	StatePreflighting   State = "PREFLIGHTING"
	StateRunning        State = "RUNNING"
	StateExited         State = "EXITED"
	StateRetryScheduled State = "RETRY_SCHEDULED"
)

// PreflightOptions control a preflight run.
type PreflightOptions struct {
	Force     bool // proceed despite blocking warnings
	CheckPort bool // probe the gateway port for a foreign occupant
}

// PreflightResult is computed fresh on every start/status query and
// never persisted.
type PreflightResult struct {
	OK                 bool
	Issues             []string
	Warnings           []string
	ConfigPath         string
	EnvHints           []string
	PortCheckPerformed bool
}

// StartOptions control a start attempt.
type StartOptions struct {
	Force     bool
	DaemonURL string // base URL of the owning daemon, handed to the gateway
}

// Status is a read-only projection over supervisor internals.
type Status struct {
	State     State
	Running   bool
	Enabled   bool
	PID       int
	Error     string
	LastExit  string
	DaemonURL string
	Retries   int
}

// Process is a launched gateway the supervisor can observe and stop.
type Process interface {
	PID() int
	// Done is closed (after delivering the exit error, if any) when the
	// process exits.
	Done() <-chan error
	// Terminate asks the process to exit, waiting up to grace before
	// forcing termination.
	Terminate(grace time.Duration) error
}

// Launcher starts the gateway process. Swappable for tests.
type Launcher interface {
	Launch(ctx context.Context, daemonURL string) (Process, error)
}

// Config holds the supervisor's dependencies.
type Config struct {
	Gateway config.GatewayConfig
	HomeDir string
	Logger  *slog.Logger
	Bus     *bus.Bus
	// Launcher starts the process; nil uses the exec-based launcher.
	Launcher Launcher
	// PortOpen probes a TCP address; nil uses probe.TCP.
	PortOpen func(addr string, timeout time.Duration) bool
}

// Supervisor owns the gateway lifecycle. All state transitions happen
// under its mutex; external readers see them only via Status.
type Supervisor struct {
	cfg      config.GatewayConfig
	homeDir  string
	logger   *slog.Logger
	bus      *bus.Bus
	launcher Launcher
	portOpen func(addr string, timeout time.Duration) bool

	mu           sync.Mutex
	state        State
	proc         Process
	lastError    string
	lastExit     string
	daemonURL    string
	lastOpts     StartOptions
	retryCount   int
	retryTimer   *time.Timer
	starting     bool
	shuttingDown bool
}

// New creates a Supervisor in the Stopped state.
func New(cfg Config) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	launcher := cfg.Launcher
	if launcher == nil {
		launcher = &execLauncher{cfg: cfg.Gateway, logger: logger}
	}
	portOpen := cfg.PortOpen
	if portOpen == nil {
		portOpen = probe.TCP
	}
	return &Supervisor{
		cfg:      cfg.Gateway,
		homeDir:  cfg.HomeDir,
		logger:   logger,
		bus:      cfg.Bus,
		launcher: launcher,
		portOpen: portOpen,
		state:    StateStopped,
	}
}

// Preflight gathers configuration issues, blocking warnings, and
// environment hints. ok is true only with no hard issues and either no
// warnings or Force set.
func (s *Supervisor) Preflight(opts PreflightOptions) PreflightResult {
	res := PreflightResult{
		ConfigPath: config.ConfigPath(s.homeDir),
	}

	if !s.cfg.Enabled {
		res.Issues = append(res.Issues, "gateway is disabled in config.yaml (gateway.enabled: false)")
	}
	if s.cfg.Command == "" {
		res.Issues = append(res.Issues, "gateway.command is not configured")
	} else if _, err := exec.LookPath(s.cfg.Command); err != nil {
		res.Issues = append(res.Issues, fmt.Sprintf("gateway command %q not found in PATH", s.cfg.Command))
	}

	for _, env := range s.cfg.RequiredEnv {
		if os.Getenv(env) == "" {
			res.EnvHints = append(res.EnvHints, fmt.Sprintf("environment variable %s is not set", env))
			res.Warnings = append(res.Warnings, fmt.Sprintf("required env %s missing; the gateway may fail to authenticate", env))
		}
	}

	if opts.CheckPort && s.cfg.Port > 0 {
		res.PortCheckPerformed = true
		addr := fmt.Sprintf("127.0.0.1:%d", s.cfg.Port)
		timeout := time.Duration(s.cfg.PreflightTimeoutMs) * time.Millisecond
		if s.portOpen(addr, timeout) {
			res.Warnings = append(res.Warnings, fmt.Sprintf("port %d is already bound: %s", s.cfg.Port, probe.PortOccupantHint(addr)))
		}
	}

	res.OK = len(res.Issues) == 0 && (len(res.Warnings) == 0 || opts.Force)
	return res
}

// Start attempts to bring the gateway up. It returns true if the
// gateway is running when it returns: immediately true when already
// running, false when a start is in flight or the supervisor is
// shutting down. Preflight failure records the first problem as the
// last error and returns false without scheduling a retry; launch
// failure schedules one.
func (s *Supervisor) Start(ctx context.Context, opts StartOptions) bool {
	s.mu.Lock()
	if s.state == StateRunning {
		s.mu.Unlock()
		return true
	}
	if s.starting || s.shuttingDown {
		s.mu.Unlock()
		return false
	}
	s.starting = true
	s.lastOpts = opts
	s.daemonURL = opts.DaemonURL
	s.setStateLocked(StatePreflighting, "")
	s.mu.Unlock()

	pre := s.Preflight(PreflightOptions{Force: opts.Force, CheckPort: true})
	if !pre.OK {
		reason := firstProblem(pre)
		s.mu.Lock()
		s.lastError = reason
		s.starting = false
		s.setStateLocked(StateStopped, reason)
		s.mu.Unlock()
		s.logger.Warn("gateway preflight failed", "reason", reason)
		return false
	}

	proc, err := s.launcher.Launch(ctx, opts.DaemonURL)
	if err != nil {
		s.mu.Lock()
		s.lastError = err.Error()
		s.starting = false
		s.setStateLocked(StateExited, err.Error())
		s.scheduleRetryLocked(ctx, err.Error())
		s.mu.Unlock()
		s.logger.Error("gateway launch failed", "error", err)
		return false
	}

	s.mu.Lock()
	s.proc = proc
	s.retryCount = 0
	s.lastError = ""
	s.starting = false
	s.setStateLocked(StateRunning, "")
	s.mu.Unlock()
	s.logger.Info("gateway started", "pid", proc.PID())

	go s.watch(ctx, proc)
	return true
}

// watch waits for the process to exit and schedules a retry unless the
// supervisor initiated the stop.
func (s *Supervisor) watch(ctx context.Context, proc Process) {
	err := <-proc.Done()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc != proc {
		return // superseded
	}
	s.proc = nil
	exit := "exit status 0"
	if err != nil {
		exit = err.Error()
	}
	s.lastExit = exit
	if s.shuttingDown {
		return
	}
	s.setStateLocked(StateExited, exit)
	s.logger.Warn("gateway exited", "exit", exit)
	s.scheduleRetryLocked(ctx, exit)
}

// scheduleRetryLocked arms a one-shot retry timer: delay is
// min(maxDelay, base*2^retryCount), the attempt count unbounded.
// Callers hold s.mu.
func (s *Supervisor) scheduleRetryLocked(ctx context.Context, reason string) {
	if s.shuttingDown || !s.cfg.Enabled || s.retryTimer != nil {
		return
	}
	delay := retry.Delay(s.retryCount+1, retry.Config{
		InitialDelay:  time.Duration(s.cfg.RetryBaseSeconds) * time.Second,
		MaxDelay:      time.Duration(s.cfg.RetryMaxSeconds) * time.Second,
		BackoffFactor: 2,
	}, nil)
	s.retryCount++
	opts := s.lastOpts

	if s.bus != nil {
		s.bus.Publish(bus.TopicRetryAttempt, bus.RetryAttemptEvent{
			Operation: "gateway.start",
			Attempt:   s.retryCount,
			Category:  string(retry.Classify(errors.New(reason)).Category),
			DelayMs:   delay.Milliseconds(),
		})
	}

	s.retryTimer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		s.retryTimer = nil
		stopped := s.shuttingDown
		s.mu.Unlock()
		if stopped {
			return
		}
		s.Start(ctx, opts)
	})
	s.state = StateRetryScheduled
	s.publishLocked(StateRetryScheduled, reason, delay)
	s.logger.Info("gateway retry scheduled", "delay", delay, "retry_count", s.retryCount, "reason", reason)
}

// Stop disables future retries, cancels any pending retry timer, and
// terminates the managed process with the configured grace period.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return
	}
	s.shuttingDown = true
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	proc := s.proc
	s.setStateLocked(StateStopped, "")
	s.mu.Unlock()

	if proc != nil {
		grace := time.Duration(s.cfg.StopGraceSeconds) * time.Second
		if err := proc.Terminate(grace); err != nil {
			s.logger.Warn("gateway termination", "error", err)
		}
	}
	s.logger.Info("gateway supervisor stopped")
}

// Status returns a snapshot of supervisor state. It never mutates.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		State:     s.state,
		Running:   s.state == StateRunning,
		Enabled:   s.cfg.Enabled,
		Error:     s.lastError,
		LastExit:  s.lastExit,
		DaemonURL: s.daemonURL,
		Retries:   s.retryCount,
	}
	if s.proc != nil {
		st.PID = s.proc.PID()
	}
	return st
}

// Enabled reports whether the gateway is enabled in config.
func (s *Supervisor) Enabled() bool {
	return s.cfg.Enabled
}

// setStateLocked transitions state and publishes the change. Callers
// hold s.mu.
func (s *Supervisor) setStateLocked(state State, reason string) {
	if s.state == state {
		return
	}
	s.state = state
	s.publishLocked(state, reason, 0)
}

func (s *Supervisor) publishLocked(state State, reason string, retryIn time.Duration) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.TopicGatewayState, bus.GatewayStateEvent{
		State:     string(state),
		Reason:    reason,
		RetryIn:   retryIn.Milliseconds(),
		Restarts:  s.retryCount,
		Timestamp: time.Now(),
	})
}

func firstProblem(pre PreflightResult) string {
	if len(pre.Issues) > 0 {
		return pre.Issues[0]
	}
	if len(pre.Warnings) > 0 {
		return pre.Warnings[0]
	}
	return "preflight failed"
}
