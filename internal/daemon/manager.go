package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/talonhq/talon/internal/bus"
	"github.com/talonhq/talon/internal/probe"
)

// Subsystem is a named teardown hook registered with the Manager.
type Subsystem struct {
	Name string
	Stop func()
}

// SessionStore is the read-only slice of the persistence layer the
// manager needs at startup.
type SessionStore interface {
	ListSessions(ctx context.Context) ([]SessionRef, error)
	TodosForSession(ctx context.Context, sessionID string) ([]TodoRef, error)
}

// SessionRef identifies one stored session.
type SessionRef struct {
	ID string
}

// TodoRef is one todo item belonging to a session.
type TodoRef struct {
	ID        string
	Completed bool
}

// Manager orchestrates daemon shutdown: subsystems stop in reverse
// registration order, strictly before the lock is released and the PID
// file removed. A second daemon instance must never be able to start
// while old subsystems are mid-teardown.
type Manager struct {
	lifecycle *Lifecycle
	logger    *slog.Logger
	bus       *bus.Bus

	mu         sync.Mutex
	subsystems []Subsystem

	shutdownOnce sync.Once
	exitCode     int
}

// NewManager creates a Manager over the given lifecycle.
func NewManager(lifecycle *Lifecycle, logger *slog.Logger, eventBus *bus.Bus) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{lifecycle: lifecycle, logger: logger, bus: eventBus}
}

// Register adds a subsystem teardown hook. Hooks run in reverse
// registration order, so register dependencies before dependents.
func (m *Manager) Register(name string, stop func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subsystems = append(m.subsystems, Subsystem{Name: name, Stop: stop})
}

// Shutdown runs the full teardown exactly once, no matter how many
// signals or callers race into it, and returns the process exit code:
// 0 on clean teardown, 1 when lock release or PID file removal failed.
// Later calls return the first call's code.
func (m *Manager) Shutdown() int {
	m.shutdownOnce.Do(func() {
		m.logger.Info("daemon shutting down")
		if m.bus != nil {
			m.bus.Publish(bus.TopicDaemonStopping, time.Now())
		}

		m.mu.Lock()
		subs := make([]Subsystem, len(m.subsystems))
		copy(subs, m.subsystems)
		m.mu.Unlock()

		for i := len(subs) - 1; i >= 0; i-- {
			m.logger.Info("stopping subsystem", "name", subs[i].Name)
			subs[i].Stop()
		}

		code := 0
		if err := m.lifecycle.RemovePidFile(); err != nil {
			m.logger.Error("failed to remove pid file", "error", err)
			code = 1
		}
		if err := m.lifecycle.ReleaseLock(); err != nil {
			m.logger.Error("failed to release lock", "error", err)
			code = 1
		}
		m.exitCode = code
		m.logger.Info("daemon shutdown complete", "exit_code", code)
	})
	return m.exitCode
}

// VerifyStarted probes the freshly bound server. A failure here is
// fatal: the caller must stop the server and release the lock before
// surfacing, so no half-started daemon is left holding the lock.
func (m *Manager) VerifyStarted(ctx context.Context, baseURL string) error {
	if err := probe.HTTPGetOK(ctx, baseURL+"/healthz", 2*time.Second); err != nil {
		return &StartupError{Reason: "E_SANITY_CHECK", Err: fmt.Errorf("health probe of %s: %w", baseURL, err)}
	}
	return nil
}

// RestoreSessionsWithTodos counts stored sessions that still carry at
// least one incomplete todo. The count feeds status reporting only;
// nothing is resumed here.
func (m *Manager) RestoreSessionsWithTodos(ctx context.Context, store SessionStore) (int, error) {
	sessions, err := store.ListSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}
	count := 0
	for _, sess := range sessions {
		todos, err := store.TodosForSession(ctx, sess.ID)
		if err != nil {
			m.logger.Warn("skipping session with unreadable todos", "session_id", sess.ID, "error", err)
			continue
		}
		for _, todo := range todos {
			if !todo.Completed {
				count++
				break
			}
		}
	}
	if count > 0 {
		m.logger.Info("sessions with incomplete todos", "count", count)
	}
	return count, nil
}
