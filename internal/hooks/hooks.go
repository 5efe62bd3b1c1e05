// Package hooks discovers and invokes executable lifecycle hooks. A hook
// is any executable file placed in the hooks directory; each is invoked
// with the lifecycle event name as its first argument. A missing or empty
// directory is a no-op.
package hooks

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"
)

// Lifecycle events passed to hooks.
const (
	EventStartup  = "startup"
	EventReady    = "ready"
	EventShutdown = "shutdown"
)

const defaultTimeout = 10 * time.Second

// Hook is a discovered executable.
type Hook struct {
	Name string
	Path string
}

// Runner invokes discovered hooks for lifecycle events.
type Runner struct {
	dir     string
	logger  *slog.Logger
	timeout time.Duration
	env     []string
}

// Config holds the runner's dependencies.
type Config struct {
	Dir     string
	Logger  *slog.Logger
	Timeout time.Duration     // per-hook; defaults to 10s
	Env     map[string]string // extra environment passed to every hook
}

func NewRunner(cfg Config) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	env := os.Environ()
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}
	return &Runner{
		dir:     cfg.Dir,
		logger:  logger,
		timeout: timeout,
		env:     env,
	}
}

// Discover lists executable files in the hooks directory, sorted by name.
// A missing directory yields an empty list.
func (r *Runner) Discover() []Hook {
	if r.dir == "" {
		return nil
	}
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			r.logger.Warn("hooks: cannot read directory", "dir", r.dir, "error", err)
		}
		return nil
	}

	var found []Hook
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.Mode()&0o111 == 0 {
			continue
		}
		found = append(found, Hook{
			Name: entry.Name(),
			Path: filepath.Join(r.dir, entry.Name()),
		})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Name < found[j].Name })
	return found
}

// Fire runs every discovered hook with the event name as its argument.
// Hooks run sequentially in name order; a failing hook is logged and
// does not block the rest.
func (r *Runner) Fire(ctx context.Context, event string) {
	hooks := r.Discover()
	for _, h := range hooks {
		r.run(ctx, h, event)
	}
}

func (r *Runner) run(ctx context.Context, h Hook, event string) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, h.Path, event)
	cmd.Env = append(r.env, "TALON_HOOK_EVENT="+event)

	start := time.Now()
	out, err := cmd.CombinedOutput()
	if err != nil {
		r.logger.Warn("hooks: hook failed",
			"hook", h.Name,
			"event", event,
			"error", err,
			"output", string(out),
		)
		return
	}
	r.logger.Debug("hooks: hook completed",
		"hook", h.Name,
		"event", event,
		"duration", time.Since(start).Round(time.Millisecond),
	)
}
