// Package maintenance runs scheduled housekeeping: purging sessions past
// the retention window and rotating the audit trail. The schedule is a
// standard 5-field cron expression.
package maintenance

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/talonhq/talon/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the maintenance runner.
type Config struct {
	Store    *persistence.Store
	Logger   *slog.Logger
	Schedule string // cron expression; defaults to daily at 03:00

	// SessionRetention is how long sessions are kept after their last update.
	SessionRetention time.Duration

	// AuditRetention is how long audit entries are kept. Zero disables
	// audit pruning.
	AuditRetention time.Duration

	// PruneAudit removes audit entries older than the cutoff and returns
	// the number removed. Nil disables audit pruning.
	PruneAudit func(cutoff time.Time) (int, error)

	// PollInterval controls how often the runner checks whether the next
	// scheduled run is due. Defaults to 1 minute.
	PollInterval time.Duration
}

// Runner fires retention jobs when the cron schedule comes due.
type Runner struct {
	store          *persistence.Store
	logger         *slog.Logger
	schedule       cronlib.Schedule
	retention      time.Duration
	auditRetention time.Duration
	pruneAudit     func(cutoff time.Time) (int, error)
	interval       time.Duration

	mu      sync.Mutex
	nextRun time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner creates a Runner. An invalid cron expression is an error.
func NewRunner(cfg Config) (*Runner, error) {
	expr := cfg.Schedule
	if expr == "" {
		expr = "0 3 * * *"
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	retention := cfg.SessionRetention
	if retention <= 0 {
		retention = 90 * 24 * time.Hour
	}
	return &Runner{
		store:          cfg.Store,
		logger:         logger,
		schedule:       sched,
		retention:      retention,
		auditRetention: cfg.AuditRetention,
		pruneAudit:     cfg.PruneAudit,
		interval:       interval,
		nextRun:        sched.Next(time.Now()),
	}, nil
}

// Start begins the runner loop in a background goroutine.
func (r *Runner) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.loop(ctx)
	r.logger.Info("maintenance runner started", "next_run", r.NextRun())
}

// Stop cancels the runner loop and waits for it to exit.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info("maintenance runner stopped")
}

// NextRun returns the next scheduled run time.
func (r *Runner) NextRun() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextRun
}

func (r *Runner) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx, time.Now())
		}
	}
}

// tick fires the retention job when the schedule is due and advances
// the next run time.
func (r *Runner) tick(ctx context.Context, now time.Time) {
	r.mu.Lock()
	due := !now.Before(r.nextRun)
	if due {
		r.nextRun = r.schedule.Next(now)
	}
	r.mu.Unlock()

	if !due {
		return
	}
	r.RunOnce(ctx, now)
}

// RunOnce executes one retention pass immediately, regardless of schedule.
func (r *Runner) RunOnce(ctx context.Context, now time.Time) {
	cutoff := now.Add(-r.retention)
	removed, err := r.store.PurgeSessionsBefore(ctx, cutoff)
	if err != nil {
		r.logger.Error("maintenance: session purge failed", "error", err)
	} else if removed > 0 {
		r.logger.Info("maintenance: purged expired sessions",
			"removed", removed,
			"cutoff", cutoff.Format(time.RFC3339),
		)
	}

	if r.pruneAudit == nil || r.auditRetention <= 0 {
		return
	}
	auditCutoff := now.Add(-r.auditRetention)
	pruned, err := r.pruneAudit(auditCutoff)
	if err != nil {
		r.logger.Error("maintenance: audit prune failed", "error", err)
		return
	}
	if pruned > 0 {
		r.logger.Info("maintenance: pruned audit entries",
			"removed", pruned,
			"cutoff", auditCutoff.Format(time.RFC3339),
		)
	}
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
