package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"go.opentelemetry.io/otel/metric"

	"github.com/talonhq/talon/internal/audit"
	"github.com/talonhq/talon/internal/bus"
	"github.com/talonhq/talon/internal/config"
	"github.com/talonhq/talon/internal/daemon"
	"github.com/talonhq/talon/internal/gateway"
	"github.com/talonhq/talon/internal/hooks"
	"github.com/talonhq/talon/internal/httpapi"
	"github.com/talonhq/talon/internal/maintenance"
	otelPkg "github.com/talonhq/talon/internal/otel"
	"github.com/talonhq/talon/internal/persistence"
	"github.com/talonhq/talon/internal/procident"
	"github.com/talonhq/talon/internal/retry"
	"github.com/talonhq/talon/internal/telemetry"
	"github.com/talonhq/talon/internal/worksteal"
)

const stopGrace = 5 * time.Second

// runDaemon is the foreground daemon entrypoint. It acquires the
// singleton lock, wires every subsystem, verifies the API answers, and
// then blocks until a shutdown signal.
func runDaemon(ctx context.Context, stop context.CancelFunc) int {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit before the logger so logger failures are still audited.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	// File-only logs when running detached from a terminal.
	quietLogs := !isatty.IsTerminal(os.Stdout.Fd())
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	// Singleton lock. Everything after this point must release it on exit.
	lifecycle := daemon.NewLifecycle(daemon.LifecycleConfig{
		Dir:    config.DaemonDir(cfg.HomeDir),
		Logger: logger,
		Prober: procident.New(),
	})
	startTime := time.Now().UTC()
	if err := lifecycle.AcquireLock(daemon.LockRecord{PID: os.Getpid(), StartTime: startTime}); err != nil {
		if errors.Is(err, daemon.ErrAlreadyRunning) {
			fmt.Fprintln(os.Stderr, "talond is already running")
			return 1
		}
		fatalStartup(logger, "E_LOCK_ACQUIRE", err)
	}
	logger.Info("startup phase", "phase", "lock_acquired", "pid", os.Getpid())

	eventBus := bus.New()
	manager := daemon.NewManager(lifecycle, logger, eventBus)

	hostname, _ := os.Hostname()
	port := 0
	if _, portStr, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		port, _ = strconv.Atoi(portStr)
	}
	if err := lifecycle.WritePidFile(daemon.DaemonState{
		PID:       os.Getpid(),
		Port:      port,
		Hostname:  hostname,
		StartTime: startTime,
		Directory: cfg.HomeDir,
	}); err != nil {
		_ = lifecycle.ReleaseLock()
		fatalStartup(logger, "E_PID_WRITE", err)
	}

	otelProvider, err := otelPkg.Init(ctx, cfg.Otel)
	if err != nil {
		exitStartup(manager, logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		exitStartup(manager, logger, "E_OTEL_INIT", err)
	}

	store, err := persistence.Open(config.DatabasePath(cfg.HomeDir))
	if err != nil {
		exitStartup(manager, logger, "E_STORE_OPEN", err)
	}
	manager.Register("persistence", func() { _ = store.Close() })
	logger.Info("startup phase", "phase", "schema_migrated")

	restored, err := manager.RestoreSessionsWithTodos(ctx, store)
	if err != nil {
		logger.Warn("session restore scan incomplete", "error", err)
	}
	metrics.SessionsRestore.Add(ctx, int64(restored))
	audit.Record(audit.KindSessionsRestore, "", map[string]string{"count": strconv.Itoa(restored)})
	logger.Info("startup phase", "phase", "sessions_restored", "count", restored)

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		exitStartup(manager, logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			logger.Info("config changed on disk; restart to apply", "path", ev.Path, "op", ev.Op.String())
		}
	}()

	// Work-stealing balancer observes worker events and emits steal requests.
	balancer := worksteal.New(worksteal.Config{
		Bus:            eventBus,
		Logger:         logger,
		Interval:       time.Duration(cfg.WorkSteal.IntervalSeconds) * time.Second,
		StealThreshold: cfg.WorkSteal.StealThreshold,
		MaxStealBatch:  cfg.WorkSteal.MaxStealBatch,
		WindowSize:     cfg.WorkSteal.WindowSize,
	})
	balancer.Start(ctx)
	manager.Register("balancer", balancer.Stop)

	// Count steal requests on the meter, one span per decision.
	stealSub := eventBus.Subscribe(bus.TopicStealRequested)
	go func() {
		for ev := range stealSub.Ch() {
			if req, ok := ev.Payload.(bus.StealRequest); ok {
				_, span := otelPkg.StartSpan(context.Background(), otelProvider.Tracer, "worksteal.steal",
					otelPkg.AttrStealSource.String(req.SourceAgent),
					otelPkg.AttrStealTarget.String(req.TargetAgent),
					otelPkg.AttrStealCount.Int(req.TaskCount),
				)
				metrics.StealRequests.Add(context.Background(), 1)
				metrics.TasksStolen.Add(context.Background(), int64(req.TaskCount))
				span.End()
			}
		}
	}()
	manager.Register("steal-meter", func() { eventBus.Unsubscribe(stealSub) })

	// Count retry attempts from any operation that publishes them.
	retrySub := eventBus.Subscribe(bus.TopicRetryAttempt)
	go func() {
		for ev := range retrySub.Ch() {
			if at, ok := ev.Payload.(bus.RetryAttemptEvent); ok {
				metrics.RetryAttempts.Add(context.Background(), 1,
					metric.WithAttributes(
						otelPkg.AttrErrorKind.String(at.Category),
						otelPkg.AttrRetryAttempt.Int(at.Attempt),
					))
			}
		}
	}()
	manager.Register("retry-meter", func() { eventBus.Unsubscribe(retrySub) })

	// Gateway supervisor.
	supervisor := gateway.New(gateway.Config{
		Gateway: cfg.Gateway,
		HomeDir: cfg.HomeDir,
		Logger:  logger,
		Bus:     eventBus,
	})
	daemonURL := "http://" + cfg.BindAddr
	if supervisor.Enabled() {
		if ok := supervisor.Start(ctx, gateway.StartOptions{DaemonURL: daemonURL}); !ok {
			st := supervisor.Status()
			logger.Warn("gateway did not start", "state", string(st.State), "error", st.Error)
		}
		manager.Register("gateway", supervisor.Stop)
	}
	gwSub := eventBus.Subscribe(bus.TopicGatewayState)
	go func() {
		for ev := range gwSub.Ch() {
			st, ok := ev.Payload.(bus.GatewayStateEvent)
			if !ok {
				continue
			}
			switch st.State {
			case string(gateway.StateRunning):
				_, span := otelPkg.StartSpan(context.Background(), otelProvider.Tracer, "gateway.running",
					otelPkg.AttrGatewayPID.Int(supervisor.Status().PID),
					otelPkg.AttrRetryAttempt.Int(st.Restarts),
				)
				span.End()
				audit.Record(audit.KindGatewayStarted, st.Reason, nil)
			case string(gateway.StateExited):
				audit.Record(audit.KindGatewayExited, st.Reason, nil)
			case string(gateway.StateRetryScheduled):
				metrics.GatewayRestarts.Add(context.Background(), 1)
				audit.Record(audit.KindGatewayRetry, st.Reason,
					map[string]string{"delay_ms": strconv.FormatInt(st.RetryIn, 10)})
			}
		}
	}()
	manager.Register("gateway-meter", func() { eventBus.Unsubscribe(gwSub) })

	// Retention housekeeping.
	runner, err := maintenance.NewRunner(maintenance.Config{
		Store:            store,
		Logger:           logger,
		Schedule:         cfg.RetentionSchedule,
		SessionRetention: time.Duration(cfg.RetentionSessionsDays) * 24 * time.Hour,
		AuditRetention:   time.Duration(cfg.RetentionAuditDays) * 24 * time.Hour,
		PruneAudit:       audit.PruneBefore,
	})
	if err != nil {
		exitStartup(manager, logger, "E_MAINTENANCE_INIT", err)
	}
	runner.Start(ctx)
	manager.Register("maintenance", runner.Stop)

	// Lifecycle hooks.
	hookRunner := hooks.NewRunner(hooks.Config{
		Dir:    cfg.HooksDir,
		Logger: logger,
		Env:    map[string]string{"TALON_HOME": cfg.HomeDir, "TALON_DAEMON_URL": daemonURL},
	})
	hookRunner.Fire(ctx, hooks.EventStartup)

	// Control API.
	api := httpapi.New(httpapi.Config{
		BindAddr:          cfg.BindAddr,
		Logger:            logger,
		Bus:               eventBus,
		Version:           Version,
		Tracer:            otelProvider.Tracer,
		ConfigFingerprint: cfg.Fingerprint(),
		GatewayStatus:     supervisor.Status,
		WorkerStats:       balancer.Stats,
		SessionsRestored:  restored,
	})
	if err := api.Start(); err != nil {
		exitStartup(manager, logger, "E_LISTENER_BIND", err)
	}
	manager.Register("api", func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), stopGrace)
		defer cancel()
		_ = api.Stop(shutdownCtx)
	})
	logger.Info("startup phase", "phase", "listener_bound", "addr", api.Addr())

	// Post-start sanity check: the API must answer before the daemon is
	// considered up. Transient probe failures retry on the configured
	// backoff; exhausting the attempts tears everything down.
	verifyURL := "http://" + api.Addr()
	verifyStrategy := retry.NewStrategy(retry.Config{
		InitialDelay:  time.Duration(cfg.Retry.InitialDelayMs) * time.Millisecond,
		MaxDelay:      time.Duration(cfg.Retry.MaxDelayMs) * time.Millisecond,
		BackoffFactor: cfg.Retry.BackoffFactor,
		MaxAttempts:   cfg.Retry.MaxAttempts,
		EnableJitter:  cfg.Retry.EnableJitter,
		JitterFactor:  cfg.Retry.JitterFactor,
	})
	verifyErr := retry.Do(ctx, func(ctx context.Context) error {
		return manager.VerifyStarted(ctx, verifyURL)
	}, verifyStrategy, func(attempt int, delay time.Duration, err error) {
		eventBus.Publish(bus.TopicRetryAttempt, bus.RetryAttemptEvent{
			Operation: "daemon.verify",
			Attempt:   attempt,
			Category:  string(retry.Classify(err).Category),
			DelayMs:   delay.Milliseconds(),
		})
		logger.Warn("post-start verification retry", "attempt", attempt, "delay", delay, "error", err)
	})
	if verifyErr != nil {
		metrics.RetryExhausted.Add(context.Background(), 1)
		audit.Record(audit.KindRetryExhausted, verifyErr.Error(), map[string]string{"operation": "daemon.verify"})
		logger.Error("post-start verification failed", "error", verifyErr)
		audit.Record(audit.KindFatalStartup, verifyErr.Error(), map[string]string{"reason_code": "E_SANITY_CHECK"})
		manager.Shutdown()
		return 1
	}

	eventBus.Publish(bus.TopicDaemonStarted, nil)
	audit.Record(audit.KindDaemonStarted, "", map[string]string{"pid": strconv.Itoa(os.Getpid())})
	hookRunner.Fire(ctx, hooks.EventReady)
	logger.Info("daemon ready", "addr", api.Addr(), "version", Version)

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), stopGrace)
	hookRunner.Fire(shutdownCtx, hooks.EventShutdown)
	cancel()

	code := manager.Shutdown()
	audit.Record(audit.KindDaemonStopped, "", map[string]string{"exit_code": strconv.Itoa(code)})
	logger.Info("shutdown complete", "exit_code", code)
	return code
}

// exitStartup tears down already-registered subsystems, releases the
// lock, and exits with the given startup reason code.
func exitStartup(manager *daemon.Manager, logger *slog.Logger, reasonCode string, err error) {
	manager.Shutdown()
	fatalStartup(logger, reasonCode, err)
}

// runDaemonStart launches the daemon as a detached background process
// and waits briefly for it to come up.
func runDaemonStart(ctx context.Context) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	lifecycle := daemon.NewLifecycle(daemon.LifecycleConfig{
		Dir:    config.DaemonDir(cfg.HomeDir),
		Prober: procident.New(),
	})
	if running, pid := lifecycle.IsRunning(); running {
		fmt.Printf("talond already running (pid %d)\n", pid)
		return 0
	}

	exe, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve executable: %v\n", err)
		return 1
	}
	proc := exec.Command(exe, "daemon", "run")
	proc.Stdout = nil
	proc.Stderr = nil
	if err := proc.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "launch daemon: %v\n", err)
		return 1
	}
	if err := proc.Process.Release(); err != nil {
		fmt.Fprintf(os.Stderr, "detach daemon: %v\n", err)
		return 1
	}

	fmt.Println("Daemon launching...")
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if running, pid := lifecycle.IsRunning(); running {
			fmt.Printf("Daemon started (pid %d)\n", pid)
			return 0
		}
		select {
		case <-ctx.Done():
			return 1
		case <-time.After(200 * time.Millisecond):
		}
	}
	fmt.Fprintln(os.Stderr, "daemon did not come up within 10s; check logs under "+cfg.HomeDir)
	return 1
}

// runDaemonStop signals the running daemon with SIGTERM and escalates
// to SIGKILL if it does not exit within the grace period.
func runDaemonStop(ctx context.Context) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	lifecycle := daemon.NewLifecycle(daemon.LifecycleConfig{
		Dir:    config.DaemonDir(cfg.HomeDir),
		Prober: procident.New(),
	})
	running, pid := lifecycle.IsRunning()
	if !running {
		fmt.Println("Daemon is not running")
		return 0
	}

	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		fmt.Fprintf(os.Stderr, "signal daemon (pid %d): %v\n", pid, err)
		return 1
	}

	deadline := time.Now().Add(stopGrace)
	for time.Now().Before(deadline) {
		if !procident.Alive(pid) {
			fmt.Println("Daemon stopped")
			return 0
		}
		select {
		case <-ctx.Done():
			return 1
		case <-time.After(100 * time.Millisecond):
		}
	}

	fmt.Printf("Daemon did not exit within %s, killing pid %d\n", stopGrace, pid)
	_ = syscall.Kill(pid, syscall.SIGKILL)
	fmt.Println("Daemon stopped")
	return 0
}

// runDaemonStatus reports whether the daemon is running per the PID file.
func runDaemonStatus(_ context.Context) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	lifecycle := daemon.NewLifecycle(daemon.LifecycleConfig{
		Dir:    config.DaemonDir(cfg.HomeDir),
		Prober: procident.New(),
	})
	running, pid := lifecycle.IsRunning()
	if !running {
		fmt.Println("Daemon is not running")
		return 1
	}

	state, err := lifecycle.ReadPidFile()
	if err != nil {
		fmt.Printf("Daemon running (pid %d)\n", pid)
		return 0
	}
	fmt.Printf("Daemon running (pid %d, port %d, started %s)\n", state.PID, state.Port, state.StartTime.Format(time.RFC3339))
	return 0
}
