package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the daemon's metric instruments.
type Metrics struct {
	RetryAttempts   metric.Int64Counter
	RetryExhausted  metric.Int64Counter
	GatewayRestarts metric.Int64Counter
	GatewayUptime   metric.Float64Histogram
	StealRequests   metric.Int64Counter
	TasksStolen     metric.Int64Counter
	TaskDuration    metric.Float64Histogram
	ActiveWorkers   metric.Int64UpDownCounter
	SessionsRestore metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RetryAttempts, err = meter.Int64Counter("talon.retry.attempts",
		metric.WithDescription("Retryable operation attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.RetryExhausted, err = meter.Int64Counter("talon.retry.exhausted",
		metric.WithDescription("Operations that exhausted their retry budget"),
	)
	if err != nil {
		return nil, err
	}

	m.GatewayRestarts, err = meter.Int64Counter("talon.gateway.restarts",
		metric.WithDescription("Gateway process restarts"),
	)
	if err != nil {
		return nil, err
	}

	m.GatewayUptime, err = meter.Float64Histogram("talon.gateway.uptime",
		metric.WithDescription("Gateway process lifetime per run in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.StealRequests, err = meter.Int64Counter("talon.worksteal.requests",
		metric.WithDescription("Work-stealing requests emitted"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksStolen, err = meter.Int64Counter("talon.worksteal.tasks",
		metric.WithDescription("Tasks moved by work-stealing requests"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("talon.task.duration",
		metric.WithDescription("Task processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveWorkers, err = meter.Int64UpDownCounter("talon.workers.active",
		metric.WithDescription("Number of currently registered workers"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionsRestore, err = meter.Int64Counter("talon.sessions.restored",
		metric.WithDescription("Sessions with pending todos restored at startup"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
