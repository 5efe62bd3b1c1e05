package bus

import "time"

// Worker registry event topics.
const (
	TopicWorkerRegistered   = "worker.registered"
	TopicWorkerDeregistered = "worker.deregistered"
	TopicWorkerUpdated      = "worker.updated"
)

// Work-stealing event topics.
const (
	TopicStealRequested = "workstealing.request"
)

// Gateway supervisor event topics.
const (
	TopicGatewayState = "gateway.state"
)

// Daemon lifecycle event topics.
const (
	TopicDaemonStarted  = "daemon.lifecycle.started"
	TopicDaemonStopping = "daemon.lifecycle.stopping"
)

// Retry event topics.
const (
	TopicRetryAttempt = "retry.attempt"
)

// WorkerEvent is published when a worker registers, deregisters, or
// reports a workload update.
type WorkerEvent struct {
	WorkerID     string   // Worker ID
	Capabilities []string // Declared capabilities (register only)
	TaskCount    int      // Current task count (update only)
	CPUUsage     float64  // CPU usage fraction 0..1 (update only)
	MemUsage     float64  // Memory usage fraction 0..1 (update only)
}

// StealRequest is published when the balancer decides tasks should move
// from one worker to another. Consumers perform the actual migration.
type StealRequest struct {
	RequestID   string    // Unique request ID
	SourceAgent string    // Overloaded worker to take tasks from
	TargetAgent string    // Underloaded worker to give tasks to
	TaskCount   int       // Number of tasks to move
	Timestamp   time.Time // Decision time
}

// GatewayStateEvent is published on every gateway supervisor state change.
type GatewayStateEvent struct {
	State     string // New state name (e.g. RUNNING)
	Reason    string // Human-readable cause, empty for normal transitions
	RetryIn   int64  // Milliseconds until the next retry, 0 if none scheduled
	Restarts  int    // Consecutive retry count
	Timestamp time.Time
}

// RetryAttemptEvent is published before each retry sleep.
type RetryAttemptEvent struct {
	Operation string // Name of the retried operation
	Attempt   int    // 1-based attempt number that just failed
	Category  string // Error classification (e.g. RATE_LIMITED)
	DelayMs   int64  // Delay before the next attempt
}
