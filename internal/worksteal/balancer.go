// Package worksteal detects workload imbalance across registered workers
// and announces rebalancing. It decides steals; it never migrates tasks.
package worksteal

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/talonhq/talon/internal/bus"
)

// Workload is the tracked load record for one registered worker.
type Workload struct {
	WorkerID        string
	TaskCount       int
	AvgTaskDuration time.Duration
	CPUUsage        float64
	MemoryUsage     float64
	Capabilities    []string
}

// Patch is a partial workload update. Nil fields are left unchanged.
type Patch struct {
	TaskCount    *int
	CPUUsage     *float64
	MemoryUsage  *float64
	Capabilities []string
}

// Stats is a derived snapshot of balancer state.
type Stats struct {
	Workers       int
	TotalTasks    int
	AvgTasks      float64
	Imbalance     int   // max taskCount minus min taskCount
	StealRequests int64 // cumulative requests emitted
	PerWorker     []Workload
}

// Config holds the dependencies and tuning for the balancer.
type Config struct {
	Bus            *bus.Bus
	Logger         *slog.Logger
	Interval       time.Duration // evaluation interval; defaults to 30s
	StealThreshold int           // min taskCount gap to trigger a steal; defaults to 3
	MaxStealBatch  int           // max tasks per steal request; defaults to 5
	WindowSize     int           // rolling duration window per worker; defaults to 20
}

type workerEntry struct {
	load      Workload
	durations []time.Duration
}

// Balancer tracks per-worker load, reacts to registry events, and emits
// steal requests on the bus when the load gap crosses the threshold.
type Balancer struct {
	bus            *bus.Bus
	logger         *slog.Logger
	interval       time.Duration
	stealThreshold int
	maxStealBatch  int
	windowSize     int

	mu      sync.Mutex
	workers map[string]*workerEntry
	steals  int64

	sub    *bus.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Balancer with the given config.
func New(cfg Config) *Balancer {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.StealThreshold <= 0 {
		cfg.StealThreshold = 3
	}
	if cfg.MaxStealBatch <= 0 {
		cfg.MaxStealBatch = 5
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 20
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Balancer{
		bus:            cfg.Bus,
		logger:         logger,
		interval:       cfg.Interval,
		stealThreshold: cfg.StealThreshold,
		maxStealBatch:  cfg.MaxStealBatch,
		windowSize:     cfg.WindowSize,
		workers:        make(map[string]*workerEntry),
	}
}

// Start subscribes to worker registry events and begins the evaluation
// loop. It runs in background goroutines and respects ctx for shutdown.
func (b *Balancer) Start(ctx context.Context) {
	ctx, b.cancel = context.WithCancel(ctx)
	b.sub = b.bus.Subscribe("worker.")
	b.wg.Add(2)
	go b.eventLoop(ctx)
	go b.tickLoop(ctx)
	b.logger.Info("work-stealing balancer started",
		"interval", b.interval,
		"steal_threshold", b.stealThreshold,
		"max_steal_batch", b.maxStealBatch,
	)
}

// Stop cancels the loops, waits for them to exit, and releases the
// bus subscription.
func (b *Balancer) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
	if b.sub != nil {
		b.bus.Unsubscribe(b.sub)
		b.sub = nil
	}
	b.logger.Info("work-stealing balancer stopped")
}

func (b *Balancer) eventLoop(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-b.sub.Ch():
			if !ok {
				return
			}
			b.handleEvent(ev)
		}
	}
}

func (b *Balancer) tickLoop(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.CheckAndSteal()
		}
	}
}

func (b *Balancer) handleEvent(ev bus.Event) {
	we, ok := ev.Payload.(bus.WorkerEvent)
	if !ok {
		return
	}
	switch ev.Topic {
	case bus.TopicWorkerRegistered:
		b.register(we.WorkerID, we.Capabilities)
	case bus.TopicWorkerDeregistered:
		b.deregister(we.WorkerID)
	case bus.TopicWorkerUpdated:
		b.UpdateWorkload(we.WorkerID, Patch{
			TaskCount:   &we.TaskCount,
			CPUUsage:    &we.CPUUsage,
			MemoryUsage: &we.MemUsage,
		})
	}
}

func (b *Balancer) register(workerID string, capabilities []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.workers[workerID]; exists {
		return
	}
	b.workers[workerID] = &workerEntry{
		load: Workload{
			WorkerID:     workerID,
			Capabilities: append([]string(nil), capabilities...),
		},
	}
	b.logger.Info("worker registered", "worker_id", workerID, "capabilities", capabilities)
}

func (b *Balancer) deregister(workerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.workers[workerID]; !exists {
		return
	}
	delete(b.workers, workerID)
	b.logger.Info("worker deregistered", "worker_id", workerID)
}

// UpdateWorkload merges a partial workload update into the worker's
// record, creating it if absent.
func (b *Balancer) UpdateWorkload(workerID string, patch Patch) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, exists := b.workers[workerID]
	if !exists {
		entry = &workerEntry{load: Workload{WorkerID: workerID}}
		b.workers[workerID] = entry
	}
	if patch.TaskCount != nil {
		entry.load.TaskCount = *patch.TaskCount
	}
	if patch.CPUUsage != nil {
		entry.load.CPUUsage = *patch.CPUUsage
	}
	if patch.MemoryUsage != nil {
		entry.load.MemoryUsage = *patch.MemoryUsage
	}
	if patch.Capabilities != nil {
		entry.load.Capabilities = append([]string(nil), patch.Capabilities...)
	}
}

// RecordTaskDuration appends a sample to the worker's bounded rolling
// window and recomputes its average task duration.
func (b *Balancer) RecordTaskDuration(workerID string, d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, exists := b.workers[workerID]
	if !exists {
		entry = &workerEntry{load: Workload{WorkerID: workerID}}
		b.workers[workerID] = entry
	}
	entry.durations = append(entry.durations, d)
	if len(entry.durations) > b.windowSize {
		entry.durations = entry.durations[len(entry.durations)-b.windowSize:]
	}
	var sum time.Duration
	for _, s := range entry.durations {
		sum += s
	}
	entry.load.AvgTaskDuration = sum / time.Duration(len(entry.durations))
}

// CheckAndSteal evaluates the current load spread and emits at most one
// steal request. It returns the emitted request, or nil when no steal
// is warranted (fewer than two workers, or gap below threshold).
func (b *Balancer) CheckAndSteal() *bus.StealRequest {
	b.mu.Lock()
	if len(b.workers) < 2 {
		b.mu.Unlock()
		return nil
	}

	loads := make([]Workload, 0, len(b.workers))
	for _, entry := range b.workers {
		loads = append(loads, entry.load)
	}
	sort.Slice(loads, func(i, j int) bool {
		if loads[i].TaskCount != loads[j].TaskCount {
			return loads[i].TaskCount < loads[j].TaskCount
		}
		return loads[i].WorkerID < loads[j].WorkerID
	})

	minLoad := loads[0]
	maxLoad := loads[len(loads)-1]
	diff := maxLoad.TaskCount - minLoad.TaskCount
	if diff < b.stealThreshold {
		b.mu.Unlock()
		return nil
	}

	tasksToSteal := diff / 2
	if tasksToSteal > b.maxStealBatch {
		tasksToSteal = b.maxStealBatch
	}
	b.steals++
	b.mu.Unlock()

	req := bus.StealRequest{
		RequestID:   uuid.NewString(),
		SourceAgent: maxLoad.WorkerID,
		TargetAgent: minLoad.WorkerID,
		TaskCount:   tasksToSteal,
		Timestamp:   time.Now(),
	}
	b.bus.Publish(bus.TopicStealRequested, req)
	b.logger.Info("steal request emitted",
		"request_id", req.RequestID,
		"source", req.SourceAgent,
		"target", req.TargetAgent,
		"task_count", req.TaskCount,
	)
	return &req
}

// FindBestAgent returns the least-loaded worker whose capability set is
// a superset of the requirement, or false if no candidate qualifies.
func (b *Balancer) FindBestAgent(required []string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	bestID := ""
	bestCount := 0
	for _, entry := range b.workers {
		if !hasCapabilities(entry.load.Capabilities, required) {
			continue
		}
		if bestID == "" || entry.load.TaskCount < bestCount ||
			(entry.load.TaskCount == bestCount && entry.load.WorkerID < bestID) {
			bestID = entry.load.WorkerID
			bestCount = entry.load.TaskCount
		}
	}
	return bestID, bestID != ""
}

// Stats aggregates a derived snapshot; it has no side effects.
func (b *Balancer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := Stats{
		Workers:       len(b.workers),
		StealRequests: b.steals,
	}
	minCount, maxCount := 0, 0
	first := true
	for _, entry := range b.workers {
		st.TotalTasks += entry.load.TaskCount
		st.PerWorker = append(st.PerWorker, entry.load)
		if first {
			minCount, maxCount = entry.load.TaskCount, entry.load.TaskCount
			first = false
			continue
		}
		if entry.load.TaskCount < minCount {
			minCount = entry.load.TaskCount
		}
		if entry.load.TaskCount > maxCount {
			maxCount = entry.load.TaskCount
		}
	}
	if st.Workers > 0 {
		st.AvgTasks = float64(st.TotalTasks) / float64(st.Workers)
		st.Imbalance = maxCount - minCount
	}
	sort.Slice(st.PerWorker, func(i, j int) bool {
		return st.PerWorker[i].WorkerID < st.PerWorker[j].WorkerID
	})
	return st
}

func hasCapabilities(have, required []string) bool {
	for _, req := range required {
		found := false
		for _, h := range have {
			if h == req {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
