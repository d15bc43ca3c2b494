package coord

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/taskman/core/logging"
	"github.com/swarmguard/taskman/config"
	"github.com/swarmguard/taskman/fault"
	"github.com/swarmguard/taskman/lockmgr"
	"github.com/swarmguard/taskman/model"
	"github.com/swarmguard/taskman/sched"
	"github.com/swarmguard/taskman/transport"
)

const (
	component          = "coord"
	collaboratorWait   = 30 * time.Second
	coordinationPeriod = time.Second
)

// readiness is implemented by collaborators that need startup time.
type readiness interface{ Ready() bool }

// Coordinator consumes execution batches from the scheduler, selects
// agents, acquires locks and runs tasks through the agent channel.
type Coordinator struct {
	cfg       config.Execution
	scheduler SchedulerAPI
	channel   transport.AgentChannel
	locks     *lockmgr.Manager

	mu         sync.Mutex
	agents     map[string]*model.Agent
	active     map[string]*activeExecution // executionID -> live execution
	retained   map[string]*retainedExecution
	queue      []*sched.ScheduledTask // FIFO of tasks awaiting dispatch
	running    bool
	paused     bool
	delay      time.Duration
	rrCursor   int
	statsTotal int
	statsOK    int
	statsDur   time.Duration

	hooks     LifecycleHooks
	listeners []func(StateChangeEvent)

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup

	dispatched metric.Int64Counter
	completed  metric.Int64Counter
	failures   metric.Int64Counter
	timeouts   metric.Int64Counter
	retries    metric.Int64Counter
	execMS     metric.Float64Histogram
	tracer     trace.Tracer
}

type activeExecution struct {
	mu       sync.Mutex
	exec     *TaskExecution
	cancel   context.CancelFunc
	locks    []string // lock ids in acquisition order
	timedOut bool     // set by the coordination loop before cancelling the wait
}

type retainedExecution struct {
	exec      *TaskExecution
	expiresAt time.Time
}

// New constructs a coordinator. The lock manager, scheduler and channel
// are dependency-injected by the host.
func New(cfg config.Execution, scheduler SchedulerAPI, channel transport.AgentChannel, locks *lockmgr.Manager, meter metric.Meter) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if scheduler == nil || channel == nil || locks == nil {
		return nil, fault.New(fault.KindConfiguration, component, "new", "scheduler, channel and lock manager are required")
	}

	dispatched, _ := meter.Int64Counter("taskman_coord_dispatched_total")
	completed, _ := meter.Int64Counter("taskman_coord_completed_total")
	failures, _ := meter.Int64Counter("taskman_coord_failures_total")
	timeouts, _ := meter.Int64Counter("taskman_coord_timeouts_total")
	retries, _ := meter.Int64Counter("taskman_coord_retries_total")
	execMS, _ := meter.Float64Histogram("taskman_coord_execution_ms")

	rootCtx, rootCancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:        cfg,
		scheduler:  scheduler,
		channel:    channel,
		locks:      locks,
		agents:     make(map[string]*model.Agent),
		active:     make(map[string]*activeExecution),
		retained:   make(map[string]*retainedExecution),
		delay:      cfg.DefaultExecutionDelay,
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
		dispatched: dispatched,
		completed:  completed,
		failures:   failures,
		timeouts:   timeouts,
		retries:    retries,
		execMS:     execMS,
		tracer:     otel.Tracer("taskman-coord"),
	}, nil
}

// SetLifecycleHooks installs the host's lifecycle callbacks.
func (c *Coordinator) SetLifecycleHooks(hooks LifecycleHooks) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = hooks
}

// OnExecutionStateChange registers a state-change listener. Valid before
// or after Start.
func (c *Coordinator) OnExecutionStateChange(fn func(StateChangeEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// SetExecutionDelay overrides the test-hook delay applied before each send.
func (c *Coordinator) SetExecutionDelay(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delay = d
}

// Pause suspends new dispatches; running executions continue.
func (c *Coordinator) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
}

// Resume lifts a pause.
func (c *Coordinator) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
}

// Start waits for collaborators (up to 30s) and launches the coordination
// loop and the resource monitor.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fault.New(fault.KindValidation, component, "start", "already started")
	}
	c.running = true
	c.mu.Unlock()

	if err := c.waitForCollaborators(ctx); err != nil {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		c.rootCancel()
		return err
	}

	c.wg.Add(2)
	go c.coordinationLoop()
	go c.resourceMonitor()

	slog.Info("coordinator started",
		"strategy", c.cfg.LoadBalancingStrategy,
		"task_timeout", c.cfg.TaskTimeout,
	)
	return nil
}

// Stop cancels all active executions, releases their locks and stops the
// loops.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	var ids []string
	for id := range c.active {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		_ = c.CancelExecution(context.Background(), id, "coordinator stopping")
	}
	c.rootCancel()
	c.wg.Wait()
	slog.Info("coordinator stopped", "cancelled", len(ids))
}

// RegisterAgent adds or replaces a worker agent.
func (c *Coordinator) RegisterAgent(agent model.Agent) error {
	if agent.ID == "" {
		return fault.New(fault.KindValidation, component, "register_agent", "empty agent id")
	}
	if agent.Status == "" {
		agent.Status = model.AgentIdle
	}
	if agent.Metadata.LastHeartbeat.IsZero() {
		agent.Metadata.LastHeartbeat = time.Now()
	}
	c.mu.Lock()
	c.agents[agent.ID] = &agent
	c.mu.Unlock()
	c.pushAgentsToScheduler()
	slog.Info("agent registered", "agent_id", agent.ID, "capabilities", agent.Capabilities)
	return nil
}

// UnregisterAgent removes an agent; its executions are cancelled.
func (c *Coordinator) UnregisterAgent(agentID string) {
	c.mu.Lock()
	delete(c.agents, agentID)
	var victims []string
	for id, ae := range c.active {
		if ae.exec.AgentID == agentID {
			victims = append(victims, id)
		}
	}
	c.mu.Unlock()
	for _, id := range victims {
		_ = c.CancelExecution(context.Background(), id, "agent unregistered")
	}
	c.pushAgentsToScheduler()
}

// Heartbeat refreshes an agent's liveness.
func (c *Coordinator) Heartbeat(agentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	agent, ok := c.agents[agentID]
	if !ok {
		return fault.Newf(fault.KindNotFound, component, "heartbeat", "unknown agent %q", agentID)
	}
	agent.Metadata.LastHeartbeat = time.Now()
	if agent.Status == model.AgentOffline {
		agent.Status = model.AgentIdle
	}
	return nil
}

// GetTaskExecutionStatus returns the execution for a task id, live or
// retained, newest first; nil when unknown.
func (c *Coordinator) GetTaskExecutionStatus(taskID string) *TaskExecution {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ae := range c.active {
		if ae.exec.Scheduled.Task.ID == taskID {
			return ae.snapshot()
		}
	}
	var newest *retainedExecution
	for _, re := range c.retained {
		if re.exec.Scheduled.Task.ID != taskID {
			continue
		}
		if newest == nil || re.expiresAt.After(newest.expiresAt) {
			newest = re
		}
	}
	if newest != nil {
		return newest.exec.Clone()
	}
	return nil
}

// GetExecution returns an execution snapshot by execution id.
func (c *Coordinator) GetExecution(executionID string) *TaskExecution {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ae, ok := c.active[executionID]; ok {
		return ae.snapshot()
	}
	if re, ok := c.retained[executionID]; ok {
		return re.exec.Clone()
	}
	return nil
}

// GetExecutionMetrics aggregates execution statistics.
func (c *Coordinator) GetExecutionMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := Metrics{RegisteredAgents: len(c.agents)}
	for _, a := range c.agents {
		if a.Status == model.AgentIdle {
			m.AvailableAgents++
		}
	}
	for _, ae := range c.active {
		ae.mu.Lock()
		status := ae.exec.Status
		ae.mu.Unlock()
		switch status {
		case StatusQueued:
			m.Queued++
		default:
			m.Active++
		}
	}
	for _, re := range c.retained {
		switch re.exec.Status {
		case StatusCompleted:
			m.Completed++
		case StatusFailed:
			m.Failed++
		case StatusCancelled:
			m.Cancelled++
		case StatusTimeout:
			m.TimedOut++
		}
	}
	if c.statsTotal > 0 {
		m.AverageDuration = c.statsDur / time.Duration(c.statsTotal)
		m.SuccessRate = float64(c.statsOK) / float64(c.statsTotal)
	}
	return m
}

// --- loops ---

func (c *Coordinator) waitForCollaborators(ctx context.Context) error {
	deadline := time.Now().Add(collaboratorWait)
	for {
		ready := true
		if r, ok := c.channel.(readiness); ok && !r.Ready() {
			ready = false
		}
		if r, ok := c.scheduler.(readiness); ok && !r.Ready() {
			ready = false
		}
		if ready {
			return nil
		}
		if time.Now().After(deadline) {
			return fault.New(fault.KindTimeout, component, "start", "collaborators not ready within 30s")
		}
		select {
		case <-ctx.Done():
			return fault.Wrap(fault.KindCancelled, component, "start", ctx.Err())
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// coordinationLoop ticks every second: drain the internal queue, pull the
// next scheduler batch, enforce timeouts, expire retained executions.
// Agent responses are polled by each execution's own goroutine, not here.
func (c *Coordinator) coordinationLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(coordinationPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.rootCtx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			paused := c.paused
			c.mu.Unlock()
			if paused {
				continue
			}
			c.drainQueue()
			c.pullNextBatch()
			c.enforceTimeouts()
			c.expireRetained()
		}
	}
}

// drainQueue dispatches queued tasks up to the number of idle agents.
func (c *Coordinator) drainQueue() {
	c.mu.Lock()
	idle := 0
	for _, a := range c.agents {
		if a.Status == model.AgentIdle {
			idle++
		}
	}
	n := idle
	if n > len(c.queue) {
		n = len(c.queue)
	}
	batch := c.queue[:n]
	c.queue = c.queue[n:]
	c.mu.Unlock()

	for _, st := range batch {
		st := st
		go func() {
			if _, err := c.ExecuteTask(c.rootCtx, st); err != nil {
				if !fault.IsKind(err, fault.KindCancelled) {
					slog.Warn("queued task dispatch failed", "task_id", st.Task.ID, logging.Err(err))
				}
			}
		}()
	}
}

// pullNextBatch asks the scheduler for the next ready batch when
// resources plausibly suffice.
func (c *Coordinator) pullNextBatch() {
	c.mu.Lock()
	activeBatches := make(map[int]bool)
	for _, ae := range c.active {
		activeBatches[ae.exec.Scheduled.BatchID] = true
	}
	overLimit := len(activeBatches) >= c.cfg.MaxConcurrentBatches
	hasAgents := len(c.agents) > 0
	c.mu.Unlock()
	if overLimit || !hasAgents {
		return
	}

	batch := c.scheduler.GetNextExecutionBatch()
	if batch == nil {
		return
	}
	go func() {
		if _, err := c.ExecuteBatch(c.rootCtx, batch); err != nil {
			if fault.IsKind(err, fault.KindExhausted) {
				// Deferred: hand the tasks back; the next tick re-evaluates.
				for _, st := range batch.Tasks {
					c.scheduler.RequeueTask(st.Task.ID)
				}
				return
			}
			if !fault.IsKind(err, fault.KindCancelled) {
				slog.Warn("batch execution failed", "batch_id", batch.ID, logging.Err(err))
			}
		}
	}()
}

// enforceTimeouts transitions over-deadline running executions to timeout
// and triggers auto-recovery.
func (c *Coordinator) enforceTimeouts() {
	now := time.Now()
	c.mu.Lock()
	var expired []*activeExecution
	for _, ae := range c.active {
		ae.mu.Lock()
		if ae.exec.Status == StatusRunning && ae.exec.StartTime != nil &&
			now.Sub(*ae.exec.StartTime) > c.cfg.TaskTimeout {
			expired = append(expired, ae)
		}
		ae.mu.Unlock()
	}
	c.mu.Unlock()

	for _, ae := range expired {
		c.timeoutExecution(ae)
	}
}

// expireRetained drops retained executions past the retention window.
func (c *Coordinator) expireRetained() {
	now := time.Now()
	c.mu.Lock()
	for id, re := range c.retained {
		if now.After(re.expiresAt) {
			delete(c.retained, id)
		}
	}
	c.mu.Unlock()
}

// resourceMonitor marks agents offline on missed heartbeats, cancels
// their executions and refreshes the scheduler's load view.
func (c *Coordinator) resourceMonitor() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.ResourceMonitoringInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.rootCtx.Done():
			return
		case <-ticker.C:
			c.checkHeartbeats()
			c.reportLoad()
		}
	}
}

func (c *Coordinator) checkHeartbeats() {
	cutoff := time.Now().Add(-2 * c.cfg.AgentHeartbeatInterval)
	c.mu.Lock()
	var lost []string
	for id, agent := range c.agents {
		if agent.Status != model.AgentOffline && agent.Metadata.LastHeartbeat.Before(cutoff) {
			agent.Status = model.AgentOffline
			lost = append(lost, id)
		}
	}
	var victims []string
	for execID, ae := range c.active {
		for _, agentID := range lost {
			if ae.exec.AgentID == agentID {
				victims = append(victims, execID)
			}
		}
	}
	c.mu.Unlock()

	for _, id := range lost {
		slog.Warn("agent offline: heartbeat missed", "agent_id", id)
	}
	for _, id := range victims {
		_ = c.CancelExecution(context.Background(), id, "agent offline")
	}
	if len(lost) > 0 {
		c.pushAgentsToScheduler()
	}
}

func (c *Coordinator) reportLoad() {
	c.mu.Lock()
	memCap, cpuCap := 0, 0.0
	memUse, cpuUse := 0, 0.0
	running := 0
	for _, a := range c.agents {
		memCap += a.Capacity.MaxMemoryMB
		cpuCap += a.Capacity.MaxCPUWeight
		memUse += a.CurrentUsage.MemoryMB
		cpuUse += a.CurrentUsage.CPUWeight
		running += a.CurrentUsage.ActiveTasks
	}
	c.mu.Unlock()

	load := sched.SystemLoad{RunningTasks: running}
	if memCap > 0 {
		load.MemoryFraction = float64(memUse) / float64(memCap)
	}
	if cpuCap > 0 {
		load.CPUFraction = cpuUse / cpuCap
	}
	c.scheduler.UpdateSystemLoad(load)
}

func (c *Coordinator) pushAgentsToScheduler() {
	c.mu.Lock()
	agents := make([]model.Agent, 0, len(c.agents))
	for _, a := range c.agents {
		agents = append(agents, *a.Clone())
	}
	c.mu.Unlock()
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	c.scheduler.SetAgents(agents)
}

// emit delivers a state-change event to every listener, synchronously so
// per-execution ordering holds. Listener panics are isolated.
func (c *Coordinator) emit(ev StateChangeEvent) {
	if !c.cfg.EnableExecutionStateEvents {
		return
	}
	c.mu.Lock()
	listeners := append([]func(StateChangeEvent){}, c.listeners...)
	c.mu.Unlock()
	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("state listener panic", "execution_id", ev.ExecutionID, "panic", r)
				}
			}()
			fn(ev)
		}()
	}
}

// runHook awaits a lifecycle hook and isolates its failure.
func (c *Coordinator) runHook(ctx context.Context, name string, hook func(context.Context, *TaskExecution) error, exec *TaskExecution) {
	if hook == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("lifecycle hook panic", "hook", name, "execution_id", exec.Metadata.ExecutionID, "panic", r)
		}
	}()
	if err := hook(ctx, exec.Clone()); err != nil {
		slog.Warn("lifecycle hook failed", "hook", name, "execution_id", exec.Metadata.ExecutionID, logging.Err(err))
	}
}
