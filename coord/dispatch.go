package coord

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/taskman/core/logging"
	"github.com/swarmguard/taskman/fault"
	"github.com/swarmguard/taskman/lockmgr"
	"github.com/swarmguard/taskman/model"
	"github.com/swarmguard/taskman/sched"
	"github.com/swarmguard/taskman/transport"
)

// ExecuteBatch dispatches every task of the batch in parallel with
// bounded fan-out and waits for all of them to settle. Returns an
// exhausted fault (deferral, not failure) when agents or capacity are
// insufficient this tick.
func (c *Coordinator) ExecuteBatch(ctx context.Context, batch *sched.ExecutionBatch) (*BatchResult, error) {
	ctx, span := c.tracer.Start(ctx, "coord.execute_batch",
		trace.WithAttributes(
			attribute.Int("batch_id", batch.ID),
			attribute.Int("tasks", len(batch.Tasks)),
		),
	)
	defer span.End()

	if len(batch.Tasks) == 0 {
		return nil, fault.New(fault.KindValidation, component, "execute_batch", "empty batch")
	}

	slots, err := c.checkBatchFeasible(batch)
	if err != nil {
		return nil, err
	}

	// Bounded fan-out: at most as many in flight as the pool has slots.
	sem := make(chan struct{}, slots)
	results := make(chan *TaskExecution, len(batch.Tasks))
	var execIDs []string

	for _, st := range batch.Tasks {
		st := st
		go func() {
			sem <- struct{}{}
			defer func() { <-sem }()
			exec, err := c.ExecuteTask(ctx, st)
			if err != nil && exec == nil {
				results <- &TaskExecution{
					Scheduled: *st,
					Status:    StatusFailed,
					Result:    &Result{Success: false, Error: err.Error()},
				}
				return
			}
			results <- exec
		}()
	}

	result := &BatchResult{BatchID: batch.ID}
	for range batch.Tasks {
		exec := <-results
		if exec.Metadata.ExecutionID != "" {
			execIDs = append(execIDs, exec.Metadata.ExecutionID)
		}
		if exec.Status == StatusCompleted {
			result.Succeeded++
		} else {
			result.Failed++
		}
	}
	result.Executions = execIDs

	switch {
	case result.Failed == 0:
		result.Status = BatchCompleted
	case result.Succeeded == 0:
		result.Status = BatchFailed
	default:
		result.Status = BatchPartial
	}
	slog.Info("batch settled",
		"batch_id", batch.ID,
		"status", result.Status,
		"succeeded", result.Succeeded,
		"failed", result.Failed,
	)
	return result, nil
}

// checkBatchFeasible verifies the pool can plausibly host the batch:
// enough active agents and a simulated per-agent fit for memory, cpu and
// slots. Returns the total free slots for fan-out bounding.
func (c *Coordinator) checkBatchFeasible(batch *sched.ExecutionBatch) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	type sim struct {
		mem   int
		cpu   float64
		slots int
	}
	sims := make(map[string]*sim)
	totalSlots := 0
	for id, a := range c.agents {
		if a.Status == model.AgentOffline || a.Status == model.AgentError {
			continue
		}
		free := a.FreeSlots()
		if free < 0 {
			free = 0
		}
		sims[id] = &sim{mem: a.FreeMemoryMB(), cpu: a.FreeCPUWeight(), slots: free}
		totalSlots += free
	}
	if len(sims) == 0 {
		return 0, fault.New(fault.KindExhausted, component, "execute_batch", "no active agents")
	}
	if totalSlots < 1 {
		return 0, fault.New(fault.KindExhausted, component, "execute_batch", "no free agent slots")
	}

	// Simulated placement: every task must fit on some agent. Tasks beyond
	// the free slot count run in later waves, so slots are not decremented.
	for _, st := range batch.Tasks {
		placed := false
		for _, s := range sims {
			if s.slots > 0 && s.mem >= st.Resources.MemoryMB && s.cpu >= st.Resources.CPUWeight {
				placed = true
				break
			}
		}
		if !placed {
			return 0, fault.Newf(fault.KindExhausted, component, "execute_batch",
				"no agent fits task %s (%dMB, %.2f cpu)", st.Task.ID, st.Resources.MemoryMB, st.Resources.CPUWeight)
		}
	}
	return totalSlots, nil
}

// ExecuteTask runs one scheduled task and blocks until this attempt ends.
// The returned execution is usually terminal; it is in timeout status when
// an automatic retry has been queued, and queued when lock contention sent
// the task back to the queue.
func (c *Coordinator) ExecuteTask(ctx context.Context, st *sched.ScheduledTask) (*TaskExecution, error) {
	ctx, span := c.tracer.Start(ctx, "coord.execute_task",
		trace.WithAttributes(attribute.String("task_id", st.Task.ID)),
	)
	defer span.End()

	execCtx, cancel := context.WithCancel(ctx)
	ae := &activeExecution{
		exec: &TaskExecution{
			Scheduled: *st,
			Status:    StatusQueued,
			ResourceUsage: ResourceUsage{
				MemoryMB:  st.Resources.MemoryMB,
				CPUWeight: st.Resources.CPUWeight,
			},
			Metadata: ExecMetadata{ExecutionID: uuid.NewString()},
		},
		cancel: cancel,
	}
	c.mu.Lock()
	c.active[ae.exec.Metadata.ExecutionID] = ae
	c.mu.Unlock()
	c.dispatched.Add(ctx, 1)

	return c.runTaskExecution(execCtx, ae)
}

// runTaskExecution is the per-execution protocol: agent selection, lock
// acquisition, payload send, response wait, completion bookkeeping.
func (c *Coordinator) runTaskExecution(ctx context.Context, ae *activeExecution) (*TaskExecution, error) {
	taskID := ae.exec.Scheduled.Task.ID

	agent, err := c.reserveAgent(ctx, ae)
	if err != nil {
		c.failBeforeStart(ctx, ae, err)
		return ae.snapshot(), err
	}

	if err := c.acquireExecutionLocks(ctx, ae, agent.ID); err != nil {
		c.releaseAgent(ae)
		if fault.IsKind(err, fault.KindTimeout) {
			// Lock contention: back on the queue, retried next tick.
			c.requeue(ae)
			return ae.snapshot(), err
		}
		c.failBeforeStart(ctx, ae, err)
		return ae.snapshot(), err
	}

	if !c.transition(ae, StatusRunning, "") {
		// Cancelled while queued.
		c.finalize(ctx, ae, false)
		return ae.snapshot(), nil
	}
	now := time.Now()
	ae.mu.Lock()
	ae.exec.StartTime = &now
	ae.exec.AgentID = agent.ID
	ae.mu.Unlock()

	c.mu.Lock()
	hooks := c.hooks
	delayEnabled := c.cfg.EnableExecutionDelays
	delay := c.delay
	c.mu.Unlock()

	c.runHook(ctx, "start", hooks.OnExecutionStart, ae.exec)

	if delayEnabled && delay > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
	}

	result, err := c.sendAndAwait(ctx, ae, agent.ID)
	switch {
	case err == nil && result.Success:
		c.setResult(ae, result)
		if c.transition(ae, StatusCompleted, "") {
			c.runHook(ctx, "complete", hooks.OnExecutionComplete, ae.exec)
			if err := c.scheduler.MarkTaskCompleted(ctx, taskID); err != nil {
				slog.Warn("scheduler completion notify failed", "task_id", taskID, logging.Err(err))
			}
			c.completed.Add(ctx, 1)
		}
		c.finalize(ctx, ae, true)
		return ae.snapshot(), nil

	case err == nil && !result.Success:
		c.setResult(ae, result)
		if c.transition(ae, StatusFailed, result.Error) {
			c.runHook(ctx, "failed", hooks.OnExecutionFailed, ae.exec)
			c.failures.Add(ctx, 1)
		}
		c.finalize(ctx, ae, false)
		return ae.snapshot(), nil

	case fault.IsKind(err, fault.KindCancelled):
		ae.mu.Lock()
		timedOut := ae.timedOut
		ae.timedOut = false
		ae.mu.Unlock()
		if timedOut {
			// The coordination loop cut the wait on deadline.
			c.handleTimeout(ctx, ae)
			return ae.snapshot(), err
		}
		// cancelExecution owns the bookkeeping.
		return ae.snapshot(), err

	case fault.IsKind(err, fault.KindTimeout):
		c.handleTimeout(ctx, ae)
		return ae.snapshot(), err

	default:
		c.setResult(ae, &Result{Success: false, Error: err.Error()})
		if c.transition(ae, StatusFailed, err.Error()) {
			c.runHook(ctx, "failed", hooks.OnExecutionFailed, ae.exec)
			c.failures.Add(ctx, 1)
		}
		c.finalize(ctx, ae, false)
		return ae.snapshot(), err
	}
}

// sendAndAwait serializes the payload to the agent channel and polls for
// a response until the task timeout, honoring cancellation.
func (c *Coordinator) sendAndAwait(ctx context.Context, ae *activeExecution, agentID string) (*Result, error) {
	st := &ae.exec.Scheduled
	payload := transport.TaskPayload{
		TaskID:             st.Task.ID,
		Title:              st.Task.Title,
		Description:        st.Task.Description,
		Type:               st.Task.Type,
		Priority:           st.Task.Priority,
		EstimatedHours:     st.Task.EstimatedHours,
		AcceptanceCriteria: st.Task.AcceptanceCriteria,
		Tags:               st.Task.Tags,
		ProjectID:          st.Task.ProjectID,
		Dependencies:       st.Task.Dependencies,
		ExecutionID:        ae.exec.Metadata.ExecutionID,
		Timestamp:          time.Now(),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fault.Wrap(fault.KindInvariant, component, "send_task", err)
	}
	if err := c.channel.SendTask(ctx, agentID, data); err != nil {
		return nil, err
	}

	c.mu.Lock()
	progressHook := c.hooks.OnExecutionProgress
	c.mu.Unlock()

	deadline := time.Now().Add(c.cfg.TaskTimeout)
	for {
		if time.Now().After(deadline) {
			return nil, fault.New(fault.KindTimeout, component, "await_response", "agent response timeout").
				With("agent_id", agentID).With("task_id", st.Task.ID)
		}
		select {
		case <-ctx.Done():
			return nil, fault.Wrap(fault.KindCancelled, component, "await_response", ctx.Err())
		default:
		}
		resp, ok, err := c.channel.ReceiveResponse(ctx, agentID, c.cfg.ResponsePollInterval)
		if err != nil {
			if fault.IsKind(err, fault.KindCancelled) {
				return nil, err
			}
			slog.Warn("response poll failed", "agent_id", agentID, logging.Err(err))
			continue
		}
		if ok {
			return parseAgentResponse(resp), nil
		}
		c.runHook(ctx, "progress", progressHook, ae.exec)
	}
}

// parseAgentResponse adopts a JSON body carrying "success"; otherwise the
// verdict is inferred from the text.
func parseAgentResponse(raw string) *Result {
	var probe struct {
		Success  *bool  `json:"success"`
		Output   string `json:"output"`
		Error    string `json:"error"`
		ExitCode int    `json:"exit_code"`
	}
	if err := json.Unmarshal([]byte(raw), &probe); err == nil && probe.Success != nil {
		return &Result{
			Success:  *probe.Success,
			Output:   probe.Output,
			Error:    probe.Error,
			ExitCode: probe.ExitCode,
		}
	}
	lower := strings.ToLower(raw)
	if strings.Contains(lower, "error") || strings.Contains(lower, "failed") || strings.Contains(lower, "failure") {
		return &Result{Success: false, Error: raw}
	}
	return &Result{Success: true, Output: raw}
}

// handleTimeout marks the execution timed out and schedules auto-recovery
// or finalizes as failed when the retry budget is spent.
func (c *Coordinator) handleTimeout(ctx context.Context, ae *activeExecution) {
	ae.mu.Lock()
	ae.exec.Metadata.TimeoutCount++
	retryCount := ae.exec.Metadata.RetryCount
	ae.mu.Unlock()
	c.timeouts.Add(ctx, 1)

	canRetry := c.cfg.EnableAutoRecovery && retryCount < c.cfg.MaxRetryAttempts
	if canRetry {
		if c.transition(ae, StatusTimeout, "agent response timeout") {
			c.releaseExecutionHolds(ae)
			execID := ae.exec.Metadata.ExecutionID
			delay := c.cfg.RetryDelay
			go func() {
				select {
				case <-c.rootCtx.Done():
					return
				case <-time.After(delay):
				}
				if err := c.RetryExecution(c.rootCtx, execID); err != nil {
					slog.Warn("auto-recovery retry failed", "execution_id", execID, logging.Err(err))
				}
			}()
		}
		return
	}

	c.mu.Lock()
	hooks := c.hooks
	c.mu.Unlock()
	if c.transition(ae, StatusFailed, "agent response timeout, retries exhausted") {
		c.setResult(ae, &Result{Success: false, Error: "agent response timeout"})
		c.runHook(ctx, "failed", hooks.OnExecutionFailed, ae.exec)
		c.failures.Add(ctx, 1)
	}
	c.finalize(ctx, ae, false)
}

// timeoutExecution is the coordination-loop path for an over-deadline
// running execution: cancel the in-flight wait, the runner handles the
// timeout fault.
func (c *Coordinator) timeoutExecution(ae *activeExecution) {
	ae.mu.Lock()
	running := ae.exec.Status == StatusRunning
	if running {
		ae.timedOut = true
	}
	cancel := ae.cancel
	ae.mu.Unlock()
	if running {
		cancel()
	}
}

// RetryExecution reruns an active execution that has not settled, such as
// one in timeout status: state resets to queued with an incremented retry
// count. Completed, failed and cancelled executions are rejected.
func (c *Coordinator) RetryExecution(ctx context.Context, executionID string) error {
	c.mu.Lock()
	ae, ok := c.active[executionID]
	c.mu.Unlock()
	if !ok {
		return fault.Newf(fault.KindNotFound, component, "retry", "unknown execution %q", executionID)
	}

	ae.mu.Lock()
	if terminal(ae.exec.Status) {
		ae.mu.Unlock()
		return fault.Newf(fault.KindValidation, component, "retry", "execution %q already settled", executionID)
	}
	from := ae.exec.Status
	now := time.Now()
	ae.exec.Status = StatusQueued
	ae.exec.Metadata.RetryCount++
	ae.exec.Metadata.LastRetryAt = &now
	ae.exec.StartTime = nil
	ae.exec.EndTime = nil
	taskID := ae.exec.Scheduled.Task.ID
	ae.mu.Unlock()

	c.retries.Add(ctx, 1)
	c.emit(StateChangeEvent{
		ExecutionID: executionID,
		TaskID:      taskID,
		From:        from,
		To:          StatusQueued,
		At:          now,
	})

	// Fresh cancellation scope for the new attempt.
	execCtx, cancel := context.WithCancel(c.rootCtx)
	ae.mu.Lock()
	ae.cancel = cancel
	ae.mu.Unlock()

	go func() {
		if _, err := c.runTaskExecution(execCtx, ae); err != nil && !fault.IsKind(err, fault.KindCancelled) {
			slog.Warn("retry attempt settled with error", "execution_id", executionID, logging.Err(err))
		}
	}()
	return nil
}

// CancelExecution cancels an execution. Idempotent: repeated calls after
// the terminal state produce no further events.
func (c *Coordinator) CancelExecution(ctx context.Context, executionID, reason string) error {
	c.mu.Lock()
	ae, ok := c.active[executionID]
	hooks := c.hooks
	c.mu.Unlock()
	if !ok {
		return nil
	}

	if !c.transition(ae, StatusCancelled, reason) {
		return nil
	}
	ae.cancel()
	c.runHook(ctx, "cancelled", hooks.OnExecutionCancelled, ae.exec)
	c.finalize(ctx, ae, false)
	slog.Info("execution cancelled", "execution_id", executionID, "reason", reason)
	return nil
}

// --- execution plumbing ---

// transition moves the execution to a new status and emits the event.
// Returns false when the execution is already terminal (or already in the
// requested state), which makes cancellation idempotent.
func (c *Coordinator) transition(ae *activeExecution, to Status, errMsg string) bool {
	ae.mu.Lock()
	from := ae.exec.Status
	if terminal(from) || from == to {
		ae.mu.Unlock()
		return false
	}
	ae.exec.Status = to
	if terminal(to) || to == StatusTimeout {
		now := time.Now()
		ae.exec.EndTime = &now
		if ae.exec.StartTime != nil {
			ae.exec.ActualDuration = now.Sub(*ae.exec.StartTime)
		}
	}
	execID := ae.exec.Metadata.ExecutionID
	taskID := ae.exec.Scheduled.Task.ID
	agentID := ae.exec.AgentID
	ae.mu.Unlock()

	c.emit(StateChangeEvent{
		ExecutionID: execID,
		TaskID:      taskID,
		AgentID:     agentID,
		From:        from,
		To:          to,
		At:          time.Now(),
		Error:       errMsg,
	})
	return true
}

func (c *Coordinator) setResult(ae *activeExecution, r *Result) {
	ae.mu.Lock()
	ae.exec.Result = r
	ae.mu.Unlock()
}

func (ae *activeExecution) snapshot() *TaskExecution {
	ae.mu.Lock()
	defer ae.mu.Unlock()
	return ae.exec.Clone()
}

// reserveAgent selects an agent per the configured strategy and reserves
// its capacity, waiting for a free slot while the pool is saturated.
func (c *Coordinator) reserveAgent(ctx context.Context, ae *activeExecution) (*model.Agent, error) {
	deadline := time.Now().Add(c.cfg.TaskTimeout)
	for {
		c.mu.Lock()
		agent := c.selectAgentLocked(&ae.exec.Scheduled)
		if agent != nil {
			agent.CurrentUsage.ActiveTasks++
			agent.CurrentUsage.MemoryMB += ae.exec.ResourceUsage.MemoryMB
			agent.CurrentUsage.CPUWeight += ae.exec.ResourceUsage.CPUWeight
			agent.Status = model.AgentBusy
			cp := *agent.Clone()
			c.mu.Unlock()
			ae.mu.Lock()
			ae.exec.AgentID = cp.ID
			ae.mu.Unlock()
			return &cp, nil
		}
		c.mu.Unlock()

		if time.Now().After(deadline) {
			return nil, fault.New(fault.KindExhausted, component, "reserve_agent", "no capable agent available").
				With("task_id", ae.exec.Scheduled.Task.ID)
		}
		select {
		case <-ctx.Done():
			return nil, fault.Wrap(fault.KindCancelled, component, "reserve_agent", ctx.Err())
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// releaseAgent returns the reserved capacity and recomputes idleness.
func (c *Coordinator) releaseAgent(ae *activeExecution) {
	ae.mu.Lock()
	agentID := ae.exec.AgentID
	usage := ae.exec.ResourceUsage
	ae.mu.Unlock()
	if agentID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	agent, ok := c.agents[agentID]
	if !ok {
		return
	}
	agent.CurrentUsage.ActiveTasks--
	agent.CurrentUsage.MemoryMB -= usage.MemoryMB
	agent.CurrentUsage.CPUWeight -= usage.CPUWeight
	if agent.CurrentUsage.ActiveTasks < 0 {
		agent.CurrentUsage.ActiveTasks = 0
	}
	if agent.CurrentUsage.MemoryMB < 0 {
		agent.CurrentUsage.MemoryMB = 0
	}
	if agent.CurrentUsage.CPUWeight < 0 {
		agent.CurrentUsage.CPUWeight = 0
	}
	if agent.CurrentUsage.ActiveTasks == 0 && agent.Status == model.AgentBusy {
		agent.Status = model.AgentIdle
	}
}

// acquireExecutionLocks takes, in order: task (execute), agent (execute),
// then a write lock per declared file path. Any failure rolls back the
// locks taken so far.
func (c *Coordinator) acquireExecutionLocks(ctx context.Context, ae *activeExecution, agentID string) error {
	execID := ae.exec.Metadata.ExecutionID
	task := &ae.exec.Scheduled.Task

	resources := []struct {
		name string
		mode lockmgr.Mode
	}{
		{"task:" + task.ID, lockmgr.ModeExecute},
		{"agent:" + agentID, lockmgr.ModeExecute},
	}
	for _, fp := range task.FilePaths {
		resources = append(resources, struct {
			name string
			mode lockmgr.Mode
		}{"file:" + fp, lockmgr.ModeWrite})
	}

	var held []string
	for _, r := range resources {
		lockID, err := c.locks.Acquire(ctx, r.name, execID, r.mode, lockmgr.AcquireOptions{Timeout: -1})
		if err != nil {
			for i := len(held) - 1; i >= 0; i-- {
				c.locks.Release(held[i])
			}
			return err
		}
		held = append(held, lockID)
	}
	ae.mu.Lock()
	ae.locks = held
	ae.mu.Unlock()
	return nil
}

// releaseExecutionHolds frees locks in reverse order and, when locks were
// held, the agent reservation. Safe to call more than once: only the call
// that finds the locks releases the agent.
func (c *Coordinator) releaseExecutionHolds(ae *activeExecution) {
	ae.mu.Lock()
	held := ae.locks
	ae.locks = nil
	ae.mu.Unlock()
	for i := len(held) - 1; i >= 0; i-- {
		c.locks.Release(held[i])
	}
	if len(held) > 0 {
		c.releaseAgent(ae)
	}
}

func (ae *activeExecution) snapshotAgent() string {
	ae.mu.Lock()
	defer ae.mu.Unlock()
	return ae.exec.AgentID
}

// finalize releases holds, updates agent statistics, records the
// execution metric and moves the execution into retention.
func (c *Coordinator) finalize(ctx context.Context, ae *activeExecution, success bool) {
	c.releaseExecutionHolds(ae)

	ae.mu.Lock()
	execID := ae.exec.Metadata.ExecutionID
	agentID := ae.exec.AgentID
	duration := ae.exec.ActualDuration
	ae.mu.Unlock()

	c.mu.Lock()
	if _, still := c.active[execID]; !still {
		c.mu.Unlock()
		return
	}
	delete(c.active, execID)
	c.retained[execID] = &retainedExecution{
		exec:      ae.exec,
		expiresAt: time.Now().Add(c.cfg.ExecutionRetention),
	}
	// Running averages over settled executions.
	c.statsTotal++
	c.statsDur += duration
	if success {
		c.statsOK++
	}
	if agent, ok := c.agents[agentID]; ok {
		meta := &agent.Metadata
		meta.TotalExecuted++
		if meta.TotalExecuted == 1 {
			meta.AverageExecutionTime = duration
			if success {
				meta.SuccessRate = 1
			}
		} else {
			n := time.Duration(meta.TotalExecuted)
			meta.AverageExecutionTime = (meta.AverageExecutionTime*(n-1) + duration) / n
			okPart := 0.0
			if success {
				okPart = 1
			}
			meta.SuccessRate = (meta.SuccessRate*float64(meta.TotalExecuted-1) + okPart) / float64(meta.TotalExecuted)
		}
	}
	c.mu.Unlock()

	c.execMS.Record(ctx, float64(duration.Milliseconds()),
		metric.WithAttributes(attribute.Bool("success", success)))
}

// failBeforeStart settles an execution that never reached running.
func (c *Coordinator) failBeforeStart(ctx context.Context, ae *activeExecution, err error) {
	c.mu.Lock()
	hooks := c.hooks
	c.mu.Unlock()
	c.setResult(ae, &Result{Success: false, Error: err.Error()})
	if c.transition(ae, StatusFailed, err.Error()) {
		c.runHook(ctx, "failed", hooks.OnExecutionFailed, ae.exec)
		c.failures.Add(ctx, 1)
	}
	c.finalize(ctx, ae, false)
}

// requeue pushes the task back on the internal FIFO; the coordination
// loop retries it once per tick.
func (c *Coordinator) requeue(ae *activeExecution) {
	ae.mu.Lock()
	st := ae.exec.Scheduled
	execID := ae.exec.Metadata.ExecutionID
	ae.mu.Unlock()

	c.mu.Lock()
	delete(c.active, execID)
	c.queue = append(c.queue, &st)
	c.mu.Unlock()
}
