package coord

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/taskman/config"
	"github.com/swarmguard/taskman/lockmgr"
	"github.com/swarmguard/taskman/model"
	"github.com/swarmguard/taskman/sched"
	"github.com/swarmguard/taskman/transport"
)

// fakeScheduler records completion notifications.
type fakeScheduler struct {
	mu        sync.Mutex
	completed []string
	batches   []*sched.ExecutionBatch
}

func (f *fakeScheduler) GetNextExecutionBatch() *sched.ExecutionBatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.batches) == 0 {
		return nil
	}
	b := f.batches[0]
	f.batches = f.batches[1:]
	return b
}

func (f *fakeScheduler) MarkTaskCompleted(_ context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, taskID)
	return nil
}

func (f *fakeScheduler) RequeueTask(string)                {}
func (f *fakeScheduler) SetAgents([]model.Agent)           {}
func (f *fakeScheduler) UpdateSystemLoad(sched.SystemLoad) {}

func (f *fakeScheduler) completedTasks() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.completed...)
}

// fakeChannel responds to payloads via a scripted function after a delay.
type fakeChannel struct {
	mu        sync.Mutex
	sent      int
	responder func(p transport.TaskPayload) (string, bool)
	delay     time.Duration
	queues    map[string]chan string
}

func newFakeChannel(delay time.Duration, responder func(p transport.TaskPayload) (string, bool)) *fakeChannel {
	return &fakeChannel{
		responder: responder,
		delay:     delay,
		queues:    make(map[string]chan string),
	}
}

func (f *fakeChannel) queue(agentID string) chan string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if q, ok := f.queues[agentID]; ok {
		return q
	}
	q := make(chan string, 16)
	f.queues[agentID] = q
	return q
}

func (f *fakeChannel) SendTask(_ context.Context, agentID string, payload []byte) error {
	f.mu.Lock()
	f.sent++
	f.mu.Unlock()

	var p transport.TaskPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	resp, ok := f.responder(p)
	if !ok {
		return nil // never respond
	}
	q := f.queue(agentID)
	go func() {
		time.Sleep(f.delay)
		q <- resp
	}()
	return nil
}

func (f *fakeChannel) ReceiveResponse(ctx context.Context, agentID string, poll time.Duration) (string, bool, error) {
	timer := time.NewTimer(poll)
	defer timer.Stop()
	select {
	case resp := <-f.queue(agentID):
		return resp, true, nil
	case <-ctx.Done():
		return "", false, nil
	case <-timer.C:
		return "", false, nil
	}
}

func (f *fakeChannel) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent
}

func testExecConfig(mut func(*config.Execution)) config.Execution {
	cfg := config.DefaultExecution()
	cfg.TaskTimeout = 2 * time.Second
	cfg.ResponsePollInterval = 10 * time.Millisecond
	cfg.ResourceMonitoringInterval = 50 * time.Millisecond
	cfg.RetryDelay = 20 * time.Millisecond
	cfg.ExecutionRetention = time.Minute
	if mut != nil {
		mut(&cfg)
	}
	return cfg
}

func newCoordinator(t *testing.T, cfg config.Execution, schedAPI SchedulerAPI, ch transport.AgentChannel) *Coordinator {
	t.Helper()
	lockCfg := config.DefaultLocks()
	lockCfg.LockCleanupInterval = 100 * time.Millisecond
	locks, err := lockmgr.New(lockCfg, noopmetric.MeterProvider{}.Meter("test"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = locks.Close() })

	c, err := New(cfg, schedAPI, ch, locks, noopmetric.MeterProvider{}.Meter("test"))
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Stop)
	return c
}

func agentRec(id string, slots int) model.Agent {
	return model.Agent{
		ID:           id,
		Name:         "agent " + id,
		Status:       model.AgentIdle,
		Capabilities: []model.TaskType{model.TaskDevelopment, model.TaskTesting},
		Capacity: model.AgentCapacity{
			MaxMemoryMB:        4096,
			MaxCPUWeight:       4,
			MaxConcurrentTasks: slots,
		},
	}
}

func scheduledTask(id string, files ...string) *sched.ScheduledTask {
	return &sched.ScheduledTask{
		Task: model.AtomicTask{
			ID:             id,
			Title:          "task " + id,
			Type:           model.TaskDevelopment,
			Priority:       model.PriorityMedium,
			EstimatedHours: 1,
			FilePaths:      files,
		},
		Resources: sched.AssignedResources{MemoryMB: 256, CPUWeight: 0.5},
	}
}

func TestExecuteTaskHappyPath(t *testing.T) {
	fs := &fakeScheduler{}
	ch := newFakeChannel(10*time.Millisecond, func(p transport.TaskPayload) (string, bool) {
		return `{"success": true, "output": "all green"}`, true
	})
	c := newCoordinator(t, testExecConfig(nil), fs, ch)
	require.NoError(t, c.RegisterAgent(agentRec("a1", 2)))

	var events []StateChangeEvent
	var evMu sync.Mutex
	c.OnExecutionStateChange(func(ev StateChangeEvent) {
		evMu.Lock()
		events = append(events, ev)
		evMu.Unlock()
	})

	exec, err := c.ExecuteTask(context.Background(), scheduledTask("t1"))
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, exec.Status)
	require.True(t, exec.Result.Success)
	require.Equal(t, "all green", exec.Result.Output)
	require.Equal(t, []string{"t1"}, fs.completedTasks())

	evMu.Lock()
	defer evMu.Unlock()
	require.Len(t, events, 2)
	require.Equal(t, StatusRunning, events[0].To)
	require.Equal(t, StatusCompleted, events[1].To)

	// Agent capacity restored; usage never exceeds capacity.
	m := c.GetExecutionMetrics()
	require.Equal(t, 1, m.Completed)
	require.Equal(t, 1, m.AvailableAgents)

	// Execution is queryable from retention.
	got := c.GetTaskExecutionStatus("t1")
	require.NotNil(t, got)
	require.Equal(t, StatusCompleted, got.Status)
}

func TestFailureInferredFromText(t *testing.T) {
	fs := &fakeScheduler{}
	ch := newFakeChannel(5*time.Millisecond, func(p transport.TaskPayload) (string, bool) {
		return "build failed: undefined symbol", true
	})
	c := newCoordinator(t, testExecConfig(nil), fs, ch)
	require.NoError(t, c.RegisterAgent(agentRec("a1", 2)))

	exec, err := c.ExecuteTask(context.Background(), scheduledTask("t1"))
	require.NoError(t, err)
	require.Equal(t, StatusFailed, exec.Status)
	require.False(t, exec.Result.Success)
	require.Empty(t, fs.completedTasks())
}

func TestBatchPartialStatus(t *testing.T) {
	fs := &fakeScheduler{}
	ch := newFakeChannel(5*time.Millisecond, func(p transport.TaskPayload) (string, bool) {
		if p.TaskID == "bad" {
			return `{"success": false, "error": "boom"}`, true
		}
		return `{"success": true}`, true
	})
	c := newCoordinator(t, testExecConfig(nil), fs, ch)
	require.NoError(t, c.RegisterAgent(agentRec("a1", 4)))

	batch := &sched.ExecutionBatch{ID: 0, Tasks: []*sched.ScheduledTask{
		scheduledTask("ok1"), scheduledTask("bad"), scheduledTask("ok2"),
	}}
	res, err := c.ExecuteBatch(context.Background(), batch)
	require.NoError(t, err)
	require.Equal(t, BatchPartial, res.Status)
	require.Equal(t, 2, res.Succeeded)
	require.Equal(t, 1, res.Failed)
}

func TestParallelFanOutBoundedByAgentSlots(t *testing.T) {
	fs := &fakeScheduler{}
	delay := 80 * time.Millisecond
	ch := newFakeChannel(delay, func(p transport.TaskPayload) (string, bool) {
		return `{"success": true}`, true
	})
	c := newCoordinator(t, testExecConfig(nil), fs, ch)
	// Two agents, one slot each: exactly two executions in flight.
	require.NoError(t, c.RegisterAgent(agentRec("a1", 1)))
	require.NoError(t, c.RegisterAgent(agentRec("a2", 1)))

	batch := &sched.ExecutionBatch{ID: 0, Tasks: []*sched.ScheduledTask{
		scheduledTask("t1"), scheduledTask("t2"), scheduledTask("t3"),
	}}
	start := time.Now()
	res, err := c.ExecuteBatch(context.Background(), batch)
	elapsed := time.Since(start)
	require.NoError(t, err)
	require.Equal(t, BatchCompleted, res.Status)
	require.Equal(t, 3, res.Succeeded)
	// Three tasks over two slots need at least two waves.
	require.GreaterOrEqual(t, elapsed, 2*delay)
}

func TestNoAgentsDefersBatch(t *testing.T) {
	fs := &fakeScheduler{}
	ch := newFakeChannel(time.Millisecond, func(transport.TaskPayload) (string, bool) { return "", false })
	c := newCoordinator(t, testExecConfig(nil), fs, ch)

	_, err := c.ExecuteBatch(context.Background(), &sched.ExecutionBatch{
		ID: 0, Tasks: []*sched.ScheduledTask{scheduledTask("t1")},
	})
	require.Error(t, err)
}

func TestCancelExecutionIdempotent(t *testing.T) {
	fs := &fakeScheduler{}
	ch := newFakeChannel(0, func(transport.TaskPayload) (string, bool) { return "", false })
	c := newCoordinator(t, testExecConfig(nil), fs, ch)
	require.NoError(t, c.RegisterAgent(agentRec("a1", 2)))

	var cancelledEvents int
	var evMu sync.Mutex
	c.OnExecutionStateChange(func(ev StateChangeEvent) {
		if ev.To == StatusCancelled {
			evMu.Lock()
			cancelledEvents++
			evMu.Unlock()
		}
	})

	done := make(chan *TaskExecution, 1)
	go func() {
		exec, _ := c.ExecuteTask(context.Background(), scheduledTask("t1"))
		done <- exec
	}()

	var execID string
	require.Eventually(t, func() bool {
		if e := c.GetTaskExecutionStatus("t1"); e != nil && e.Status == StatusRunning {
			execID = e.Metadata.ExecutionID
			return true
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.CancelExecution(context.Background(), execID, "operator"))
	require.NoError(t, c.CancelExecution(context.Background(), execID, "operator again"))

	<-done
	evMu.Lock()
	require.Equal(t, 1, cancelledEvents)
	evMu.Unlock()

	got := c.GetExecution(execID)
	require.NotNil(t, got)
	require.Equal(t, StatusCancelled, got.Status)
}

func TestTimeoutThenRetryThenFailed(t *testing.T) {
	fs := &fakeScheduler{}
	ch := newFakeChannel(0, func(transport.TaskPayload) (string, bool) { return "", false })
	cfg := testExecConfig(func(c *config.Execution) {
		c.TaskTimeout = 80 * time.Millisecond
		c.MaxRetryAttempts = 1
		c.EnableAutoRecovery = true
	})
	c := newCoordinator(t, cfg, fs, ch)
	require.NoError(t, c.RegisterAgent(agentRec("a1", 2)))

	var seq []Status
	var evMu sync.Mutex
	c.OnExecutionStateChange(func(ev StateChangeEvent) {
		evMu.Lock()
		seq = append(seq, ev.To)
		evMu.Unlock()
	})

	exec, err := c.ExecuteTask(context.Background(), scheduledTask("t1"))
	require.Error(t, err)
	require.Equal(t, StatusTimeout, exec.Status)
	execID := exec.Metadata.ExecutionID

	// Auto-recovery retries once, then the second timeout settles as failed.
	require.Eventually(t, func() bool {
		got := c.GetExecution(execID)
		return got != nil && got.Status == StatusFailed
	}, 3*time.Second, 20*time.Millisecond)

	got := c.GetExecution(execID)
	require.Equal(t, 1, got.Metadata.RetryCount)
	require.Equal(t, 2, got.Metadata.TimeoutCount)

	// No third attempt.
	time.Sleep(200 * time.Millisecond)
	require.Equal(t, 2, ch.sentCount())

	evMu.Lock()
	defer evMu.Unlock()
	require.Equal(t, []Status{
		StatusRunning, StatusTimeout, StatusQueued, StatusRunning, StatusFailed,
	}, seq)
}

func TestFileLockSerializesExecutions(t *testing.T) {
	fs := &fakeScheduler{}
	delay := 60 * time.Millisecond
	ch := newFakeChannel(delay, func(p transport.TaskPayload) (string, bool) {
		return `{"success": true}`, true
	})
	c := newCoordinator(t, testExecConfig(nil), fs, ch)
	require.NoError(t, c.RegisterAgent(agentRec("a1", 2)))
	require.NoError(t, c.RegisterAgent(agentRec("a2", 2)))

	// Both tasks write the same file: the write lock serializes them even
	// though two agents are free, so wall time covers two full responses.
	batch := &sched.ExecutionBatch{ID: 0, Tasks: []*sched.ScheduledTask{
		scheduledTask("t1", "/x"), scheduledTask("t2", "/x"),
	}}
	start := time.Now()
	res, err := c.ExecuteBatch(context.Background(), batch)
	elapsed := time.Since(start)
	require.NoError(t, err)
	require.Equal(t, BatchCompleted, res.Status)
	require.GreaterOrEqual(t, elapsed, 2*delay, "file lock must serialize the two executions")
}

func TestHeartbeatLossMarksOfflineAndCancels(t *testing.T) {
	fs := &fakeScheduler{}
	ch := newFakeChannel(0, func(transport.TaskPayload) (string, bool) { return "", false })
	cfg := testExecConfig(func(c *config.Execution) {
		c.AgentHeartbeatInterval = 40 * time.Millisecond
		c.ResourceMonitoringInterval = 20 * time.Millisecond
		c.TaskTimeout = 5 * time.Second
		c.EnableAutoRecovery = false
	})
	c := newCoordinator(t, cfg, fs, ch)
	require.NoError(t, c.RegisterAgent(agentRec("a1", 2)))

	go func() { _, _ = c.ExecuteTask(context.Background(), scheduledTask("t1")) }()

	require.Eventually(t, func() bool {
		e := c.GetTaskExecutionStatus("t1")
		return e != nil && e.Status == StatusRunning
	}, 2*time.Second, 10*time.Millisecond)

	// Stop heartbeating; the monitor takes the agent offline and cancels.
	require.Eventually(t, func() bool {
		e := c.GetTaskExecutionStatus("t1")
		return e != nil && e.Status == StatusCancelled
	}, 2*time.Second, 10*time.Millisecond)

	m := c.GetExecutionMetrics()
	require.Equal(t, 0, m.AvailableAgents)
}

func TestHookFailureIsIsolated(t *testing.T) {
	fs := &fakeScheduler{}
	ch := newFakeChannel(5*time.Millisecond, func(transport.TaskPayload) (string, bool) {
		return `{"success": true}`, true
	})
	c := newCoordinator(t, testExecConfig(nil), fs, ch)
	require.NoError(t, c.RegisterAgent(agentRec("a1", 2)))

	c.SetLifecycleHooks(LifecycleHooks{
		OnExecutionStart:    func(context.Context, *TaskExecution) error { panic("hook bug") },
		OnExecutionComplete: func(context.Context, *TaskExecution) error { return context.DeadlineExceeded },
	})

	exec, err := c.ExecuteTask(context.Background(), scheduledTask("t1"))
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, exec.Status)
}
