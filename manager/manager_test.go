package manager

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/taskman/config"
	"github.com/swarmguard/taskman/fault"
	"github.com/swarmguard/taskman/model"
	"github.com/swarmguard/taskman/transport"
)

// echoChannel acknowledges every payload successfully after a short delay.
type echoChannel struct {
	mu     sync.Mutex
	queues map[string]chan string
	sent   []string
}

func newEchoChannel() *echoChannel {
	return &echoChannel{queues: make(map[string]chan string)}
}

func (e *echoChannel) queue(agentID string) chan string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if q, ok := e.queues[agentID]; ok {
		return q
	}
	q := make(chan string, 16)
	e.queues[agentID] = q
	return q
}

func (e *echoChannel) SendTask(_ context.Context, agentID string, payload []byte) error {
	var p transport.TaskPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	e.mu.Lock()
	e.sent = append(e.sent, p.TaskID)
	e.mu.Unlock()
	q := e.queue(agentID)
	go func() {
		time.Sleep(10 * time.Millisecond)
		q <- `{"success": true, "output": "done"}`
	}()
	return nil
}

func (e *echoChannel) ReceiveResponse(ctx context.Context, agentID string, poll time.Duration) (string, bool, error) {
	timer := time.NewTimer(poll)
	defer timer.Stop()
	select {
	case resp := <-e.queue(agentID):
		return resp, true, nil
	case <-ctx.Done():
		return "", false, nil
	case <-timer.C:
		return "", false, nil
	}
}

func (e *echoChannel) sentOrder() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.sent...)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Execution.ResponsePollInterval = 10 * time.Millisecond
	cfg.Execution.ResourceMonitoringInterval = 50 * time.Millisecond
	cfg.Execution.TaskTimeout = 5 * time.Second
	cfg.Locks.LockCleanupInterval = 100 * time.Millisecond
	return cfg
}

func devTask(id string, hours float64, deps ...string) model.AtomicTask {
	return model.AtomicTask{
		ID:             id,
		Title:          "task " + id,
		Type:           model.TaskDevelopment,
		Priority:       model.PriorityMedium,
		EstimatedHours: hours,
		Status:         model.TaskPending,
		Dependencies:   deps,
	}
}

func TestLinearChainRunsToCompletion(t *testing.T) {
	ch := newEchoChannel()
	m, err := New(testConfig(), ch, noopmetric.MeterProvider{}.Meter("test"))
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	require.NoError(t, m.RegisterAgent(model.Agent{
		ID:           "a1",
		Status:       model.AgentIdle,
		Capabilities: []model.TaskType{model.TaskDevelopment},
		Capacity:     model.AgentCapacity{MaxMemoryMB: 8192, MaxCPUWeight: 8, MaxConcurrentTasks: 4},
	}))

	schedule, err := m.SubmitTasks(context.Background(), "p1",
		[]model.AtomicTask{devTask("a", 2), devTask("b", 2, "a"), devTask("c", 2, "b")}, nil)
	require.NoError(t, err)
	require.Len(t, schedule.Batches, 3)

	// The coordination loop pulls one batch per tick; the chain completes
	// in dependency order.
	require.Eventually(t, func() bool {
		e := m.QueryTask("c")
		return e != nil && e.Status == "completed"
	}, 15*time.Second, 100*time.Millisecond)

	require.Equal(t, []string{"a", "b", "c"}, ch.sentOrder())

	cur := m.Scheduler().CurrentSchedule()
	for _, id := range []string{"a", "b", "c"} {
		require.Equal(t, model.TaskCompleted, cur.ScheduledTasks[id].Task.Status)
	}
}

func TestSubmitRejectsCycle(t *testing.T) {
	ch := newEchoChannel()
	m, err := New(testConfig(), ch, noopmetric.MeterProvider{}.Meter("test"))
	require.NoError(t, err)
	defer m.Stop()

	_, err = m.SubmitTasks(context.Background(), "p1",
		[]model.AtomicTask{devTask("a", 1, "b"), devTask("b", 1, "a")}, nil)
	require.Error(t, err)
	require.True(t, fault.IsKind(err, fault.KindInvariant))
}

func TestSubmitRejectsEmptySet(t *testing.T) {
	ch := newEchoChannel()
	m, err := New(testConfig(), ch, noopmetric.MeterProvider{}.Meter("test"))
	require.NoError(t, err)
	defer m.Stop()

	_, err = m.SubmitTasks(context.Background(), "p1", nil, nil)
	require.True(t, fault.IsKind(err, fault.KindValidation))
}

func TestExplicitEdgeListAccepted(t *testing.T) {
	ch := newEchoChannel()
	m, err := New(testConfig(), ch, noopmetric.MeterProvider{}.Meter("test"))
	require.NoError(t, err)
	defer m.Stop()

	schedule, err := m.SubmitTasks(context.Background(), "p1",
		[]model.AtomicTask{devTask("a", 1), devTask("b", 1)},
		[]model.Dependency{{ProjectID: "p1", FromTaskID: "a", ToTaskID: "b"}})
	require.NoError(t, err)
	require.Len(t, schedule.Batches, 2)
	require.Equal(t, []string{"a"}, schedule.Batches[0].TaskIDs)
	require.Equal(t, config.DefaultScheduling().Algorithm, schedule.Algorithm)
}
