// Package coord dispatches scheduled batches to worker agents: lock
// acquisition, parallel execution with bounded fan-out, heartbeats,
// timeouts, retries and lifecycle callbacks.
package coord

import (
	"context"
	"time"

	"github.com/swarmguard/taskman/model"
	"github.com/swarmguard/taskman/sched"
)

// Status is the lifecycle state of one task execution.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimeout   Status = "timeout"
)

func terminal(s Status) bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Result is the parsed agent outcome.
type Result struct {
	Success  bool   `json:"success"`
	Output   string `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`
}

// ResourceUsage is the footprint attributed to one execution.
type ResourceUsage struct {
	MemoryMB  int     `json:"memory_mb"`
	CPUWeight float64 `json:"cpu_weight"`
}

// ExecMetadata carries retry bookkeeping.
type ExecMetadata struct {
	ExecutionID  string     `json:"execution_id"`
	RetryCount   int        `json:"retry_count"`
	TimeoutCount int        `json:"timeout_count"`
	LastRetryAt  *time.Time `json:"last_retry_at,omitempty"`
}

// TaskExecution links a scheduled task to the agent running it. Created
// and owned by the coordinator for its lifetime, then moved to the
// retention map for the configured window.
type TaskExecution struct {
	Scheduled      sched.ScheduledTask `json:"scheduled"`
	AgentID        string              `json:"agent_id"`
	Status         Status              `json:"status"`
	StartTime      *time.Time          `json:"start_time,omitempty"`
	EndTime        *time.Time          `json:"end_time,omitempty"`
	ActualDuration time.Duration       `json:"actual_duration"`
	Result         *Result             `json:"result,omitempty"`
	ResourceUsage  ResourceUsage       `json:"resource_usage"`
	Metadata       ExecMetadata        `json:"metadata"`
}

// Clone returns a copy safe to hand to callers.
func (e *TaskExecution) Clone() *TaskExecution {
	cp := *e
	if e.Result != nil {
		r := *e.Result
		cp.Result = &r
	}
	return &cp
}

// BatchStatus summarizes one dispatched batch.
type BatchStatus string

const (
	BatchCompleted BatchStatus = "completed"
	BatchPartial   BatchStatus = "partial"
	BatchFailed    BatchStatus = "failed"
)

// BatchResult is the outcome of executeBatch.
type BatchResult struct {
	BatchID    int         `json:"batch_id"`
	Status     BatchStatus `json:"status"`
	Executions []string    `json:"executions"` // execution ids
	Succeeded  int         `json:"succeeded"`
	Failed     int         `json:"failed"`
}

// StateChangeEvent is emitted on every execution status change. Events of
// one execution are delivered in occurrence order to each listener.
type StateChangeEvent struct {
	ExecutionID string    `json:"execution_id"`
	TaskID      string    `json:"task_id"`
	AgentID     string    `json:"agent_id,omitempty"`
	From        Status    `json:"from"`
	To          Status    `json:"to"`
	At          time.Time `json:"at"`
	Error       string    `json:"error,omitempty"`
}

// LifecycleHooks are awaited around each execution; a hook failure is
// logged and discarded, never propagated.
type LifecycleHooks struct {
	OnExecutionStart    func(ctx context.Context, exec *TaskExecution) error
	OnExecutionProgress func(ctx context.Context, exec *TaskExecution) error
	OnExecutionComplete func(ctx context.Context, exec *TaskExecution) error
	OnExecutionFailed   func(ctx context.Context, exec *TaskExecution) error
	OnExecutionCancelled func(ctx context.Context, exec *TaskExecution) error
}

// Metrics is the aggregate view returned by GetExecutionMetrics.
type Metrics struct {
	Active            int           `json:"active"`
	Queued            int           `json:"queued"`
	Completed         int           `json:"completed"`
	Failed            int           `json:"failed"`
	Cancelled         int           `json:"cancelled"`
	TimedOut          int           `json:"timed_out"`
	AverageDuration   time.Duration `json:"average_duration"`
	SuccessRate       float64       `json:"success_rate"`
	RegisteredAgents  int           `json:"registered_agents"`
	AvailableAgents   int           `json:"available_agents"`
}

// SchedulerAPI is the scheduler surface the coordinator consumes.
type SchedulerAPI interface {
	GetNextExecutionBatch() *sched.ExecutionBatch
	MarkTaskCompleted(ctx context.Context, taskID string) error
	RequeueTask(taskID string)
	SetAgents(agents []model.Agent)
	UpdateSystemLoad(load sched.SystemLoad)
}
