// Package model holds the domain records shared across the scheduler,
// coordinator and epic analysis: atomic tasks, epics and worker agents.
package model

import "time"

// TaskType classifies the kind of work a task performs.
type TaskType string

const (
	TaskDevelopment   TaskType = "development"
	TaskTesting       TaskType = "testing"
	TaskDocumentation TaskType = "documentation"
	TaskResearch      TaskType = "research"
	TaskDeployment    TaskType = "deployment"
	TaskReview        TaskType = "review"
)

// Priority orders tasks by urgency.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// PriorityScore maps a priority to its base score factor.
func PriorityScore(p Priority) float64 {
	switch p {
	case PriorityCritical:
		return 1.0
	case PriorityHigh:
		return 0.8
	case PriorityMedium:
		return 0.6
	case PriorityLow:
		return 0.4
	default:
		return 0.6
	}
}

// TaskStatus is the lifecycle state of an atomic task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskBlocked    TaskStatus = "blocked"
	TaskCancelled  TaskStatus = "cancelled"
)

// AtomicTask is a unit of work sized for a single development session.
type AtomicTask struct {
	ID                  string     `json:"id"`
	Title               string     `json:"title"`
	Description         string     `json:"description,omitempty"`
	Type                TaskType   `json:"type"`
	Priority            Priority   `json:"priority"`
	EstimatedHours      float64    `json:"estimated_hours"`
	Status              TaskStatus `json:"status"`
	Dependencies        []string   `json:"dependencies,omitempty"`
	Dependents          []string   `json:"dependents,omitempty"` // derived, never authoritative
	FilePaths           []string   `json:"file_paths,omitempty"`
	EpicID              string     `json:"epic_id,omitempty"`
	ProjectID           string     `json:"project_id,omitempty"`
	Tags                []string   `json:"tags,omitempty"`
	AcceptanceCriteria  []string   `json:"acceptance_criteria,omitempty"`
	TestingRequirements []string   `json:"testing_requirements,omitempty"`
}

// Epic groups atomic tasks aligned with a functional area.
// Invariant: epic.TaskIDs and task.EpicID stay mutually consistent.
type Epic struct {
	ID             string     `json:"id"`
	Title          string     `json:"title"`
	Status         TaskStatus `json:"status"`
	Priority       Priority   `json:"priority"`
	ProjectID      string     `json:"project_id,omitempty"`
	TaskIDs        []string   `json:"task_ids,omitempty"`
	Dependencies   []string   `json:"dependencies,omitempty"`
	EstimatedHours float64    `json:"estimated_hours"`
	Tags           []string   `json:"tags,omitempty"`
}

// AgentStatus is the liveness state of a worker agent.
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentBusy    AgentStatus = "busy"
	AgentOffline AgentStatus = "offline"
	AgentError   AgentStatus = "error"
)

// AgentCapacity bounds what an agent may run concurrently.
type AgentCapacity struct {
	MaxMemoryMB        int     `json:"max_memory_mb"`
	MaxCPUWeight       float64 `json:"max_cpu_weight"`
	MaxConcurrentTasks int     `json:"max_concurrent_tasks"`
}

// AgentUsage tracks current consumption.
// Invariant: usage <= capacity on every axis.
type AgentUsage struct {
	MemoryMB    int     `json:"memory_mb"`
	CPUWeight   float64 `json:"cpu_weight"`
	ActiveTasks int     `json:"active_tasks"`
}

// AgentMetadata carries runtime statistics.
type AgentMetadata struct {
	LastHeartbeat        time.Time     `json:"last_heartbeat"`
	TotalExecuted        int           `json:"total_executed"`
	AverageExecutionTime time.Duration `json:"average_execution_time"`
	SuccessRate          float64       `json:"success_rate"`
}

// Agent is a worker that executes atomic tasks.
type Agent struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Status       AgentStatus   `json:"status"`
	Capabilities []TaskType    `json:"capabilities,omitempty"`
	Capacity     AgentCapacity `json:"capacity"`
	CurrentUsage AgentUsage    `json:"current_usage"`
	Metadata     AgentMetadata `json:"metadata"`
}

// Clone returns a deep copy safe to hand to callers.
func (a *Agent) Clone() *Agent {
	cp := *a
	cp.Capabilities = append([]TaskType(nil), a.Capabilities...)
	return &cp
}

// HasCapability reports whether the agent declares the task type.
func (a *Agent) HasCapability(t TaskType) bool {
	for _, c := range a.Capabilities {
		if c == t {
			return true
		}
	}
	return false
}

// FreeMemoryMB is the remaining memory headroom.
func (a *Agent) FreeMemoryMB() int {
	return a.Capacity.MaxMemoryMB - a.CurrentUsage.MemoryMB
}

// FreeCPUWeight is the remaining cpu headroom.
func (a *Agent) FreeCPUWeight() float64 {
	return a.Capacity.MaxCPUWeight - a.CurrentUsage.CPUWeight
}

// FreeSlots is the remaining concurrent-task headroom.
func (a *Agent) FreeSlots() int {
	return a.Capacity.MaxConcurrentTasks - a.CurrentUsage.ActiveTasks
}
