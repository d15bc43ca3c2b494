// Package sched produces execution schedules from a task set and its
// dependency graph: multi-factor scoring, six ordering algorithms,
// topologically ordered parallel batches and dynamic re-optimization.
package sched

import (
	"time"

	"github.com/swarmguard/taskman/config"
	"github.com/swarmguard/taskman/model"
)

// TaskScores are the nine orthogonal scoring factors, each in [0,1],
// plus the weighted total.
type TaskScores struct {
	Priority          float64 `json:"priority"`
	Deadline          float64 `json:"deadline"`
	Dependency        float64 `json:"dependency"`
	Resource          float64 `json:"resource"`
	Duration          float64 `json:"duration"`
	SystemLoad        float64 `json:"system_load"`
	Complexity        float64 `json:"complexity"`
	BusinessImpact    float64 `json:"business_impact"`
	AgentAvailability float64 `json:"agent_availability"`
	Total             float64 `json:"total"`
}

// AssignedResources are the resources reserved for a scheduled task.
type AssignedResources struct {
	MemoryMB  int     `json:"memory_mb"`
	CPUWeight float64 `json:"cpu_weight"`
	AgentID   string  `json:"agent_id,omitempty"`
}

// ScheduledTask is a task placed on the timeline.
type ScheduledTask struct {
	Task              model.AtomicTask  `json:"task"`
	ScheduledStart    time.Time         `json:"scheduled_start"`
	ScheduledEnd      time.Time         `json:"scheduled_end"`
	Resources         AssignedResources `json:"resources"`
	BatchID           int               `json:"batch_id"`
	PrerequisiteTasks []string          `json:"prerequisite_tasks,omitempty"`
	DependentTasks    []string          `json:"dependent_tasks,omitempty"`
	Scores            TaskScores        `json:"scores"`
	Algorithm         config.Algorithm  `json:"algorithm"`
}

// Batch is one parallel level of the schedule.
type Batch struct {
	ID       int           `json:"id"`
	TaskIDs  []string      `json:"task_ids"`
	Start    time.Time     `json:"start"`
	End      time.Time     `json:"end"`
	Duration time.Duration `json:"duration"`
}

// Timeline summarizes the schedule end to end.
type Timeline struct {
	Start             time.Time     `json:"start"`
	End               time.Time     `json:"end"`
	TotalDuration     time.Duration `json:"total_duration"`
	CriticalPath      []string      `json:"critical_path,omitempty"`
	ParallelismFactor float64       `json:"parallelism_factor"`
}

// Utilization summarizes projected resource use.
type Utilization struct {
	PeakMemoryMB     int     `json:"peak_memory_mb"`
	AvgCPUWeight     float64 `json:"avg_cpu_weight"`
	AgentUtilization float64 `json:"agent_utilization"`
	Efficiency       float64 `json:"efficiency"`
}

// Schedule is a complete execution schedule.
type Schedule struct {
	ID                  string                    `json:"id"`
	ProjectID           string                    `json:"project_id"`
	ScheduledTasks      map[string]*ScheduledTask `json:"scheduled_tasks"`
	Batches             []Batch                   `json:"batches"`
	Timeline            Timeline                  `json:"timeline"`
	ResourceUtilization Utilization               `json:"resource_utilization"`
	Algorithm           config.Algorithm          `json:"algorithm"`
	Version             int                       `json:"version"`
	IsOptimal           bool                      `json:"is_optimal"`
	GeneratedAt         time.Time                 `json:"generated_at"`
}

// Clone returns a deep copy safe to hand to callers.
func (s *Schedule) Clone() *Schedule {
	cp := *s
	cp.ScheduledTasks = make(map[string]*ScheduledTask, len(s.ScheduledTasks))
	for id, st := range s.ScheduledTasks {
		stc := *st
		stc.PrerequisiteTasks = append([]string(nil), st.PrerequisiteTasks...)
		stc.DependentTasks = append([]string(nil), st.DependentTasks...)
		cp.ScheduledTasks[id] = &stc
	}
	cp.Batches = make([]Batch, len(s.Batches))
	for i, b := range s.Batches {
		bc := b
		bc.TaskIDs = append([]string(nil), b.TaskIDs...)
		cp.Batches[i] = bc
	}
	cp.Timeline.CriticalPath = append([]string(nil), s.Timeline.CriticalPath...)
	return &cp
}

// SystemLoad is the coordinator-reported load snapshot used for scoring.
type SystemLoad struct {
	MemoryFraction float64 `json:"memory_fraction"` // 0..1 of MaxMemoryMB in use
	CPUFraction    float64 `json:"cpu_fraction"`    // 0..1 of cpu capacity in use
	RunningTasks   int     `json:"running_tasks"`
}
