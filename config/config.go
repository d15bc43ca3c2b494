// Package config declares every tunable of the scheduler, coordinator,
// lock manager and epic analyzer as explicit typed structs with defaults.
package config

import (
	"time"

	"github.com/swarmguard/taskman/fault"
	"github.com/swarmguard/taskman/model"
)

// Algorithm selects the scheduling strategy.
type Algorithm string

const (
	AlgoPriorityFirst    Algorithm = "priority_first"
	AlgoEarliestDeadline Algorithm = "earliest_deadline"
	AlgoCriticalPath     Algorithm = "critical_path"
	AlgoResourceBalanced Algorithm = "resource_balanced"
	AlgoShortestJob      Algorithm = "shortest_job"
	AlgoHybridOptimal    Algorithm = "hybrid_optimal"
)

// KnownAlgorithms enumerates the closed set of scheduling algorithms.
var KnownAlgorithms = []Algorithm{
	AlgoPriorityFirst, AlgoEarliestDeadline, AlgoCriticalPath,
	AlgoResourceBalanced, AlgoShortestJob, AlgoHybridOptimal,
}

// Sensitivity controls how eagerly UpdateSchedule falls back to a full reschedule.
type Sensitivity string

const (
	SensitivityLow    Sensitivity = "low"    // reschedule when >30% of tasks changed
	SensitivityMedium Sensitivity = "medium" // >20%
	SensitivityHigh   Sensitivity = "high"   // >10%
)

// Threshold returns the change ratio above which a full reschedule runs.
func (s Sensitivity) Threshold() float64 {
	switch s {
	case SensitivityLow:
		return 0.3
	case SensitivityHigh:
		return 0.1
	default:
		return 0.2
	}
}

// Weights are the scoring factor weights. All in [0,1].
type Weights struct {
	Dependencies      float64 `json:"dependencies"`
	Deadline          float64 `json:"deadline"`
	SystemLoad        float64 `json:"system_load"`
	Complexity        float64 `json:"complexity"`
	BusinessImpact    float64 `json:"business_impact"`
	AgentAvailability float64 `json:"agent_availability"`
	// Legacy factors, zero-weighted by default.
	Priority  float64 `json:"priority"`
	Resources float64 `json:"resources"`
	Duration  float64 `json:"duration"`
}

// DefaultWeights returns the standard factor weighting.
func DefaultWeights() Weights {
	return Weights{
		Dependencies:      0.35,
		Deadline:          0.25,
		SystemLoad:        0.20,
		Complexity:        0.10,
		BusinessImpact:    0.05,
		AgentAvailability: 0.05,
	}
}

// TaskTypeResources is the per-type resource quota used for scoring and
// schedule resource assignment.
type TaskTypeResources struct {
	MemoryMB   int     `json:"memory_mb"`
	CPUWeight  float64 `json:"cpu_weight"`
	AgentCount int     `json:"agent_count"`
}

// Resources bound the schedule as a whole.
type Resources struct {
	MaxConcurrentTasks int                                  `json:"max_concurrent_tasks"`
	MaxMemoryMB        int                                  `json:"max_memory_mb"`
	MaxCPUUtilization  float64                              `json:"max_cpu_utilization"`
	AvailableAgents    int                                  `json:"available_agents"`
	TaskTypeResources  map[model.TaskType]TaskTypeResources `json:"task_type_resources"`
}

// Scheduling configures the task scheduler.
type Scheduling struct {
	Algorithm                 Algorithm     `json:"algorithm"`
	Weights                   Weights       `json:"weights"`
	Resources                 Resources     `json:"resources"`
	DeadlineBuffer            float64       `json:"deadline_buffer"`
	RescheduleSensitivity     Sensitivity   `json:"reschedule_sensitivity"`
	EnableDynamicOptimization bool          `json:"enable_dynamic_optimization"`
	OptimizationInterval      time.Duration `json:"optimization_interval"`
	OutputDir                 string        `json:"output_dir,omitempty"`
	SnapshotRetentionDays     int           `json:"snapshot_retention_days"`
}

// DefaultScheduling returns the scheduling defaults.
func DefaultScheduling() Scheduling {
	return Scheduling{
		Algorithm:             AlgoHybridOptimal,
		Weights:               DefaultWeights(),
		RescheduleSensitivity: SensitivityMedium,
		DeadlineBuffer:        0.1,
		OptimizationInterval:  5 * time.Minute,
		SnapshotRetentionDays: 7,
		Resources: Resources{
			MaxConcurrentTasks: 8,
			MaxMemoryMB:        8192,
			MaxCPUUtilization:  0.9,
			AvailableAgents:    4,
			TaskTypeResources: map[model.TaskType]TaskTypeResources{
				model.TaskDevelopment:   {MemoryMB: 1024, CPUWeight: 1.0, AgentCount: 1},
				model.TaskTesting:       {MemoryMB: 768, CPUWeight: 0.8, AgentCount: 1},
				model.TaskDocumentation: {MemoryMB: 256, CPUWeight: 0.3, AgentCount: 1},
				model.TaskResearch:      {MemoryMB: 512, CPUWeight: 0.5, AgentCount: 1},
				model.TaskDeployment:    {MemoryMB: 1536, CPUWeight: 1.2, AgentCount: 2},
				model.TaskReview:        {MemoryMB: 256, CPUWeight: 0.4, AgentCount: 1},
			},
		},
	}
}

// Strategy selects how the coordinator picks agents at dispatch time.
type Strategy string

const (
	StrategyRoundRobin    Strategy = "round_robin"
	StrategyLeastLoaded   Strategy = "least_loaded"
	StrategyResourceAware Strategy = "resource_aware"
	StrategyPriorityBased Strategy = "priority_based"
)

// Execution configures the execution coordinator.
type Execution struct {
	MaxConcurrentBatches       int           `json:"max_concurrent_batches"`
	TaskTimeout                time.Duration `json:"task_timeout"`
	MaxRetryAttempts           int           `json:"max_retry_attempts"`
	RetryDelay                 time.Duration `json:"retry_delay"`
	AgentHeartbeatInterval     time.Duration `json:"agent_heartbeat_interval"`
	ResourceMonitoringInterval time.Duration `json:"resource_monitoring_interval"`
	EnableAutoRecovery         bool          `json:"enable_auto_recovery"`
	LoadBalancingStrategy      Strategy      `json:"load_balancing_strategy"`
	EnableExecutionStateEvents bool          `json:"enable_execution_state_events"`
	ExecutionRetention         time.Duration `json:"execution_retention"`
	EnableExecutionDelays      bool          `json:"enable_execution_delays"`
	DefaultExecutionDelay      time.Duration `json:"default_execution_delay"`
	ResponsePollInterval       time.Duration `json:"response_poll_interval"`
}

// DefaultExecution returns the coordinator defaults.
func DefaultExecution() Execution {
	return Execution{
		MaxConcurrentBatches:       2,
		TaskTimeout:                20 * time.Minute,
		MaxRetryAttempts:           2,
		RetryDelay:                 30 * time.Second,
		AgentHeartbeatInterval:     30 * time.Second,
		ResourceMonitoringInterval: 10 * time.Second,
		EnableAutoRecovery:         true,
		LoadBalancingStrategy:      StrategyResourceAware,
		EnableExecutionStateEvents: true,
		ExecutionRetention:         60 * time.Minute,
		ResponsePollInterval:       5 * time.Second,
	}
}

// Locks configures the lock manager.
type Locks struct {
	EnableLockAuditTrail    bool          `json:"enable_lock_audit_trail"`
	EnableDeadlockDetection bool          `json:"enable_deadlock_detection"`
	DefaultLockTimeout      time.Duration `json:"default_lock_timeout"`
	MaxLockTimeout          time.Duration `json:"max_lock_timeout"`
	LockCleanupInterval     time.Duration `json:"lock_cleanup_interval"`
	AuditPath               string        `json:"audit_path,omitempty"`
}

// DefaultLocks returns the lock manager defaults.
func DefaultLocks() Locks {
	return Locks{
		EnableDeadlockDetection: true,
		DefaultLockTimeout:      30 * time.Second,
		MaxLockTimeout:          10 * time.Minute,
		LockCleanupInterval:     time.Minute,
	}
}

// Epics configures epic dependency analysis.
type Epics struct {
	MinDependencyStrength float64 `json:"min_dependency_strength"`
	MinLLMConfidence      float64 `json:"min_llm_confidence"`
	MinLLMStrength        float64 `json:"min_llm_strength"`
}

// DefaultEpics returns the epic analyzer defaults.
func DefaultEpics() Epics {
	return Epics{
		MinDependencyStrength: 0.3,
		MinLLMConfidence:      0.7,
		MinLLMStrength:        0.6,
	}
}

const component = "config"

// Validate rejects nonsensical scheduling options.
func (s *Scheduling) Validate() error {
	known := false
	for _, a := range KnownAlgorithms {
		if s.Algorithm == a {
			known = true
			break
		}
	}
	if !known {
		return fault.Newf(fault.KindConfiguration, component, "validate", "unknown algorithm %q", s.Algorithm)
	}
	for name, w := range map[string]float64{
		"dependencies": s.Weights.Dependencies, "deadline": s.Weights.Deadline,
		"system_load": s.Weights.SystemLoad, "complexity": s.Weights.Complexity,
		"business_impact": s.Weights.BusinessImpact, "agent_availability": s.Weights.AgentAvailability,
		"priority": s.Weights.Priority, "resources": s.Weights.Resources, "duration": s.Weights.Duration,
	} {
		if w < 0 || w > 1 {
			return fault.Newf(fault.KindConfiguration, component, "validate", "weight %s=%v outside [0,1]", name, w)
		}
	}
	if s.Resources.MaxConcurrentTasks <= 0 {
		return fault.New(fault.KindConfiguration, component, "validate", "max_concurrent_tasks must be positive")
	}
	if s.Resources.MaxMemoryMB <= 0 {
		return fault.New(fault.KindConfiguration, component, "validate", "max_memory_mb must be positive")
	}
	if s.Resources.MaxCPUUtilization <= 0 || s.Resources.MaxCPUUtilization > 1 {
		return fault.New(fault.KindConfiguration, component, "validate", "max_cpu_utilization must be in (0,1]")
	}
	switch s.RescheduleSensitivity {
	case SensitivityLow, SensitivityMedium, SensitivityHigh:
	default:
		return fault.Newf(fault.KindConfiguration, component, "validate", "unknown sensitivity %q", s.RescheduleSensitivity)
	}
	if s.EnableDynamicOptimization && s.OptimizationInterval <= 0 {
		return fault.New(fault.KindConfiguration, component, "validate", "optimization_interval must be positive")
	}
	return nil
}

// Validate rejects nonsensical execution options.
func (e *Execution) Validate() error {
	if e.TaskTimeout <= 0 {
		return fault.New(fault.KindConfiguration, component, "validate", "task_timeout must be positive")
	}
	if e.MaxRetryAttempts < 0 {
		return fault.New(fault.KindConfiguration, component, "validate", "max_retry_attempts must be non-negative")
	}
	switch e.LoadBalancingStrategy {
	case StrategyRoundRobin, StrategyLeastLoaded, StrategyResourceAware, StrategyPriorityBased:
	default:
		return fault.Newf(fault.KindConfiguration, component, "validate", "unknown load balancing strategy %q", e.LoadBalancingStrategy)
	}
	if e.ResponsePollInterval <= 0 {
		return fault.New(fault.KindConfiguration, component, "validate", "response_poll_interval must be positive")
	}
	return nil
}

// Validate rejects nonsensical lock options.
func (l *Locks) Validate() error {
	if l.DefaultLockTimeout < 0 || l.MaxLockTimeout < 0 {
		return fault.New(fault.KindConfiguration, component, "validate", "lock timeouts must be non-negative")
	}
	if l.MaxLockTimeout > 0 && l.DefaultLockTimeout > l.MaxLockTimeout {
		return fault.New(fault.KindConfiguration, component, "validate", "default_lock_timeout exceeds max_lock_timeout")
	}
	if l.LockCleanupInterval <= 0 {
		return fault.New(fault.KindConfiguration, component, "validate", "lock_cleanup_interval must be positive")
	}
	if l.EnableLockAuditTrail && l.AuditPath == "" {
		return fault.New(fault.KindConfiguration, component, "validate", "audit_path required when audit trail enabled")
	}
	return nil
}

// Validate rejects nonsensical epic thresholds.
func (e *Epics) Validate() error {
	for name, v := range map[string]float64{
		"min_dependency_strength": e.MinDependencyStrength,
		"min_llm_confidence":      e.MinLLMConfidence,
		"min_llm_strength":        e.MinLLMStrength,
	} {
		if v < 0 || v > 1 {
			return fault.Newf(fault.KindConfiguration, component, "validate", "%s=%v outside [0,1]", name, v)
		}
	}
	return nil
}
