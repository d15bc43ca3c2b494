package sched

import (
	"time"

	"github.com/swarmguard/taskman/config"
	"github.com/swarmguard/taskman/model"
)

// deadlineHorizon is the window over which deadline pressure ramps to 1.
const deadlineHorizon = 7 * 24 * time.Hour

// deadlineMultiplier converts estimated hours into the implied deadline
// distance for a priority.
func deadlineMultiplier(p model.Priority) float64 {
	switch p {
	case model.PriorityCritical:
		return 1
	case model.PriorityHigh:
		return 2
	case model.PriorityMedium:
		return 4
	default:
		return 8
	}
}

// complexityTypeBase is the inherent complexity of each task type.
var complexityTypeBase = map[model.TaskType]float64{
	model.TaskDevelopment:   0.30,
	model.TaskDeployment:    0.35,
	model.TaskResearch:      0.25,
	model.TaskTesting:       0.20,
	model.TaskReview:        0.10,
	model.TaskDocumentation: 0.10,
}

// businessTypeBonus rewards task types closer to shipped value.
var businessTypeBonus = map[model.TaskType]float64{
	model.TaskDeployment:    0.30,
	model.TaskDevelopment:   0.20,
	model.TaskTesting:       0.15,
	model.TaskReview:        0.10,
	model.TaskResearch:      0.10,
	model.TaskDocumentation: 0.05,
}

// impactTags mark tasks whose tags raise business impact.
var impactTags = map[string]bool{
	"critical-path":   true,
	"customer-facing": true,
	"revenue-impact":  true,
	"security":        true,
}

// scoringContext bundles the environment a task is scored against.
type scoringContext struct {
	cfg          config.Scheduling
	criticalPath map[string]bool
	fanout       map[string]int // direct dependents per task
	load         SystemLoad
	idleAgents   int
	totalAgents  int
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// scoreTask computes all nine factors and the weighted total.
func scoreTask(task *model.AtomicTask, sc *scoringContext) TaskScores {
	s := TaskScores{
		Priority:          model.PriorityScore(task.Priority),
		Deadline:          deadlineScore(task),
		Dependency:        dependencyScore(task, sc),
		Resource:          resourceScore(task, sc),
		Duration:          durationScore(task),
		SystemLoad:        systemLoadScore(task, sc),
		Complexity:        complexityScore(task),
		BusinessImpact:    businessImpactScore(task),
		AgentAvailability: agentAvailabilityScore(task, sc),
	}

	w := sc.cfg.Weights
	s.Total = clamp01(
		w.Dependencies*s.Dependency +
			w.Deadline*s.Deadline +
			w.SystemLoad*s.SystemLoad +
			w.Complexity*s.Complexity +
			w.BusinessImpact*s.BusinessImpact +
			w.AgentAvailability*s.AgentAvailability +
			w.Priority*s.Priority +
			w.Resources*s.Resource +
			w.Duration*s.Duration)
	return s
}

// deadlineScore converts the implied deadline into urgency. Critical tasks
// get a 1.5x boost capped at 1.
func deadlineScore(task *model.AtomicTask) float64 {
	timeToDeadline := time.Duration(task.EstimatedHours*deadlineMultiplier(task.Priority)) * time.Hour
	score := 1 - float64(timeToDeadline)/float64(deadlineHorizon)
	if score < 0 {
		score = 0
	}
	if task.Priority == model.PriorityCritical {
		score *= 1.5
	}
	return clamp01(score)
}

// impliedDeadline is the absolute deadline used by earliest_deadline ordering.
func impliedDeadline(task *model.AtomicTask, now time.Time) time.Time {
	return now.Add(time.Duration(task.EstimatedHours * deadlineMultiplier(task.Priority) * float64(time.Hour)))
}

func dependencyScore(task *model.AtomicTask, sc *scoringContext) float64 {
	score := 0.5
	if sc.criticalPath[task.ID] {
		score += 0.3
	}
	fanoutBonus := 0.1 * float64(sc.fanout[task.ID])
	if fanoutBonus > 0.2 {
		fanoutBonus = 0.2
	}
	return clamp01(score + fanoutBonus)
}

func resourceScore(task *model.AtomicTask, sc *scoringContext) float64 {
	quota := sc.cfg.Resources.TaskTypeResources[task.Type]
	memFrac := memoryFraction(quota.MemoryMB, sc.cfg.Resources)
	cpuFrac := cpuFraction(quota.CPUWeight, sc.cfg.Resources)
	demand := (memFrac + cpuFrac) / 2
	if demand > 0.5 {
		demand = 0.5
	}
	return 1 - demand
}

func durationScore(task *model.AtomicTask) float64 {
	frac := task.EstimatedHours / 8
	if frac > 0.8 {
		frac = 0.8
	}
	return 1 - frac
}

func systemLoadScore(task *model.AtomicTask, sc *scoringContext) float64 {
	quota := sc.cfg.Resources.TaskTypeResources[task.Type]
	taskMem := memoryFraction(quota.MemoryMB, sc.cfg.Resources)
	taskCPU := cpuFraction(quota.CPUWeight, sc.cfg.Resources)

	freeSlots := sc.cfg.Resources.MaxConcurrentTasks - sc.load.RunningTasks
	if freeSlots < 0 {
		freeSlots = 0
	}
	slotFrac := float64(freeSlots) / float64(sc.cfg.Resources.MaxConcurrentTasks)

	availability := (1-sc.load.MemoryFraction-taskMem)*0.4 +
		(1-sc.load.CPUFraction-taskCPU)*0.4 +
		slotFrac*0.2
	return clamp01(availability)
}

func complexityScore(task *model.AtomicTask) float64 {
	sum := 0.05*float64(len(task.FilePaths)) +
		0.05*float64(len(task.TestingRequirements)) +
		0.03*float64(len(task.AcceptanceCriteria)) +
		0.05*float64(len(task.Dependencies)) +
		complexityTypeBase[task.Type]
	if sum > 1 {
		sum = 1
	}
	return 1 - sum
}

func businessImpactScore(task *model.AtomicTask) float64 {
	score := model.PriorityScore(task.Priority)*0.5 + businessTypeBonus[task.Type]
	for _, tag := range task.Tags {
		if impactTags[tag] {
			score += 0.2
			break
		}
	}
	return clamp01(score)
}

func agentAvailabilityScore(task *model.AtomicTask, sc *scoringContext) float64 {
	if sc.totalAgents == 0 {
		return 0
	}
	base := float64(sc.idleAgents) / float64(sc.totalAgents)
	required := sc.cfg.Resources.TaskTypeResources[task.Type].AgentCount
	if required <= 0 {
		required = 1
	}
	if sc.idleAgents >= required {
		return clamp01(base + 0.2)
	}
	return base / 2
}

// memoryFraction expresses a memory quota as a fraction of schedulable memory.
func memoryFraction(memoryMB int, res config.Resources) float64 {
	if res.MaxMemoryMB <= 0 {
		return 0
	}
	return float64(memoryMB) / float64(res.MaxMemoryMB)
}

// cpuFraction expresses a cpu weight as a fraction of schedulable cpu,
// one weight unit per concurrent slot scaled by the utilization ceiling.
func cpuFraction(cpuWeight float64, res config.Resources) float64 {
	capacity := res.MaxCPUUtilization * float64(res.MaxConcurrentTasks)
	if capacity <= 0 {
		return 0
	}
	return cpuWeight / capacity
}
