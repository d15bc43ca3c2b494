package sched

import (
	"sort"
	"time"

	"github.com/swarmguard/taskman/config"
	"github.com/swarmguard/taskman/model"
)

// orderBatch sorts the tasks of one batch according to the algorithm.
// Every comparator falls through to ascending task id so orderings are
// fully deterministic.
func orderBatch(algo config.Algorithm, ids []string, tasks map[string]*model.AtomicTask, scores map[string]TaskScores, critical map[string]bool, now time.Time) {
	less := func(a, b string) bool { return a < b }

	switch algo {
	case config.AlgoPriorityFirst:
		less = func(a, b string) bool {
			if scores[a].Priority != scores[b].Priority {
				return scores[a].Priority > scores[b].Priority
			}
			return a < b
		}
	case config.AlgoEarliestDeadline:
		less = func(a, b string) bool {
			da := impliedDeadline(tasks[a], now)
			db := impliedDeadline(tasks[b], now)
			if !da.Equal(db) {
				return da.Before(db)
			}
			return a < b
		}
	case config.AlgoCriticalPath:
		less = func(a, b string) bool {
			if critical[a] != critical[b] {
				return critical[a]
			}
			if scores[a].Total != scores[b].Total {
				return scores[a].Total > scores[b].Total
			}
			return a < b
		}
	case config.AlgoResourceBalanced:
		less = func(a, b string) bool {
			if scores[a].Resource != scores[b].Resource {
				return scores[a].Resource > scores[b].Resource
			}
			return a < b
		}
	case config.AlgoShortestJob:
		less = func(a, b string) bool {
			if tasks[a].EstimatedHours != tasks[b].EstimatedHours {
				return tasks[a].EstimatedHours < tasks[b].EstimatedHours
			}
			return a < b
		}
	case config.AlgoHybridOptimal:
		less = func(a, b string) bool {
			if critical[a] != critical[b] {
				return critical[a]
			}
			if scores[a].Total != scores[b].Total {
				return scores[a].Total > scores[b].Total
			}
			if scores[a].Priority != scores[b].Priority {
				return scores[a].Priority > scores[b].Priority
			}
			if tasks[a].EstimatedHours != tasks[b].EstimatedHours {
				return tasks[a].EstimatedHours < tasks[b].EstimatedHours
			}
			return a < b
		}
	}

	sort.Slice(ids, func(i, j int) bool { return less(ids[i], ids[j]) })
}

// balanceBatchMemory scales assigned memory down proportionally when the
// batch sum exceeds the schedulable maximum. Used by resource_balanced.
func balanceBatchMemory(batch []string, scheduled map[string]*ScheduledTask, maxMemoryMB int) {
	total := 0
	for _, id := range batch {
		total += scheduled[id].Resources.MemoryMB
	}
	if total <= maxMemoryMB || total == 0 {
		return
	}
	scale := float64(maxMemoryMB) / float64(total)
	for _, id := range batch {
		st := scheduled[id]
		st.Resources.MemoryMB = int(float64(st.Resources.MemoryMB) * scale)
	}
}
