package coord

import (
	"sort"
	"time"

	"github.com/swarmguard/taskman/config"
	"github.com/swarmguard/taskman/model"
	"github.com/swarmguard/taskman/sched"
)

// selectAgentLocked picks an agent for the task per the configured
// strategy. Candidates must be online with a free slot and enough
// remaining capacity; nil means nothing fits right now. Caller holds c.mu.
func (c *Coordinator) selectAgentLocked(st *sched.ScheduledTask) *model.Agent {
	var candidates []*model.Agent
	for _, a := range c.agents {
		if a.Status == model.AgentOffline || a.Status == model.AgentError {
			continue
		}
		if a.FreeSlots() <= 0 {
			continue
		}
		if a.FreeMemoryMB() < st.Resources.MemoryMB || a.FreeCPUWeight() < st.Resources.CPUWeight {
			continue
		}
		candidates = append(candidates, a)
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })

	switch c.cfg.LoadBalancingStrategy {
	case config.StrategyRoundRobin:
		return candidates[int(time.Now().UnixNano())%len(candidates)]

	case config.StrategyLeastLoaded:
		return leastLoaded(candidates)

	case config.StrategyResourceAware:
		best := candidates[0]
		bestFree := freeScore(best)
		for _, a := range candidates[1:] {
			if f := freeScore(a); f > bestFree {
				best = a
				bestFree = f
			}
		}
		return best

	case config.StrategyPriorityBased:
		if st.Scores.Priority > 0.8 {
			best := candidates[0]
			for _, a := range candidates[1:] {
				if a.Metadata.SuccessRate > best.Metadata.SuccessRate {
					best = a
				}
			}
			return best
		}
		return leastLoaded(candidates)

	default:
		return candidates[0]
	}
}

func leastLoaded(candidates []*model.Agent) *model.Agent {
	best := candidates[0]
	for _, a := range candidates[1:] {
		if a.CurrentUsage.ActiveTasks < best.CurrentUsage.ActiveTasks {
			best = a
		}
	}
	return best
}

// freeScore folds free memory and cpu headroom into one comparable value.
func freeScore(a *model.Agent) float64 {
	return float64(a.FreeMemoryMB()) + a.FreeCPUWeight()*1024
}
