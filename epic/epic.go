// Package epic derives the project-level dependency view from task-level
// data: epic edges with strengths, execution phases, conflict detection
// and optional LLM-assisted relationship discovery.
package epic

import (
	"fmt"
	"sort"

	"github.com/swarmguard/taskman/model"
)

// DependencyType classifies a derived epic edge by strength.
type DependencyType string

const (
	DepBlocks   DependencyType = "blocks"
	DepRequires DependencyType = "requires"
	DepSuggests DependencyType = "suggests"
	DepEnables  DependencyType = "enables"
)

// Dependency is one derived or discovered epic-level edge: To depends on From.
type Dependency struct {
	FromEpicID string         `json:"from_epic_id"`
	ToEpicID   string         `json:"to_epic_id"`
	Type       DependencyType `json:"type"`
	Strength   float64        `json:"strength"`
	Critical   bool           `json:"critical"`
	Source     string         `json:"source"` // task_edges | file_overlap | llm
	Reason     string         `json:"reason,omitempty"`
}

// ConflictType classifies a detected project-level conflict.
type ConflictType string

const (
	ConflictCircular ConflictType = "circular_dependency"
	ConflictPriority ConflictType = "priority_mismatch"
	ConflictResource ConflictType = "resource_conflict"
)

// Conflict is one detected problem across epics.
type Conflict struct {
	Type        ConflictType `json:"type"`
	Severity    string       `json:"severity"` // critical | warning
	EpicIDs     []string     `json:"epic_ids"`
	Description string       `json:"description"`
}

// Phase is one parallel level of epic execution.
type Phase struct {
	Index          int      `json:"index"`
	EpicIDs        []string `json:"epic_ids"`
	EstimatedHours float64  `json:"estimated_hours"` // max across members
}

// TaskEdge is a task-level dependency edge: To depends on From.
type TaskEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// classify maps a strength into the edge type per the fixed bands.
func classify(strength float64) (DependencyType, bool) {
	switch {
	case strength > 0.7:
		return DepBlocks, true
	case strength >= 0.5:
		return DepRequires, false
	default:
		return DepSuggests, false
	}
}

// DeriveEpicDependencies groups cross-epic task edges into epic edges.
// strength = 0.4*(edges/(fromTasks*toTasks)) + 0.6*min(edges/max(fromTasks,toTasks), 1);
// edges below minStrength are dropped.
func DeriveEpicDependencies(epics []model.Epic, tasks []model.AtomicTask, taskEdges []TaskEdge, minStrength float64) []Dependency {
	epicOf := make(map[string]string, len(tasks))
	for i := range tasks {
		epicOf[tasks[i].ID] = tasks[i].EpicID
	}
	taskCount := make(map[string]int, len(epics))
	for i := range epics {
		taskCount[epics[i].ID] = len(epics[i].TaskIDs)
	}

	type pair struct{ from, to string }
	edgeCount := make(map[pair]int)
	for _, e := range taskEdges {
		fromEpic, toEpic := epicOf[e.From], epicOf[e.To]
		if fromEpic == "" || toEpic == "" || fromEpic == toEpic {
			continue
		}
		edgeCount[pair{fromEpic, toEpic}]++
	}

	var out []Dependency
	for p, n := range edgeCount {
		fromTasks, toTasks := taskCount[p.from], taskCount[p.to]
		if fromTasks == 0 || toTasks == 0 {
			continue
		}
		density := float64(n) / float64(fromTasks*toTasks)
		coverage := float64(n) / float64(max(fromTasks, toTasks))
		if coverage > 1 {
			coverage = 1
		}
		strength := 0.4*density + 0.6*coverage
		if strength < minStrength {
			continue
		}
		depType, critical := classify(strength)
		out = append(out, Dependency{
			FromEpicID: p.from,
			ToEpicID:   p.to,
			Type:       depType,
			Strength:   strength,
			Critical:   critical,
			Source:     "task_edges",
			Reason:     fmt.Sprintf("%d cross-epic task edges", n),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FromEpicID != out[j].FromEpicID {
			return out[i].FromEpicID < out[j].FromEpicID
		}
		return out[i].ToEpicID < out[j].ToEpicID
	})
	return out
}

// ExecutionOrder is a Kahn topological sort over the epic edges, ties
// broken by ascending epic id. Epics stuck in a cycle are omitted.
func ExecutionOrder(epics []model.Epic, deps []Dependency) []string {
	inDegree := make(map[string]int, len(epics))
	for i := range epics {
		inDegree[epics[i].ID] = 0
	}
	succ := make(map[string][]string)
	for _, d := range deps {
		if _, ok := inDegree[d.FromEpicID]; !ok {
			continue
		}
		if _, ok := inDegree[d.ToEpicID]; !ok {
			continue
		}
		succ[d.FromEpicID] = append(succ[d.FromEpicID], d.ToEpicID)
		inDegree[d.ToEpicID]++
	}

	var ready []string
	for id, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	var order []string
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		changed := false
		for _, next := range succ[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				ready = append(ready, next)
				changed = true
			}
		}
		if changed {
			sort.Strings(ready)
		}
	}
	return order
}

// GeneratePhases groups epics into BFS levels: each phase holds the epics
// whose predecessors all sit in earlier phases. Phase duration is the max
// member estimate (parallel within a phase).
func GeneratePhases(epics []model.Epic, deps []Dependency) []Phase {
	byID := make(map[string]*model.Epic, len(epics))
	inDegree := make(map[string]int, len(epics))
	for i := range epics {
		byID[epics[i].ID] = &epics[i]
		inDegree[epics[i].ID] = 0
	}
	succ := make(map[string][]string)
	for _, d := range deps {
		if byID[d.FromEpicID] == nil || byID[d.ToEpicID] == nil {
			continue
		}
		succ[d.FromEpicID] = append(succ[d.FromEpicID], d.ToEpicID)
		inDegree[d.ToEpicID]++
	}

	var phases []Phase
	index := 0
	remaining := len(epics)
	for remaining > 0 {
		var level []string
		for id, deg := range inDegree {
			if deg == 0 {
				level = append(level, id)
			}
		}
		if len(level) == 0 {
			break // cycle remainder; reported by DetectConflicts
		}
		sort.Strings(level)

		maxHours := 0.0
		for _, id := range level {
			if h := byID[id].EstimatedHours; h > maxHours {
				maxHours = h
			}
			delete(inDegree, id)
			remaining--
		}
		for _, id := range level {
			for _, next := range succ[id] {
				if _, ok := inDegree[next]; ok {
					inDegree[next]--
				}
			}
		}
		phases = append(phases, Phase{Index: index, EpicIDs: level, EstimatedHours: maxHours})
		index++
	}
	return phases
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
