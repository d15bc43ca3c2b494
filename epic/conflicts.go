package epic

import (
	"fmt"
	"sort"

	"github.com/swarmguard/taskman/model"
)

// DetectConflicts scans the epic set and its edges for cycles, priority
// mismatches and shared-file resource conflicts.
func DetectConflicts(epics []model.Epic, tasks []model.AtomicTask, deps []Dependency) []Conflict {
	var out []Conflict
	out = append(out, detectCycles(epics, deps)...)
	out = append(out, detectPriorityMismatches(epics, deps)...)
	out = append(out, detectResourceConflicts(epics, tasks)...)
	return out
}

// detectCycles reports every dependency cycle among the epics as critical.
func detectCycles(epics []model.Epic, deps []Dependency) []Conflict {
	succ := make(map[string][]string)
	for _, d := range deps {
		succ[d.FromEpicID] = append(succ[d.FromEpicID], d.ToEpicID)
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int)
	var stack []string
	var cycles [][]string

	var visit func(id string)
	visit = func(id string) {
		color[id] = gray
		stack = append(stack, id)
		for _, next := range succ[id] {
			switch color[next] {
			case white:
				visit(next)
			case gray:
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == next {
						cycles = append(cycles, append([]string(nil), stack[i:]...))
						break
					}
				}
			}
		}
		color[id] = black
		stack = stack[:len(stack)-1]
	}
	ids := make([]string, 0, len(epics))
	for i := range epics {
		ids = append(ids, epics[i].ID)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if color[id] == white {
			visit(id)
		}
	}

	var out []Conflict
	for _, cycle := range cycles {
		affected := append([]string(nil), cycle...)
		sort.Strings(affected)
		out = append(out, Conflict{
			Type:        ConflictCircular,
			Severity:    "critical",
			EpicIDs:     affected,
			Description: fmt.Sprintf("dependency cycle across %d epics", len(affected)),
		})
	}
	return out
}

// detectPriorityMismatches flags edges where a lower-priority epic blocks
// a higher-priority one.
func detectPriorityMismatches(epics []model.Epic, deps []Dependency) []Conflict {
	byID := make(map[string]*model.Epic, len(epics))
	for i := range epics {
		byID[epics[i].ID] = &epics[i]
	}
	var out []Conflict
	for _, d := range deps {
		from, to := byID[d.FromEpicID], byID[d.ToEpicID]
		if from == nil || to == nil {
			continue
		}
		if model.PriorityScore(from.Priority) < model.PriorityScore(to.Priority) {
			out = append(out, Conflict{
				Type:     ConflictPriority,
				Severity: "warning",
				EpicIDs:  []string{d.FromEpicID, d.ToEpicID},
				Description: fmt.Sprintf("%s priority epic %s blocks %s priority epic %s",
					from.Priority, from.ID, to.Priority, to.ID),
			})
		}
	}
	return out
}

// detectResourceConflicts flags epic pairs whose tasks modify the same files.
func detectResourceConflicts(epics []model.Epic, tasks []model.AtomicTask) []Conflict {
	filesOf := make(map[string]map[string]bool)
	for i := range tasks {
		t := &tasks[i]
		if t.EpicID == "" {
			continue
		}
		if filesOf[t.EpicID] == nil {
			filesOf[t.EpicID] = make(map[string]bool)
		}
		for _, fp := range t.FilePaths {
			filesOf[t.EpicID][fp] = true
		}
	}

	ids := make([]string, 0, len(epics))
	for i := range epics {
		ids = append(ids, epics[i].ID)
	}
	sort.Strings(ids)

	var out []Conflict
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			var shared []string
			for fp := range filesOf[ids[i]] {
				if filesOf[ids[j]][fp] {
					shared = append(shared, fp)
				}
			}
			if len(shared) == 0 {
				continue
			}
			sort.Strings(shared)
			out = append(out, Conflict{
				Type:     ConflictResource,
				Severity: "warning",
				EpicIDs:  []string{ids[i], ids[j]},
				Description: fmt.Sprintf("epics share %d modified files (e.g. %s)",
					len(shared), shared[0]),
			})
		}
	}
	return out
}
