package epic

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/taskman/core/logging"
	"github.com/swarmguard/taskman/config"
	"github.com/swarmguard/taskman/fault"
	"github.com/swarmguard/taskman/llmclient"
	"github.com/swarmguard/taskman/model"
)

const component = "epic"

// Analysis is the full project-level result.
type Analysis struct {
	Dependencies []Dependency `json:"dependencies"` // derived candidates
	Applied      []Dependency `json:"applied"`      // acyclic subset in effect
	Dropped      []Dependency `json:"dropped"`      // cycle-closing candidates
	Order        []string     `json:"order"`
	Phases       []Phase      `json:"phases"`
	Conflicts    []Conflict   `json:"conflicts"`
}

// Analyzer derives and applies epic dependencies. The LLM client is
// optional; without it discovery is file-path based only.
type Analyzer struct {
	cfg config.Epics
	llm *llmclient.Client

	analyses  metric.Int64Counter
	conflicts metric.Int64Counter
	tracer    trace.Tracer
}

// NewAnalyzer constructs an analyzer.
func NewAnalyzer(cfg config.Epics, llm *llmclient.Client, meter metric.Meter) (*Analyzer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	analyses, _ := meter.Int64Counter("taskman_epic_analyses_total")
	conflicts, _ := meter.Int64Counter("taskman_epic_conflicts_total")
	return &Analyzer{
		cfg:       cfg,
		llm:       llm,
		analyses:  analyses,
		conflicts: conflicts,
		tracer:    otel.Tracer("taskman-epic"),
	}, nil
}

// AnalyzeEpicDependencies derives epic edges from task edges, applies the
// acyclic subset, computes order and phases, and records conflicts.
// Mutual task/epic consistency is validated first.
func (a *Analyzer) AnalyzeEpicDependencies(ctx context.Context, epics []model.Epic, tasks []model.AtomicTask, taskEdges []TaskEdge) (*Analysis, error) {
	ctx, span := a.tracer.Start(ctx, "epic.analyze",
		trace.WithAttributes(
			attribute.Int("epics", len(epics)),
			attribute.Int("tasks", len(tasks)),
		),
	)
	defer span.End()

	if len(epics) == 0 {
		return nil, fault.New(fault.KindValidation, component, "analyze", "empty epic set")
	}
	if err := ValidateConsistency(epics, tasks); err != nil {
		return nil, err
	}

	derived := DeriveEpicDependencies(epics, tasks, taskEdges, a.cfg.MinDependencyStrength)
	applied, dropped := applyAcyclic(epics, derived)

	analysis := &Analysis{
		Dependencies: derived,
		Applied:      applied,
		Dropped:      dropped,
		Order:        ExecutionOrder(epics, applied),
		Phases:       GeneratePhases(epics, applied),
	}

	// Conflicts are evaluated against the raw derived edges so cycles that
	// were broken still surface.
	analysis.Conflicts = DetectConflicts(epics, tasks, derived)
	a.analyses.Add(ctx, 1)
	a.conflicts.Add(ctx, int64(len(analysis.Conflicts)))

	slog.Info("epic dependency analysis",
		"epics", len(epics),
		"derived", len(derived),
		"applied", len(applied),
		"conflicts", len(analysis.Conflicts),
	)
	return analysis, nil
}

// ValidateConsistency checks the epic.TaskIDs / task.EpicID invariant.
func ValidateConsistency(epics []model.Epic, tasks []model.AtomicTask) error {
	epicOf := make(map[string]string, len(tasks))
	for i := range tasks {
		epicOf[tasks[i].ID] = tasks[i].EpicID
	}
	claimed := make(map[string]string)
	for i := range epics {
		e := &epics[i]
		for _, taskID := range e.TaskIDs {
			if other, dup := claimed[taskID]; dup {
				return fault.Newf(fault.KindInvariant, component, "validate",
					"task %s claimed by epics %s and %s", taskID, other, e.ID)
			}
			claimed[taskID] = e.ID
			if got, ok := epicOf[taskID]; ok && got != e.ID {
				return fault.Newf(fault.KindInvariant, component, "validate",
					"task %s says epic %q but epic %s lists it", taskID, got, e.ID)
			}
		}
	}
	for i := range tasks {
		t := &tasks[i]
		if t.EpicID == "" {
			continue
		}
		if claimed[t.ID] != t.EpicID {
			return fault.Newf(fault.KindInvariant, component, "validate",
				"task %s says epic %s but that epic does not list it", t.ID, t.EpicID)
		}
	}
	return nil
}

// applyAcyclic inserts edges strongest-first, skipping any that would
// close a cycle.
func applyAcyclic(epics []model.Epic, deps []Dependency) (applied, dropped []Dependency) {
	ordered := append([]Dependency(nil), deps...)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Strength != ordered[j].Strength {
			return ordered[i].Strength > ordered[j].Strength
		}
		if ordered[i].FromEpicID != ordered[j].FromEpicID {
			return ordered[i].FromEpicID < ordered[j].FromEpicID
		}
		return ordered[i].ToEpicID < ordered[j].ToEpicID
	})

	succ := make(map[string][]string)
	var reaches func(from, target string) bool
	reaches = func(from, target string) bool {
		if from == target {
			return true
		}
		for _, next := range succ[from] {
			if reaches(next, target) {
				return true
			}
		}
		return false
	}

	for _, d := range ordered {
		if reaches(d.ToEpicID, d.FromEpicID) {
			dropped = append(dropped, d)
			continue
		}
		succ[d.FromEpicID] = append(succ[d.FromEpicID], d.ToEpicID)
		applied = append(applied, d)
	}
	return applied, dropped
}

// llmRelationship is the shape the discovery prompt asks for.
type llmRelationship struct {
	FromEpicID string  `json:"fromEpicId"`
	ToEpicID   string  `json:"toEpicId"`
	Type       string  `json:"type"` // enables | blocks
	Confidence float64 `json:"confidence"`
	Strength   float64 `json:"strength"`
	Reason     string  `json:"reason"`
}

// DiscoverIntelligentRelationships asks the LLM helper for semantic epic
// relationships and augments them with file-overlap ones. Candidates below
// the confidence/strength thresholds or closing a cycle are dropped; the
// survivors are materialized as enables/blocks edges.
func (a *Analyzer) DiscoverIntelligentRelationships(ctx context.Context, epics []model.Epic, tasks []model.AtomicTask, existing []Dependency) ([]Dependency, error) {
	ctx, span := a.tracer.Start(ctx, "epic.discover_relationships",
		trace.WithAttributes(attribute.Int("epics", len(epics))),
	)
	defer span.End()

	byID := make(map[string]bool, len(epics))
	for i := range epics {
		byID[epics[i].ID] = true
	}

	var candidates []Dependency

	if a.llm != nil {
		var parsed struct {
			Relationships []llmRelationship `json:"relationships"`
		}
		prompt := buildDiscoveryPrompt(epics)
		if err := a.llm.CallJSON(ctx, prompt, discoverySystemPrompt, "epic-relationships", &parsed); err != nil {
			// Discovery is best-effort; file-overlap augmentation still runs.
			slog.Warn("llm relationship discovery failed", logging.Err(err))
		} else {
			for _, r := range parsed.Relationships {
				if !byID[r.FromEpicID] || !byID[r.ToEpicID] || r.FromEpicID == r.ToEpicID {
					continue
				}
				if r.Confidence < a.cfg.MinLLMConfidence || r.Strength < a.cfg.MinLLMStrength {
					continue
				}
				depType := DepEnables
				if r.Type == string(DepBlocks) {
					depType = DepBlocks
				}
				candidates = append(candidates, Dependency{
					FromEpicID: r.FromEpicID,
					ToEpicID:   r.ToEpicID,
					Type:       depType,
					Strength:   r.Strength,
					Critical:   depType == DepBlocks,
					Source:     "llm",
					Reason:     r.Reason,
				})
			}
		}
	}

	candidates = append(candidates, fileOverlapRelationships(epics, tasks)...)

	// Reject anything that would close a cycle against the existing edges.
	combined := append(append([]Dependency(nil), existing...), candidates...)
	_, droppedAll := applyAcyclic(epics, combined)
	droppedKeys := make(map[string]bool, len(droppedAll))
	for _, d := range droppedAll {
		droppedKeys[d.FromEpicID+"->"+d.ToEpicID+":"+d.Source] = true
	}

	var out []Dependency
	for _, d := range candidates {
		if droppedKeys[d.FromEpicID+"->"+d.ToEpicID+":"+d.Source] {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FromEpicID != out[j].FromEpicID {
			return out[i].FromEpicID < out[j].FromEpicID
		}
		return out[i].ToEpicID < out[j].ToEpicID
	})
	return out, nil
}

// fileOverlapRelationships suggests an enables edge between epics whose
// tasks touch overlapping files, directed larger-epic-first.
func fileOverlapRelationships(epics []model.Epic, tasks []model.AtomicTask) []Dependency {
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
	sizes := make(map[string]int, len(epics))
	for i := range epics {
		ids = append(ids, epics[i].ID)
		sizes[epics[i].ID] = len(epics[i].TaskIDs)
	}
	sort.Strings(ids)

	var out []Dependency
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			overlap := 0
			for fp := range filesOf[ids[i]] {
				if filesOf[ids[j]][fp] {
					overlap++
				}
			}
			if overlap == 0 {
				continue
			}
			from, to := ids[i], ids[j]
			if sizes[to] > sizes[from] {
				from, to = to, from
			}
			out = append(out, Dependency{
				FromEpicID: from,
				ToEpicID:   to,
				Type:       DepEnables,
				Strength:   0.6,
				Source:     "file_overlap",
				Reason:     fmt.Sprintf("%d shared file paths", overlap),
			})
		}
	}
	return out
}

const discoverySystemPrompt = "You analyze software project epics and identify semantic dependencies between them. Respond with JSON only."

func buildDiscoveryPrompt(epics []model.Epic) string {
	var b strings.Builder
	b.WriteString("Identify dependency relationships between these epics.\n")
	b.WriteString(`Respond as {"relationships": [{"fromEpicId", "toEpicId", "type" ("enables"|"blocks"), "confidence" (0-1), "strength" (0-1), "reason"}]}.` + "\n\nEpics:\n")
	for i := range epics {
		e := &epics[i]
		data, _ := json.Marshal(map[string]any{
			"id":    e.ID,
			"title": e.Title,
			"tags":  e.Tags,
		})
		b.Write(data)
		b.WriteByte('\n')
	}
	return b.String()
}
