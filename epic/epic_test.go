package epic

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/taskman/config"
	"github.com/swarmguard/taskman/fault"
	"github.com/swarmguard/taskman/llmclient"
	"github.com/swarmguard/taskman/model"
)

func newAnalyzer(t *testing.T, llm *llmclient.Client) *Analyzer {
	t.Helper()
	a, err := NewAnalyzer(config.DefaultEpics(), llm, noopmetric.MeterProvider{}.Meter("test"))
	require.NoError(t, err)
	return a
}

func epicFixture() ([]model.Epic, []model.AtomicTask, []TaskEdge) {
	epics := []model.Epic{
		{ID: "e1", Title: "auth", Priority: model.PriorityHigh, TaskIDs: []string{"t1", "t2"}, EstimatedHours: 8},
		{ID: "e2", Title: "billing", Priority: model.PriorityMedium, TaskIDs: []string{"t3", "t4"}, EstimatedHours: 12},
		{ID: "e3", Title: "reporting", Priority: model.PriorityLow, TaskIDs: []string{"t5"}, EstimatedHours: 4},
	}
	tasks := []model.AtomicTask{
		{ID: "t1", EpicID: "e1"}, {ID: "t2", EpicID: "e1"},
		{ID: "t3", EpicID: "e2"}, {ID: "t4", EpicID: "e2"},
		{ID: "t5", EpicID: "e3"},
	}
	// Both billing tasks depend on auth tasks: strong e1 -> e2 edge.
	edges := []TaskEdge{
		{From: "t1", To: "t3"}, {From: "t2", To: "t4"},
		{From: "t3", To: "t5"}, // e2 -> e3, weaker
	}
	return epics, tasks, edges
}

func TestDeriveStrengthAndClassification(t *testing.T) {
	epics, tasks, edges := epicFixture()
	deps := DeriveEpicDependencies(epics, tasks, edges, 0.3)
	require.Len(t, deps, 2)

	// e1 -> e2: 2 edges over 2x2 tasks: 0.4*(2/4) + 0.6*min(2/2,1) = 0.8 -> blocks.
	require.Equal(t, "e1", deps[0].FromEpicID)
	require.Equal(t, "e2", deps[0].ToEpicID)
	require.InDelta(t, 0.8, deps[0].Strength, 1e-9)
	require.Equal(t, DepBlocks, deps[0].Type)
	require.True(t, deps[0].Critical)

	// e2 -> e3: 1 edge over 2x1: 0.4*(1/2) + 0.6*min(1/2,1) = 0.5 -> requires.
	require.Equal(t, "e2", deps[1].FromEpicID)
	require.InDelta(t, 0.5, deps[1].Strength, 1e-9)
	require.Equal(t, DepRequires, deps[1].Type)
	require.False(t, deps[1].Critical)
}

func TestExecutionOrderAndPhases(t *testing.T) {
	epics, tasks, edges := epicFixture()
	deps := DeriveEpicDependencies(epics, tasks, edges, 0.3)

	order := ExecutionOrder(epics, deps)
	require.Equal(t, []string{"e1", "e2", "e3"}, order)

	phases := GeneratePhases(epics, deps)
	require.Len(t, phases, 3)
	require.Equal(t, []string{"e1"}, phases[0].EpicIDs)
	require.Equal(t, 8.0, phases[0].EstimatedHours)
	require.Equal(t, []string{"e2"}, phases[1].EpicIDs)
	require.Equal(t, 12.0, phases[1].EstimatedHours)
}

func TestCycleBrokenAndReported(t *testing.T) {
	a := newAnalyzer(t, nil)
	epics := []model.Epic{
		{ID: "e1", TaskIDs: []string{"t1"}, Priority: model.PriorityMedium},
		{ID: "e2", TaskIDs: []string{"t2"}, Priority: model.PriorityMedium},
	}
	tasks := []model.AtomicTask{{ID: "t1", EpicID: "e1"}, {ID: "t2", EpicID: "e2"}}
	edges := []TaskEdge{{From: "t1", To: "t2"}, {From: "t2", To: "t1"}}

	analysis, err := a.AnalyzeEpicDependencies(context.Background(), epics, tasks, edges)
	require.NoError(t, err)
	require.Len(t, analysis.Dependencies, 2)
	require.Len(t, analysis.Applied, 1, "one edge of the cycle must be dropped")
	require.Len(t, analysis.Dropped, 1)

	var circular *Conflict
	for i := range analysis.Conflicts {
		if analysis.Conflicts[i].Type == ConflictCircular {
			circular = &analysis.Conflicts[i]
		}
	}
	require.NotNil(t, circular, "circular_dependency conflict must be recorded")
	require.Equal(t, "critical", circular.Severity)
	require.ElementsMatch(t, []string{"e1", "e2"}, circular.EpicIDs)
}

func TestPriorityMismatchDetected(t *testing.T) {
	epics := []model.Epic{
		{ID: "elow", Priority: model.PriorityLow},
		{ID: "ecrit", Priority: model.PriorityCritical},
	}
	deps := []Dependency{{FromEpicID: "elow", ToEpicID: "ecrit", Type: DepBlocks, Strength: 0.9}}
	conflicts := DetectConflicts(epics, nil, deps)

	found := false
	for _, c := range conflicts {
		if c.Type == ConflictPriority {
			found = true
			require.Equal(t, []string{"elow", "ecrit"}, c.EpicIDs)
		}
	}
	require.True(t, found)
}

func TestResourceConflictOnSharedFiles(t *testing.T) {
	epics := []model.Epic{{ID: "e1"}, {ID: "e2"}}
	tasks := []model.AtomicTask{
		{ID: "t1", EpicID: "e1", FilePaths: []string{"/src/db.go"}},
		{ID: "t2", EpicID: "e2", FilePaths: []string{"/src/db.go", "/src/api.go"}},
	}
	conflicts := DetectConflicts(epics, tasks, nil)
	require.Len(t, conflicts, 1)
	require.Equal(t, ConflictResource, conflicts[0].Type)
}

func TestConsistencyInvariantEnforced(t *testing.T) {
	a := newAnalyzer(t, nil)
	epics := []model.Epic{{ID: "e1", TaskIDs: []string{"t1"}}}
	tasks := []model.AtomicTask{{ID: "t1", EpicID: "e9"}} // mismatch

	_, err := a.AnalyzeEpicDependencies(context.Background(), epics, tasks, nil)
	require.Error(t, err)
	require.True(t, fault.IsKind(err, fault.KindInvariant))
}

func TestDiscoverRelationshipsFiltersAndMaterializes(t *testing.T) {
	caller := func(_ context.Context, _, _ string, _ map[string]string, _, _ string) (string, error) {
		return `{"relationships": [
			{"fromEpicId": "e1", "toEpicId": "e2", "type": "blocks", "confidence": 0.9, "strength": 0.8, "reason": "auth gates billing"},
			{"fromEpicId": "e2", "toEpicId": "e3", "type": "enables", "confidence": 0.5, "strength": 0.9, "reason": "low confidence"},
			{"fromEpicId": "e3", "toEpicId": "ghost", "type": "enables", "confidence": 0.9, "strength": 0.9, "reason": "unknown epic"}
		]}`, nil
	}
	llm := llmclient.New(caller, noopmetric.MeterProvider{}.Meter("test"))
	a := newAnalyzer(t, llm)

	epics, tasks, _ := epicFixture()
	out, err := a.DiscoverIntelligentRelationships(context.Background(), epics, tasks, nil)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "e1", out[0].FromEpicID)
	require.Equal(t, DepBlocks, out[0].Type)
	require.Equal(t, "llm", out[0].Source)
	require.True(t, out[0].Critical)
}

func TestDiscoverDropsCycleClosingCandidate(t *testing.T) {
	caller := func(_ context.Context, _, _ string, _ map[string]string, _, _ string) (string, error) {
		// e2 -> e1 would close a cycle against the existing e1 -> e2 edge.
		return `{"relationships": [
			{"fromEpicId": "e2", "toEpicId": "e1", "type": "blocks", "confidence": 0.9, "strength": 0.7, "reason": "backwards"}
		]}`, nil
	}
	llm := llmclient.New(caller, noopmetric.MeterProvider{}.Meter("test"))
	a := newAnalyzer(t, llm)

	epics, tasks, _ := epicFixture()
	existing := []Dependency{{FromEpicID: "e1", ToEpicID: "e2", Type: DepBlocks, Strength: 0.8}}
	out, err := a.DiscoverIntelligentRelationships(context.Background(), epics, tasks, existing)
	require.NoError(t, err)
	for _, d := range out {
		require.False(t, d.FromEpicID == "e2" && d.ToEpicID == "e1",
			"cycle-closing candidate must be dropped before materialization")
	}
}
