package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/taskman/fault"
)

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	m, err := NewManager(noopmetric.MeterProvider{}.Meter("test"), opts...)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func TestSubPhaseWeightsSumToOne(t *testing.T) {
	for phase, specs := range subPhaseSpecs {
		sum := 0.0
		for _, s := range specs {
			sum += s.Weight
		}
		require.InDelta(t, 1.0, sum, 1e-9, "phase %s weights sum to %v", phase, sum)
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	_, err := m.InitializeWorkflow(ctx, "wf1", "s1", "p1")
	require.NoError(t, err)

	// pending cannot jump straight to completed.
	_, err = m.Transition(ctx, "wf1", PhaseInitialization, StateCompleted, "")
	require.Error(t, err)
	require.True(t, fault.IsKind(err, fault.KindInvariant))

	// Unknown workflow.
	_, err = m.Transition(ctx, "ghost", PhaseInitialization, StateInProgress, "")
	require.True(t, fault.IsKind(err, fault.KindNotFound))
}

func TestHappyPathProgressMonotonic(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	_, err := m.InitializeWorkflow(ctx, "wf1", "s1", "p1")
	require.NoError(t, err)

	steps := []struct {
		phase Phase
		state State
	}{
		{PhaseInitialization, StateInProgress},
		{PhaseInitialization, StateCompleted},
		{PhaseDecomposition, StatePending},
		{PhaseDecomposition, StateInProgress},
		{PhaseDecomposition, StateCompleted},
		{PhaseOrchestration, StatePending},
		{PhaseOrchestration, StateInProgress},
		{PhaseOrchestration, StateCompleted},
		{PhaseExecution, StatePending},
		{PhaseExecution, StateInProgress},
		{PhaseExecution, StateCompleted},
		{PhaseCompleted, StatePending},
		{PhaseCompleted, StateInProgress},
		{PhaseCompleted, StateCompleted},
	}

	last := 0
	var final *Snapshot
	for _, step := range steps {
		snap, err := m.Transition(ctx, "wf1", step.phase, step.state, "")
		require.NoError(t, err, "transition to %s:%s", step.phase, step.state)
		require.GreaterOrEqual(t, snap.OverallProgress, last,
			"progress regressed at %s:%s", step.phase, step.state)
		last = snap.OverallProgress
		final = snap
	}
	require.Equal(t, 100, final.OverallProgress)
	require.NotNil(t, final.EndTime)

	// Every recorded transition is a member of the valid table.
	for _, tr := range final.Transitions {
		require.True(t, IsValidTransition(tr.FromPhase, tr.FromState, tr.ToPhase, tr.ToState),
			"audited transition %s:%s -> %s:%s not in table", tr.FromPhase, tr.FromState, tr.ToPhase, tr.ToState)
	}
}

func TestSubPhaseProgressAggregates(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	_, err := m.InitializeWorkflow(ctx, "wf1", "", "")
	require.NoError(t, err)
	_, err = m.Transition(ctx, "wf1", PhaseInitialization, StateInProgress, "")
	require.NoError(t, err)

	// decomposition: analysis 0.3, task_generation 0.5, validation 0.2
	snap, err := m.UpdateSubPhaseProgress(ctx, "wf1", PhaseDecomposition, "analysis", 100)
	require.NoError(t, err)
	pe := snap.Phases[PhaseDecomposition]
	require.Equal(t, 30, pe.Progress)
	require.Equal(t, StateCompleted, pe.SubPhases[0].State) // 100 auto-completes

	snap, err = m.UpdateSubPhaseProgress(ctx, "wf1", PhaseDecomposition, "task_generation", 50)
	require.NoError(t, err)
	require.Equal(t, 55, snap.Phases[PhaseDecomposition].Progress)

	_, err = m.UpdateSubPhaseProgress(ctx, "wf1", PhaseDecomposition, "nope", 10)
	require.True(t, fault.IsKind(err, fault.KindValidation))
	_, err = m.UpdateSubPhaseProgress(ctx, "wf1", PhaseDecomposition, "analysis", 101)
	require.True(t, fault.IsKind(err, fault.KindValidation))
}

func TestPersistLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, WithSnapshotDir(dir))
	ctx := context.Background()
	_, err := m.InitializeWorkflow(ctx, "wf1", "sess-9", "proj-7")
	require.NoError(t, err)
	_, err = m.Transition(ctx, "wf1", PhaseInitialization, StateInProgress, "boot")
	require.NoError(t, err)
	snap, err := m.UpdateSubPhaseProgress(ctx, "wf1", PhaseInitialization, "context_setup", 40)
	require.NoError(t, err)

	// A fresh manager over the same dir rehydrates the snapshot.
	m2 := newTestManager(t, WithSnapshotDir(dir))
	loaded, ok := m2.LoadWorkflow("wf1")
	require.True(t, ok)
	require.Equal(t, snap.CurrentPhase, loaded.CurrentPhase)
	require.Equal(t, snap.CurrentState, loaded.CurrentState)
	require.Equal(t, snap.OverallProgress, loaded.OverallProgress)
	require.Equal(t, "sess-9", loaded.SessionID)
	require.Len(t, loaded.Transitions, len(snap.Transitions))
	require.Equal(t, 40, loaded.Phases[PhaseInitialization].SubPhases[0].Progress)

	_, ok = m2.LoadWorkflow("missing")
	require.False(t, ok)
}

func TestEventsPublishedInOrder(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	var events []Event
	m.Subscribe(func(ev Event) { events = append(events, ev) })
	m.Subscribe(func(Event) { panic("listener bug") }) // must be isolated

	_, err := m.InitializeWorkflow(ctx, "wf1", "", "")
	require.NoError(t, err)
	_, err = m.Transition(ctx, "wf1", PhaseInitialization, StateInProgress, "")
	require.NoError(t, err)
	_, err = m.Transition(ctx, "wf1", PhaseInitialization, StateCompleted, "")
	require.NoError(t, err)

	require.Len(t, events, 2)
	require.Equal(t, StateInProgress, events[0].ToState)
	require.Equal(t, StateCompleted, events[1].ToState)
}

func TestResolveWorkflowID(t *testing.T) {
	id, err := ResolveWorkflowID("job-42-atomic-3", nil)
	require.NoError(t, err)
	require.Equal(t, "job-42", id)

	id, err = ResolveWorkflowID("anything", map[string]string{"jobId": "wf-main"})
	require.NoError(t, err)
	require.Equal(t, "wf-main", id)

	id, err = ResolveWorkflowID("", map[string]string{"sessionId": "sess-1"})
	require.NoError(t, err)
	require.Equal(t, "sess-1", id)

	id, err = ResolveWorkflowID("plain-id", nil)
	require.NoError(t, err)
	require.Equal(t, "plain-id", id)

	_, err = ResolveWorkflowID("", nil)
	require.True(t, fault.IsKind(err, fault.KindValidation))
}
