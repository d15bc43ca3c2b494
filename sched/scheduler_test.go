package sched

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/taskman/config"
	"github.com/swarmguard/taskman/fault"
	"github.com/swarmguard/taskman/graph"
	"github.com/swarmguard/taskman/model"
)

func newScheduler(t *testing.T, mut func(*config.Scheduling)) *Scheduler {
	t.Helper()
	cfg := config.DefaultScheduling()
	if mut != nil {
		mut(&cfg)
	}
	s, err := New(cfg, noopmetric.MeterProvider{}.Meter("test"))
	require.NoError(t, err)
	return s
}

func task(id string, hours float64, deps ...string) model.AtomicTask {
	return model.AtomicTask{
		ID:             id,
		Title:          "task " + id,
		Type:           model.TaskDevelopment,
		Priority:       model.PriorityMedium,
		EstimatedHours: hours,
		Status:         model.TaskPending,
		Dependencies:   deps,
	}
}

func buildGraph(t *testing.T, tasks []model.AtomicTask) *graph.Graph {
	t.Helper()
	g := graph.New()
	for _, tk := range tasks {
		g.AddTask(tk.ID, tk.EstimatedHours)
	}
	for _, tk := range tasks {
		for _, dep := range tk.Dependencies {
			require.NoError(t, g.AddEdge(dep, tk.ID))
		}
	}
	return g
}

func TestEmptyTaskSetRejected(t *testing.T) {
	s := newScheduler(t, nil)
	_, err := s.GenerateSchedule(context.Background(), nil, graph.New(), "p1")
	require.Error(t, err)
	require.True(t, fault.IsKind(err, fault.KindValidation))
	require.Nil(t, s.CurrentSchedule())
}

func TestUnknownDependencyRejected(t *testing.T) {
	s := newScheduler(t, nil)
	tasks := []model.AtomicTask{task("a", 1, "ghost")}
	_, err := s.GenerateSchedule(context.Background(), tasks, graph.New(), "p1")
	require.True(t, fault.IsKind(err, fault.KindValidation))
}

func TestLinearChainThreeSingleBatches(t *testing.T) {
	s := newScheduler(t, nil)
	tasks := []model.AtomicTask{task("a", 2), task("b", 2, "a"), task("c", 2, "b")}
	g := buildGraph(t, tasks)

	schedule, err := s.GenerateSchedule(context.Background(), tasks, g, "p1")
	require.NoError(t, err)
	require.Len(t, schedule.Batches, 3)
	for _, b := range schedule.Batches {
		require.Len(t, b.TaskIDs, 1)
	}

	a := schedule.ScheduledTasks["a"]
	b := schedule.ScheduledTasks["b"]
	c := schedule.ScheduledTasks["c"]

	// C starts one buffered B-duration after A ends.
	bufferFactor := 1.10
	buffered := time.Duration(2 * bufferFactor * float64(time.Hour))
	require.Equal(t, a.ScheduledEnd.Add(buffered), c.ScheduledStart)
	require.True(t, b.ScheduledStart.Equal(a.ScheduledEnd) || b.ScheduledStart.After(a.ScheduledEnd))
}

func TestStartNeverBeforePredecessorEnd(t *testing.T) {
	s := newScheduler(t, nil)
	tasks := []model.AtomicTask{
		task("a", 1), task("b", 3), task("c", 2, "a", "b"), task("d", 1, "c"),
	}
	g := buildGraph(t, tasks)
	schedule, err := s.GenerateSchedule(context.Background(), tasks, g, "p1")
	require.NoError(t, err)

	for _, st := range schedule.ScheduledTasks {
		for _, pre := range st.PrerequisiteTasks {
			require.False(t, st.ScheduledStart.Before(schedule.ScheduledTasks[pre].ScheduledEnd),
				"task %s starts before predecessor %s ends", st.Task.ID, pre)
		}
	}
}

func TestBatchesMutuallyIndependent(t *testing.T) {
	s := newScheduler(t, nil)
	tasks := []model.AtomicTask{
		task("a", 1), task("b", 1), task("c", 1, "a"), task("d", 1, "b"),
	}
	g := buildGraph(t, tasks)
	schedule, err := s.GenerateSchedule(context.Background(), tasks, g, "p1")
	require.NoError(t, err)

	for _, batch := range schedule.Batches {
		inBatch := make(map[string]bool)
		for _, id := range batch.TaskIDs {
			inBatch[id] = true
		}
		for _, id := range batch.TaskIDs {
			for _, pre := range schedule.ScheduledTasks[id].PrerequisiteTasks {
				require.False(t, inBatch[pre], "batch %d contains dependent pair %s -> %s", batch.ID, pre, id)
			}
		}
	}
}

func TestShortestJobOrdering(t *testing.T) {
	s := newScheduler(t, func(c *config.Scheduling) { c.Algorithm = config.AlgoShortestJob })
	tasks := []model.AtomicTask{task("long", 6), task("short", 1), task("mid", 3)}
	g := buildGraph(t, tasks)
	schedule, err := s.GenerateSchedule(context.Background(), tasks, g, "p1")
	require.NoError(t, err)
	require.Equal(t, []string{"short", "mid", "long"}, schedule.Batches[0].TaskIDs)
}

func TestPriorityFirstOrdering(t *testing.T) {
	s := newScheduler(t, func(c *config.Scheduling) { c.Algorithm = config.AlgoPriorityFirst })
	low := task("zlow", 1)
	low.Priority = model.PriorityLow
	crit := task("crit", 1)
	crit.Priority = model.PriorityCritical
	med := task("med", 1)
	tasks := []model.AtomicTask{low, crit, med}
	g := buildGraph(t, tasks)
	schedule, err := s.GenerateSchedule(context.Background(), tasks, g, "p1")
	require.NoError(t, err)
	require.Equal(t, []string{"crit", "med", "zlow"}, schedule.Batches[0].TaskIDs)
}

func TestResourceBalancedScalesMemory(t *testing.T) {
	s := newScheduler(t, func(c *config.Scheduling) {
		c.Algorithm = config.AlgoResourceBalanced
		c.Resources.MaxMemoryMB = 1024
	})
	// Three development tasks at 1024MB quota each: 3072 > 1024 forces scaling.
	tasks := []model.AtomicTask{task("a", 1), task("b", 1), task("c", 1)}
	g := buildGraph(t, tasks)
	schedule, err := s.GenerateSchedule(context.Background(), tasks, g, "p1")
	require.NoError(t, err)

	total := 0
	for _, id := range schedule.Batches[0].TaskIDs {
		total += schedule.ScheduledTasks[id].Resources.MemoryMB
	}
	require.LessOrEqual(t, total, 1024)
}

func TestMarkCompletedIdempotentAndBatchProgression(t *testing.T) {
	s := newScheduler(t, nil)
	tasks := []model.AtomicTask{task("a", 1), task("b", 1, "a")}
	g := buildGraph(t, tasks)
	_, err := s.GenerateSchedule(context.Background(), tasks, g, "p1")
	require.NoError(t, err)

	batch := s.GetNextExecutionBatch()
	require.NotNil(t, batch)
	require.Len(t, batch.Tasks, 1)
	require.Equal(t, "a", batch.Tasks[0].Task.ID)

	// Nothing new before completion.
	require.Nil(t, s.GetNextExecutionBatch())

	require.NoError(t, s.MarkTaskCompleted(context.Background(), "a"))
	require.NoError(t, s.MarkTaskCompleted(context.Background(), "a")) // no-op

	next := s.GetNextExecutionBatch()
	require.NotNil(t, next)
	require.Equal(t, "b", next.Tasks[0].Task.ID)
}

func TestParallelismFactorZeroDurationIsOne(t *testing.T) {
	s := newScheduler(t, nil)
	tasks := []model.AtomicTask{task("a", 0)}
	g := buildGraph(t, tasks)
	schedule, err := s.GenerateSchedule(context.Background(), tasks, g, "p1")
	require.NoError(t, err)
	require.Equal(t, 1.0, schedule.Timeline.ParallelismFactor)
}

func TestUpdateScheduleIncrementalVsFull(t *testing.T) {
	s := newScheduler(t, func(c *config.Scheduling) { c.RescheduleSensitivity = config.SensitivityMedium })
	tasks := []model.AtomicTask{task("a", 1), task("b", 1), task("c", 1), task("d", 1), task("e", 1)}
	g := buildGraph(t, tasks)
	first, err := s.GenerateSchedule(context.Background(), tasks, g, "p1")
	require.NoError(t, err)

	// One of five changed: 20% is not above the 0.2 threshold -> incremental.
	changed := tasks[0]
	changed.EstimatedHours = 2
	second, err := s.UpdateSchedule(context.Background(), []model.AtomicTask{changed}, g)
	require.NoError(t, err)
	require.Equal(t, first.Version+1, second.Version)
	require.Equal(t, 2.0, second.ScheduledTasks["a"].Task.EstimatedHours)
	// Incremental keeps the original placement.
	require.Equal(t, first.ScheduledTasks["b"].ScheduledStart, second.ScheduledTasks["b"].ScheduledStart)

	// Three of five changed: full reschedule.
	var bulk []model.AtomicTask
	for _, id := range []string{"b", "c", "d"} {
		u := task(id, 4)
		bulk = append(bulk, u)
	}
	third, err := s.UpdateSchedule(context.Background(), bulk, g)
	require.NoError(t, err)
	require.Equal(t, second.Version+1, third.Version)
	require.Equal(t, 4.0, third.ScheduledTasks["c"].Task.EstimatedHours)
}

func TestPersistRoundTrip(t *testing.T) {
	p, err := NewPersistence(t.TempDir(), 0)
	require.NoError(t, err)
	defer p.Close()

	s := newScheduler(t, nil).WithPersistence(p)
	tasks := []model.AtomicTask{task("a", 2), task("b", 1, "a")}
	g := buildGraph(t, tasks)
	schedule, err := s.GenerateSchedule(context.Background(), tasks, g, "p1")
	require.NoError(t, err)

	loaded, err := p.LoadSchedule(schedule.ID)
	require.NoError(t, err)
	require.Equal(t, schedule.ID, loaded.ID)
	require.Equal(t, schedule.ProjectID, loaded.ProjectID)
	require.Equal(t, schedule.Version, loaded.Version)
	require.Len(t, loaded.ScheduledTasks, 2)
	require.True(t, schedule.ScheduledTasks["a"].ScheduledStart.Equal(loaded.ScheduledTasks["a"].ScheduledStart))
	require.Len(t, loaded.Batches, len(schedule.Batches))
	for i, b := range schedule.Batches {
		require.Equal(t, b.TaskIDs, loaded.Batches[i].TaskIDs)
		require.True(t, b.Start.Equal(loaded.Batches[i].Start))
		require.True(t, b.End.Equal(loaded.Batches[i].End))
	}

	_, err = p.LoadSchedule("missing")
	require.True(t, fault.IsKind(err, fault.KindNotFound))
}

func TestAgentAssignmentPrefersCapableLeastLoaded(t *testing.T) {
	s := newScheduler(t, nil)
	s.SetAgents([]model.Agent{
		{ID: "a2", Status: model.AgentIdle, Capabilities: []model.TaskType{model.TaskDevelopment},
			CurrentUsage: model.AgentUsage{ActiveTasks: 2}},
		{ID: "a1", Status: model.AgentIdle, Capabilities: []model.TaskType{model.TaskDevelopment},
			CurrentUsage: model.AgentUsage{ActiveTasks: 0}},
		{ID: "a3", Status: model.AgentIdle, Capabilities: []model.TaskType{model.TaskTesting}},
	})
	tasks := []model.AtomicTask{task("t", 1)}
	g := buildGraph(t, tasks)
	schedule, err := s.GenerateSchedule(context.Background(), tasks, g, "p1")
	require.NoError(t, err)
	require.Equal(t, "a1", schedule.ScheduledTasks["t"].Resources.AgentID)
}
