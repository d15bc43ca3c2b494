package boltstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/taskman/fault"
	"github.com/swarmguard/taskman/model"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "records.db"), noopmetric.MeterProvider{}.Meter("test"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestTaskRoundTripAndCache(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	task := model.AtomicTask{ID: "t1", Title: "build", Type: model.TaskDevelopment, ProjectID: "p1", EstimatedHours: 2}
	require.NoError(t, s.PutTask(ctx, task))

	got, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, task, got)

	_, err = s.GetTask(ctx, "missing")
	require.True(t, fault.IsKind(err, fault.KindNotFound))

	require.NoError(t, s.DeleteTask(ctx, "t1"))
	_, err = s.GetTask(ctx, "t1")
	require.True(t, fault.IsKind(err, fault.KindNotFound))
}

func TestListByProject(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutEpic(ctx, model.Epic{ID: "e1", ProjectID: "p1"}))
	require.NoError(t, s.PutEpic(ctx, model.Epic{ID: "e2", ProjectID: "p2"}))
	require.NoError(t, s.PutTask(ctx, model.AtomicTask{ID: "t1", ProjectID: "p1"}))

	epics, err := s.ListEpics(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, epics, 1)
	require.Equal(t, "e1", epics[0].ID)

	tasks, err := s.ListTasks(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
}

func TestDependencyEdges(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutDependency(ctx, model.Dependency{ID: "d1", ProjectID: "p1", FromTaskID: "a", ToTaskID: "b"}))
	require.NoError(t, s.PutDependency(ctx, model.Dependency{ID: "d2", ProjectID: "p1", FromTaskID: "b", ToTaskID: "c"}))
	require.NoError(t, s.PutDependency(ctx, model.Dependency{ID: "d3", ProjectID: "p9", FromTaskID: "x", ToTaskID: "y"}))

	deps, err := s.ListDependencies(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, deps, 2)

	err = s.PutDependency(ctx, model.Dependency{ProjectID: "p1"})
	require.True(t, fault.IsKind(err, fault.KindValidation))
}

func TestProjectRecords(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutProject(ctx, model.Project{ID: "p1", Name: "alpha"}))
	p, err := s.GetProject(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, "alpha", p.Name)
	require.NoError(t, s.DeleteProject(ctx, "p1"))
	_, err = s.GetProject(ctx, "p1")
	require.True(t, fault.IsKind(err, fault.KindNotFound))
}
