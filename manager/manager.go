// Package manager is the inbound surface of the core: hosts construct a
// Manager with their collaborators and drive everything through it.
// Every component is an explicitly constructed value; there are no
// package-level singletons.
package manager

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/taskman/core/logging"
	"github.com/swarmguard/taskman/config"
	"github.com/swarmguard/taskman/coord"
	"github.com/swarmguard/taskman/fault"
	"github.com/swarmguard/taskman/graph"
	"github.com/swarmguard/taskman/lockmgr"
	"github.com/swarmguard/taskman/model"
	"github.com/swarmguard/taskman/sched"
	"github.com/swarmguard/taskman/transport"
	"github.com/swarmguard/taskman/workflow"
)

const component = "manager"

// Config bundles the per-subsystem configuration.
type Config struct {
	Scheduling config.Scheduling
	Execution  config.Execution
	Locks      config.Locks
}

// DefaultConfig returns all-default configuration.
func DefaultConfig() Config {
	return Config{
		Scheduling: config.DefaultScheduling(),
		Execution:  config.DefaultExecution(),
		Locks:      config.DefaultLocks(),
	}
}

// Manager wires the scheduler, coordinator, lock manager and workflow
// state manager behind the inbound API.
type Manager struct {
	scheduler   *sched.Scheduler
	coordinator *coord.Coordinator
	locks       *lockmgr.Manager
	workflows   *workflow.Manager

	tracer trace.Tracer
}

// New constructs the core. channel is the host's agent transport.
func New(cfg Config, channel transport.AgentChannel, meter metric.Meter) (*Manager, error) {
	locks, err := lockmgr.New(cfg.Locks, meter)
	if err != nil {
		return nil, err
	}
	scheduler, err := sched.New(cfg.Scheduling, meter)
	if err != nil {
		locks.Close()
		return nil, err
	}
	if cfg.Scheduling.OutputDir != "" {
		persist, err := sched.NewPersistence(cfg.Scheduling.OutputDir, cfg.Scheduling.SnapshotRetentionDays)
		if err != nil {
			locks.Close()
			return nil, err
		}
		scheduler.WithPersistence(persist)
	}
	coordinator, err := coord.New(cfg.Execution, scheduler, channel, locks, meter)
	if err != nil {
		locks.Close()
		return nil, err
	}
	var wfOpts []workflow.Option
	if cfg.Scheduling.OutputDir != "" {
		wfOpts = append(wfOpts,
			workflow.WithSnapshotDir(cfg.Scheduling.OutputDir),
			workflow.WithRetentionDays(cfg.Scheduling.SnapshotRetentionDays),
		)
	}
	workflows, err := workflow.NewManager(meter, wfOpts...)
	if err != nil {
		locks.Close()
		return nil, err
	}

	return &Manager{
		scheduler:   scheduler,
		coordinator: coordinator,
		locks:       locks,
		workflows:   workflows,
		tracer:      otel.Tracer("taskman-manager"),
	}, nil
}

// Start brings up the coordinator loops and the scheduler optimizer.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.coordinator.Start(ctx); err != nil {
		return err
	}
	m.scheduler.Start(ctx)
	return nil
}

// Stop shuts everything down: executions cancelled, locks released.
func (m *Manager) Stop() {
	m.coordinator.Stop()
	m.scheduler.Stop()
	m.workflows.Close()
	if err := m.locks.Close(); err != nil {
		slog.Warn("lock manager close failed", logging.Err(err))
	}
}

// SubmitTasks validates and schedules a task set for a project and
// initializes its workflow. Returns the schedule.
func (m *Manager) SubmitTasks(ctx context.Context, projectID string, tasks []model.AtomicTask, edges []model.Dependency) (*sched.Schedule, error) {
	ctx, span := m.tracer.Start(ctx, "manager.submit_tasks")
	defer span.End()

	g := graph.New()
	for i := range tasks {
		g.AddTask(tasks[i].ID, tasks[i].EstimatedHours)
	}
	for i := range tasks {
		for _, dep := range tasks[i].Dependencies {
			if err := g.AddEdge(dep, tasks[i].ID); err != nil {
				return nil, err
			}
		}
	}
	for _, e := range edges {
		if err := g.AddEdge(e.FromTaskID, e.ToTaskID); err != nil {
			return nil, err
		}
	}

	schedule, err := m.scheduler.GenerateSchedule(ctx, tasks, g, projectID)
	if err != nil {
		return nil, err
	}

	workflowID := "wf-" + schedule.ID
	if _, err := m.workflows.InitializeWorkflow(ctx, workflowID, uuid.NewString(), projectID); err != nil {
		// The schedule stands; workflow tracking is reported but not fatal.
		if !fault.IsKind(err, fault.KindValidation) {
			slog.Warn("workflow initialization failed", "workflow_id", workflowID, logging.Err(err))
		}
	}
	return schedule, nil
}

// RegisterAgent adds a worker agent to the pool.
func (m *Manager) RegisterAgent(agent model.Agent) error {
	return m.coordinator.RegisterAgent(agent)
}

// Subscribe streams execution state-change events to fn.
func (m *Manager) Subscribe(fn func(coord.StateChangeEvent)) {
	m.coordinator.OnExecutionStateChange(fn)
}

// SubscribeWorkflow streams workflow transitions to fn.
func (m *Manager) SubscribeWorkflow(fn func(workflow.Event)) {
	m.workflows.Subscribe(fn)
}

// QueryExecution returns an execution snapshot by execution id, nil when
// unknown.
func (m *Manager) QueryExecution(executionID string) *coord.TaskExecution {
	return m.coordinator.GetExecution(executionID)
}

// QueryTask returns the newest execution for a task id, nil when unknown.
func (m *Manager) QueryTask(taskID string) *coord.TaskExecution {
	return m.coordinator.GetTaskExecutionStatus(taskID)
}

// Scheduler exposes the scheduler for host-side wiring (config watcher,
// direct schedule queries).
func (m *Manager) Scheduler() *sched.Scheduler { return m.scheduler }

// Coordinator exposes the coordinator for host-side wiring.
func (m *Manager) Coordinator() *coord.Coordinator { return m.coordinator }

// Workflows exposes the workflow state manager.
func (m *Manager) Workflows() *workflow.Manager { return m.workflows }
