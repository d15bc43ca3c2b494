package workflow

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/taskman/core/logging"
	"github.com/swarmguard/taskman/fault"
)

const component = "workflow"

// Manager owns the per-workflow state machines. Transitions of one
// workflow are serialized by its own mutex so the validity check always
// sees the true prior state.
type Manager struct {
	mu        sync.RWMutex
	workflows map[string]*entry

	dir           string // snapshot directory; empty disables persistence
	retentionDays int
	cron          *cron.Cron

	listenerMu sync.RWMutex
	listeners  []func(Event)

	transitions metric.Int64Counter
	rejected    metric.Int64Counter
	tracer      trace.Tracer
}

type entry struct {
	mu   sync.Mutex
	snap *Snapshot
}

// Option tunes the manager.
type Option func(*Manager)

// WithSnapshotDir enables JSON snapshot persistence under dir.
func WithSnapshotDir(dir string) Option {
	return func(m *Manager) { m.dir = filepath.Join(dir, "workflow-states") }
}

// WithRetentionDays prunes snapshots whose endTime is older than days.
func WithRetentionDays(days int) Option {
	return func(m *Manager) { m.retentionDays = days }
}

// NewManager constructs a workflow state manager.
func NewManager(meter metric.Meter, opts ...Option) (*Manager, error) {
	transitions, _ := meter.Int64Counter("taskman_workflow_transitions_total")
	rejected, _ := meter.Int64Counter("taskman_workflow_transitions_rejected_total")

	m := &Manager{
		workflows:   make(map[string]*entry),
		transitions: transitions,
		rejected:    rejected,
		tracer:      otel.Tracer("taskman-workflow"),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.dir != "" {
		if err := os.MkdirAll(m.dir, 0o755); err != nil {
			return nil, fault.Wrap(fault.KindConfiguration, component, "new", err)
		}
		if m.retentionDays > 0 {
			m.cron = cron.New()
			if _, err := m.cron.AddFunc("43 3 * * *", func() {
				removed, err := m.CleanupOlderThan(m.retentionDays)
				if err != nil {
					slog.Warn("workflow snapshot cleanup failed", logging.Err(err))
					return
				}
				if removed > 0 {
					slog.Info("workflow snapshots pruned", "removed", removed)
				}
			}); err != nil {
				return nil, fault.Wrap(fault.KindConfiguration, component, "new", err)
			}
			m.cron.Start()
		}
	}
	return m, nil
}

// Close stops the cleanup sweep.
func (m *Manager) Close() {
	if m.cron != nil {
		m.cron.Stop()
	}
}

// Subscribe registers a transition listener. Listener failures are
// isolated; panics are recovered and logged.
func (m *Manager) Subscribe(fn func(Event)) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// InitializeWorkflow creates a workflow in initialization:pending.
func (m *Manager) InitializeWorkflow(ctx context.Context, workflowID, sessionID, projectID string) (*Snapshot, error) {
	_, span := m.tracer.Start(ctx, "workflow.initialize",
		trace.WithAttributes(attribute.String("workflow_id", workflowID)),
	)
	defer span.End()

	if workflowID == "" {
		return nil, fault.New(fault.KindValidation, component, "initialize", "empty workflow id")
	}

	m.mu.Lock()
	if _, exists := m.workflows[workflowID]; exists {
		m.mu.Unlock()
		return nil, fault.Newf(fault.KindValidation, component, "initialize", "workflow %s already exists", workflowID)
	}

	now := time.Now()
	snap := &Snapshot{
		WorkflowID:   workflowID,
		SessionID:    sessionID,
		ProjectID:    projectID,
		CurrentPhase: PhaseInitialization,
		CurrentState: StatePending,
		StartTime:    now,
		Phases:       make(map[Phase]*PhaseExecutionState),
		Metadata:     make(map[string]string),
		Version:      SnapshotVersion,
	}
	for _, p := range phaseOrder {
		pe := &PhaseExecutionState{Phase: p, State: StatePending}
		for _, spec := range subPhaseSpecs[p] {
			pe.SubPhases = append(pe.SubPhases, SubPhaseExecution{
				Name:   spec.Name,
				Weight: spec.Weight,
				State:  StatePending,
			})
		}
		snap.Phases[p] = pe
	}
	e := &entry{snap: snap}
	m.workflows[workflowID] = e
	m.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	m.persistLocked(snap)
	slog.Info("workflow initialized", "workflow_id", workflowID, "project_id", projectID)
	return snap.Clone(), nil
}

// Transition moves the workflow to (toPhase, toState), validating against
// the static table and appending to the audit log.
func (m *Manager) Transition(ctx context.Context, workflowID string, toPhase Phase, toState State, reason string) (*Snapshot, error) {
	ctx, span := m.tracer.Start(ctx, "workflow.transition",
		trace.WithAttributes(
			attribute.String("workflow_id", workflowID),
			attribute.String("to", string(toPhase)+":"+string(toState)),
		),
	)
	defer span.End()

	e, err := m.lookup(workflowID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	snap := e.snap

	if err := validateTransition(snap.CurrentPhase, snap.CurrentState, toPhase, toState); err != nil {
		m.rejected.Add(ctx, 1)
		return nil, err
	}

	now := time.Now()
	fromPhase, fromState := snap.CurrentPhase, snap.CurrentState

	// Maintain the phase execution records.
	if pe := snap.Phases[fromPhase]; pe != nil && fromPhase != toPhase {
		if pe.EndTime == nil {
			pe.EndTime = &now
		}
	}
	if pe := snap.Phases[toPhase]; pe != nil {
		pe.State = toState
		if pe.StartTime == nil && toState != StatePending {
			pe.StartTime = &now
		}
		switch toState {
		case StateCompleted:
			pe.Progress = 100
			pe.EndTime = &now
			for i := range pe.SubPhases {
				if pe.SubPhases[i].State != StateCompleted {
					pe.SubPhases[i].State = StateCompleted
					pe.SubPhases[i].Progress = 100
					pe.SubPhases[i].EndTime = &now
				}
			}
		case StateInProgress:
			if pe.StartTime == nil {
				pe.StartTime = &now
			}
		}
	}

	snap.CurrentPhase = toPhase
	snap.CurrentState = toState
	snap.Transitions = append(snap.Transitions, TransitionRecord{
		ID:        uuid.NewString(),
		FromPhase: fromPhase,
		FromState: fromState,
		ToPhase:   toPhase,
		ToState:   toState,
		At:        now,
		Reason:    reason,
	})
	snap.OverallProgress = overallProgress(snap)

	if terminal(toPhase) && (toState == StateCompleted || toState == StateFailed || toState == StateCancelled) {
		snap.EndTime = &now
	}

	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("to_phase", string(toPhase)),
		attribute.String("to_state", string(toState)),
	))
	m.persistLocked(snap)
	m.publish(Event{
		WorkflowID:      workflowID,
		FromPhase:       fromPhase,
		FromState:       fromState,
		ToPhase:         toPhase,
		ToState:         toState,
		OverallProgress: snap.OverallProgress,
		At:              now,
	})
	return snap.Clone(), nil
}

// UpdateSubPhaseProgress sets a sub-phase's progress (0..100), recomputes
// the parent phase's weighted progress and auto-completes the sub-phase
// at 100.
func (m *Manager) UpdateSubPhaseProgress(ctx context.Context, workflowID string, phase Phase, subPhase string, progress int) (*Snapshot, error) {
	_, span := m.tracer.Start(ctx, "workflow.subphase_progress",
		trace.WithAttributes(
			attribute.String("workflow_id", workflowID),
			attribute.String("sub_phase", subPhase),
		),
	)
	defer span.End()

	if progress < 0 || progress > 100 {
		return nil, fault.Newf(fault.KindValidation, component, "subphase_progress", "progress %d outside [0,100]", progress)
	}

	e, err := m.lookup(workflowID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	snap := e.snap

	pe := snap.Phases[phase]
	if pe == nil {
		return nil, fault.Newf(fault.KindValidation, component, "subphase_progress", "unknown phase %q", phase)
	}
	now := time.Now()
	found := false
	for i := range pe.SubPhases {
		sp := &pe.SubPhases[i]
		if sp.Name != subPhase {
			continue
		}
		found = true
		sp.Progress = progress
		if sp.StartTime == nil && progress > 0 {
			sp.StartTime = &now
		}
		if progress == 100 {
			sp.State = StateCompleted
			sp.EndTime = &now
		} else if progress > 0 && sp.State == StatePending {
			sp.State = StateInProgress
		}
		break
	}
	if !found {
		return nil, fault.Newf(fault.KindValidation, component, "subphase_progress", "unknown sub-phase %q of %q", subPhase, phase)
	}

	pe.Progress = phaseProgress(pe)
	snap.OverallProgress = overallProgress(snap)
	m.persistLocked(snap)
	return snap.Clone(), nil
}

// GetWorkflow returns a copy of the in-memory snapshot.
func (m *Manager) GetWorkflow(workflowID string) (*Snapshot, bool) {
	m.mu.RLock()
	e, ok := m.workflows[workflowID]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snap.Clone(), true
}

// LoadWorkflow rehydrates a snapshot from disk into memory. Malformed
// snapshots are rejected and the id reported absent.
func (m *Manager) LoadWorkflow(workflowID string) (*Snapshot, bool) {
	if m.dir == "" {
		return nil, false
	}
	data, err := os.ReadFile(filepath.Join(m.dir, workflowID+".json"))
	if err != nil {
		return nil, false
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		slog.Warn("malformed workflow snapshot rejected", "workflow_id", workflowID, logging.Err(err))
		return nil, false
	}
	if snap.WorkflowID != workflowID || snap.Phases == nil {
		slog.Warn("malformed workflow snapshot rejected", "workflow_id", workflowID)
		return nil, false
	}

	m.mu.Lock()
	e, exists := m.workflows[workflowID]
	if !exists {
		e = &entry{snap: &snap}
		m.workflows[workflowID] = e
	}
	m.mu.Unlock()
	if exists {
		e.mu.Lock()
		e.snap = &snap
		e.mu.Unlock()
	}
	return snap.Clone(), true
}

// CleanupOlderThan removes snapshots whose endTime is older than days.
func (m *Manager) CleanupOlderThan(days int) (int, error) {
	if m.dir == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return 0, fault.Wrap(fault.KindTransient, component, "cleanup", err)
	}
	cutoff := time.Now().AddDate(0, 0, -days)
	removed := 0
	for _, de := range entries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".json") {
			continue
		}
		path := filepath.Join(m.dir, de.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var snap Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			continue
		}
		if snap.EndTime != nil && snap.EndTime.Before(cutoff) {
			if os.Remove(path) == nil {
				removed++
			}
		}
	}
	return removed, nil
}

func (m *Manager) lookup(workflowID string) (*entry, error) {
	m.mu.RLock()
	e, ok := m.workflows[workflowID]
	m.mu.RUnlock()
	if !ok {
		return nil, fault.Newf(fault.KindNotFound, component, "lookup", "unknown workflow %q", workflowID)
	}
	return e, nil
}

// persistLocked writes the snapshot; the caller holds the entry mutex.
func (m *Manager) persistLocked(snap *Snapshot) {
	if m.dir == "" {
		return
	}
	snap.PersistedAt = time.Now()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		slog.Warn("workflow snapshot marshal failed", "workflow_id", snap.WorkflowID, logging.Err(err))
		return
	}
	path := filepath.Join(m.dir, snap.WorkflowID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		slog.Warn("workflow snapshot write failed", "workflow_id", snap.WorkflowID, logging.Err(err))
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		slog.Warn("workflow snapshot rename failed", "workflow_id", snap.WorkflowID, logging.Err(err))
	}
}

func (m *Manager) publish(ev Event) {
	m.listenerMu.RLock()
	listeners := append([]func(Event){}, m.listeners...)
	m.listenerMu.RUnlock()
	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("workflow listener panic", "workflow_id", ev.WorkflowID, "panic", r)
				}
			}()
			fn(ev)
		}()
	}
}

// phaseProgress is the weighted average of sub-phase progress, rounded to
// an integer in [0,100]. Phases without sub-phases keep their set value.
func phaseProgress(pe *PhaseExecutionState) int {
	if len(pe.SubPhases) == 0 {
		return pe.Progress
	}
	sum := 0.0
	for _, sp := range pe.SubPhases {
		sum += sp.Weight * float64(sp.Progress)
	}
	p := int(math.Round(sum))
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	return p
}

// overallProgress aggregates phase progress by the static phase weights.
func overallProgress(snap *Snapshot) int {
	totalWeight := 0
	sum := 0.0
	for p, w := range phaseWeights {
		if w == 0 {
			continue
		}
		totalWeight += w
		if pe := snap.Phases[p]; pe != nil {
			sum += float64(w) * float64(pe.Progress)
		}
	}
	if totalWeight == 0 {
		return 0
	}
	out := int(math.Round(sum / float64(totalWeight)))
	if out > 100 {
		out = 100
	}
	return out
}
