package sched

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/taskman/core/logging"
	"github.com/swarmguard/taskman/config"
	"github.com/swarmguard/taskman/fault"
	"github.com/swarmguard/taskman/graph"
	"github.com/swarmguard/taskman/model"
)

const component = "sched"

// ExecutionBatch is what the coordinator pulls per tick: one parallel
// level of ready tasks with their placements.
type ExecutionBatch struct {
	ID    int
	Tasks []*ScheduledTask
}

// Scheduler turns task sets into execution schedules and keeps the
// current schedule in sync with completions and updates. All mutations
// are serialized against batch pulls by one mutex.
type Scheduler struct {
	mu         sync.Mutex
	cfg        config.Scheduling
	agents     []model.Agent
	load       SystemLoad
	graph      *graph.Graph
	current    *Schedule
	dispatched map[string]bool

	persist *Persistence // optional

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup

	generated     metric.Int64Counter
	optimizations metric.Int64Counter
	completed     metric.Int64Counter
	generateMS    metric.Float64Histogram
	tracer        trace.Tracer
}

// New constructs a scheduler. The config is validated up front.
func New(cfg config.Scheduling, meter metric.Meter) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	generated, _ := meter.Int64Counter("taskman_sched_schedules_generated_total")
	optimizations, _ := meter.Int64Counter("taskman_sched_optimizations_total")
	completed, _ := meter.Int64Counter("taskman_sched_tasks_completed_total")
	generateMS, _ := meter.Float64Histogram("taskman_sched_generate_ms")

	return &Scheduler{
		cfg:           cfg,
		dispatched:    make(map[string]bool),
		stopCh:        make(chan struct{}),
		generated:     generated,
		optimizations: optimizations,
		completed:     completed,
		generateMS:    generateMS,
		tracer:        otel.Tracer("taskman-sched"),
	}, nil
}

// WithPersistence attaches snapshot persistence; schedules are written on
// every generation and optimization.
func (s *Scheduler) WithPersistence(p *Persistence) *Scheduler {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persist = p
	return s
}

// ApplyConfig swaps the scheduling config atomically. Used by the config
// hot-reload watcher; the next (re)schedule picks it up.
func (s *Scheduler) ApplyConfig(cfg config.Scheduling) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	slog.Info("scheduler config applied", "algorithm", cfg.Algorithm)
	return nil
}

// SetAgents replaces the agent view used for scoring and assignment.
func (s *Scheduler) SetAgents(agents []model.Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents = append([]model.Agent(nil), agents...)
}

// UpdateSystemLoad records the load snapshot used by the systemLoad factor.
func (s *Scheduler) UpdateSystemLoad(load SystemLoad) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.load = load
}

// GenerateSchedule validates the task set and produces a fresh schedule
// over the graph's topological batches.
func (s *Scheduler) GenerateSchedule(ctx context.Context, tasks []model.AtomicTask, g *graph.Graph, projectID string) (*Schedule, error) {
	ctx, span := s.tracer.Start(ctx, "sched.generate",
		trace.WithAttributes(
			attribute.String("project_id", projectID),
			attribute.Int("tasks", len(tasks)),
		),
	)
	defer span.End()

	start := time.Now()

	byID, err := validateTasks(tasks)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	schedule := s.buildLocked(byID, g, projectID, uuid.NewString(), 1, start)
	s.graph = g
	s.current = schedule
	s.dispatched = make(map[string]bool)

	s.generated.Add(ctx, 1, metric.WithAttributes(attribute.String("algorithm", string(schedule.Algorithm))))
	s.generateMS.Record(ctx, float64(time.Since(start).Milliseconds()))

	if s.persist != nil {
		if err := s.persist.SaveSchedule(schedule); err != nil {
			slog.Warn("schedule snapshot failed", "schedule_id", schedule.ID, logging.Err(err))
		}
	}

	slog.Info("schedule generated",
		"schedule_id", schedule.ID,
		"project_id", projectID,
		"tasks", len(tasks),
		"batches", len(schedule.Batches),
		"algorithm", schedule.Algorithm,
	)
	return schedule.Clone(), nil
}

// UpdateSchedule applies task updates to the current schedule: a full
// reschedule when the change ratio exceeds the sensitivity threshold, an
// in-place incremental update otherwise.
func (s *Scheduler) UpdateSchedule(ctx context.Context, updated []model.AtomicTask, g *graph.Graph) (*Schedule, error) {
	_, span := s.tracer.Start(ctx, "sched.update",
		trace.WithAttributes(attribute.Int("updated", len(updated))),
	)
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return nil, fault.New(fault.KindValidation, component, "update_schedule", "no current schedule")
	}
	if len(updated) == 0 {
		return s.current.Clone(), nil
	}

	changed := 0
	for i := range updated {
		prev, ok := s.current.ScheduledTasks[updated[i].ID]
		if !ok || taskChanged(&prev.Task, &updated[i]) {
			changed++
		}
	}
	ratio := float64(changed) / float64(len(s.current.ScheduledTasks))
	threshold := s.cfg.RescheduleSensitivity.Threshold()

	if ratio > threshold {
		// Full reschedule over the merged task set.
		merged := make(map[string]*model.AtomicTask, len(s.current.ScheduledTasks))
		for id, st := range s.current.ScheduledTasks {
			t := st.Task
			merged[id] = &t
		}
		for i := range updated {
			t := updated[i]
			merged[t.ID] = &t
		}
		next := s.buildLocked(merged, g, s.current.ProjectID, s.current.ID, s.current.Version+1, time.Now())
		s.graph = g
		s.current = next
		slog.Info("full reschedule", "schedule_id", next.ID, "version", next.Version, "change_ratio", ratio)
		return next.Clone(), nil
	}

	// Incremental: refresh the changed tasks in place and rescore them.
	sc := s.scoringContextLocked(g)
	for i := range updated {
		sc.fanout[updated[i].ID] = len(g.Dependents(updated[i].ID))
	}
	for i := range updated {
		st, ok := s.current.ScheduledTasks[updated[i].ID]
		if !ok {
			continue
		}
		st.Task = updated[i]
		st.Scores = scoreTask(&st.Task, sc)
	}
	s.current.Version++
	slog.Info("incremental schedule update", "schedule_id", s.current.ID, "version", s.current.Version, "change_ratio", ratio)
	return s.current.Clone(), nil
}

// CurrentSchedule returns a copy of the active schedule, nil when absent.
func (s *Scheduler) CurrentSchedule() *Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	return s.current.Clone()
}

// GetReadyTasks returns copies of the tasks whose prerequisites are all
// completed and which have not been dispatched yet.
func (s *Scheduler) GetReadyTasks() []*ScheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.graph == nil {
		return nil
	}
	batches := s.graph.TopologicalBatches()
	if len(batches) == 0 {
		return nil
	}
	var out []*ScheduledTask
	for _, id := range batches[0] {
		if s.dispatched[id] {
			continue
		}
		if st, ok := s.current.ScheduledTasks[id]; ok {
			cp := *st
			out = append(out, &cp)
		}
	}
	return out
}

// GetNextExecutionBatch returns the next ready batch and marks its tasks
// dispatched, or nil when nothing is ready. Serialized against schedule
// mutations.
func (s *Scheduler) GetNextExecutionBatch() *ExecutionBatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.graph == nil {
		return nil
	}
	batches := s.graph.TopologicalBatches()
	if len(batches) == 0 {
		return nil
	}

	var tasks []*ScheduledTask
	batchID := -1
	for _, id := range batches[0] {
		if s.dispatched[id] {
			continue
		}
		st, ok := s.current.ScheduledTasks[id]
		if !ok {
			continue
		}
		cp := *st
		tasks = append(tasks, &cp)
		if batchID < 0 || st.BatchID < batchID {
			batchID = st.BatchID
		}
	}
	if len(tasks) == 0 {
		return nil
	}
	for _, st := range tasks {
		s.dispatched[st.Task.ID] = true
	}
	return &ExecutionBatch{ID: batchID, Tasks: tasks}
}

// RequeueTask returns a dispatched task to eligibility, e.g. after a
// failed dispatch that the coordinator wants retried on a later tick.
func (s *Scheduler) RequeueTask(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dispatched, taskID)
}

// MarkTaskCompleted records completion. Idempotent: a second call for the
// same task is a no-op.
func (s *Scheduler) MarkTaskCompleted(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return fault.New(fault.KindValidation, component, "mark_completed", "no current schedule")
	}
	st, ok := s.current.ScheduledTasks[taskID]
	if !ok {
		return fault.Wrap(fault.KindValidation, component, "mark_completed", graph.ErrUnknownTask).With("task_id", taskID)
	}
	if st.Task.Status == model.TaskCompleted {
		return nil
	}
	st.Task.Status = model.TaskCompleted
	delete(s.dispatched, taskID)
	if s.graph != nil {
		if err := s.graph.MarkCompleted(taskID); err != nil {
			return err
		}
	}
	s.completed.Add(ctx, 1)
	return nil
}

// Start launches the dynamic optimization loop when enabled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	enabled := s.cfg.EnableDynamicOptimization
	interval := s.cfg.OptimizationInterval
	s.mu.Unlock()
	if !enabled {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.maybeOptimize(ctx)
			}
		}
	}()
}

// Stop halts the optimization loop.
func (s *Scheduler) Stop() {
	s.stopped.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Scheduler) maybeOptimize(ctx context.Context) {
	s.mu.Lock()
	current := s.current
	s.mu.Unlock()
	if current == nil {
		return
	}
	if current.ResourceUtilization.Efficiency >= 0.7 {
		return
	}
	if _, err := s.OptimizeSchedule(ctx); err != nil {
		slog.Warn("schedule optimization failed", logging.Err(err))
	}
}

// OptimizeSchedule re-runs the scheduling algorithm over the remaining
// incomplete tasks and replaces the current schedule atomically.
func (s *Scheduler) OptimizeSchedule(ctx context.Context) (*Schedule, error) {
	ctx, span := s.tracer.Start(ctx, "sched.optimize")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.graph == nil {
		return nil, fault.New(fault.KindValidation, component, "optimize", "no current schedule")
	}

	remaining := make(map[string]*model.AtomicTask)
	for id, st := range s.current.ScheduledTasks {
		if st.Task.Status == model.TaskCompleted {
			continue
		}
		t := st.Task
		remaining[id] = &t
	}
	if len(remaining) == 0 {
		return s.current.Clone(), nil
	}

	next := s.buildLocked(remaining, s.graph, s.current.ProjectID, s.current.ID, s.current.Version+1, time.Now())
	next.IsOptimal = true
	s.current = next
	s.optimizations.Add(ctx, 1)

	if s.persist != nil {
		if err := s.persist.SaveSchedule(next); err != nil {
			slog.Warn("schedule snapshot failed", "schedule_id", next.ID, logging.Err(err))
		}
	}
	slog.Info("schedule optimized", "schedule_id", next.ID, "version", next.Version)
	return next.Clone(), nil
}

// --- construction internals; callers hold s.mu. ---

func (s *Scheduler) scoringContextLocked(g *graph.Graph) *scoringContext {
	critical := make(map[string]bool)
	fanout := make(map[string]int)
	if g != nil {
		for _, id := range g.CriticalPath() {
			critical[id] = true
		}
	}
	idle := 0
	for i := range s.agents {
		if s.agents[i].Status == model.AgentIdle {
			idle++
		}
	}
	return &scoringContext{
		cfg:          s.cfg,
		criticalPath: critical,
		fanout:       fanout,
		load:         s.load,
		idleAgents:   idle,
		totalAgents:  len(s.agents),
	}
}

func (s *Scheduler) buildLocked(byID map[string]*model.AtomicTask, g *graph.Graph, projectID, scheduleID string, version int, now time.Time) *Schedule {
	sc := s.scoringContextLocked(g)
	for id := range byID {
		sc.fanout[id] = len(g.Dependents(id))
	}

	scores := make(map[string]TaskScores, len(byID))
	tasks := make(map[string]*model.AtomicTask, len(byID))
	for id, t := range byID {
		tasks[id] = t
		scores[id] = scoreTask(t, sc)
	}

	schedule := &Schedule{
		ID:             scheduleID,
		ProjectID:      projectID,
		ScheduledTasks: make(map[string]*ScheduledTask, len(byID)),
		Algorithm:      s.cfg.Algorithm,
		Version:        version,
		GeneratedAt:    now,
	}

	buffer := s.cfg.DeadlineBuffer
	if buffer <= 0 {
		buffer = 0.1
	}

	batchStart := now
	batchID := 0
	totalHours := 0.0
	peakMem := 0
	cpuSum := 0.0
	assignedAgents := make(map[string]bool)

	for _, ids := range g.TopologicalBatches() {
		// Only place tasks that are part of this schedule.
		var members []string
		for _, id := range ids {
			if _, ok := byID[id]; ok {
				members = append(members, id)
			}
		}
		if len(members) == 0 {
			continue
		}
		orderBatch(s.cfg.Algorithm, members, tasks, scores, sc.criticalPath, now)

		maxHours := 0.0
		batchMem := 0
		batchCPU := 0.0
		for _, id := range members {
			t := byID[id]
			quota := s.cfg.Resources.TaskTypeResources[t.Type]
			st := &ScheduledTask{
				Task:              *t,
				ScheduledStart:    batchStart,
				ScheduledEnd:      batchStart.Add(hoursToDuration(t.EstimatedHours * (1 + buffer))),
				Resources:         AssignedResources{MemoryMB: quota.MemoryMB, CPUWeight: quota.CPUWeight},
				BatchID:           batchID,
				PrerequisiteTasks: g.Dependencies(id),
				DependentTasks:    g.Dependents(id),
				Scores:            scores[id],
				Algorithm:         s.cfg.Algorithm,
			}
			if agentID := s.assignAgentLocked(t, version); agentID != "" {
				st.Resources.AgentID = agentID
				assignedAgents[agentID] = true
			}
			schedule.ScheduledTasks[id] = st

			if t.EstimatedHours > maxHours {
				maxHours = t.EstimatedHours
			}
			totalHours += t.EstimatedHours
			batchMem += st.Resources.MemoryMB
			batchCPU += st.Resources.CPUWeight
		}

		if s.cfg.Algorithm == config.AlgoResourceBalanced {
			balanceBatchMemory(members, schedule.ScheduledTasks, s.cfg.Resources.MaxMemoryMB)
			batchMem = 0
			for _, id := range members {
				batchMem += schedule.ScheduledTasks[id].Resources.MemoryMB
			}
		}

		duration := hoursToDuration(maxHours * (1 + buffer))
		schedule.Batches = append(schedule.Batches, Batch{
			ID:       batchID,
			TaskIDs:  append([]string(nil), members...),
			Start:    batchStart,
			End:      batchStart.Add(duration),
			Duration: duration,
		})

		if batchMem > peakMem {
			peakMem = batchMem
		}
		cpuSum += batchCPU

		batchStart = batchStart.Add(duration)
		batchID++
	}

	end := now
	if n := len(schedule.Batches); n > 0 {
		end = schedule.Batches[n-1].End
	}
	totalDuration := end.Sub(now)

	parallelism := 1.0
	if totalDuration > 0 {
		parallelism = totalHours / totalDuration.Hours()
	}

	avgCPU := 0.0
	if len(schedule.Batches) > 0 {
		avgCPU = cpuSum / float64(len(schedule.Batches))
	}
	agentUtil := 0.0
	if len(s.agents) > 0 {
		agentUtil = float64(len(assignedAgents)) / float64(len(s.agents))
	}
	availableAgents := s.cfg.Resources.AvailableAgents
	if availableAgents <= 0 {
		availableAgents = 1
	}
	efficiency := 1.0
	if totalDuration > 0 {
		efficiency = clamp01(totalHours / (totalDuration.Hours() * float64(availableAgents)))
	}

	schedule.Timeline = Timeline{
		Start:             now,
		End:               end,
		TotalDuration:     totalDuration,
		CriticalPath:      g.CriticalPath(),
		ParallelismFactor: parallelism,
	}
	schedule.ResourceUtilization = Utilization{
		PeakMemoryMB:     peakMem,
		AvgCPUWeight:     avgCPU,
		AgentUtilization: agentUtil,
		Efficiency:       efficiency,
	}
	return schedule
}

// assignAgentLocked applies the capability map: capable agents by declared
// task type, least loaded first, ties by ascending id; round-robin over
// all agents when none is capable.
func (s *Scheduler) assignAgentLocked(task *model.AtomicTask, version int) string {
	if len(s.agents) == 0 {
		return ""
	}
	var capable []*model.Agent
	for i := range s.agents {
		if s.agents[i].HasCapability(task.Type) {
			capable = append(capable, &s.agents[i])
		}
	}
	if len(capable) == 0 {
		ids := make([]string, len(s.agents))
		for i := range s.agents {
			ids[i] = s.agents[i].ID
		}
		sort.Strings(ids)
		return ids[version%len(ids)]
	}
	sort.Slice(capable, func(i, j int) bool {
		if capable[i].CurrentUsage.ActiveTasks != capable[j].CurrentUsage.ActiveTasks {
			return capable[i].CurrentUsage.ActiveTasks < capable[j].CurrentUsage.ActiveTasks
		}
		return capable[i].ID < capable[j].ID
	})
	return capable[0].ID
}

func validateTasks(tasks []model.AtomicTask) (map[string]*model.AtomicTask, error) {
	if len(tasks) == 0 {
		return nil, fault.New(fault.KindValidation, component, "generate_schedule", "empty task set")
	}
	byID := make(map[string]*model.AtomicTask, len(tasks))
	for i := range tasks {
		t := &tasks[i]
		if t.ID == "" {
			return nil, fault.New(fault.KindValidation, component, "generate_schedule", "task with empty id")
		}
		if t.EstimatedHours < 0 {
			return nil, fault.Newf(fault.KindValidation, component, "generate_schedule", "task %s has negative estimate", t.ID)
		}
		byID[t.ID] = t
	}
	for _, t := range byID {
		for _, dep := range t.Dependencies {
			if _, ok := byID[dep]; !ok {
				return nil, fault.Wrap(fault.KindValidation, component, "generate_schedule", graph.ErrUnknownTask).
					With("task_id", t.ID).With("dependency", dep)
			}
		}
	}
	return byID, nil
}

func taskChanged(a, b *model.AtomicTask) bool {
	if a.Status != b.Status || a.Priority != b.Priority || a.EstimatedHours != b.EstimatedHours || a.Type != b.Type {
		return true
	}
	if len(a.Dependencies) != len(b.Dependencies) {
		return true
	}
	for i := range a.Dependencies {
		if a.Dependencies[i] != b.Dependencies[i] {
			return true
		}
	}
	return false
}

func hoursToDuration(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}
