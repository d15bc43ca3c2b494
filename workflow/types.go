// Package workflow tracks the phase and sub-phase lifecycle of each job:
// validated transitions, weighted progress aggregation, persisted
// snapshots and transition events.
package workflow

import "time"

// Phase is a coarse lifecycle stage.
type Phase string

const (
	PhaseInitialization Phase = "initialization"
	PhaseDecomposition  Phase = "decomposition"
	PhaseOrchestration  Phase = "orchestration"
	PhaseExecution      Phase = "execution"
	PhaseCompleted      Phase = "completed"
	PhaseFailed         Phase = "failed"
	PhaseCancelled      Phase = "cancelled"
)

// phaseOrder is the forward progression of phases, ending with the
// terminal completed phase.
var phaseOrder = []Phase{
	PhaseInitialization, PhaseDecomposition, PhaseOrchestration, PhaseExecution, PhaseCompleted,
}

// nextPhase returns the successor phase, "" at the end.
func nextPhase(p Phase) Phase {
	for i, cur := range phaseOrder {
		if cur == p && i+1 < len(phaseOrder) {
			return phaseOrder[i+1]
		}
	}
	return ""
}

func terminal(p Phase) bool {
	return p == PhaseCompleted || p == PhaseFailed || p == PhaseCancelled
}

// phaseWeights drive overall progress aggregation; normalized over their sum.
var phaseWeights = map[Phase]int{
	PhaseInitialization: 5,
	PhaseDecomposition:  30,
	PhaseOrchestration:  15,
	PhaseExecution:      45,
	PhaseCompleted:      5,
	PhaseFailed:         0,
	PhaseCancelled:      0,
}

// State is the fine-grained status within a phase.
type State string

const (
	StatePending    State = "pending"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
	StateBlocked    State = "blocked"
	StateRetrying   State = "retrying"
)

// SubPhaseSpec is the static definition of one sub-phase.
type SubPhaseSpec struct {
	Name   string
	Weight float64
}

// subPhaseSpecs fixes the ordered sub-phases of each non-terminal phase.
// Weights sum to exactly 1 per phase.
var subPhaseSpecs = map[Phase][]SubPhaseSpec{
	PhaseInitialization: {
		{Name: "context_setup", Weight: 0.4},
		{Name: "input_validation", Weight: 0.6},
	},
	PhaseDecomposition: {
		{Name: "analysis", Weight: 0.3},
		{Name: "task_generation", Weight: 0.5},
		{Name: "validation", Weight: 0.2},
	},
	PhaseOrchestration: {
		{Name: "schedule_generation", Weight: 0.5},
		{Name: "agent_assignment", Weight: 0.5},
	},
	PhaseExecution: {
		{Name: "dispatch", Weight: 0.2},
		{Name: "running", Weight: 0.6},
		{Name: "verification", Weight: 0.2},
	},
}

// SubPhaseExecution is the runtime state of one sub-phase.
type SubPhaseExecution struct {
	Name      string     `json:"name"`
	Weight    float64    `json:"weight"`
	State     State      `json:"state"`
	Progress  int        `json:"progress"` // 0..100
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
}

// PhaseExecutionState is the runtime state of one phase.
type PhaseExecutionState struct {
	Phase     Phase               `json:"phase"`
	State     State               `json:"state"`
	Progress  int                 `json:"progress"` // 0..100
	StartTime *time.Time          `json:"start_time,omitempty"`
	EndTime   *time.Time          `json:"end_time,omitempty"`
	SubPhases []SubPhaseExecution `json:"sub_phases,omitempty"`
}

// TransitionRecord is one entry of the append-only audit log.
type TransitionRecord struct {
	ID        string    `json:"id"`
	FromPhase Phase     `json:"from_phase"`
	FromState State     `json:"from_state"`
	ToPhase   Phase     `json:"to_phase"`
	ToState   State     `json:"to_state"`
	At        time.Time `json:"at"`
	Reason    string    `json:"reason,omitempty"`
}

// SnapshotVersion is the persisted schema version.
const SnapshotVersion = 1

// Snapshot is the serializable, reloadable record of a workflow.
type Snapshot struct {
	WorkflowID      string                    `json:"workflow_id"`
	SessionID       string                    `json:"session_id,omitempty"`
	ProjectID       string                    `json:"project_id,omitempty"`
	CurrentPhase    Phase                     `json:"current_phase"`
	CurrentState    State                     `json:"current_state"`
	OverallProgress int                       `json:"overall_progress"`
	StartTime       time.Time                 `json:"start_time"`
	EndTime         *time.Time                `json:"end_time,omitempty"`
	Phases          map[Phase]*PhaseExecutionState `json:"phases"`
	Transitions     []TransitionRecord        `json:"transitions"`
	Metadata        map[string]string         `json:"metadata,omitempty"`
	PersistedAt     time.Time                 `json:"persisted_at"`
	Version         int                       `json:"version"`
}

// Clone returns a deep copy safe to hand to callers.
func (s *Snapshot) Clone() *Snapshot {
	cp := *s
	cp.Phases = make(map[Phase]*PhaseExecutionState, len(s.Phases))
	for p, pe := range s.Phases {
		pec := *pe
		pec.SubPhases = append([]SubPhaseExecution(nil), pe.SubPhases...)
		cp.Phases[p] = &pec
	}
	cp.Transitions = append([]TransitionRecord(nil), s.Transitions...)
	if s.Metadata != nil {
		cp.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// Event is published to listeners on every applied transition.
type Event struct {
	WorkflowID      string    `json:"workflow_id"`
	FromPhase       Phase     `json:"from_phase"`
	FromState       State     `json:"from_state"`
	ToPhase         Phase     `json:"to_phase"`
	ToState         State     `json:"to_state"`
	OverallProgress int       `json:"overall_progress"`
	At              time.Time `json:"at"`
}
