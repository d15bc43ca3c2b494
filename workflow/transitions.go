package workflow

import (
	"errors"

	"github.com/swarmguard/taskman/fault"
)

// ErrInvalidTransition is wrapped by faults for transitions outside the table.
var ErrInvalidTransition = errors.New("invalid transition")

type edge struct {
	fromPhase Phase
	fromState State
	toPhase   Phase
	toState   State
}

// validTransitions enumerates every legal (phase,state) move statically.
var validTransitions = buildTransitionTable()

func buildTransitionTable() map[edge]bool {
	table := make(map[edge]bool)
	add := func(fp Phase, fs State, tp Phase, ts State) {
		table[edge{fp, fs, tp, ts}] = true
	}

	for _, p := range phaseOrder {
		if terminal(p) && p != PhaseCompleted {
			continue
		}
		// In-phase state machine.
		add(p, StatePending, p, StateInProgress)
		add(p, StatePending, p, StateBlocked)
		add(p, StatePending, p, StateCancelled)
		add(p, StateInProgress, p, StateCompleted)
		add(p, StateInProgress, p, StateFailed)
		add(p, StateInProgress, p, StateCancelled)
		add(p, StateInProgress, p, StateRetrying)
		add(p, StateInProgress, p, StateBlocked)
		add(p, StateBlocked, p, StateInProgress)
		add(p, StateBlocked, p, StateFailed)
		add(p, StateBlocked, p, StateCancelled)
		add(p, StateRetrying, p, StateInProgress)
		add(p, StateRetrying, p, StateFailed)
		add(p, StateRetrying, p, StateCancelled)

		if next := nextPhase(p); next != "" {
			// Completing a non-terminal phase advances to the next phase.
			add(p, StateCompleted, next, StatePending)
		}
		if p != PhaseCompleted {
			// Failure and cancellation escalate to the terminal phases.
			add(p, StateFailed, PhaseFailed, StateFailed)
			add(p, StateCancelled, PhaseCancelled, StateCancelled)
		}
	}
	return table
}

// validateTransition checks membership in the static table.
func validateTransition(fromPhase Phase, fromState State, toPhase Phase, toState State) error {
	if validTransitions[edge{fromPhase, fromState, toPhase, toState}] {
		return nil
	}
	return fault.Wrap(fault.KindInvariant, component, "transition", ErrInvalidTransition).
		With("from", string(fromPhase)+":"+string(fromState)).
		With("to", string(toPhase)+":"+string(toState))
}

// IsValidTransition reports whether the move is in the table. Exposed for
// audit verification.
func IsValidTransition(fromPhase Phase, fromState State, toPhase Phase, toState State) bool {
	return validTransitions[edge{fromPhase, fromState, toPhase, toState}]
}
