package engine

import (
	"fmt"
	"sync"
)

// RunState is one phase of a reconciliation run.
type RunState string

const (
	StateIdle            RunState = "idle"
	StateInspecting      RunState = "inspecting"
	StateDeltaComputed   RunState = "delta_computed"
	StateSnapshotCreated RunState = "snapshot_created"
	StateApplying        RunState = "applying"
	StateValidating      RunState = "validating"
	StateCommitted       RunState = "committed"
	StateRollingBack     RunState = "rolling_back"
	StateRolledBack      RunState = "rolled_back"
	StateRollbackFailed  RunState = "rollback_failed"
)

// validTransitions encodes the run state machine. A new run may only start
// from idle, committed, or rolled_back; rollback_failed is terminal and
// fatal.
var validTransitions = map[RunState][]RunState{
	StateIdle:            {StateInspecting},
	StateInspecting:      {StateDeltaComputed},
	StateDeltaComputed:   {StateSnapshotCreated, StateCommitted},
	StateSnapshotCreated: {StateApplying},
	StateApplying:        {StateValidating, StateRollingBack},
	StateValidating:      {StateCommitted, StateRollingBack},
	StateRollingBack:     {StateRolledBack, StateRollbackFailed},
	StateCommitted:       {StateInspecting},
	StateRolledBack:      {StateInspecting},
	StateRollbackFailed:  {},
}

// RunTracker enforces the run state machine for one installation root
// within a process. Cross-process exclusion is the lock's job; this guards
// against a caller reusing an engine mid-run.
type RunTracker struct {
	mu    sync.Mutex
	state RunState
}

// NewRunTracker returns a tracker in the idle state.
func NewRunTracker() *RunTracker {
	return &RunTracker{state: StateIdle}
}

// State returns the current state.
func (t *RunTracker) State() RunState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Transition moves to the next state, or fails when the move is not in the
// state machine.
func (t *RunTracker) Transition(next RunState) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, allowed := range validTransitions[t.state] {
		if allowed == next {
			t.state = next
			return nil
		}
	}
	return fmt.Errorf("invalid run state transition %s -> %s", t.state, next)
}

// Reset returns the tracker to idle. Used when a run fails before any
// mutation began.
func (t *RunTracker) Reset() {
	t.mu.Lock()
	t.state = StateIdle
	t.mu.Unlock()
}

// CanStart reports whether a new run may begin.
func (t *RunTracker) CanStart() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case StateIdle, StateCommitted, StateRolledBack:
		return true
	}
	return false
}
