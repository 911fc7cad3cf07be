package main

import (
	"fmt"
	"sync"
)

// MachineState is a state of the debate phase state machine: the six phases
// plus Initializing, Paused, Completed and Error.
type MachineState string

const (
	StateInitializing MachineState = "initializing"
	StatePaused       MachineState = "paused"
	StateCompleted    MachineState = "completed"
	StateError        MachineState = "error"
)

// PhaseStateMachine enforces forward-only phase progression:
// Initializing -> P1, P_n -> P_(n+1) only, any state <-> Paused,
// any state -> Error. Completed and Error are terminal.
type PhaseStateMachine struct {
	mu       sync.Mutex
	state    MachineState
	resumeTo MachineState
}

// NewPhaseStateMachine returns a machine in the Initializing state.
func NewPhaseStateMachine() *PhaseStateMachine {
	return &PhaseStateMachine{state: StateInitializing}
}

// Current returns the current machine state.
func (m *PhaseStateMachine) Current() MachineState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CurrentPhase returns the active phase, false when the machine is not in a
// phase state (initializing, paused, completed, error).
func (m *PhaseStateMachine) CurrentPhase() (Phase, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if PhaseIndex(Phase(m.state)) >= 0 {
		return Phase(m.state), true
	}
	return "", false
}

// Advance moves the machine one step forward: Initializing to the first
// phase, or phase n to phase n+1. Any other transition is rejected.
func (m *PhaseStateMachine) Advance() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateInitializing:
		m.state = MachineState(DebatePhases[0])
		return nil
	case StatePaused:
		return fmt.Errorf("cannot advance while paused")
	case StateCompleted, StateError:
		return fmt.Errorf("cannot advance from terminal state %q", m.state)
	}

	idx := PhaseIndex(Phase(m.state))
	if idx < 0 {
		return fmt.Errorf("cannot advance from state %q", m.state)
	}
	if idx == len(DebatePhases)-1 {
		return fmt.Errorf("cannot advance past final phase %q", m.state)
	}
	m.state = MachineState(DebatePhases[idx+1])
	return nil
}

// Pause moves to Paused, remembering the state to resume into. Pausing a
// terminal machine is rejected; pausing twice is a no-op.
func (m *PhaseStateMachine) Pause() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StatePaused:
		return nil
	case StateCompleted, StateError:
		return fmt.Errorf("cannot pause terminal state %q", m.state)
	}
	m.resumeTo = m.state
	m.state = StatePaused
	return nil
}

// Resume returns from Paused to the state active when Pause was called.
func (m *PhaseStateMachine) Resume() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StatePaused {
		return fmt.Errorf("cannot resume from state %q", m.state)
	}
	m.state = m.resumeTo
	m.resumeTo = ""
	return nil
}

// Complete moves to the terminal Completed state. Only valid from the final
// phase.
func (m *PhaseStateMachine) Complete() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != MachineState(DebatePhases[len(DebatePhases)-1]) {
		return fmt.Errorf("cannot complete from state %q", m.state)
	}
	m.state = StateCompleted
	return nil
}

// Fail moves to the terminal Error state. Allowed from any non-terminal
// state; failing twice is a no-op.
func (m *PhaseStateMachine) Fail() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateCompleted {
		return
	}
	m.state = StateError
}
