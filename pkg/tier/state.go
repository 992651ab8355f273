package tier

import (
	"errors"
	"fmt"
	"sync"
)

// State is the lifecycle state of an agent
type State int

const (
	// StateInit is the state before startup has run
	StateInit State = iota
	// StateAwaitingGraph means the agent has no graph and has asked its
	// parent for one. Events are buffered.
	StateAwaitingGraph
	// StateReady means the agent holds a graph and is idle
	StateReady
	// StateProcessing means the agent is handling an event or escalation
	StateProcessing
	// StateDegraded means local state is unusable. Events escalate
	// immediately until an operator calls Recover.
	StateDegraded
)

// String returns the state name used in logs, metrics and health output
func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateAwaitingGraph:
		return "AWAITING_GRAPH"
	case StateReady:
		return "READY"
	case StateProcessing:
		return "PROCESSING"
	case StateDegraded:
		return "DEGRADED"
	default:
		return "UNKNOWN"
	}
}

var (
	ErrIllegalTransition = errors.New("illegal state transition")
	ErrNotDegraded       = errors.New("agent is not degraded")
)

// transitions lists the states reachable from each state. DEGRADED has no
// entry: only Recover leaves it.
var transitions = map[State][]State{
	StateInit:          {StateAwaitingGraph, StateReady, StateDegraded},
	StateAwaitingGraph: {StateReady, StateDegraded},
	StateReady:         {StateProcessing, StateDegraded},
	StateProcessing:    {StateReady, StateDegraded},
}

// StateMachine guards an agent's state. It is safe for concurrent use;
// health checks read it from other goroutines.
type StateMachine struct {
	mu       sync.Mutex
	state    State
	onChange func(from, to State)
}

// NewStateMachine starts in INIT. onChange, if set, is called with the
// lock held after every change.
func NewStateMachine(onChange func(from, to State)) *StateMachine {
	return &StateMachine{state: StateInit, onChange: onChange}
}

// Current returns the current state
func (m *StateMachine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition moves to next if the table allows it
func (m *StateMachine) Transition(next State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, allowed := range transitions[m.state] {
		if allowed == next {
			m.set(next)
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, m.state, next)
}

// Recover leaves DEGRADED for READY or AWAITING_GRAPH
func (m *StateMachine) Recover(next State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateDegraded {
		return ErrNotDegraded
	}
	if next != StateReady && next != StateAwaitingGraph {
		return fmt.Errorf("%w: recover to %s", ErrIllegalTransition, next)
	}
	m.set(next)
	return nil
}

func (m *StateMachine) set(next State) {
	from := m.state
	m.state = next
	if m.onChange != nil {
		m.onChange(from, next)
	}
}
