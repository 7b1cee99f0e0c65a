// Package workerproto implements the protocol a worker runs against the run
// directory: claim a task, execute it, verify it, commit it, report the
// outcome, repeat.
package workerproto

import "fmt"

// State is the worker protocol state machine position.
type State string

const (
	StateStarting   State = "starting"
	StateReady      State = "ready"
	StateClaiming   State = "claiming"
	StateExecuting  State = "executing"
	StateVerifying  State = "verifying"
	StateCommitting State = "committing"
	StateStopped    State = "stopped"
	// StateCrashed is reachable only by external detection; a worker never
	// reports itself crashed.
	StateCrashed State = "crashed"
)

var validProtoTransitions = map[State]map[State]bool{
	StateStarting: {
		StateReady:   true,
		StateStopped: true,
	},
	StateReady: {
		StateClaiming: true,
		StateStopped:  true,
	},
	StateClaiming: {
		StateExecuting: true,
		StateReady:     true, // no eligible task → idle
		StateStopped:   true,
	},
	StateExecuting: {
		StateVerifying: true,
		StateStopped:   true,
	},
	StateVerifying: {
		StateCommitting: true,
		StateReady:      true, // verification failed → report and loop
		StateStopped:    true,
	},
	StateCommitting: {
		StateReady:   true,
		StateStopped: true,
	},
}

// Machine tracks and validates the protocol position.
type Machine struct {
	state State
}

func NewMachine() *Machine {
	return &Machine{state: StateStarting}
}

func (m *Machine) State() State { return m.state }

// Transition moves to the next state, rejecting anything the protocol does
// not allow.
func (m *Machine) Transition(to State) error {
	if to == StateCrashed {
		return fmt.Errorf("crashed is externally detected, not self-reported")
	}
	if m.state == StateStopped || m.state == StateCrashed {
		return fmt.Errorf("worker protocol is terminal in %q", m.state)
	}
	allowed := validProtoTransitions[m.state]
	if !allowed[to] {
		return fmt.Errorf("invalid protocol transition: %q → %q", m.state, to)
	}
	m.state = to
	return nil
}
