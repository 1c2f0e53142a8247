// Package lifecycle defines the instance state machine. It is the single
// authority for legal states and transitions; the stores layer refuses status
// updates this package rejects.
package lifecycle

import (
	"github.com/fabriziosalmi/proximity-sub006/pkg/faults"
)

// State represents the lifecycle state of an instance.
type State string

const (
	StateDeploying State = "deploying"
	StateCloning   State = "cloning"
	StateUpdating  State = "updating"
	StateRunning   State = "running"
	StateStopped   State = "stopped"
	StateRestoring State = "restoring"
	StateRemoving  State = "removing"
	StateError     State = "error"
)

// Operation names the asynchronous job kinds the orchestrator executes.
type Operation string

const (
	OpDeploy        Operation = "deploy"
	OpStart         Operation = "start"
	OpStop          Operation = "stop"
	OpRestart       Operation = "restart"
	OpClone         Operation = "clone"
	OpDelete        Operation = "delete"
	OpAdopt         Operation = "adopt"
	OpUpdate        Operation = "update"
	OpBackup        Operation = "backup"
	OpRestoreBackup Operation = "restoreBackup"
	OpDeleteBackup  Operation = "deleteBackup"
)

// Valid reports whether s is a defined state.
func (s State) Valid() bool {
	switch s {
	case StateDeploying, StateCloning, StateUpdating, StateRunning,
		StateStopped, StateRestoring, StateRemoving, StateError:
		return true
	}
	return false
}

// Transitional reports whether s is a transitional state that must be exited
// by the job that entered it. Instances left transitional are the janitor's
// business.
func (s State) Transitional() bool {
	switch s {
	case StateDeploying, StateCloning, StateUpdating, StateRestoring, StateRemoving:
		return true
	}
	return false
}

// Stable reports whether s is a stable terminal state.
func (s State) Stable() bool {
	return s == StateRunning || s == StateStopped
}

// transitions maps each state to the set of states reachable from it.
// Record deletion (terminal for removal) is not a state and is handled by the
// stores layer. error is terminal-but-recoverable: a new job re-enters a
// transitional state from it.
var transitions = map[State][]State{
	StateDeploying: {StateRunning, StateStopped, StateError, StateRemoving},
	StateCloning:   {StateRunning, StateStopped, StateError, StateRemoving},
	StateUpdating:  {StateRunning, StateError, StateRemoving},
	StateRestoring: {StateRunning, StateStopped, StateError, StateRemoving},
	StateRemoving:  {StateError},
	StateRunning:   {StateUpdating, StateRestoring, StateRemoving, StateStopped, StateError},
	StateStopped:   {StateUpdating, StateRestoring, StateRemoving, StateRunning, StateError},
	StateError:     {StateDeploying, StateCloning, StateUpdating, StateRestoring, StateRemoving},
}

// CanTransition reports whether moving from one state to another is legal.
func CanTransition(from, to State) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates a state change, returning a validation fault for
// illegal moves.
func Transition(from, to State) error {
	if CanTransition(from, to) {
		return nil
	}
	return faults.Validation("illegal state transition "+string(from)+" -> "+string(to), nil)
}

// InitialFor returns the transitional state an instance enters when a job of
// the given kind is accepted, or false when the operation does not move the
// instance into a transitional state on acceptance.
func InitialFor(op Operation) (State, bool) {
	switch op {
	case OpDeploy, OpAdopt:
		return StateDeploying, true
	case OpClone:
		return StateCloning, true
	case OpUpdate:
		return StateUpdating, true
	case OpRestoreBackup:
		return StateRestoring, true
	case OpDelete:
		return StateRemoving, true
	}
	return "", false
}
