package lifecycle

import (
	"testing"

	"github.com/fabriziosalmi/proximity-sub006/pkg/faults"
)

func TestStateValid(t *testing.T) {
	for _, s := range []State{StateDeploying, StateCloning, StateUpdating, StateRunning,
		StateStopped, StateRestoring, StateRemoving, StateError} {
		if !s.Valid() {
			t.Errorf("state %s should be valid", s)
		}
	}
	if State("exploded").Valid() {
		t.Error("unknown state should not be valid")
	}
}

func TestTransitionalAndStable(t *testing.T) {
	transitional := []State{StateDeploying, StateCloning, StateUpdating, StateRestoring, StateRemoving}
	for _, s := range transitional {
		if !s.Transitional() {
			t.Errorf("state %s should be transitional", s)
		}
		if s.Stable() {
			t.Errorf("state %s should not be stable", s)
		}
	}

	for _, s := range []State{StateRunning, StateStopped} {
		if !s.Stable() {
			t.Errorf("state %s should be stable", s)
		}
		if s.Transitional() {
			t.Errorf("state %s should not be transitional", s)
		}
	}

	if StateError.Stable() || StateError.Transitional() {
		t.Error("error is neither stable nor transitional")
	}
}

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to State }{
		{StateDeploying, StateRunning},
		{StateDeploying, StateError},
		{StateCloning, StateRunning},
		{StateRunning, StateStopped},
		{StateStopped, StateRunning},
		{StateRunning, StateRemoving},
		{StateError, StateRemoving},
		{StateError, StateDeploying},
		{StateStopped, StateRestoring},
		{StateRestoring, StateRunning},
	}
	for _, tt := range allowed {
		if !CanTransition(tt.from, tt.to) {
			t.Errorf("transition %s -> %s should be allowed", tt.from, tt.to)
		}
	}

	denied := []struct{ from, to State }{
		{StateRunning, StateDeploying},
		{StateStopped, StateCloning},
		{StateRemoving, StateRunning},
		{StateDeploying, StateUpdating},
		{StateError, StateRunning},
		{StateError, StateStopped},
	}
	for _, tt := range denied {
		if CanTransition(tt.from, tt.to) {
			t.Errorf("transition %s -> %s should be denied", tt.from, tt.to)
		}
	}
}

func TestTransitionFault(t *testing.T) {
	if err := Transition(StateRunning, StateStopped); err != nil {
		t.Errorf("legal transition returned error: %v", err)
	}

	err := Transition(StateRemoving, StateRunning)
	if err == nil {
		t.Fatal("illegal transition should return an error")
	}
	if !faults.IsValidation(err) {
		t.Errorf("illegal transition should be a validation fault, got %v", faults.ClassOf(err))
	}
}

func TestInitialFor(t *testing.T) {
	tests := []struct {
		op   Operation
		want State
		ok   bool
	}{
		{OpDeploy, StateDeploying, true},
		{OpAdopt, StateDeploying, true},
		{OpClone, StateCloning, true},
		{OpUpdate, StateUpdating, true},
		{OpRestoreBackup, StateRestoring, true},
		{OpDelete, StateRemoving, true},
		{OpStart, "", false},
		{OpStop, "", false},
		{OpRestart, "", false},
		{OpBackup, "", false},
		{OpDeleteBackup, "", false},
	}

	for _, tt := range tests {
		got, ok := InitialFor(tt.op)
		if got != tt.want || ok != tt.ok {
			t.Errorf("InitialFor(%s) = (%s, %v), want (%s, %v)", tt.op, got, ok, tt.want, tt.ok)
		}
	}
}
