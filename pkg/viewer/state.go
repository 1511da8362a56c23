package viewer

import (
	"fmt"

	"mriviewer/pkg/errdefs"
)

// State is the lifecycle state of a viewer.
type State int

const (
	Idle State = iota
	Initializing
	Ready
	Error
	// Destroyed is terminal
	Destroyed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Error:
		return "error"
	case Destroyed:
		return "destroyed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// settled reports whether a viewer in s is waiting on the host, not on setup.
func (s State) settled() bool {
	return s == Ready || s == Error || s == Destroyed
}

// Status is the viewer state shown by the host UI.
type Status struct {
	State        State
	ErrorKind    errdefs.Kind
	ErrorMessage string
}

func (s Status) String() string {
	if s.State == Error {
		return fmt.Sprintf("%s (%s: %s)", s.State, s.ErrorKind, s.ErrorMessage)
	}
	return s.State.String()
}

// Step names one setup step.
type Step int

const (
	StepSurface Step = iota + 1
	StepTools
	StepStack
	StepOverlay
)

func (s Step) String() string {
	switch s {
	case StepSurface:
		return "surface"
	case StepTools:
		return "tools"
	case StepStack:
		return "stack"
	case StepOverlay:
		return "overlay"
	}
	return fmt.Sprintf("Step(%d)", int(s))
}
