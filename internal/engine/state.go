package engine

import (
	"fmt"

	"branchguard/internal/target"
)

// State is the execution state of one target.
type State int

const (
	StatePending State = iota
	StateExecuting
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateExecuting:
		return "EXECUTING"
	case StateSucceeded:
		return "SUCCEEDED"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// step tracks one target through PENDING, EXECUTING and a terminal state.
type step struct {
	target target.Target
	state  State
}

func newStep(t target.Target) *step {
	return &step{target: t, state: StatePending}
}

func (s *step) advance(to State) error {
	ok := false
	switch s.state {
	case StatePending:
		ok = to == StateExecuting
	case StateExecuting:
		ok = to.Terminal()
	}
	if !ok {
		return fmt.Errorf("%s: illegal transition %s -> %s", s.target, s.state, to)
	}
	s.state = to
	return nil
}
