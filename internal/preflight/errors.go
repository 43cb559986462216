package preflight

import (
	"fmt"
	"strings"

	"branchguard/internal/errclass"
	"branchguard/internal/target"
)

type Violation struct {
	Target target.Target
	Reason Reason
}

// ProtectedBranchError lists every protected target of a run.
type ProtectedBranchError struct {
	Violations []Violation
}

func (e *ProtectedBranchError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, fmt.Sprintf("%s (%s)", v.Target, v.Reason))
	}
	return fmt.Sprintf("%s: %d protected target(s): %s", errclass.ErrProtectedBranch.Code, len(e.Violations), strings.Join(parts, ", "))
}

func (e *ProtectedBranchError) Unwrap() error {
	return errclass.ErrProtectedBranch
}

// MissingBranchError lists every target whose branch does not exist.
type MissingBranchError struct {
	Targets []target.Target
}

func (e *MissingBranchError) Error() string {
	return fmt.Sprintf("%s: %d missing target(s): %s", errclass.ErrMissingBranch.Code, len(e.Targets), target.Join(e.Targets))
}

func (e *MissingBranchError) Unwrap() error {
	return errclass.ErrMissingBranch
}
