package engine

import (
	"errors"
	"fmt"
	"net/http"

	"branchguard/internal/errclass"
	"branchguard/internal/output"
	"branchguard/internal/target"
)

// Exit codes.
const (
	ExitOK         = 0
	ExitViolations = 1
	ExitHalted     = 2
	ExitFatal      = 3
)

// RemoteRejectionError is a delete or restore the remote did not accept.
// Code is the HTTP status of a delete, zero for a refused push.
type RemoteRejectionError struct {
	Target  target.Target
	Code    int
	Outcome string
	Err     error
}

func (e *RemoteRejectionError) Error() string {
	msg := fmt.Sprintf("%s: %s: %s", errclass.ErrRemoteRejection.Code, e.Target, e.Outcome)
	if e.Code != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.Code)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RemoteRejectionError) Unwrap() []error {
	if e.Err == nil {
		return []error{errclass.ErrRemoteRejection}
	}
	return []error{errclass.ErrRemoteRejection, e.Err}
}

// HaltedError marks a failure after execution began. Everything attempted up
// to and including the failing target has been recorded.
type HaltedError struct {
	Stage string
	Err   error
}

func (e *HaltedError) Error() string {
	return fmt.Sprintf("execution halted during %s: %v", e.Stage, e.Err)
}

func (e *HaltedError) Unwrap() error {
	return e.Err
}

func halt(stage string, err error) error {
	return &HaltedError{Stage: stage, Err: err}
}

// ExitCode maps a run error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var halted *HaltedError
	if errors.As(err, &halted) {
		return ExitHalted
	}
	switch errclass.Classify(err) {
	case errclass.ErrProtectedBranch, errclass.ErrMissingBranch:
		return ExitViolations
	case errclass.ErrBackupVerification, errclass.ErrBackupMissing, errclass.ErrRemoteRejection:
		return ExitHalted
	default:
		return ExitFatal
	}
}

// deleteOutcome maps a ref delete response to its audit status.
func deleteOutcome(code int) string {
	switch code {
	case http.StatusNoContent:
		return output.StatusDeleted
	case http.StatusNotFound:
		return output.StatusNotFound
	case http.StatusForbidden:
		return output.StatusPermissionDenied
	case http.StatusUnprocessableEntity:
		return output.StatusRejectedByRemote
	default:
		return output.StatusUnexpectedRemote
	}
}
