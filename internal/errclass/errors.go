// Package errclass defines the stable, machine-readable error classes
// branchguard reports. Structured errors elsewhere in the module match these
// classes through errors.Is.
package errclass

import (
	"errors"
	"fmt"
)

// GuardError is a stable error class with an optional run-specific message.
type GuardError struct {
	Code    string
	Message string
}

func (e *GuardError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches any GuardError with the same Code.
func (e *GuardError) Is(target error) bool {
	t, ok := target.(*GuardError)
	return ok && e.Code == t.Code
}

// WithMessage returns a new GuardError with the same Code and a specific message.
func (e *GuardError) WithMessage(msg string) *GuardError {
	return &GuardError{Code: e.Code, Message: msg}
}

// WithMessagef returns a new GuardError with a formatted message.
func (e *GuardError) WithMessagef(format string, args ...any) *GuardError {
	return &GuardError{Code: e.Code, Message: fmt.Sprintf(format, args...)}
}

var (
	ErrInvalidInput       = &GuardError{Code: "E_INVALID_INPUT"}
	ErrProtectedBranch    = &GuardError{Code: "E_PROTECTED_BRANCH"}
	ErrMissingBranch      = &GuardError{Code: "E_MISSING_BRANCH"}
	ErrRemoteUnavailable  = &GuardError{Code: "E_REMOTE_UNAVAILABLE"}
	ErrApprovalDenied     = &GuardError{Code: "E_APPROVAL_DENIED_OR_TIMED_OUT"}
	ErrBackupVerification = &GuardError{Code: "E_BACKUP_VERIFICATION"}
	ErrBackupMissing      = &GuardError{Code: "E_BACKUP_MISSING"}
	ErrRemoteRejection    = &GuardError{Code: "E_REMOTE_REJECTION"}
)

// All lists every class in reporting precedence order.
var All = []*GuardError{
	ErrInvalidInput,
	ErrRemoteUnavailable,
	ErrApprovalDenied,
	ErrProtectedBranch,
	ErrMissingBranch,
	ErrBackupVerification,
	ErrBackupMissing,
	ErrRemoteRejection,
}

// Classify returns the first class in All that err matches, or nil.
func Classify(err error) *GuardError {
	if err == nil {
		return nil
	}
	for _, c := range All {
		if errors.Is(err, c) {
			return c
		}
	}
	return nil
}
