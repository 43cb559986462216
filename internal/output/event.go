package output

import (
	"strconv"
	"time"
)

// Audit actions.
const (
	ActionValidate = "VALIDATE"
	ActionBackup   = "BACKUP"
	ActionDelete   = "DELETE"
	ActionBackout  = "BACKOUT"
)

// Audit statuses. Validation statuses for protected targets are
// "PROTECTED_" followed by the protection reason.
const (
	StatusValid        = "VALID"
	StatusMissing      = "MISSING"
	StatusUnverified   = "UNVERIFIED"
	StatusBackedUp     = "BACKED_UP"
	StatusBackupFailed = "BACKUP_FAILED"

	StatusDeleted          = "DELETED"
	StatusNotFound         = "NOT_FOUND"
	StatusPermissionDenied = "PERMISSION_DENIED"
	StatusRejectedByRemote = "REJECTED_BY_REMOTE"
	StatusUnexpectedRemote = "UNEXPECTED_REMOTE_ERROR"

	StatusRestored      = "RESTORED"
	StatusBackupMissing = "BACKUP_MISSING"
	StatusPushRejected  = "PUSH_REJECTED"
	StatusRestoreFailed = "RESTORE_FAILED"
)

// AuditHeader is the first line of every audit report.
var AuditHeader = []string{"Timestamp", "RunId", "ApprovedBy", "Repo", "Branch", "Action", "Status", "RemoteStatusCode", "BackupPath"}

// AuditRecord is one attempted action against one target.
type AuditRecord struct {
	Timestamp        time.Time `json:"timestamp"`
	RunID            string    `json:"run_id"`
	Approver         string    `json:"approved_by,omitempty"`
	Repository       string    `json:"repo"`
	Branch           string    `json:"branch"`
	Action           string    `json:"action"`
	Status           string    `json:"status"`
	RemoteStatusCode int       `json:"remote_status_code,omitempty"`
	BackupPath       string    `json:"backup_path,omitempty"`
}

// Row renders the record in AuditHeader column order.
func (r AuditRecord) Row() []string {
	code := ""
	if r.RemoteStatusCode != 0 {
		code = strconv.Itoa(r.RemoteStatusCode)
	}
	return []string{
		r.Timestamp.UTC().Format(time.RFC3339),
		r.RunID,
		r.Approver,
		r.Repository,
		r.Branch,
		r.Action,
		r.Status,
		code,
		r.BackupPath,
	}
}

// Lifecycle event types.
const (
	EventRunStarted        = "run.started"
	EventPreflightFinished = "preflight.finished"
	EventApprovalGranted   = "approval.granted"
	EventTargetResult      = "target.result"
	EventRunFinished       = "run.finished"
)

// Event is a lifecycle record for NDJSON streaming output.
//
// target.result events embed the AuditRecord; the others carry run-level
// fields only.
type Event struct {
	Type  string `json:"type"`
	RunID string `json:"run_id,omitempty"`
	Mode  string `json:"mode,omitempty"`
	*AuditRecord
	Targets    int    `json:"targets,omitempty"`
	Violations int    `json:"violations,omitempty"`
	Approver   string `json:"approver,omitempty"`
	SubMode    string `json:"sub_mode,omitempty"`
	ExitCode   *int   `json:"exit_code,omitempty"`
	Error      string `json:"error,omitempty"`
}

// FinishedEvent builds the closing run.finished event.
func FinishedEvent(runID string, exitCode int, err error) Event {
	e := Event{Type: EventRunFinished, RunID: runID, ExitCode: &exitCode}
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

func eventFromRecord(r AuditRecord) Event {
	return Event{Type: EventTargetResult, RunID: r.RunID, AuditRecord: &r}
}
