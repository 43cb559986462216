package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
)

// ConsoleSink prints run progress for an operator ("text") or streams
// events ("ndjson").
type ConsoleSink struct {
	writer io.Writer
	format string // "text", "ndjson"
	mu     sync.Mutex

	ok, warn, bad, faint *color.Color
}

func NewConsoleSink(w io.Writer, format string) *ConsoleSink {
	if w == nil {
		w = os.Stdout
	}
	if format == "" {
		format = "text"
	}
	return &ConsoleSink{
		writer: w,
		format: format,
		ok:     color.New(color.FgGreen, color.Bold),
		warn:   color.New(color.FgYellow, color.Bold),
		bad:    color.New(color.FgRed, color.Bold),
		faint:  color.New(color.Faint),
	}
}

func (s *ConsoleSink) Write(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.format {
	case "ndjson":
		encoder := json.NewEncoder(s.writer)
		switch t := v.(type) {
		case Event:
			if err := encoder.Encode(t); err != nil {
				return err
			}
		case AuditRecord:
			if err := encoder.Encode(eventFromRecord(t)); err != nil {
				return err
			}
		default:
			return nil
		}
		return flushIfPossible(s.writer)
	case "text":
		var line string
		switch t := v.(type) {
		case AuditRecord:
			line = s.recordLine(t)
		case Event:
			line = s.eventLine(t)
		}
		if line == "" {
			return nil
		}
		if _, err := fmt.Fprintln(s.writer, line); err != nil {
			return err
		}
		return flushIfPossible(s.writer)
	default:
		return fmt.Errorf("unsupported console format: %s", s.format)
	}
}

func (s *ConsoleSink) recordLine(r AuditRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-8s %s:%s", s.statusColor(r.Status).Sprintf("[%s]", r.Status), r.Action, r.Repository, r.Branch)
	if r.RemoteStatusCode != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", r.RemoteStatusCode)
	}
	if r.BackupPath != "" {
		b.WriteString(s.faint.Sprintf(" backup=%s", r.BackupPath))
	}
	return b.String()
}

func (s *ConsoleSink) eventLine(e Event) string {
	switch e.Type {
	case EventRunStarted:
		return s.faint.Sprintf("run %s: %s, %d target(s)", e.RunID, e.Mode, e.Targets)
	case EventPreflightFinished:
		if e.Violations > 0 {
			return s.warn.Sprintf("pre-flight: %d violation(s)", e.Violations)
		}
		return s.faint.Sprint("pre-flight: all targets eligible")
	case EventApprovalGranted:
		return s.ok.Sprintf("approved by %s (%s)", e.Approver, e.SubMode)
	case EventRunFinished:
		code := 0
		if e.ExitCode != nil {
			code = *e.ExitCode
		}
		if code == 0 {
			return s.ok.Sprint("run finished")
		}
		msg := fmt.Sprintf("run finished with exit code %d", code)
		if e.Error != "" {
			msg += ": " + e.Error
		}
		return s.bad.Sprint(msg)
	default:
		return ""
	}
}

func (s *ConsoleSink) statusColor(status string) *color.Color {
	switch {
	case status == StatusValid, status == StatusBackedUp, status == StatusDeleted, status == StatusRestored:
		return s.ok
	case status == StatusMissing, strings.HasPrefix(status, "PROTECTED_"):
		return s.warn
	default:
		return s.bad
	}
}

func (s *ConsoleSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.format != "text" && s.format != "ndjson" {
		return fmt.Errorf("unsupported console format: %s", s.format)
	}
	return nil
}
