package output

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// RunDocument is the --emit json payload: one object per run, written when
// the run closes.
type RunDocument struct {
	RunID      string        `json:"run_id"`
	Mode       string        `json:"mode"`
	Targets    int           `json:"targets"`
	Violations int           `json:"violations"`
	Approver   string        `json:"approved_by,omitempty"`
	SubMode    string        `json:"sub_mode,omitempty"`
	ExitCode   *int          `json:"exit_code,omitempty"`
	Error      string        `json:"error,omitempty"`
	Records    []AuditRecord `json:"records"`
}

// EmitSink writes a machine-readable copy of the run to a stream.
//
// Formats:
//   - json: folds events and records into a RunDocument, encoded on Close
//   - ndjson: streams Event values (one JSON object per line)
type EmitSink struct {
	writer io.Writer
	format string // "json" | "ndjson"
	mu     sync.Mutex
	doc    RunDocument
}

func NewEmitSink(w io.Writer, format string) (*EmitSink, error) {
	if w == nil {
		return nil, fmt.Errorf("emit sink writer must not be nil")
	}
	if format != "json" && format != "ndjson" {
		return nil, fmt.Errorf("unsupported emit format: %s", format)
	}
	return &EmitSink{writer: w, format: format, doc: RunDocument{Records: []AuditRecord{}}}, nil
}

func (s *EmitSink) Write(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.format == "json" {
		s.fold(v)
		return nil
	}

	var e Event
	switch t := v.(type) {
	case Event:
		e = t
	case AuditRecord:
		e = eventFromRecord(t)
	default:
		return nil
	}
	if err := json.NewEncoder(s.writer).Encode(e); err != nil {
		return err
	}
	return flushIfPossible(s.writer)
}

func (s *EmitSink) fold(v any) {
	switch t := v.(type) {
	case AuditRecord:
		s.doc.Records = append(s.doc.Records, t)
	case Event:
		switch t.Type {
		case EventRunStarted:
			s.doc.RunID, s.doc.Mode, s.doc.Targets = t.RunID, t.Mode, t.Targets
		case EventPreflightFinished:
			s.doc.Violations = t.Violations
		case EventApprovalGranted:
			s.doc.Approver, s.doc.SubMode = t.Approver, t.SubMode
		case EventRunFinished:
			s.doc.ExitCode, s.doc.Error = t.ExitCode, t.Error
		}
	}
}

func (s *EmitSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.format != "json" {
		return nil
	}
	encoder := json.NewEncoder(s.writer)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(s.doc); err != nil {
		return err
	}
	return flushIfPossible(s.writer)
}
