package output

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"branchguard/internal/fslock"
)

// AuditSink appends AuditRecords to a CSV report. The header is written when
// the sink is created on an empty file, so even a run that aborts during
// validation leaves a well-formed report. Every row is flushed and synced to
// disk before Write returns.
type AuditSink struct {
	path string
	file *os.File
	mu   sync.Mutex
	rows int
}

func NewAuditSink(path string) (*AuditSink, error) {
	if path == "" {
		return nil, fmt.Errorf("audit report path required")
	}

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create audit directory: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit report: %w", err)
	}

	s := &AuditSink{path: path, file: f}
	err = fslock.Hold(f, func() error {
		info, err := f.Stat()
		if err != nil {
			return err
		}
		if info.Size() > 0 {
			return nil
		}
		return s.appendLocked(AuditHeader)
	})
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to write audit header: %w", err)
	}
	return s, nil
}

func (s *AuditSink) Path() string {
	return s.path
}

// Rows is the number of records this sink has written.
func (s *AuditSink) Rows() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows
}

func (s *AuditSink) Write(v any) error {
	r, ok := v.(AuditRecord)
	if !ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return fmt.Errorf("audit report %s is closed", s.path)
	}
	err := fslock.Hold(s.file, func() error {
		return s.appendLocked(r.Row())
	})
	if err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	s.rows++
	return nil
}

// appendLocked writes one CSV line and syncs it. Callers hold the file lock.
func (s *AuditSink) appendLocked(row []string) error {
	w := csv.NewWriter(s.file)
	if err := w.Write(row); err != nil {
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return s.file.Sync()
}

func (s *AuditSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
