package output

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/jedib0t/go-pretty/v6/table"
)

// SummarySink renders a Markdown run summary on Close, suitable for a CI job
// summary or a change ticket.
type SummarySink struct {
	path string
	mu   sync.Mutex

	runID    string
	mode     string
	targets  int
	approver string
	subMode  string
	exitCode int
	finished bool
	errMsg   string
	records  []AuditRecord
}

func NewSummarySink(path string) (*SummarySink, error) {
	if path == "" {
		return nil, fmt.Errorf("summary path required")
	}
	return &SummarySink{path: path}, nil
}

func (s *SummarySink) Write(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch t := v.(type) {
	case AuditRecord:
		s.records = append(s.records, t)
	case Event:
		switch t.Type {
		case EventRunStarted:
			s.runID, s.mode, s.targets = t.RunID, t.Mode, t.Targets
		case EventApprovalGranted:
			s.approver, s.subMode = t.Approver, t.SubMode
		case EventRunFinished:
			s.finished = true
			if t.ExitCode != nil {
				s.exitCode = *t.ExitCode
			}
			s.errMsg = t.Error
		}
	}
	return nil
}

func (s *SummarySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create summary directory: %w", err)
		}
	}
	f, err := os.Create(s.path)
	if err != nil {
		return fmt.Errorf("failed to create summary: %w", err)
	}
	if err := s.render(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (s *SummarySink) render(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "# branchguard %s run\n\n", s.mode)
	fmt.Fprintf(&b, "- Run ID: `%s`\n", s.runID)
	fmt.Fprintf(&b, "- Targets: %d\n", s.targets)
	if s.approver != "" {
		fmt.Fprintf(&b, "- Approved by: %s (%s)\n", s.approver, s.subMode)
	}
	switch {
	case !s.finished:
		b.WriteString("- Outcome: interrupted\n")
	case s.exitCode == 0:
		b.WriteString("- Outcome: success\n")
	default:
		fmt.Fprintf(&b, "- Outcome: exit code %d\n", s.exitCode)
	}
	if s.errMsg != "" {
		fmt.Fprintf(&b, "- Error: %s\n", s.errMsg)
	}

	if len(s.records) > 0 {
		counts := map[string]int{}
		for _, r := range s.records {
			counts[r.Action+" "+r.Status]++
		}
		keys := make([]string, 0, len(counts))
		for k := range counts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\n## Totals\n\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %d\n", k, counts[k])
		}

		b.WriteString("\n## Results\n\n")
		tw := table.NewWriter()
		tw.AppendHeader(table.Row{"Repository", "Branch", "Action", "Status", "HTTP", "Backup"})
		for _, r := range s.records {
			code := ""
			if r.RemoteStatusCode != 0 {
				code = fmt.Sprint(r.RemoteStatusCode)
			}
			tw.AppendRow(table.Row{r.Repository, r.Branch, r.Action, r.Status, code, r.BackupPath})
		}
		b.WriteString(tw.RenderMarkdown())
		b.WriteString("\n")
	}

	_, err := io.WriteString(w, b.String())
	return err
}
