package output

import (
	"bufio"
	"io"
	"strings"
	"testing"
	"time"
)

func readOneLine(t *testing.T, pr *io.PipeReader) (<-chan string, <-chan error) {
	t.Helper()
	lineCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		r := bufio.NewReader(pr)
		line, err := r.ReadString('\n')
		if err != nil {
			errCh <- err
			return
		}
		lineCh <- line
	}()
	return lineCh, errCh
}

func TestEmitSink_NDJSON_FlushesPerWrite(t *testing.T) {
	pr, pw := io.Pipe()
	defer pr.Close()
	defer pw.Close()

	bw := bufio.NewWriterSize(pw, 64*1024)
	s, err := NewEmitSink(bw, "ndjson")
	if err != nil {
		t.Fatalf("NewEmitSink returned error: %v", err)
	}

	lineCh, errCh := readOneLine(t, pr)
	if err := s.Write(Event{Type: EventRunStarted, RunID: "run-1"}); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}

	select {
	case line := <-lineCh:
		if !strings.Contains(line, "\"type\":\"run.started\"") {
			t.Fatalf("expected run.started event, got %q", line)
		}
	case err := <-errCh:
		t.Fatalf("read error: %v", err)
	case <-time.After(250 * time.Millisecond):
		t.Fatalf("timed out waiting for ndjson line; writer likely not flushing")
	}
}

func TestConsoleSink_NDJSON_FlushesPerWrite(t *testing.T) {
	pr, pw := io.Pipe()
	defer pr.Close()
	defer pw.Close()

	bw := bufio.NewWriterSize(pw, 64*1024)
	s := NewConsoleSink(bw, "ndjson")

	lineCh, errCh := readOneLine(t, pr)
	if err := s.Write(AuditRecord{RunID: "run-1", Repository: "org/repo", Branch: "feature/x", Action: ActionDelete, Status: StatusDeleted, RemoteStatusCode: 204}); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}

	select {
	case line := <-lineCh:
		for _, want := range []string{"\"type\":\"target.result\"", "\"repo\":\"org/repo\"", "\"status\":\"DELETED\"", "\"remote_status_code\":204"} {
			if !strings.Contains(line, want) {
				t.Fatalf("expected %s in event, got %q", want, line)
			}
		}
	case err := <-errCh:
		t.Fatalf("read error: %v", err)
	case <-time.After(250 * time.Millisecond):
		t.Fatalf("timed out waiting for ndjson line; writer likely not flushing")
	}
}
