package output

import "io"

// flushIfPossible pushes buffered output through when w buffers (a
// bufio.Writer, an http.Flusher adapter), so a consumer tailing a pipe sees
// each NDJSON line as the target it describes finishes.
func flushIfPossible(w io.Writer) error {
	if f, ok := w.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}
