package upstream

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// TraceEntry is one upstream exchange written as a single NDJSON line.
//
// Message contents are never recorded; only sizes, status and the provider
// body on failure.
type TraceEntry struct {
	Timestamp    time.Time       `json:"timestamp"`
	Driver       string          `json:"driver"`
	Endpoint     string          `json:"endpoint"`
	Model        string          `json:"model,omitempty"`
	RequestBytes int             `json:"request_bytes"`
	StatusCode   int             `json:"status_code,omitempty"`
	Response     json.RawMessage `json:"response,omitempty"`
	Error        string          `json:"error,omitempty"`
	DurationMs   int64           `json:"duration_ms"`
}

// Tracer appends trace entries to a writer. A nil *Tracer discards everything.
type Tracer struct {
	mu sync.Mutex
	w  io.Writer
	c  io.Closer
}

// NewTracer returns a tracer writing to w.
func NewTracer(w io.Writer) *Tracer {
	t := &Tracer{w: w}
	if c, ok := w.(io.Closer); ok {
		t.c = c
	}
	return t
}

// OpenTracer appends traces to the file at path, creating it if needed.
func OpenTracer(path string) (*Tracer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	return NewTracer(f), nil
}

// Record writes entry if tracing is enabled.
func (t *Tracer) Record(entry TraceEntry) {
	if t == nil || t.w == nil {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	data = append(data, '\n')

	t.mu.Lock()
	defer t.mu.Unlock()
	_, _ = t.w.Write(data)
}

// Close releases the underlying file, if any.
func (t *Tracer) Close() error {
	if t == nil || t.c == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.c.Close()
}
