// Package telemetry implements the append-only NDJSON run-event
// fallback file: one JSON object per line, written only when a sink is
// configured for file output. It is deliberately small; telemetry
// export proper belongs to external collaborators, and this is just
// the file-sink boundary the engine owns.
package telemetry

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/visor-run/visor/internal/dispatcher"
)

// Entry is one line of the NDJSON file.
type Entry struct {
	At      time.Time          `json:"at"`
	Kind    dispatcher.EventKind `json:"kind"`
	CheckID string             `json:"checkId,omitempty"`
	Scope   string             `json:"scope,omitempty"`
	Message string             `json:"message,omitempty"`
}

// FileSink appends one JSON object per line to a file, safe for
// concurrent use from multiple dispatcher event callbacks.
type FileSink struct {
	mu sync.Mutex
	f  *os.File
	enc *json.Encoder
}

// NewFileSink opens path for an append-only NDJSON stream, creating it
// if needed; existing content is kept.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("telemetry: open %s: %w", path, err)
	}
	return &FileSink{f: f, enc: json.NewEncoder(f)}, nil
}

// Sink returns a dispatcher.EventSink that appends every event as one
// NDJSON line. Encoding errors are swallowed; telemetry must never
// fail or slow down a run.
func (s *FileSink) Sink() dispatcher.EventSink {
	return func(ev dispatcher.Event) {
		s.mu.Lock()
		defer s.mu.Unlock()
		_ = s.enc.Encode(Entry{
			At:      ev.At,
			Kind:    ev.Kind,
			CheckID: ev.CheckID,
			Scope:   string(ev.Scope),
			Message: ev.Message,
		})
	}
}

// Close flushes and closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}
