package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/eunomia-project/eunomia/internal/observability"
)

// Sink receives audit events. Implementations must be safe for concurrent
// use.
type Sink interface {
	Log(ctx context.Context, event Event) error
}

// stampIdentity fills the op id and actor from the invocation context when
// the event does not carry them already.
func stampIdentity(ctx context.Context, event *Event) {
	if event.OpID == "" {
		event.OpID = observability.OpID(ctx)
	}
	if event.Actor == "" {
		event.Actor = observability.Actor(ctx)
	}
}

// NopSink discards events.
type NopSink struct{}

// Log discards the event.
func (NopSink) Log(context.Context, Event) error { return nil }

// MemorySink collects events for tests and status queries.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// Log appends the event.
func (s *MemorySink) Log(ctx context.Context, event Event) error {
	stampIdentity(ctx, &event)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Events returns a snapshot of collected events.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// ByKind returns collected events of one kind.
func (s *MemorySink) ByKind(kind Kind) []Event {
	var out []Event
	for _, e := range s.Events() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// JSONLSink appends events as JSON lines to a writer.
type JSONLSink struct {
	mu     sync.Mutex
	writer io.Writer
	closer io.Closer
}

// NewJSONLSink opens (or appends to) a JSONL audit log file.
func NewJSONLSink(path string) (*JSONLSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &JSONLSink{writer: f, closer: f}, nil
}

// NewJSONLSinkWriter wraps an arbitrary writer.
func NewJSONLSinkWriter(w io.Writer) *JSONLSink {
	return &JSONLSink{writer: w}
}

// Log writes one JSON line per event.
func (s *JSONLSink) Log(ctx context.Context, event Event) error {
	stampIdentity(ctx, &event)
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.writer.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// Close closes the underlying file, if any.
func (s *JSONLSink) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
