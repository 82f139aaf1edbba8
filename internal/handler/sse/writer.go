package sse

import (
	"errors"
	"fmt"
	"net/http"
	"sync"

	"tollgate/internal/domain/models/llm"
)

// ErrStreamingUnsupported is returned when the ResponseWriter cannot flush
var ErrStreamingUnsupported = errors.New("streaming unsupported")

// Writer serializes stream events and keep-alive comments onto one response.
// Safe for concurrent use by the event loop and the keep-alive goroutine.
type Writer struct {
	mu       sync.Mutex
	w        http.ResponseWriter
	flusher  http.Flusher
	eventIDs bool
	nextID   int
}

var _ KeepAliveWriter = (*Writer)(nil)

// NewWriter sets the SSE headers and writes the status line.
// The extra headers are set before the status is written.
func NewWriter(w http.ResponseWriter, cfg *Config, headers map[string]string) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no") // Disable nginx buffering
	for k, v := range headers {
		h.Set(k, v)
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &Writer{w: w, flusher: flusher, eventIDs: cfg != nil && cfg.EventIDs}, nil
}

// WriteEvent writes one event frame and flushes it
func (s *Writer) WriteEvent(event llm.StreamEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.eventIDs {
		s.nextID++
		if _, err := fmt.Fprintf(s.w, "id: %d\n", s.nextID); err != nil {
			return fmt.Errorf("write event id: %w", err)
		}
	}

	data := event.Data
	if len(data) == 0 {
		data = []byte("{}")
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	s.flusher.Flush()
	return nil
}

// WriteKeepAlive writes an SSE comment (": keepalive") and flushes
func (s *Writer) WriteKeepAlive() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := fmt.Fprint(s.w, ": keepalive\n\n"); err != nil {
		return fmt.Errorf("write keepalive failed: %w", err)
	}
	s.flusher.Flush()
	return nil
}
