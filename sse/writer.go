// Package sse writes Server-Sent Events.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// Writer sends Server-Sent Events to an http.ResponseWriter. It is safe
// for concurrent use, so a keep-alive ticker may share it with the event
// loop.
type Writer struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	err     error
}

// NewWriter commits the event-stream headers. It returns nil if the
// ResponseWriter cannot flush.
func NewWriter(w http.ResponseWriter) *Writer {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &Writer{w: w, flusher: flusher}
}

// Send writes a named event with JSON data. After the first failed write
// every call returns that error.
func (s *Writer) Send(event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal SSE data: %w", err)
	}
	return s.write(fmt.Sprintf("event: %s\ndata: %s\n\n", event, payload))
}

// Comment writes an SSE comment, used for keep-alive pings.
func (s *Writer) Comment(text string) error {
	return s.write(": " + text + "\n\n")
}

func (s *Writer) write(frame string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if _, err := fmt.Fprint(s.w, frame); err != nil {
		s.err = err
		return err
	}
	s.flusher.Flush()
	return nil
}
