package transport

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/loreweave/loreweave/core"
)

const defaultSSEBuffer = 16 * 1024

// SSE streams a delta stream to an HTTP response writer using Server-Sent
// Events. The payload of each event is the same Delta JSON the other
// transports carry.
func SSE(w http.ResponseWriter, s *core.DeltaStream) error {
	if w != nil {
		headers := w.Header()
		headers.Set("Content-Type", "text/event-stream")
		headers.Set("Cache-Control", "no-cache")
		headers.Set("X-Accel-Buffering", "no")
	}

	writer := NewSSEWriter(w)
	defer writer.Close()

	for delta := range s.Deltas() {
		if err := writer.Write(delta); err != nil {
			return err
		}
		if err := writer.Flush(); err != nil {
			return err
		}
	}
	return s.Err()
}

// SSEWriter emits deltas using text/event-stream framing.
type SSEWriter struct {
	mu     sync.Mutex
	writer *bufio.Writer
	w      http.ResponseWriter
}

// NewSSEWriter constructs a writer for the provided response writer.
func NewSSEWriter(w http.ResponseWriter) *SSEWriter {
	return &SSEWriter{
		writer: bufio.NewWriterSize(w, defaultSSEBuffer),
		w:      w,
	}
}

// Write encodes and emits a single delta.
func (s *SSEWriter) Write(delta core.Delta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := json.Marshal(delta)
	if err != nil {
		return fmt.Errorf("encode delta: %w", err)
	}

	if _, err := s.writer.WriteString("data: "); err != nil {
		return err
	}
	if _, err := s.writer.Write(payload); err != nil {
		return err
	}
	if _, err := s.writer.WriteString("\n\n"); err != nil {
		return err
	}
	return nil
}

// Flush flushes the buffered writer and underlying ResponseWriter if possible.
func (s *SSEWriter) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writer.Flush(); err != nil {
		return err
	}
	if flusher, ok := s.w.(http.Flusher); ok {
		flusher.Flush()
	}
	return nil
}

// Close flushes buffers. It is safe to call multiple times.
func (s *SSEWriter) Close() error {
	if s == nil {
		return nil
	}
	if err := s.Flush(); err != nil && !errors.Is(err, http.ErrBodyNotAllowed) {
		return err
	}
	return nil
}
