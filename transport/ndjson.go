// Package transport delivers normalized delta streams to clients. Every
// transport carries the same Delta JSON; ordering and terminal semantics are
// fixed upstream, so writers here only move bytes.
package transport

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/loreweave/loreweave/core"
)

// NDJSON streams deltas as newline-delimited JSON, flushing after every line.
func NDJSON(w http.ResponseWriter, s *core.DeltaStream) error {
	if w != nil {
		headers := w.Header()
		headers.Set("Content-Type", "application/x-ndjson")
		headers.Set("Cache-Control", "no-cache")
	}
	writer := NewNDJSONWriter(w)
	for delta := range s.Deltas() {
		if err := writer.Write(delta); err != nil {
			return err
		}
	}
	return s.Err()
}

// NDJSONWriter serialises deltas to newline-delimited JSON.
type NDJSONWriter struct {
	mu      sync.Mutex
	encoder *json.Encoder
	w       http.ResponseWriter
}

// NewNDJSONWriter builds a writer for NDJSON payloads.
func NewNDJSONWriter(w http.ResponseWriter) *NDJSONWriter {
	return &NDJSONWriter{
		encoder: json.NewEncoder(w),
		w:       w,
	}
}

// Write emits the provided delta as a JSON line.
func (w *NDJSONWriter) Write(delta core.Delta) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.encoder.Encode(delta); err != nil {
		return err
	}
	if flusher, ok := w.w.(http.Flusher); ok {
		flusher.Flush()
	}
	return nil
}
