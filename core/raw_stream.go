package core

import (
	"context"
	"sync"
)

// RawStream carries unnormalized provider chunks from an adapter goroutine to
// the orchestrator. A stream ends either by a Finish chunk, by Fail, or by
// context cancellation; adapters must always close it.
type RawStream struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	chunks chan RawDelta
	err    error
	closed bool
}

// NewRawStream constructs a RawStream with the provided buffer size.
func NewRawStream(ctx context.Context, buffer int) *RawStream {
	if buffer <= 0 {
		buffer = 16
	}
	c, cancel := context.WithCancel(ctx)
	return &RawStream{
		ctx:    c,
		cancel: cancel,
		chunks: make(chan RawDelta, buffer),
	}
}

// Push appends a chunk. Safe for concurrent use; no-op after close.
func (s *RawStream) Push(chunk RawDelta) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return
	}
	select {
	case s.chunks <- chunk:
	case <-s.ctx.Done():
	}
}

// Close closes the chunk channel and cancels the stream context.
func (s *RawStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	s.closed = true
	close(s.chunks)
	s.cancel()
	return nil
}

// Fail records a terminal fault and closes the stream. The first fault wins.
func (s *RawStream) Fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	_ = s.Close()
}

// Chunks returns a read-only channel of raw chunks.
func (s *RawStream) Chunks() <-chan RawDelta {
	return s.chunks
}

// Err returns the terminal fault, if any. Valid after Chunks is drained.
func (s *RawStream) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}
