package core

import (
	"context"
	"errors"
	"sync"
)

// ErrStreamClosed indicates the stream has already been closed.
var ErrStreamClosed = errors.New("stream closed")

// DeltaStream is the lazy, cancellable sequence of normalized deltas handed to
// a caller of Generate. The producer suspends between emissions; the consumer
// pulls one delta at a time from Deltas(). Cancellation travels through the
// stream context and is checked at every suspension point.
type DeltaStream struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	deltas chan Delta
	err    error
	closed bool
}

// NewDeltaStream constructs a DeltaStream with the provided buffer size.
func NewDeltaStream(ctx context.Context, buffer int) *DeltaStream {
	if buffer <= 0 {
		buffer = 16
	}
	c, cancel := context.WithCancel(ctx)
	return &DeltaStream{
		ctx:    c,
		cancel: cancel,
		deltas: make(chan Delta, buffer),
	}
}

// Push appends a delta to the stream. It is safe to call from multiple
// goroutines and becomes a no-op once the stream is closed.
func (s *DeltaStream) Push(delta Delta) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return
	}
	select {
	case s.deltas <- delta:
	case <-s.ctx.Done():
	}
}

// Close closes the delta channel and cancels the stream context.
func (s *DeltaStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	s.closed = true
	close(s.deltas)
	s.cancel()
	return nil
}

// CloseWithError records a terminal error and closes the stream.
func (s *DeltaStream) CloseWithError(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	_ = s.Close()
}

// Deltas returns a read-only channel of deltas.
func (s *DeltaStream) Deltas() <-chan Delta {
	return s.deltas
}

// Err returns the terminal error, if any.
func (s *DeltaStream) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Context exposes the stream context for cooperative producers.
func (s *DeltaStream) Context() context.Context {
	return s.ctx
}

// ReplayStream builds an already-terminated stream that emits the cached
// deltas verbatim. Used for idempotent replays; no provider is involved.
func ReplayStream(ctx context.Context, deltas []Delta) *DeltaStream {
	s := NewDeltaStream(ctx, len(deltas)+1)
	go func() {
		defer s.Close()
		for _, d := range deltas {
			s.Push(d)
		}
	}()
	return s
}

// Collect drains a stream into a slice. Intended for tests and replay capture.
func Collect(s *DeltaStream) []Delta {
	out := make([]Delta, 0, 8)
	for d := range s.Deltas() {
		out = append(out, d)
	}
	return out
}
