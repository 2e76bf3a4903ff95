// Package testutil provides deterministic fakes for exercising the
// generation pipeline without real model runtimes.
package testutil

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loreweave/loreweave/core"
	"github.com/loreweave/loreweave/retrieval"
)

// ScriptedProvider is a configurable core.Provider for tests. It emits the
// configured chunks, then either finishes, stalls, or fails, and counts every
// invocation.
type ScriptedProvider struct {
	ProviderName string
	Chunks       []string
	ChunkDelay   time.Duration

	// Available gates IsAvailable; defaults to true via NewScriptedProvider.
	Available atomic.Bool

	// PreStreamErr, when set, is returned by Stream before any chunk flows.
	PreStreamErr error
	// MidStreamErr, when set, fails the stream after the chunks are emitted
	// instead of finishing.
	MidStreamErr error
	// Stall, when positive, suspends the stream after the chunks are emitted
	// until the context is cancelled or the duration elapses, then finishes.
	Stall time.Duration

	streamCalls atomic.Int32
	probeCalls  atomic.Int32
}

// NewScriptedProvider builds an available provider that streams chunks and
// finishes.
func NewScriptedProvider(name string, chunks ...string) *ScriptedProvider {
	p := &ScriptedProvider{ProviderName: name, Chunks: chunks}
	p.Available.Store(true)
	return p
}

// Name implements core.Provider.
func (p *ScriptedProvider) Name() string { return p.ProviderName }

// IsAvailable implements core.Provider.
func (p *ScriptedProvider) IsAvailable(ctx context.Context) bool {
	p.probeCalls.Add(1)
	return p.Available.Load()
}

// Stream implements core.Provider.
func (p *ScriptedProvider) Stream(ctx context.Context, req core.Request) (*core.RawStream, error) {
	if p.PreStreamErr != nil {
		return nil, p.PreStreamErr
	}
	p.streamCalls.Add(1)

	stream := core.NewRawStream(ctx, len(p.Chunks)+2)
	go func() {
		for _, chunk := range p.Chunks {
			if p.ChunkDelay > 0 {
				select {
				case <-time.After(p.ChunkDelay):
				case <-ctx.Done():
					stream.Fail(core.NewError(core.ErrCancelled, "stream cancelled", core.WithWrapped(ctx.Err())))
					return
				}
			}
			stream.Push(core.RawDelta{Text: chunk, Role: "assistant"})
		}
		if p.MidStreamErr != nil {
			stream.Fail(p.MidStreamErr)
			return
		}
		if p.Stall > 0 {
			select {
			case <-ctx.Done():
				stream.Fail(core.NewError(core.ErrCancelled, "stream cancelled", core.WithWrapped(ctx.Err())))
				return
			case <-time.After(p.Stall):
			}
		}
		stream.Push(core.RawDelta{Finish: true})
		_ = stream.Close()
	}()
	return stream, nil
}

// StreamCalls returns how many times Stream was invoked past the pre-stream
// gate.
func (p *ScriptedProvider) StreamCalls() int {
	return int(p.streamCalls.Load())
}

// ProbeCalls returns how many times IsAvailable was invoked.
func (p *ScriptedProvider) ProbeCalls() int {
	return int(p.probeCalls.Load())
}

// FakeRetriever returns a fixed document set for every query.
type FakeRetriever struct {
	mu    sync.Mutex
	Docs  []retrieval.Document
	Err   error
	calls int
}

// Retrieve implements the generation context source boundary.
func (f *FakeRetriever) Retrieve(ctx context.Context, text string) ([]retrieval.Document, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	return f.Docs, nil
}

// Calls returns how many times Retrieve was invoked.
func (f *FakeRetriever) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
