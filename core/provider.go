package core

import "context"

// Provider is the capability set implemented by all model adapters. Adapters
// translate vendor streaming wire formats into the internal raw delta shape;
// new vendors plug in without touching the orchestrator.
type Provider interface {
	// Name identifies the provider for selection ordering, circuit breaking
	// and metrics attribution.
	Name() string
	// IsAvailable performs a cheap reachability probe. It must honour ctx and
	// return promptly.
	IsAvailable(ctx context.Context) bool
	// Stream opens a vendor streaming call. An error return indicates a
	// pre-stream (connectivity) fault eligible for silent fallback; faults
	// after a successful return surface on the RawStream instead.
	Stream(ctx context.Context, req Request) (*RawStream, error)
}

// Request carries everything an adapter needs to build a vendor call.
type Request struct {
	Model       string
	Prompt      string
	System      string
	Context     []ContextDocument
	MaxTokens   int
	Temperature float64
}

// ContextDocument is a retrieved document injected into the generation prompt.
type ContextDocument struct {
	ID      string
	Title   string
	Content string
	Score   float64
}

// RawDelta is the unnormalized chunk shape produced by provider adapters. Raw
// chunks may duplicate, split multi-byte characters, or carry no text at all;
// the normalizer turns them into the canonical delta sequence.
type RawDelta struct {
	Text   string
	Role   string
	Finish bool
}
