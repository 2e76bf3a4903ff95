// Package generation orchestrates one prompt's life: retrieval, provider
// selection with silent fallback, normalization, cancellation and the
// idempotent replay cache.
package generation

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/loreweave/loreweave/core"
	"github.com/loreweave/loreweave/normalize"
	"github.com/loreweave/loreweave/obs"
	"github.com/loreweave/loreweave/retrieval"
	"github.com/loreweave/loreweave/selector"
	"github.com/loreweave/loreweave/session"
)

const defaultStreamBuffer = 64

// ContextSource supplies retrieved documents for a prompt. Retrieval failures
// degrade to generation without context; they never fail the prompt.
type ContextSource interface {
	Retrieve(ctx context.Context, text string) ([]retrieval.Document, error)
}

// Request is one generation call.
type Request struct {
	SessionID      string
	Text           string
	IdempotencyKey string
}

// Service ties the session manager, the provider selector, and the optional
// retriever into the Generate and Cancel operations.
type Service struct {
	sessions  *session.Manager
	selector  *selector.Selector
	retriever ContextSource
	logger    *slog.Logger

	model       string
	system      string
	maxTokens   int
	temperature float64

	suppressDuplicates bool
	buffer             int
}

// Option configures a Service.
type Option func(*Service)

// WithRetriever attaches the generation context source.
func WithRetriever(r ContextSource) Option {
	return func(s *Service) { s.retriever = r }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithModel sets the model requested from providers.
func WithModel(model string) Option {
	return func(s *Service) { s.model = model }
}

// WithSystemPrompt sets the system prompt sent with every generation.
func WithSystemPrompt(system string) Option {
	return func(s *Service) { s.system = system }
}

// WithMaxTokens caps the generation length.
func WithMaxTokens(n int) Option {
	return func(s *Service) { s.maxTokens = n }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(s *Service) { s.temperature = t }
}

// WithDuplicateSuppression toggles the consecutive-duplicate heuristic applied
// during normalization.
func WithDuplicateSuppression(enabled bool) Option {
	return func(s *Service) { s.suppressDuplicates = enabled }
}

// New builds a Service over the provided session manager and selector.
func New(sessions *session.Manager, sel *selector.Selector, opts ...Option) *Service {
	s := &Service{
		sessions:           sessions,
		selector:           sel,
		logger:             slog.Default(),
		suppressDuplicates: true,
		buffer:             defaultStreamBuffer,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Generate starts (or joins) a generation for the prompt text and returns the
// normalized delta stream. A request carrying an idempotency key already seen
// in the session joins the original invocation: in-flight followers wait for
// the leader's terminal and then replay the identical sequence, and late
// arrivals replay from the cache. Exactly one provider invocation happens per
// key regardless of how many callers hold it.
func (s *Service) Generate(ctx context.Context, req Request) (session.Prompt, *core.DeltaStream, error) {
	if strings.TrimSpace(req.Text) == "" {
		return session.Prompt{}, nil, core.NewError(core.ErrInvalidRequest, "prompt text is required", core.WithStatus(400))
	}

	prompt, result, leader, err := s.sessions.CreateOrGetPrompt(req.SessionID, req.Text, req.IdempotencyKey)
	if err != nil {
		return session.Prompt{}, nil, err
	}

	if !leader {
		out := core.NewDeltaStream(ctx, s.buffer)
		go func() {
			deltas, err := result.Wait(ctx)
			if err != nil {
				out.CloseWithError(err)
				return
			}
			for _, d := range deltas {
				out.Push(d)
			}
			_ = out.Close()
		}()
		return prompt, out, nil
	}

	reqCtx, cancel := context.WithCancel(ctx)
	s.sessions.RegisterCancel(prompt.ID, cancel)
	out := core.NewDeltaStream(ctx, s.buffer)
	go s.run(reqCtx, cancel, prompt, out)
	return prompt, out, nil
}

// Cancel aborts an in-flight prompt. The stream terminates with a single done
// delta flagged cancelled; cancelling an already-terminal prompt acknowledges
// without effect.
func (s *Service) Cancel(sessionID, promptID string) error {
	return s.sessions.Cancel(sessionID, promptID)
}

// run executes the leader's generation end to end. Every path terminates the
// stream, records the full sequence for replay, and moves the prompt to a
// terminal status.
func (s *Service) run(ctx context.Context, cancel context.CancelFunc, prompt session.Prompt, out *core.DeltaStream) {
	defer cancel()

	ctx, span := obs.Tracer().Start(ctx, "generation.run",
		trace.WithAttributes(attribute.String("prompt_id", prompt.ID)))
	defer span.End()

	norm := normalize.New(prompt.ID, normalize.WithDuplicateSuppression(s.suppressDuplicates))
	var collected []core.Delta
	emit := func(deltas []core.Delta) {
		for _, d := range deltas {
			collected = append(collected, d)
			out.Push(d)
		}
	}
	finish := func(status session.PromptStatus) {
		s.sessions.CompletePrompt(prompt.ID, status, collected, norm.Tokens())
		_ = out.Close()
	}

	req := core.Request{
		Model:       s.model,
		Prompt:      prompt.Text,
		System:      s.system,
		MaxTokens:   s.maxTokens,
		Temperature: s.temperature,
	}
	if s.retriever != nil {
		docs, err := s.retriever.Retrieve(ctx, prompt.Text)
		if err != nil {
			if ctx.Err() != nil {
				emit(norm.Cancel())
				finish(session.PromptCancelled)
				return
			}
			s.logger.Warn("retrieval failed, generating without context",
				"prompt_id", prompt.ID, "error", err)
		}
		for _, d := range docs {
			req.Context = append(req.Context, core.ContextDocument{
				ID: d.ID, Title: d.Title, Content: d.Content, Score: d.Score,
			})
		}
	}

	raw, provider, err := s.selector.Stream(ctx, req)
	if err != nil {
		if ctx.Err() != nil || core.IsCancelled(err) {
			emit(norm.Cancel())
			finish(session.PromptCancelled)
			return
		}
		code := core.CodeOf(err)
		emit(norm.Fail(code, publicMessage(code)))
		obs.RecordError(string(code), "")
		finish(session.PromptFailed)
		return
	}

	name := provider.Name()
	span.SetAttributes(attribute.String("provider", name))
	s.sessions.MarkStreaming(prompt.ID)
	obs.RecordRequest(name)
	s.logger.Info("generation streaming", "prompt_id", prompt.ID, "provider", name)

	start := time.Now()
	sawFirst := false
	for chunk := range raw.Chunks() {
		if chunk.Finish {
			emit(norm.Finish(map[string]any{"provider": name}))
			break
		}
		if chunk.Text == "" {
			continue
		}
		deltas := norm.Feed(chunk.Text)
		if !sawFirst && len(deltas) > 0 && deltas[0].Type == core.DeltaToken {
			sawFirst = true
			obs.RecordFirstToken(time.Since(start), name)
		}
		emit(deltas)
		if norm.Finished() {
			// Normalization fault mid-stream: abort the provider call, the
			// terminal deltas are already out.
			cancel()
			break
		}
	}

	if !norm.Finished() {
		// The provider channel closed without a terminal chunk.
		err := raw.Err()
		switch {
		case ctx.Err() != nil || core.IsCancelled(err):
			emit(norm.Cancel())
		case err != nil:
			code := core.CodeOf(err)
			s.logger.Error("provider stream failed",
				"prompt_id", prompt.ID, "provider", name, "error", err)
			emit(norm.Fail(code, publicMessage(code)))
		default:
			s.logger.Error("provider stream ended without completion",
				"prompt_id", prompt.ID, "provider", name)
			emit(norm.Fail(core.ErrProviderError, publicMessage(core.ErrProviderError)))
		}
	}

	status := statusOf(collected)
	switch status {
	case session.PromptCompleted:
		s.selector.ReportSuccess(name)
		obs.RecordGeneration(norm.Tokens(), time.Since(start), name)
	case session.PromptFailed:
		s.selector.ReportFailure(name)
		obs.RecordError(string(errorCode(collected)), name)
	case session.PromptCancelled:
		// Not a verdict on the provider, but a half-open probe slot the call
		// was holding has to come back or the provider stays out of rotation.
		s.selector.ReportCancelled(name)
	}
	finish(status)
}

// statusOf derives the terminal prompt status from the emitted sequence.
func statusOf(deltas []core.Delta) session.PromptStatus {
	for _, d := range deltas {
		switch d.Type {
		case core.DeltaError:
			return session.PromptFailed
		case core.DeltaDone:
			if cancelled, ok := d.Metadata["cancelled"].(bool); ok && cancelled {
				return session.PromptCancelled
			}
		}
	}
	return session.PromptCompleted
}

// errorCode extracts the taxonomy code from an emitted error delta.
func errorCode(deltas []core.Delta) core.ErrorCode {
	for _, d := range deltas {
		if d.Type != core.DeltaError {
			continue
		}
		if code, ok := d.Metadata["code"].(string); ok {
			return core.ErrorCode(code)
		}
	}
	return core.ErrProviderError
}

// publicMessage maps a taxonomy code to the message surfaced on the wire.
// Vendor error details stay in the logs.
func publicMessage(code core.ErrorCode) string {
	switch code {
	case core.ErrProviderTimeout:
		return "provider stalled mid-stream"
	case core.ErrProviderUnavailable:
		return "no provider available"
	case core.ErrEncoding:
		return "malformed provider output"
	case core.ErrCancelled:
		return "generation cancelled"
	default:
		return "provider stream failed"
	}
}
