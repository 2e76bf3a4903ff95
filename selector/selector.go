// Package selector chooses among an ordered list of model providers, skipping
// providers whose circuit is open or whose reachability probe fails.
package selector

import (
	"context"
	"log/slog"
	"time"

	"github.com/loreweave/loreweave/core"
)

// ProviderHealth is a point-in-time snapshot of one provider's circuit.
type ProviderHealth struct {
	Name                string    `json:"name"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	CircuitOpenUntil    time.Time `json:"circuitOpenUntil,omitempty"`
}

// Selector holds the ordered provider list and per-provider breakers.
type Selector struct {
	providers []core.Provider
	breakers  map[string]*breaker

	threshold int
	cooldown  time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Selector.
type Option func(*Selector)

// WithFailureThreshold sets the consecutive-failure count that opens a
// circuit.
func WithFailureThreshold(n int) Option {
	return func(s *Selector) {
		if n > 0 {
			s.threshold = n
		}
	}
}

// WithCooldown sets the window an open circuit is skipped for.
func WithCooldown(d time.Duration) Option {
	return func(s *Selector) {
		if d > 0 {
			s.cooldown = d
		}
	}
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Selector) { s.now = now }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Selector) { s.logger = logger }
}

// New constructs a Selector over providers in fallback order.
func New(providers []core.Provider, opts ...Option) *Selector {
	s := &Selector{
		providers: providers,
		breakers:  make(map[string]*breaker, len(providers)),
		threshold: 3,
		cooldown:  30 * time.Second,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, p := range providers {
		s.breakers[p.Name()] = &breaker{}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Allow reports whether the provider's circuit admits a call right now. A
// half-open circuit admits exactly one caller.
func (s *Selector) Allow(name string) bool {
	b, ok := s.breakers[name]
	if !ok {
		return false
	}
	return b.allow(s.now())
}

// Stream walks the fallback order and opens a raw stream on the first
// provider that admits the call. Circuit-open providers are skipped; failed
// availability probes and pre-stream errors feed the breaker and fall through
// silently to the next provider.
func (s *Selector) Stream(ctx context.Context, req core.Request) (*core.RawStream, core.Provider, error) {
	for _, p := range s.providers {
		if ctx.Err() != nil {
			return nil, nil, core.NewError(core.ErrCancelled, "selection cancelled", core.WithWrapped(ctx.Err()))
		}
		name := p.Name()
		if !s.Allow(name) {
			continue
		}
		if !p.IsAvailable(ctx) {
			s.ReportFailure(name)
			continue
		}
		raw, err := p.Stream(ctx, req)
		if err != nil {
			s.ReportFailure(name)
			s.logger.Warn("provider rejected stream, falling back",
				"provider", name, "error", err)
			continue
		}
		return raw, p, nil
	}
	return nil, nil, core.NewError(core.ErrProviderUnavailable, "no provider available", core.WithStatus(503))
}

// ReportSuccess closes the provider's circuit.
func (s *Selector) ReportSuccess(name string) {
	if b, ok := s.breakers[name]; ok {
		b.success()
	}
}

// ReportFailure records a failed call against the provider.
func (s *Selector) ReportFailure(name string) {
	if b, ok := s.breakers[name]; ok {
		b.failure(s.threshold, s.cooldown, s.now())
	}
}

// ReportCancelled records that the provider's call ended by caller
// cancellation: not a success, not a failure, but any half-open probe slot it
// held must be returned so the provider cannot be wedged out of rotation.
func (s *Selector) ReportCancelled(name string) {
	if b, ok := s.breakers[name]; ok {
		b.release()
	}
}

// Snapshot reports the health of every provider in order.
func (s *Selector) Snapshot() []ProviderHealth {
	now := s.now()
	out := make([]ProviderHealth, 0, len(s.providers))
	for _, p := range s.providers {
		b := s.breakers[p.Name()]
		h := ProviderHealth{
			Name:                p.Name(),
			State:               b.state(now),
			ConsecutiveFailures: int(b.failures.Load()),
		}
		if until := b.openUntil.Load(); until != 0 {
			h.CircuitOpenUntil = time.Unix(0, until)
		}
		out = append(out, h)
	}
	return out
}
