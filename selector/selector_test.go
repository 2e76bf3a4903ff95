package selector

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loreweave/loreweave/core"
	"github.com/loreweave/loreweave/internal/testutil"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func drain(raw *core.RawStream) {
	for range raw.Chunks() {
	}
}

func TestStreamPrefersFirstProvider(t *testing.T) {
	a := testutil.NewScriptedProvider("a")
	b := testutil.NewScriptedProvider("b")
	s := New([]core.Provider{a, b})

	raw, p, err := s.Stream(context.Background(), core.Request{})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	drain(raw)
	if p.Name() != "a" {
		t.Fatalf("expected first provider, got %s", p.Name())
	}
}

func TestStreamFallsBackWhenUnavailable(t *testing.T) {
	a := testutil.NewScriptedProvider("a")
	a.Available.Store(false)
	b := testutil.NewScriptedProvider("b")
	s := New([]core.Provider{a, b})

	raw, p, err := s.Stream(context.Background(), core.Request{})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	drain(raw)
	if p.Name() != "b" {
		t.Fatalf("expected fallback provider, got %s", p.Name())
	}
	if a.StreamCalls() != 0 {
		t.Fatal("unavailable provider must not be streamed")
	}
}

func TestStreamAllUnavailable(t *testing.T) {
	a := testutil.NewScriptedProvider("a")
	a.Available.Store(false)
	s := New([]core.Provider{a})

	_, _, err := s.Stream(context.Background(), core.Request{})
	if !core.IsProviderUnavailable(err) {
		t.Fatalf("expected provider_unavailable, got %v", err)
	}
}

func TestCircuitOpensAfterThresholdFailures(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	a := testutil.NewScriptedProvider("a")
	s := New([]core.Provider{a}, WithFailureThreshold(3), WithCooldown(time.Minute), WithClock(clock))

	s.ReportFailure("a")
	s.ReportFailure("a")
	if !s.Allow("a") {
		t.Fatal("circuit must stay closed below the threshold")
	}
	s.ReportFailure("a")
	if s.Allow("a") {
		t.Fatal("circuit must open after threshold failures")
	}
	if got := s.Snapshot()[0].State; got != "open" {
		t.Fatalf("expected open, got %s", got)
	}
}

func TestHalfOpenAdmitsSingleProbe(t *testing.T) {
	now := time.Now()
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	a := testutil.NewScriptedProvider("a")
	s := New([]core.Provider{a}, WithFailureThreshold(1), WithCooldown(time.Minute), WithClock(clock))

	s.ReportFailure("a")
	if s.Allow("a") {
		t.Fatal("circuit should be open")
	}

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	if !s.Allow("a") {
		t.Fatal("expected half-open probe admitted")
	}
	if s.Allow("a") {
		t.Fatal("half-open circuit must admit exactly one probe")
	}

	s.ReportSuccess("a")
	if !s.Allow("a") || !s.Allow("a") {
		t.Fatal("circuit must close after a successful probe")
	}
}

func TestFailedProbeReopensCircuit(t *testing.T) {
	now := time.Now()
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	a := testutil.NewScriptedProvider("a")
	s := New([]core.Provider{a}, WithFailureThreshold(5), WithCooldown(time.Minute), WithClock(clock))

	for i := 0; i < 5; i++ {
		s.ReportFailure("a")
	}
	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()
	if !s.Allow("a") {
		t.Fatal("expected probe admitted")
	}
	s.ReportFailure("a")
	if s.Allow("a") {
		t.Fatal("failed probe must reopen the circuit immediately")
	}
}

func TestCancelledProbeFreesTheSlot(t *testing.T) {
	now := time.Now()
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	a := testutil.NewScriptedProvider("a")
	s := New([]core.Provider{a}, WithFailureThreshold(1), WithCooldown(time.Minute), WithClock(clock))

	s.ReportFailure("a")
	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	if !s.Allow("a") {
		t.Fatal("expected half-open probe admitted")
	}
	// The probe call was cancelled by its caller: no verdict either way, so
	// the slot must come back instead of blocking all future callers.
	s.ReportCancelled("a")
	if !s.Allow("a") {
		t.Fatal("cancelled probe must free the slot for the next caller")
	}
	s.ReportSuccess("a")
	if !s.Allow("a") || !s.Allow("a") {
		t.Fatal("circuit must close after a successful probe")
	}
}

func TestProbeFailureCountsTowardBreaker(t *testing.T) {
	a := testutil.NewScriptedProvider("a")
	a.Available.Store(false)
	b := testutil.NewScriptedProvider("b")
	s := New([]core.Provider{a, b}, WithFailureThreshold(2), WithCooldown(time.Minute))

	for i := 0; i < 2; i++ {
		raw, _, err := s.Stream(context.Background(), core.Request{})
		if err != nil {
			t.Fatalf("stream: %v", err)
		}
		drain(raw)
	}
	// Circuit for a is now open: the walk must skip it without probing.
	before := a.ProbeCalls()
	raw, _, err := s.Stream(context.Background(), core.Request{})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	drain(raw)
	if a.ProbeCalls() != before {
		t.Fatal("open circuit must skip the availability probe")
	}
}

func TestPreStreamErrorFallsThroughSilently(t *testing.T) {
	a := testutil.NewScriptedProvider("a")
	a.PreStreamErr = core.NewError(core.ErrProviderUnavailable, "connection refused")
	b := testutil.NewScriptedProvider("b", "ok")
	s := New([]core.Provider{a, b}, WithFailureThreshold(1), WithCooldown(time.Minute),
		WithLogger(discardLogger()))

	raw, p, err := s.Stream(context.Background(), core.Request{})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	drain(raw)
	if p.Name() != "b" {
		t.Fatalf("expected fallback provider, got %s", p.Name())
	}
	if s.Allow("a") {
		t.Fatal("pre-stream error must count toward the breaker")
	}
}

func TestConcurrentReportsDoNotRace(t *testing.T) {
	a := testutil.NewScriptedProvider("a")
	s := New([]core.Provider{a}, WithFailureThreshold(3), WithCooldown(time.Millisecond))

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				s.ReportFailure("a")
			} else {
				s.ReportSuccess("a")
			}
			s.Allow("a")
		}(i)
	}
	wg.Wait()
	s.ReportSuccess("a")
	if !s.Allow("a") {
		t.Fatal("circuit must close after final success")
	}
}
