package selector

import (
	"sync/atomic"
	"time"
)

// breaker is a per-provider circuit breaker. All state lives in atomics so
// every in-flight request can report outcomes without a shared lock:
// Closed -> (threshold consecutive failures) -> Open for the cooldown window
// -> HalfOpen (one probing call) -> Closed on success, Open again on failure.
type breaker struct {
	failures  atomic.Int32
	openUntil atomic.Int64 // unix nanos; 0 while closed
	probing   atomic.Bool  // half-open probe in flight
}

// allow reports whether a call may proceed at now.
func (b *breaker) allow(now time.Time) bool {
	until := b.openUntil.Load()
	if until == 0 {
		return true
	}
	if now.UnixNano() < until {
		return false
	}
	// Cooldown elapsed: admit exactly one probe.
	return b.probing.CompareAndSwap(false, true)
}

// success closes the circuit and clears the failure run.
func (b *breaker) success() {
	b.failures.Store(0)
	b.openUntil.Store(0)
	b.probing.Store(false)
}

// release frees the half-open probe slot without recording an outcome. A
// probe whose call was cancelled proved nothing about the provider, so the
// circuit stays where it was and the next caller probes again.
func (b *breaker) release() {
	b.probing.CompareAndSwap(true, false)
}

// failure records one failed call; a failed half-open probe or reaching the
// threshold re-opens the circuit for the cooldown window.
func (b *breaker) failure(threshold int, cooldown time.Duration, now time.Time) {
	wasProbe := b.probing.CompareAndSwap(true, false)
	n := b.failures.Add(1)
	if wasProbe || int(n) >= threshold {
		b.openUntil.Store(now.Add(cooldown).UnixNano())
	}
}

// state classifies the breaker for health reporting.
func (b *breaker) state(now time.Time) string {
	until := b.openUntil.Load()
	switch {
	case until == 0:
		return "closed"
	case now.UnixNano() < until:
		return "open"
	default:
		return "half-open"
	}
}
