package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/loreweave/loreweave/core"
)

func testManager(t *testing.T, opts ...ManagerOption) *Manager {
	t.Helper()
	m := NewManager(append([]ManagerOption{WithSweepInterval(time.Hour)}, opts...)...)
	t.Cleanup(m.Close)
	return m
}

func TestCreateSessionExpiresAfterTTL(t *testing.T) {
	m := testManager(t, WithTTL(time.Hour))
	s := m.CreateSession("dana")
	if s.Owner != "dana" || s.Status != StatusActive {
		t.Fatalf("unexpected session %+v", s)
	}
	if got := s.ExpiresAt.Sub(s.CreatedAt); got != time.Hour {
		t.Fatalf("expected 1h TTL, got %s", got)
	}
	if _, err := m.GetSession(s.ID); err != nil {
		t.Fatalf("get session: %v", err)
	}
}

func TestGetSessionUnknown(t *testing.T) {
	m := testManager(t)
	if _, err := m.GetSession("nope"); !core.IsInvalidRequest(err) {
		t.Fatalf("expected invalid_request, got %v", err)
	}
}

func TestPromptRejectedOnExpiredSession(t *testing.T) {
	now := time.Now()
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	m := testManager(t, WithTTL(time.Minute), WithClock(clock))
	s := m.CreateSession("")

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	if _, _, _, err := m.CreateOrGetPrompt(s.ID, "hi", ""); !core.IsInvalidRequest(err) {
		t.Fatalf("expected invalid_request on expired session, got %v", err)
	}
}

func TestIdempotencyKeyReturnsSameRecord(t *testing.T) {
	m := testManager(t)
	s := m.CreateSession("")

	p1, r1, leader1, err := m.CreateOrGetPrompt(s.ID, "hi", "key-1")
	if err != nil || !leader1 {
		t.Fatalf("expected leader, got leader=%v err=%v", leader1, err)
	}
	p2, r2, leader2, err := m.CreateOrGetPrompt(s.ID, "hi", "key-1")
	if err != nil || leader2 {
		t.Fatalf("expected follower, got leader=%v err=%v", leader2, err)
	}
	if p1.ID != p2.ID || r1 != r2 {
		t.Fatal("follower must share the leader's record")
	}

	// A different key creates a fresh prompt.
	p3, _, leader3, err := m.CreateOrGetPrompt(s.ID, "hi", "key-2")
	if err != nil || !leader3 || p3.ID == p1.ID {
		t.Fatalf("expected new leader prompt, got %+v leader=%v err=%v", p3, leader3, err)
	}
}

func TestConcurrentSameKeySingleLeader(t *testing.T) {
	m := testManager(t)
	s := m.CreateSession("")

	const n = 16
	var wg sync.WaitGroup
	leaders := make(chan bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, leader, err := m.CreateOrGetPrompt(s.ID, "hi", "shared")
			if err != nil {
				t.Errorf("create prompt: %v", err)
				return
			}
			leaders <- leader
		}()
	}
	wg.Wait()
	close(leaders)

	count := 0
	for leader := range leaders {
		if leader {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one leader, got %d", count)
	}
}

func TestResultWaitReturnsCachedDeltas(t *testing.T) {
	m := testManager(t)
	s := m.CreateSession("")
	p, r, _, err := m.CreateOrGetPrompt(s.ID, "hi", "key")
	if err != nil {
		t.Fatalf("create prompt: %v", err)
	}

	cached := []core.Delta{
		core.TokenDelta(p.ID, 0, "He", "assistant"),
		core.DoneDelta(p.ID, 1, nil),
	}
	go m.CompletePrompt(p.ID, PromptCompleted, cached, 1)

	deltas, err := r.Wait(context.Background())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if len(deltas) != 2 || deltas[0].Text != "He" {
		t.Fatalf("unexpected cached deltas %+v", deltas)
	}

	got, err := m.Prompt(p.ID)
	if err != nil {
		t.Fatalf("prompt: %v", err)
	}
	if got.Status != PromptCompleted || got.TokenCount != 1 {
		t.Fatalf("unexpected prompt %+v", got)
	}
}

func TestTerminalTransitionIsIdempotent(t *testing.T) {
	m := testManager(t)
	s := m.CreateSession("")
	p, r, _, err := m.CreateOrGetPrompt(s.ID, "hi", "key")
	if err != nil {
		t.Fatalf("create prompt: %v", err)
	}

	m.MarkStreaming(p.ID)
	m.CompletePrompt(p.ID, PromptCompleted, []core.Delta{core.DoneDelta(p.ID, 0, nil)}, 0)
	m.CompletePrompt(p.ID, PromptFailed, nil, 0)

	got, _ := m.Prompt(p.ID)
	if got.Status != PromptCompleted {
		t.Fatalf("second terminal transition must not win, got %s", got.Status)
	}
	deltas, _ := r.Wait(context.Background())
	if len(deltas) != 1 {
		t.Fatalf("cached sequence must be preserved, got %+v", deltas)
	}
}

func TestCancelInvokesRegisteredHook(t *testing.T) {
	m := testManager(t)
	s := m.CreateSession("")
	p, _, _, err := m.CreateOrGetPrompt(s.ID, "hi", "")
	if err != nil {
		t.Fatalf("create prompt: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.RegisterCancel(p.ID, cancel)

	if err := m.Cancel(s.ID, p.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("cancel hook was not invoked")
	}

	if err := m.Cancel(s.ID, "missing"); !core.IsInvalidRequest(err) {
		t.Fatalf("expected invalid_request for unknown prompt, got %v", err)
	}
	if err := m.Cancel("other-session", p.ID); !core.IsInvalidRequest(err) {
		t.Fatalf("expected invalid_request for session mismatch, got %v", err)
	}
}

func TestExpireSessionsCancelsInFlightPrompts(t *testing.T) {
	now := time.Now()
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	m := testManager(t, WithTTL(time.Minute), WithClock(clock))
	s := m.CreateSession("")
	p, _, _, err := m.CreateOrGetPrompt(s.ID, "hi", "key")
	if err != nil {
		t.Fatalf("create prompt: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.RegisterCancel(p.ID, cancel)
	m.MarkStreaming(p.ID)

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	if expired := m.ExpireSessions(); expired != 1 {
		t.Fatalf("expected one expired session, got %d", expired)
	}
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("in-flight prompt was not cancelled on expiry")
	}
	if _, err := m.GetSession(s.ID); err == nil {
		t.Fatal("expired session must be evicted")
	}
	if m.Sessions() != 0 {
		t.Fatalf("expected no sessions, got %d", m.Sessions())
	}
}

func TestExpiryKeepsInFlightRecordUntilTerminal(t *testing.T) {
	now := time.Now()
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	m := testManager(t, WithTTL(time.Minute), WithClock(clock))
	s := m.CreateSession("")
	p, r, _, err := m.CreateOrGetPrompt(s.ID, "hi", "key")
	if err != nil {
		t.Fatalf("create prompt: %v", err)
	}

	_, cancel := context.WithCancel(context.Background())
	m.RegisterCancel(p.ID, cancel)
	m.MarkStreaming(p.ID)

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()
	m.ExpireSessions()

	// The leader is still draining its stream when the session goes away; its
	// terminal transition must reach waiters on the shared result.
	sequence := []core.Delta{core.DoneDelta(p.ID, 0, map[string]any{"cancelled": true})}
	m.CompletePrompt(p.ID, PromptCancelled, sequence, 0)

	waitCtx, cancelWait := context.WithTimeout(context.Background(), time.Second)
	defer cancelWait()
	deltas, err := r.Wait(waitCtx)
	if err != nil {
		t.Fatalf("wait after expiry: %v", err)
	}
	if len(deltas) != 1 || deltas[0].Type != core.DeltaDone {
		t.Fatalf("unexpected terminal sequence %+v", deltas)
	}

	// Terminal transition evicts the orphaned record.
	if _, err := m.Prompt(p.ID); !core.IsInvalidRequest(err) {
		t.Fatalf("expected evicted prompt record, got %v", err)
	}
}
