package generation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loreweave/loreweave/core"
	"github.com/loreweave/loreweave/internal/testutil"
	"github.com/loreweave/loreweave/retrieval"
	"github.com/loreweave/loreweave/selector"
	"github.com/loreweave/loreweave/session"
)

func newHarness(t *testing.T, providers []core.Provider, opts ...Option) (*Service, *session.Manager, session.Session) {
	t.Helper()
	mgr := session.NewManager(session.WithSweepInterval(time.Hour))
	t.Cleanup(mgr.Close)
	sel := selector.New(providers)
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	svc := New(mgr, sel, opts...)
	return svc, mgr, mgr.CreateSession("")
}

func TestGenerateStreamsOrderedDeltas(t *testing.T) {
	p := testutil.NewScriptedProvider("local", "He", "llo")
	svc, mgr, sess := newHarness(t, []core.Provider{p})

	prompt, stream, err := svc.Generate(context.Background(), Request{SessionID: sess.ID, Text: "greet me"})
	require.NoError(t, err)

	deltas := core.Collect(stream)
	require.Len(t, deltas, 3)
	for i, d := range deltas {
		require.Equal(t, i, d.Seq)
		require.Equal(t, prompt.ID, d.PromptID)
	}
	require.Equal(t, core.DeltaToken, deltas[0].Type)
	require.Equal(t, "He", deltas[0].Text)
	require.Equal(t, "llo", deltas[1].Text)
	require.Equal(t, core.DeltaDone, deltas[2].Type)
	require.Equal(t, 2, deltas[2].Metadata["tokens"])
	require.Equal(t, "local", deltas[2].Metadata["provider"])

	got, err := mgr.Prompt(prompt.ID)
	require.NoError(t, err)
	require.Equal(t, session.PromptCompleted, got.Status)
	require.Equal(t, 2, got.TokenCount)
}

func TestIdempotentReplayUsesSingleInvocation(t *testing.T) {
	p := testutil.NewScriptedProvider("local", "once")
	svc, _, sess := newHarness(t, []core.Provider{p})

	req := Request{SessionID: sess.ID, Text: "hi", IdempotencyKey: "k-1"}
	_, first, err := svc.Generate(context.Background(), req)
	require.NoError(t, err)
	want := core.Collect(first)

	_, second, err := svc.Generate(context.Background(), req)
	require.NoError(t, err)
	got := core.Collect(second)

	require.Equal(t, want, got)
	require.Equal(t, 1, p.StreamCalls())
}

func TestConcurrentFollowerSharesLeaderStream(t *testing.T) {
	p := testutil.NewScriptedProvider("local", "a", "b")
	p.ChunkDelay = 20 * time.Millisecond
	svc, _, sess := newHarness(t, []core.Provider{p})

	req := Request{SessionID: sess.ID, Text: "hi", IdempotencyKey: "shared"}
	_, leaderStream, err := svc.Generate(context.Background(), req)
	require.NoError(t, err)
	_, followerStream, err := svc.Generate(context.Background(), req)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var leaderDeltas, followerDeltas []core.Delta
	wg.Add(2)
	go func() { defer wg.Done(); leaderDeltas = core.Collect(leaderStream) }()
	go func() { defer wg.Done(); followerDeltas = core.Collect(followerStream) }()
	wg.Wait()

	require.Equal(t, leaderDeltas, followerDeltas)
	require.Equal(t, 1, p.StreamCalls())
}

func TestFallbackToNextProviderOnPreStreamError(t *testing.T) {
	primary := testutil.NewScriptedProvider("primary")
	primary.PreStreamErr = core.NewError(core.ErrProviderUnavailable, "connection refused")
	backup := testutil.NewScriptedProvider("backup", "ok")
	svc, _, sess := newHarness(t, []core.Provider{primary, backup})

	_, stream, err := svc.Generate(context.Background(), Request{SessionID: sess.ID, Text: "hi"})
	require.NoError(t, err)

	deltas := core.Collect(stream)
	for _, d := range deltas {
		require.NotEqual(t, core.DeltaError, d.Type, "fallback must be silent")
	}
	require.Equal(t, "backup", deltas[len(deltas)-1].Metadata["provider"])
	require.Equal(t, 1, backup.StreamCalls())
}

func TestAllProvidersDownFailsStream(t *testing.T) {
	p1 := testutil.NewScriptedProvider("a")
	p1.Available.Store(false)
	p2 := testutil.NewScriptedProvider("b")
	p2.Available.Store(false)
	svc, mgr, sess := newHarness(t, []core.Provider{p1, p2})

	prompt, stream, err := svc.Generate(context.Background(), Request{SessionID: sess.ID, Text: "hi"})
	require.NoError(t, err)

	deltas := core.Collect(stream)
	require.Len(t, deltas, 2)
	require.Equal(t, core.DeltaError, deltas[0].Type)
	require.Equal(t, string(core.ErrProviderUnavailable), deltas[0].Metadata["code"])
	require.Equal(t, core.DeltaDone, deltas[1].Type)

	got, err := mgr.Prompt(prompt.ID)
	require.NoError(t, err)
	require.Equal(t, session.PromptFailed, got.Status)
}

func TestMidStreamFaultTerminatesAndIsCached(t *testing.T) {
	p := testutil.NewScriptedProvider("local", "tok")
	p.MidStreamErr = core.NewError(core.ErrProviderError, "upstream exploded")
	svc, mgr, sess := newHarness(t, []core.Provider{p})

	req := Request{SessionID: sess.ID, Text: "hi", IdempotencyKey: "k"}
	prompt, stream, err := svc.Generate(context.Background(), req)
	require.NoError(t, err)

	deltas := core.Collect(stream)
	require.Len(t, deltas, 3)
	require.Equal(t, core.DeltaToken, deltas[0].Type)
	require.Equal(t, core.DeltaError, deltas[1].Type)
	require.Equal(t, string(core.ErrProviderError), deltas[1].Metadata["code"])
	require.Equal(t, core.DeltaDone, deltas[2].Type)

	got, err := mgr.Prompt(prompt.ID)
	require.NoError(t, err)
	require.Equal(t, session.PromptFailed, got.Status)

	// The failed terminal sequence replays; the provider is not retried.
	_, replay, err := svc.Generate(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, deltas, core.Collect(replay))
	require.Equal(t, 1, p.StreamCalls())
}

func TestStallTimeoutSurfacesAsProviderTimeout(t *testing.T) {
	p := testutil.NewScriptedProvider("local", "par")
	p.MidStreamErr = core.NewError(core.ErrProviderTimeout, "no bytes within stall window")
	svc, mgr, sess := newHarness(t, []core.Provider{p})

	prompt, stream, err := svc.Generate(context.Background(), Request{SessionID: sess.ID, Text: "hi"})
	require.NoError(t, err)

	deltas := core.Collect(stream)
	require.Len(t, deltas, 3)
	require.Equal(t, core.DeltaError, deltas[1].Type)
	require.Equal(t, string(core.ErrProviderTimeout), deltas[1].Metadata["code"])
	require.Equal(t, core.DeltaDone, deltas[2].Type)

	got, err := mgr.Prompt(prompt.ID)
	require.NoError(t, err)
	require.Equal(t, session.PromptFailed, got.Status)
}

func TestCancelTerminatesStreamQuickly(t *testing.T) {
	p := testutil.NewScriptedProvider("local", "a", "b", "c", "d")
	p.ChunkDelay = 50 * time.Millisecond
	svc, mgr, sess := newHarness(t, []core.Provider{p})

	prompt, stream, err := svc.Generate(context.Background(), Request{SessionID: sess.ID, Text: "hi"})
	require.NoError(t, err)

	first := <-stream.Deltas()
	require.Equal(t, core.DeltaToken, first.Type)
	require.NoError(t, svc.Cancel(sess.ID, prompt.ID))

	deadline := time.After(200 * time.Millisecond)
	var last core.Delta
loop:
	for {
		select {
		case d, ok := <-stream.Deltas():
			if !ok {
				break loop
			}
			last = d
		case <-deadline:
			t.Fatal("stream did not terminate within 200ms of cancel")
		}
	}
	require.Equal(t, core.DeltaDone, last.Type)
	require.Equal(t, true, last.Metadata["cancelled"])

	got, err := mgr.Prompt(prompt.ID)
	require.NoError(t, err)
	require.Equal(t, session.PromptCancelled, got.Status)
}

func TestCancelledRunReleasesHalfOpenProbe(t *testing.T) {
	p := testutil.NewScriptedProvider("local", "a", "b", "c", "d")
	p.PreStreamErr = core.NewError(core.ErrProviderUnavailable, "connection refused")

	now := time.Now()
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr := session.NewManager(session.WithSweepInterval(time.Hour), session.WithLogger(logger))
	t.Cleanup(mgr.Close)
	sel := selector.New([]core.Provider{p},
		selector.WithFailureThreshold(1),
		selector.WithCooldown(time.Minute),
		selector.WithClock(clock),
		selector.WithLogger(logger),
	)
	svc := New(mgr, sel, WithLogger(logger))
	sess := mgr.CreateSession("")

	// First call trips the breaker open.
	_, s1, err := svc.Generate(context.Background(), Request{SessionID: sess.ID, Text: "hi"})
	require.NoError(t, err)
	deltas := core.Collect(s1)
	require.Equal(t, core.DeltaError, deltas[0].Type)
	require.False(t, sel.Allow("local"))

	// Cooldown elapses and the provider recovers; the probe call gets
	// cancelled mid-stream.
	p.PreStreamErr = nil
	p.ChunkDelay = 30 * time.Millisecond
	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	prompt, s2, err := svc.Generate(context.Background(), Request{SessionID: sess.ID, Text: "hi again"})
	require.NoError(t, err)
	first := <-s2.Deltas()
	require.Equal(t, core.DeltaToken, first.Type)
	require.NoError(t, svc.Cancel(sess.ID, prompt.ID))
	core.Collect(s2)

	// The cancelled probe must not wedge the provider: a fresh call is
	// admitted and completes normally.
	_, s3, err := svc.Generate(context.Background(), Request{SessionID: sess.ID, Text: "third time"})
	require.NoError(t, err)
	deltas = core.Collect(s3)
	last := deltas[len(deltas)-1]
	require.Equal(t, core.DeltaDone, last.Type)
	require.Equal(t, "local", last.Metadata["provider"])
}

func TestSessionExpiryTerminatesFollower(t *testing.T) {
	p := testutil.NewScriptedProvider("local", "a", "b", "c", "d")
	p.ChunkDelay = 30 * time.Millisecond

	now := time.Now()
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr := session.NewManager(
		session.WithTTL(time.Minute),
		session.WithSweepInterval(time.Hour),
		session.WithClock(clock),
		session.WithLogger(logger),
	)
	t.Cleanup(mgr.Close)
	svc := New(mgr, selector.New([]core.Provider{p}), WithLogger(logger))
	sess := mgr.CreateSession("")

	req := Request{SessionID: sess.ID, Text: "hi", IdempotencyKey: "k"}
	_, leaderStream, err := svc.Generate(context.Background(), req)
	require.NoError(t, err)
	_, followerStream, err := svc.Generate(context.Background(), req)
	require.NoError(t, err)

	first := <-leaderStream.Deltas()
	require.Equal(t, core.DeltaToken, first.Type)

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()
	require.Equal(t, 1, mgr.ExpireSessions())

	// The follower shares the leader's result; eviction mid-flight must not
	// leave it waiting forever.
	got := make(chan []core.Delta, 1)
	go func() { got <- core.Collect(followerStream) }()
	select {
	case deltas := <-got:
		require.NotEmpty(t, deltas)
		last := deltas[len(deltas)-1]
		require.Equal(t, core.DeltaDone, last.Type)
		require.Equal(t, true, last.Metadata["cancelled"])
	case <-time.After(2 * time.Second):
		t.Fatal("follower stream did not terminate after session expiry")
	}
	core.Collect(leaderStream)
}

func TestEmptyPromptRejected(t *testing.T) {
	svc, _, sess := newHarness(t, []core.Provider{testutil.NewScriptedProvider("local")})
	_, _, err := svc.Generate(context.Background(), Request{SessionID: sess.ID, Text: "   "})
	require.True(t, core.IsInvalidRequest(err))
}

func TestUnknownSessionRejected(t *testing.T) {
	svc, _, _ := newHarness(t, []core.Provider{testutil.NewScriptedProvider("local")})
	_, _, err := svc.Generate(context.Background(), Request{SessionID: "missing", Text: "hi"})
	require.True(t, core.IsInvalidRequest(err))
}

func TestRetrievalFailureDegradesToNoContext(t *testing.T) {
	p := testutil.NewScriptedProvider("local", "still works")
	fr := &testutil.FakeRetriever{Err: errors.New("vector store down")}
	svc, _, sess := newHarness(t, []core.Provider{p}, WithRetriever(fr))

	_, stream, err := svc.Generate(context.Background(), Request{SessionID: sess.ID, Text: "hi"})
	require.NoError(t, err)

	deltas := core.Collect(stream)
	require.Equal(t, core.DeltaDone, deltas[len(deltas)-1].Type)
	for _, d := range deltas {
		require.NotEqual(t, core.DeltaError, d.Type)
	}
	require.Equal(t, 1, fr.Calls())
}

type captureProvider struct {
	*testutil.ScriptedProvider

	mu  sync.Mutex
	req core.Request
}

func (c *captureProvider) Stream(ctx context.Context, req core.Request) (*core.RawStream, error) {
	c.mu.Lock()
	c.req = req
	c.mu.Unlock()
	return c.ScriptedProvider.Stream(ctx, req)
}

func (c *captureProvider) captured() core.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.req
}

func TestRetrievedContextReachesProvider(t *testing.T) {
	cp := &captureProvider{ScriptedProvider: testutil.NewScriptedProvider("local", "ok")}
	fr := &testutil.FakeRetriever{Docs: []retrieval.Document{
		{ID: "d1", Title: "one", Content: "alpha", Score: 0.9},
		{ID: "d2", Title: "two", Content: "beta", Score: 0.7},
	}}
	svc, _, sess := newHarness(t, []core.Provider{cp}, WithRetriever(fr), WithModel("llama3.1"))

	_, stream, err := svc.Generate(context.Background(), Request{SessionID: sess.ID, Text: "hi"})
	require.NoError(t, err)
	core.Collect(stream)

	req := cp.captured()
	require.Equal(t, "llama3.1", req.Model)
	require.Len(t, req.Context, 2)
	require.Equal(t, "alpha", req.Context[0].Content)
}
