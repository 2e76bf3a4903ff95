package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/loreweave/loreweave/core"
)

// Result is the shared outcome of one provider invocation. The leader that
// runs the generation completes it; followers holding the same idempotency
// key wait on it and replay the identical delta sequence.
type Result struct {
	done chan struct{}

	mu     sync.Mutex
	deltas []core.Delta
	status PromptStatus
}

func newResult() *Result {
	return &Result{done: make(chan struct{})}
}

// Wait blocks until the generation terminates, then returns the cached
// sequence.
func (r *Result) Wait(ctx context.Context) ([]core.Delta, error) {
	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, core.NewError(core.ErrCancelled, "wait cancelled", core.WithWrapped(ctx.Err()))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deltas, nil
}

// Ready reports whether the result has terminated.
func (r *Result) Ready() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *Result) complete(status PromptStatus, deltas []core.Delta) {
	r.mu.Lock()
	already := r.status.terminal()
	if !already {
		r.status = status
		r.deltas = deltas
	}
	r.mu.Unlock()
	if !already {
		close(r.done)
	}
}

type promptRecord struct {
	prompt  Prompt
	result  *Result
	cancel  context.CancelFunc
	keyHash uint64

	// orphaned marks a record whose session was evicted while the prompt was
	// still in flight; the terminal transition removes it.
	orphaned bool
}

// Manager owns the session and prompt maps. It is created at process start,
// injected where needed, and torn down by Close, which stops the expiry
// sweep.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	prompts  map[string]*promptRecord
	byKey    map[uint64]*promptRecord

	ttl    time.Duration
	sweep  time.Duration
	now    func() time.Time
	logger *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithTTL overrides the session lifetime.
func WithTTL(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.ttl = d
		}
	}
}

// WithSweepInterval overrides how often expired sessions are evicted.
func WithSweepInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.sweep = d
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager builds a Manager and starts its background sweep.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		sessions: make(map[string]*Session),
		prompts:  make(map[string]*promptRecord),
		byKey:    make(map[uint64]*promptRecord),
		ttl:      time.Hour,
		sweep:    30 * time.Second,
		now:      time.Now,
		logger:   slog.Default(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.sweepLoop()
	return m
}

// Close stops the background sweep.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.done) })
}

// CreateSession registers a new active session expiring one TTL from now.
func (m *Manager) CreateSession(owner string) Session {
	now := m.now()
	s := &Session{
		ID:           uuid.NewString(),
		Owner:        owner,
		Status:       StatusActive,
		CreatedAt:    now,
		LastActiveAt: now,
		ExpiresAt:    now.Add(m.ttl),
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	return *s
}

// GetSession returns a snapshot of the session, rejecting unknown or expired
// ids.
func (m *Manager) GetSession(id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.activeSessionLocked(id)
	if err != nil {
		return Session{}, err
	}
	return *s, nil
}

func (m *Manager) activeSessionLocked(id string) (*Session, error) {
	s, ok := m.sessions[id]
	if !ok {
		return nil, core.NewError(core.ErrInvalidRequest, "session not found", core.WithStatus(404))
	}
	if s.Status == StatusExpired || !m.now().Before(s.ExpiresAt) {
		return nil, core.NewError(core.ErrInvalidRequest, "session expired", core.WithStatus(400))
	}
	return s, nil
}

// CreateOrGetPrompt atomically looks up the idempotency key and either
// returns the existing record (leader false) or registers a new pending
// prompt (leader true). Two simultaneous identical requests therefore share
// exactly one provider invocation.
func (m *Manager) CreateOrGetPrompt(sessionID, text, idempotencyKey string) (Prompt, *Result, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.activeSessionLocked(sessionID)
	if err != nil {
		return Prompt{}, nil, false, err
	}
	now := m.now()
	s.LastActiveAt = now

	var keyHash uint64
	if idempotencyKey != "" {
		keyHash = promptKeyHash(sessionID, idempotencyKey)
		if rec, ok := m.byKey[keyHash]; ok {
			return rec.prompt, rec.result, false, nil
		}
	}

	rec := &promptRecord{
		prompt: Prompt{
			ID:             uuid.NewString(),
			SessionID:      sessionID,
			Text:           text,
			IdempotencyKey: idempotencyKey,
			Status:         PromptPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		},
		result:  newResult(),
		keyHash: keyHash,
	}
	m.prompts[rec.prompt.ID] = rec
	if keyHash != 0 {
		m.byKey[keyHash] = rec
	}
	return rec.prompt, rec.result, true, nil
}

// Prompt returns a snapshot of the prompt.
func (m *Manager) Prompt(id string) (Prompt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.prompts[id]
	if !ok {
		return Prompt{}, core.NewError(core.ErrInvalidRequest, "prompt not found", core.WithStatus(404))
	}
	return rec.prompt, nil
}

// RegisterCancel stores the cancellation hook for an in-flight prompt so the
// Cancel operation and the expiry sweep can abort it.
func (m *Manager) RegisterCancel(promptID string, cancel context.CancelFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.prompts[promptID]; ok {
		rec.cancel = cancel
	}
}

// MarkStreaming transitions Pending -> Streaming. Any other starting state is
// a no-op.
func (m *Manager) MarkStreaming(promptID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.prompts[promptID]
	if !ok || rec.prompt.Status != PromptPending {
		return
	}
	rec.prompt.Status = PromptStreaming
	rec.prompt.UpdatedAt = m.now()
}

// CompletePrompt transitions the prompt to a terminal status, stores the
// token count, and publishes the delta sequence to every waiter. Repeat calls
// are no-ops: the first terminal transition wins.
func (m *Manager) CompletePrompt(promptID string, status PromptStatus, deltas []core.Delta, tokenCount int) {
	if !status.terminal() {
		return
	}
	m.mu.Lock()
	rec, ok := m.prompts[promptID]
	if ok && !rec.prompt.Status.terminal() {
		rec.prompt.Status = status
		rec.prompt.TokenCount = tokenCount
		rec.prompt.UpdatedAt = m.now()
		rec.cancel = nil
	}
	if ok && rec.orphaned {
		delete(m.prompts, promptID)
	}
	m.mu.Unlock()
	if ok {
		rec.result.complete(status, deltas)
	}
}

// Cancel aborts an in-flight prompt. Cancelling an already-terminal prompt
// acknowledges without effect.
func (m *Manager) Cancel(sessionID, promptID string) error {
	m.mu.Lock()
	rec, ok := m.prompts[promptID]
	if !ok || rec.prompt.SessionID != sessionID {
		m.mu.Unlock()
		return core.NewError(core.ErrInvalidRequest, "prompt not found", core.WithStatus(404))
	}
	cancel := rec.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(m.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.ExpireSessions()
		}
	}
}

// ExpireSessions evicts every session past its deadline, cancelling any
// prompt still in flight rather than silently abandoning it. Exposed for
// tests and for forced eviction.
func (m *Manager) ExpireSessions() int {
	now := m.now()
	var cancels []context.CancelFunc
	expired := 0

	m.mu.Lock()
	for id, s := range m.sessions {
		if now.Before(s.ExpiresAt) {
			continue
		}
		s.Status = StatusExpired
		delete(m.sessions, id)
		expired++
		for pid, rec := range m.prompts {
			if rec.prompt.SessionID != id {
				continue
			}
			if rec.keyHash != 0 {
				delete(m.byKey, rec.keyHash)
			}
			if rec.prompt.Status.terminal() {
				delete(m.prompts, pid)
				continue
			}
			// Still in flight: cancel it but keep the record until the
			// leader's terminal transition, so waiters on the shared result
			// receive the final sequence instead of silence.
			rec.orphaned = true
			if rec.cancel != nil {
				cancels = append(cancels, rec.cancel)
			}
		}
		m.logger.Info("session expired", "session_id", id)
	}
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return expired
}

// Sessions reports the number of live sessions.
func (m *Manager) Sessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func promptKeyHash(sessionID, idempotencyKey string) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(sessionID)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(idempotencyKey)
	sum := h.Sum64()
	if sum == 0 {
		sum = 1
	}
	return sum
}
