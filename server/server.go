// Package server exposes the generation service over HTTP: session management,
// NDJSON/SSE generation streams, cancellation, the WebSocket endpoint and
// health. Admission control happens here, before any stream is opened.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/loreweave/loreweave/core"
	"github.com/loreweave/loreweave/generation"
	"github.com/loreweave/loreweave/ratelimit"
	"github.com/loreweave/loreweave/selector"
	"github.com/loreweave/loreweave/session"
	"github.com/loreweave/loreweave/transport"
)

const shutdownTimeout = 10 * time.Second

// Server routes the public API.
type Server struct {
	svc      *generation.Service
	sessions *session.Manager
	selector *selector.Selector
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
	mux      *http.ServeMux
}

// Option configures a Server.
type Option func(*Server)

// WithLimiter installs the per-IP admission limiter. Without one, requests
// are never rate limited.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(s *Server) { s.limiter = l }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// New wires the routes.
func New(svc *generation.Service, sessions *session.Manager, sel *selector.Selector, opts ...Option) *Server {
	s := &Server{
		svc:      svc,
		sessions: sessions,
		selector: sel,
		logger:   slog.Default(),
		mux:      http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	hub := transport.NewHub(svc, s.logger)
	s.mux.HandleFunc("POST /v1/sessions", s.limit(s.handleCreateSession))
	s.mux.HandleFunc("GET /v1/sessions/{id}", s.handleGetSession)
	s.mux.HandleFunc("POST /v1/generate", s.limit(s.handleGenerate))
	// Cancel is never rate limited: a caller whose bucket is empty must still
	// be able to stop streams it already opened.
	s.mux.HandleFunc("POST /v1/cancel", s.handleCancel)
	s.mux.HandleFunc("GET /v1/prompts/{id}", s.handleGetPrompt)
	s.mux.Handle("GET /v1/stream", hub)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Run serves until ctx is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// limit wraps a handler with token-bucket admission by client IP. Rejection
// happens before any session or generation work.
func (s *Server) limit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil {
			if ok, retryAfter := s.limiter.Allow(clientIP(r)); !ok {
				s.writeError(w, core.NewError(core.ErrRateLimited, "rate limit exceeded",
					core.WithStatus(http.StatusTooManyRequests),
					core.WithRetryAfter(retryAfter)))
				return
			}
		}
		next(w, r)
	}
}

type createSessionRequest struct {
	Owner string `json:"owner,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body createSessionRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.writeError(w, core.NewError(core.ErrInvalidRequest, "malformed request body", core.WithStatus(400)))
			return
		}
	}
	sess := s.sessions.CreateSession(body.Owner)
	s.writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.GetSession(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sess)
}

type generateRequest struct {
	SessionID      string `json:"sessionId"`
	Text           string `json:"text"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var body generateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, core.NewError(core.ErrInvalidRequest, "malformed request body", core.WithStatus(400)))
		return
	}

	_, stream, err := s.svc.Generate(r.Context(), generation.Request{
		SessionID:      body.SessionID,
		Text:           body.Text,
		IdempotencyKey: body.IdempotencyKey,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	var writeErr error
	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		writeErr = transport.SSE(w, stream)
	} else {
		writeErr = transport.NDJSON(w, stream)
	}
	if writeErr != nil && !errors.Is(writeErr, context.Canceled) {
		s.logger.Warn("stream write failed", "error", writeErr)
	}
}

type cancelRequest struct {
	SessionID string `json:"sessionId"`
	PromptID  string `json:"promptId"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, core.NewError(core.ErrInvalidRequest, "malformed request body", core.WithStatus(400)))
		return
	}
	if err := s.svc.Cancel(body.SessionID, body.PromptID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

func (s *Server) handleGetPrompt(w http.ResponseWriter, r *http.Request) {
	prompt, err := s.sessions.Prompt(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, prompt)
}

type healthResponse struct {
	Status    string                    `json:"status"`
	Providers []selector.ProviderHealth `json:"providers"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Providers: s.selector.Snapshot(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response write failed", "error", err)
	}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := core.CodeOf(err)
	status := statusFor(err, code)
	if retryAfter := core.GetRetryAfter(err); retryAfter > 0 {
		secs := int(retryAfter / time.Second)
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: errorBody{
		Code:    string(code),
		Message: err.Error(),
	}})
}

func statusFor(err error, code core.ErrorCode) int {
	var se *core.Error
	if errors.As(err, &se) && se.Status != 0 {
		return se.Status
	}
	switch code {
	case core.ErrInvalidRequest:
		return http.StatusBadRequest
	case core.ErrRateLimited:
		return http.StatusTooManyRequests
	case core.ErrProviderUnavailable:
		return http.StatusServiceUnavailable
	case core.ErrProviderTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// clientIP resolves the caller's address, trusting the first X-Forwarded-For
// entry when present.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.IndexByte(xff, ','); idx >= 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
