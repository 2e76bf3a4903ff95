package transport

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loreweave/loreweave/core"
	"github.com/loreweave/loreweave/generation"
	"github.com/loreweave/loreweave/session"
)

const wsWriteTimeout = 10 * time.Second

// Command is one client frame on the WebSocket transport.
type Command struct {
	Op             string `json:"op"`
	SessionID      string `json:"sessionId,omitempty"`
	Text           string `json:"text,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
	PromptID       string `json:"promptId,omitempty"`
}

// Accepted acknowledges a generate command and names the prompt the following
// deltas belong to.
type Accepted struct {
	Op       string `json:"op"`
	PromptID string `json:"promptId"`
}

// CommandError reports a synchronous command rejection. In-stream faults
// travel as error deltas instead.
type CommandError struct {
	Op       string `json:"op"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	PromptID string `json:"promptId,omitempty"`
}

// Hub upgrades HTTP requests to WebSocket connections carrying generation
// traffic. A connection multiplexes any number of concurrent prompts; deltas
// for different prompts interleave but each prompt's sequence stays ordered.
type Hub struct {
	svc      *generation.Service
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewHub builds a Hub over the generation service.
func NewHub(svc *generation.Service, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		svc:    svc,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 4 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and runs the connection's read loop until
// the client goes away. Connection teardown cancels every prompt the
// connection still has in flight.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &wsConn{hub: h, conn: conn}
	defer func() {
		cancel()
		c.wg.Wait()
		_ = conn.Close()
	}()
	c.readLoop(ctx)
}

type wsConn struct {
	hub  *Hub
	conn *websocket.Conn

	// gorilla/websocket permits one concurrent writer; every frame goes
	// through writeJSON.
	writeMu sync.Mutex
	wg      sync.WaitGroup
}

func (c *wsConn) readLoop(ctx context.Context) {
	for {
		var cmd Command
		if err := c.conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.hub.logger.Warn("websocket read failed", "error", err)
			}
			return
		}
		switch cmd.Op {
		case "generate":
			c.handleGenerate(ctx, cmd)
		case "cancel":
			c.handleCancel(cmd)
		default:
			c.writeJSON(CommandError{Op: "error", Code: string(core.ErrInvalidRequest), Message: "unknown op"})
		}
	}
}

func (c *wsConn) handleGenerate(ctx context.Context, cmd Command) {
	prompt, stream, err := c.hub.svc.Generate(ctx, generation.Request{
		SessionID:      cmd.SessionID,
		Text:           cmd.Text,
		IdempotencyKey: cmd.IdempotencyKey,
	})
	if err != nil {
		c.writeJSON(commandError(err))
		return
	}

	c.writeJSON(Accepted{Op: "accepted", PromptID: prompt.ID})
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.pump(prompt, stream)
	}()
}

func (c *wsConn) handleCancel(cmd Command) {
	if err := c.hub.svc.Cancel(cmd.SessionID, cmd.PromptID); err != nil {
		e := commandError(err)
		e.PromptID = cmd.PromptID
		c.writeJSON(e)
	}
}

func (c *wsConn) pump(prompt session.Prompt, stream *core.DeltaStream) {
	for delta := range stream.Deltas() {
		if !c.writeJSON(delta) {
			return
		}
	}
	if err := stream.Err(); err != nil {
		e := commandError(err)
		e.PromptID = prompt.ID
		c.writeJSON(e)
	}
}

func (c *wsConn) writeJSON(v any) bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := c.conn.WriteJSON(v); err != nil {
		return false
	}
	return true
}

func commandError(err error) CommandError {
	return CommandError{
		Op:      "error",
		Code:    string(core.CodeOf(err)),
		Message: err.Error(),
	}
}
