// Package session owns in-memory Session and Prompt state: creation,
// idempotency-key caching, prompt state transitions and expiry sweeping.
// Nothing here is persisted; session lifetime bounds everything.
package session

import "time"

// Status enumerates session lifecycle states.
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
)

// Session groups prompts under one conversational scope with a fixed TTL.
type Session struct {
	ID           string    `json:"sessionId"`
	Owner        string    `json:"owner,omitempty"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// PromptStatus enumerates prompt lifecycle states. Transitions are driven
// only by the generation service through the Manager and are idempotent.
type PromptStatus string

const (
	PromptPending   PromptStatus = "pending"
	PromptStreaming PromptStatus = "streaming"
	PromptCompleted PromptStatus = "completed"
	PromptCancelled PromptStatus = "cancelled"
	PromptFailed    PromptStatus = "failed"
)

// terminal reports whether the status ends the prompt lifecycle.
func (s PromptStatus) terminal() bool {
	switch s {
	case PromptCompleted, PromptCancelled, PromptFailed:
		return true
	}
	return false
}

// Prompt is one generation request within a session.
type Prompt struct {
	ID             string       `json:"promptId"`
	SessionID      string       `json:"sessionId"`
	Text           string       `json:"text"`
	IdempotencyKey string       `json:"idempotencyKey,omitempty"`
	Status         PromptStatus `json:"status"`
	TokenCount     int          `json:"tokenCount"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}
