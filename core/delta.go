package core

// DeltaType enumerates wire delta types.
type DeltaType string

const (
	DeltaToken DeltaType = "token"
	DeltaDone  DeltaType = "done"
	DeltaError DeltaType = "error"
)

// Delta models a single event within the normalized generation stream. It is
// wire-only: deltas are never persisted beyond the in-memory replay cache.
type Delta struct {
	PromptID string         `json:"promptId"`
	Type     DeltaType      `json:"type"`
	Seq      int            `json:"seq"`
	Text     string         `json:"text,omitempty"`
	Role     string         `json:"role,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Terminal reports whether the delta closes its prompt stream. A done delta is
// always the last delta of a prompt; an error delta is immediately followed by
// exactly one done delta.
func (d Delta) Terminal() bool {
	return d.Type == DeltaDone
}

// TokenDelta builds a token delta.
func TokenDelta(promptID string, seq int, text, role string) Delta {
	return Delta{PromptID: promptID, Type: DeltaToken, Seq: seq, Text: text, Role: role}
}

// DoneDelta builds a done delta with optional metadata.
func DoneDelta(promptID string, seq int, metadata map[string]any) Delta {
	return Delta{PromptID: promptID, Type: DeltaDone, Seq: seq, Metadata: metadata}
}

// ErrorDelta builds an error delta carrying the fault code and message in its
// metadata, matching the public wire contract.
func ErrorDelta(promptID string, seq int, code ErrorCode, message string) Delta {
	return Delta{
		PromptID: promptID,
		Type:     DeltaError,
		Seq:      seq,
		Metadata: map[string]any{"code": string(code), "message": message},
	}
}
