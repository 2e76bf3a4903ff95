// Package normalize turns raw, possibly duplicated or partial provider chunks
// into the canonical ordered delta sequence of a single prompt.
package normalize

import (
	"unicode/utf8"

	"github.com/loreweave/loreweave/core"
)

const defaultRole = "assistant"

// Normalizer assigns monotonically increasing sequence numbers, reassembles
// multi-byte characters split across chunks, suppresses consecutive duplicate
// chunks, and converts upstream faults into exactly one error delta followed
// by one done delta. A Normalizer serves exactly one prompt and is not safe
// for concurrent use.
type Normalizer struct {
	promptID string
	role     string

	seq      int
	tokens   int
	pending  []byte
	lastText string
	hasLast  bool
	finished bool

	suppressDuplicates bool
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithRole overrides the role stamped on token deltas.
func WithRole(role string) Option {
	return func(n *Normalizer) { n.role = role }
}

// WithDuplicateSuppression toggles the consecutive-duplicate heuristic. The
// heuristic cannot distinguish a provider retransmit from a model genuinely
// repeating itself; callers that must preserve repeats disable it.
func WithDuplicateSuppression(enabled bool) Option {
	return func(n *Normalizer) { n.suppressDuplicates = enabled }
}

// New constructs a Normalizer for one prompt.
func New(promptID string, opts ...Option) *Normalizer {
	n := &Normalizer{
		promptID:           promptID,
		role:               defaultRole,
		suppressDuplicates: true,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Feed consumes one raw chunk and returns zero or more canonical deltas.
// Trailing bytes of an incomplete multi-byte character are buffered until a
// continuation chunk completes them; the buffer is capped at one rune, so a
// byte sequence that can never complete fails immediately.
func (n *Normalizer) Feed(text string) []core.Delta {
	if n.finished || text == "" {
		return nil
	}

	buf := append(n.pending, text...)
	n.pending = nil

	complete, rest, ok := splitIncompleteRune(buf)
	if !ok {
		return n.Fail(core.ErrEncoding, "malformed byte sequence in provider stream")
	}
	n.pending = rest
	if len(complete) == 0 {
		return nil
	}
	if !utf8.Valid(complete) {
		return n.Fail(core.ErrEncoding, "malformed byte sequence in provider stream")
	}

	chunk := string(complete)
	if n.suppressDuplicates && n.hasLast && chunk == n.lastText {
		return nil
	}
	n.lastText = chunk
	n.hasLast = true

	delta := core.TokenDelta(n.promptID, n.seq, chunk, n.role)
	n.seq++
	n.tokens++
	return []core.Delta{delta}
}

// Finish terminates the stream on natural completion, emitting the single
// done delta with token-count metadata merged over meta. Buffered bytes that
// never completed a character fail the stream instead.
func (n *Normalizer) Finish(meta map[string]any) []core.Delta {
	if n.finished {
		return nil
	}
	if len(n.pending) > 0 {
		return n.Fail(core.ErrEncoding, "incomplete multi-byte character at end of stream")
	}
	n.finished = true

	merged := map[string]any{"tokens": n.tokens}
	for k, v := range meta {
		merged[k] = v
	}
	delta := core.DoneDelta(n.promptID, n.seq, merged)
	n.seq++
	return []core.Delta{delta}
}

// Fail terminates the stream on an upstream fault: one error delta carrying
// the code and message, then one done delta, then nothing.
func (n *Normalizer) Fail(code core.ErrorCode, message string) []core.Delta {
	if n.finished {
		return nil
	}
	n.finished = true
	n.pending = nil

	errDelta := core.ErrorDelta(n.promptID, n.seq, code, message)
	n.seq++
	doneDelta := core.DoneDelta(n.promptID, n.seq, nil)
	n.seq++
	return []core.Delta{errDelta, doneDelta}
}

// Cancel terminates the stream on caller cancellation: a single done delta
// flagged cancelled, with the tokens emitted so far.
func (n *Normalizer) Cancel() []core.Delta {
	if n.finished {
		return nil
	}
	n.finished = true
	n.pending = nil

	delta := core.DoneDelta(n.promptID, n.seq, map[string]any{
		"cancelled": true,
		"tokens":    n.tokens,
	})
	n.seq++
	return []core.Delta{delta}
}

// Finished reports whether a terminal delta has been emitted.
func (n *Normalizer) Finished() bool { return n.finished }

// Tokens returns the number of token deltas emitted so far.
func (n *Normalizer) Tokens() int { return n.tokens }

// splitIncompleteRune divides buf into the longest prefix of complete UTF-8
// runes and a trailing incomplete rune, if any. ok is false when the trailing
// bytes can never form a valid rune.
func splitIncompleteRune(buf []byte) (complete, rest []byte, ok bool) {
	n := len(buf)
	if n == 0 {
		return nil, nil, true
	}

	// Walk back at most one rune width looking for the start byte of the
	// final rune.
	start := -1
	for i := n - 1; i >= 0 && n-i <= utf8.UTFMax; i-- {
		if utf8.RuneStart(buf[i]) {
			start = i
			break
		}
	}
	if start < 0 {
		// No start byte within a rune width: the tail is garbage.
		return nil, nil, false
	}

	tail := buf[start:]
	if utf8.FullRune(tail) {
		r, size := utf8.DecodeRune(tail)
		if r == utf8.RuneError && size == 1 {
			return nil, nil, false
		}
		return buf, nil, true
	}
	if !validPrefix(tail) {
		return nil, nil, false
	}
	rest = make([]byte, len(tail))
	copy(rest, tail)
	return buf[:start], rest, true
}

// validPrefix reports whether the bytes could be the prefix of a valid
// multi-byte rune: a legal leader byte followed only by continuation bytes.
func validPrefix(b []byte) bool {
	if len(b) == 0 || len(b) >= utf8.UTFMax {
		return false
	}
	if b[0] < 0xC2 || b[0] > 0xF4 {
		return false
	}
	for _, c := range b[1:] {
		if c&0xC0 != 0x80 {
			return false
		}
	}
	return true
}
