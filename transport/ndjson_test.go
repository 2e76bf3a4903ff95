package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/loreweave/loreweave/core"
)

func sampleDeltas() []core.Delta {
	return []core.Delta{
		core.TokenDelta("p-1", 0, "He", "assistant"),
		core.TokenDelta("p-1", 1, "llo", "assistant"),
		core.DoneDelta("p-1", 2, map[string]any{"tokens": 2}),
	}
}

func TestNDJSONWritesOneLinePerDelta(t *testing.T) {
	stream := core.ReplayStream(context.Background(), sampleDeltas())
	rec := httptest.NewRecorder()

	if err := NDJSON(rec, stream); err != nil {
		t.Fatalf("ndjson: %v", err)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("unexpected content type %q", ct)
	}

	var got []core.Delta
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		var d core.Delta
		if err := json.Unmarshal([]byte(line), &d); err != nil {
			t.Fatalf("unmarshal line %q: %v", line, err)
		}
		got = append(got, d)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(got))
	}
	for i, d := range got {
		if d.Seq != i || d.PromptID != "p-1" {
			t.Fatalf("line %d out of order: %+v", i, d)
		}
	}
	if got[2].Type != core.DeltaDone {
		t.Fatalf("last line must be done, got %s", got[2].Type)
	}
}

func TestSSEWrapsSamePayload(t *testing.T) {
	stream := core.ReplayStream(context.Background(), sampleDeltas())
	rec := httptest.NewRecorder()

	if err := SSE(rec, stream); err != nil {
		t.Fatalf("sse: %v", err)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	var got []core.Delta
	for _, line := range strings.Split(rec.Body.String(), "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var d core.Delta
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &d); err != nil {
			t.Fatalf("unmarshal %q: %v", line, err)
		}
		got = append(got, d)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	if got[0].Text != "He" || got[1].Text != "llo" {
		t.Fatalf("unexpected tokens %+v", got)
	}
}
