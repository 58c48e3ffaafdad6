// Fuzz / property-based tests for the SSE parser and HTTP wire mapping.
// Uses the white-box package (package http) to reach unexported symbols.
package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	decisio "github.com/formaops/decisio/clients/go"
)

// runParseSSE runs the SSE parser on b and collects all emitted events.
// Draining the channel prevents goroutine leaks in corpus-mode runs.
func runParseSSE(b []byte) []decisio.RuleEvent {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := make(chan decisio.RuleEvent, 256)
	go func() {
		defer close(ch)
		br := bufio.NewReaderSize(bytes.NewReader(b), 1<<20)
		parseSSE(ctx, br, ch)
	}()
	var evs []decisio.RuleEvent
	for e := range ch {
		evs = append(evs, e)
	}
	return evs
}

// FuzzParseSSE ensures the SSE parser never panics on arbitrary input and
// produces no more events than blank lines in the input (upper bound).
func FuzzParseSSE(f *testing.F) {
	f.Add([]byte("id:1\nevent:update\ndata:{\"id\":\"x\",\"rule_name\":\"r\",\"is_active\":true}\n\n"))
	f.Add([]byte("id:2\nevent:delete\ndata:{\"id\":\"x\"}\n\n"))
	f.Add([]byte("event:update\ndata:first\ndata:second\n\n"))
	f.Add([]byte(":comment\ndata:hello\n\n"))
	f.Add([]byte("\n\n"))
	f.Add([]byte(""))
	f.Add([]byte("id:9999999999\nevent:update\ndata:{}\n\n"))
	f.Add([]byte(strings.Repeat("data:x\n", 1000) + "\n"))

	f.Fuzz(func(t *testing.T, data []byte) {
		evs := runParseSSE(data)
		// Upper-bound sanity: events ≤ number of blank lines in input.
		blankLines := bytes.Count(data, []byte("\n\n"))
		if len(evs) > blankLines+1 {
			t.Errorf("got %d events from input with %d blank lines", len(evs), blankLines)
		}
	})
}

// FuzzDecodeRule ensures decodeRule never panics on arbitrary JSON input.
func FuzzDecodeRule(f *testing.F) {
	mustMarshalWire := func(wr wireRule) []byte {
		b, _ := json.Marshal(wr)
		return b
	}
	f.Add(mustMarshalWire(wireRule{ID: "x", Name: "r", Active: true}))
	f.Add(mustMarshalWire(wireRule{
		ID:         "y",
		Name:       "freezone-edd",
		Type:       "risk",
		Conditions: json.RawMessage(`[{"field":"emirate","operator":"equals","value":"Dubai"}]`),
		Actions:    json.RawMessage(`[{"type":"add_warning","message":"manual review"}]`),
		CreatedAt:  "2026-01-01T00:00:00Z",
		UpdatedAt:  "not-a-date",
	}))
	f.Add([]byte(`{}`))
	f.Add([]byte(`{"id":"","conditions":"broken","actions":42}`))

	f.Fuzz(func(t *testing.T, raw []byte) {
		var wr wireRule
		if err := json.Unmarshal(raw, &wr); err != nil {
			return // skip non-JSON
		}
		rule, err := decodeRule(wr)
		if err != nil {
			return // decode errors are fine; panics are not
		}
		// Invariant: decoded id always equals wire id.
		if rule.ID != wr.ID {
			t.Errorf("id mismatch: got %q, want %q", rule.ID, wr.ID)
		}
		// Invariant: if CreatedAt parses, it must be non-zero.
		if wr.CreatedAt != "" {
			if _, parseErr := time.Parse(time.RFC3339, wr.CreatedAt); parseErr == nil {
				if rule.CreatedAt.IsZero() {
					t.Errorf("expected non-zero CreatedAt for input %q", wr.CreatedAt)
				}
			}
		}
	})
}

// FuzzEncodeDecodeRule verifies encodeRule/decodeRule roundtrip: id, name,
// priority, and active are preserved for any inputs.
func FuzzEncodeDecodeRule(f *testing.F) {
	f.Add("rule-1", "dubai-surcharge", 10, true)
	f.Add("", "", 0, false)
	f.Add("rule/with/slashes", "n", -5, true)
	f.Add(strings.Repeat("a", 512), "long", 1<<30, false)

	f.Fuzz(func(t *testing.T, id, name string, priority int, active bool) {
		orig := decisio.Rule{ID: id, Name: name, Priority: priority, Active: active}
		wire, err := encodeRule(orig)
		if err != nil {
			t.Fatalf("encodeRule(%q, %q) failed: %v", id, name, err)
		}
		decoded, err := decodeRule(wire)
		if err != nil {
			t.Fatalf("decodeRule after encodeRule failed: %v", err)
		}
		if decoded.ID != id || decoded.Name != name {
			t.Errorf("identity: got (%q, %q), want (%q, %q)", decoded.ID, decoded.Name, id, name)
		}
		if decoded.Priority != priority || decoded.Active != active {
			t.Errorf("priority/active: got (%d, %v), want (%d, %v)", decoded.Priority, decoded.Active, priority, active)
		}
	})
}
