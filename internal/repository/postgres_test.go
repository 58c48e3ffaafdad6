package repository

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestNormalizeNotifyChannel(t *testing.T) {
	t.Run("defaults when empty", func(t *testing.T) {
		if got := normalizeNotifyChannel(""); got != defaultNotifyChannel {
			t.Fatalf("normalizeNotifyChannel() = %q, want %q", got, defaultNotifyChannel)
		}
	})

	t.Run("trims non-empty values", func(t *testing.T) {
		if got := normalizeNotifyChannel("  custom_events  "); got != "custom_events" {
			t.Fatalf("normalizeNotifyChannel() = %q, want %q", got, "custom_events")
		}
	})
}

func TestEnsureJSON(t *testing.T) {
	if got := string(ensureJSON(nil, "[]")); got != "[]" {
		t.Fatalf("ensureJSON(nil) = %q, want %q", got, "[]")
	}

	if got := string(ensureJSON(json.RawMessage(`[{"field":"emirate"}]`), "[]")); got != `[{"field":"emirate"}]` {
		t.Fatalf("ensureJSON(non-empty) = %q, want %q", got, `[{"field":"emirate"}]`)
	}
}

func TestMarshalNotifyPayload(t *testing.T) {
	t.Run("marshals compact event payload", func(t *testing.T) {
		payload, err := marshalNotifyPayload(RuleEvent{
			EventID:   7,
			RuleID:    "freezone-edd",
			EventType: "updated",
			Payload:   json.RawMessage(`{"is_active":true}`),
		})
		if err != nil {
			t.Fatalf("marshalNotifyPayload() error = %v", err)
		}

		var message struct {
			RuleID    string `json:"rule_id"`
			EventType string `json:"event_type"`
		}
		if err := json.Unmarshal([]byte(payload), &message); err != nil {
			t.Fatalf("unmarshal notify payload: %v", err)
		}

		if message.RuleID != "freezone-edd" || message.EventType != "updated" {
			t.Fatalf("unexpected notify payload envelope: %+v", message)
		}
	})
}

func TestListenStatement(t *testing.T) {
	if got := listenStatement("rule_events"); got != `LISTEN "rule_events"` {
		t.Fatalf("listenStatement() = %q, want %q", got, `LISTEN "rule_events"`)
	}
}

func TestDeleteRuleNoRows(t *testing.T) {
	if err := deleteRuleNoRows(pgconn.NewCommandTag("DELETE 1")); err != nil {
		t.Fatalf("deleteRuleNoRows(delete 1) error = %v, want nil", err)
	}

	if err := deleteRuleNoRows(pgconn.NewCommandTag("DELETE 0")); !errors.Is(err, pgx.ErrNoRows) {
		t.Fatalf("deleteRuleNoRows(delete 0) error = %v, want %v", err, pgx.ErrNoRows)
	}
}

func TestRepositoryOptions(t *testing.T) {
	r := NewPostgresRepository(nil, WithNotifyChannel(" rules_feed "), WithEventBatchSize(50))
	if r.notifyChannel != "rules_feed" {
		t.Fatalf("notifyChannel = %q, want %q", r.notifyChannel, "rules_feed")
	}
	if r.eventBatch != 50 {
		t.Fatalf("eventBatch = %d, want 50", r.eventBatch)
	}

	r = NewPostgresRepository(nil, WithEventBatchSize(0))
	if r.eventBatch != maxEventBatchSize {
		t.Fatalf("eventBatch = %d, want default %d", r.eventBatch, maxEventBatchSize)
	}
}
