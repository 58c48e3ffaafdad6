// Package repository provides PostgreSQL-backed persistence for decision
// rules, API keys, and rule change events. It also handles LISTEN/NOTIFY
// based cache invalidation so the service layer stays fresh without polling
// the database into submission.
//
// Rule conditions and actions are stored as raw JSONB and passed through
// untouched, so an exported rule set is byte-identical to what the editors
// imported.
package repository

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultNotifyChannel = "rule_events"
	maxEventBatchSize    = 1000
)

// Rule is the repository-level representation of a decision rule row.
// Conditions and Actions stay raw so re-exported documents are unchanged;
// the service layer decodes them into core types for evaluation.
type Rule struct {
	ID          string          `json:"id"`
	Name        string          `json:"rule_name"`
	Type        string          `json:"rule_type"`
	Description string          `json:"description,omitempty"`
	Conditions  json.RawMessage `json:"conditions"`
	Actions     json.RawMessage `json:"actions"`
	Priority    int             `json:"priority"`
	Active      bool            `json:"is_active"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// RuleEvent represents a change event for a rule, stored in the rule_events
// table and used to drive the SSE change feed and cache invalidation.
type RuleEvent struct {
	EventID   int64           `json:"event_id"`
	RuleID    string          `json:"rule_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// PostgresRepository implements rule, API key, and event persistence backed
// by a pgxpool connection pool.
type PostgresRepository struct {
	pool          *pgxpool.Pool
	notifyChannel string
	eventBatch    int
}

// RepositoryOption configures a PostgresRepository.
type RepositoryOption func(*PostgresRepository)

// WithNotifyChannel overrides the LISTEN/NOTIFY channel name.
func WithNotifyChannel(channel string) RepositoryOption {
	return func(r *PostgresRepository) {
		r.notifyChannel = normalizeNotifyChannel(channel)
	}
}

// WithEventBatchSize caps the number of events returned per change feed
// query. Values below 1 keep the default.
func WithEventBatchSize(size int) RepositoryOption {
	return func(r *PostgresRepository) {
		if size >= 1 {
			r.eventBatch = size
		}
	}
}

// NewPostgresRepository creates a [PostgresRepository] with default settings.
func NewPostgresRepository(pool *pgxpool.Pool, opts ...RepositoryOption) *PostgresRepository {
	r := &PostgresRepository{
		pool:          pool,
		notifyChannel: defaultNotifyChannel,
		eventBatch:    maxEventBatchSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateRule inserts a new rule row and returns the created record with
// server-generated timestamps.
func (r *PostgresRepository) CreateRule(ctx context.Context, rule Rule) (Rule, error) {
	var created Rule
	err := r.pool.QueryRow(ctx, `
		INSERT INTO rules (id, name, rule_type, description, conditions, actions, priority, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, name, rule_type, description, conditions, actions, priority, active, created_at, updated_at
	`,
		rule.ID,
		rule.Name,
		rule.Type,
		rule.Description,
		ensureJSON(rule.Conditions, "[]"),
		ensureJSON(rule.Actions, "[]"),
		rule.Priority,
		rule.Active,
	).Scan(
		&created.ID,
		&created.Name,
		&created.Type,
		&created.Description,
		&created.Conditions,
		&created.Actions,
		&created.Priority,
		&created.Active,
		&created.CreatedAt,
		&created.UpdatedAt,
	)
	if err != nil {
		return Rule{}, fmt.Errorf("create rule: %w", err)
	}

	return created, nil
}

// UpdateRule updates an existing rule row identified by ID and returns the
// updated record. Returns pgx.ErrNoRows (wrapped) if the rule does not exist.
func (r *PostgresRepository) UpdateRule(ctx context.Context, rule Rule) (Rule, error) {
	var updated Rule
	err := r.pool.QueryRow(ctx, `
		UPDATE rules
		SET name = $2,
		    rule_type = $3,
		    description = $4,
		    conditions = $5,
		    actions = $6,
		    priority = $7,
		    active = $8,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING id, name, rule_type, description, conditions, actions, priority, active, created_at, updated_at
	`,
		rule.ID,
		rule.Name,
		rule.Type,
		rule.Description,
		ensureJSON(rule.Conditions, "[]"),
		ensureJSON(rule.Actions, "[]"),
		rule.Priority,
		rule.Active,
	).Scan(
		&updated.ID,
		&updated.Name,
		&updated.Type,
		&updated.Description,
		&updated.Conditions,
		&updated.Actions,
		&updated.Priority,
		&updated.Active,
		&updated.CreatedAt,
		&updated.UpdatedAt,
	)
	if err != nil {
		return Rule{}, fmt.Errorf("update rule: %w", err)
	}

	return updated, nil
}

// GetRule retrieves a single rule by ID. Returns pgx.ErrNoRows (wrapped) if
// not found.
func (r *PostgresRepository) GetRule(ctx context.Context, id string) (Rule, error) {
	var rule Rule
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, rule_type, description, conditions, actions, priority, active, created_at, updated_at
		FROM rules
		WHERE id = $1
	`, id).Scan(
		&rule.ID,
		&rule.Name,
		&rule.Type,
		&rule.Description,
		&rule.Conditions,
		&rule.Actions,
		&rule.Priority,
		&rule.Active,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	if err != nil {
		return Rule{}, fmt.Errorf("get rule: %w", err)
	}

	return rule, nil
}

// ListRules returns all rules ordered by priority, then creation time so
// equal priorities keep their authoring order.
func (r *PostgresRepository) ListRules(ctx context.Context) ([]Rule, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, rule_type, description, conditions, actions, priority, active, created_at, updated_at
		FROM rules
		ORDER BY priority, created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	rules := make([]Rule, 0)
	for rows.Next() {
		var rule Rule
		if err := rows.Scan(
			&rule.ID,
			&rule.Name,
			&rule.Type,
			&rule.Description,
			&rule.Conditions,
			&rule.Actions,
			&rule.Priority,
			&rule.Active,
			&rule.CreatedAt,
			&rule.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}

		rules = append(rules, rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list rules rows: %w", err)
	}

	return rules, nil
}

// DeleteRule removes a rule by ID. Returns pgx.ErrNoRows (wrapped) if the
// rule does not exist.
func (r *PostgresRepository) DeleteRule(ctx context.Context, id string) error {
	commandTag, err := r.pool.Exec(ctx, `DELETE FROM rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	return deleteRuleNoRows(commandTag)
}

// UpsertRule inserts a rule or, when the ID already exists, replaces its
// definition. Used by rule set import so re-importing an exported document
// is idempotent.
func (r *PostgresRepository) UpsertRule(ctx context.Context, rule Rule) (Rule, error) {
	var stored Rule
	err := r.pool.QueryRow(ctx, `
		INSERT INTO rules (id, name, rule_type, description, conditions, actions, priority, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
		    rule_type = EXCLUDED.rule_type,
		    description = EXCLUDED.description,
		    conditions = EXCLUDED.conditions,
		    actions = EXCLUDED.actions,
		    priority = EXCLUDED.priority,
		    active = EXCLUDED.active,
		    updated_at = NOW()
		RETURNING id, name, rule_type, description, conditions, actions, priority, active, created_at, updated_at
	`,
		rule.ID,
		rule.Name,
		rule.Type,
		rule.Description,
		ensureJSON(rule.Conditions, "[]"),
		ensureJSON(rule.Actions, "[]"),
		rule.Priority,
		rule.Active,
	).Scan(
		&stored.ID,
		&stored.Name,
		&stored.Type,
		&stored.Description,
		&stored.Conditions,
		&stored.Actions,
		&stored.Priority,
		&stored.Active,
		&stored.CreatedAt,
		&stored.UpdatedAt,
	)
	if err != nil {
		return Rule{}, fmt.Errorf("upsert rule: %w", err)
	}

	return stored, nil
}

// ListEventsSince returns up to the configured batch size of rule events
// with IDs greater than eventID, ordered by event ID.
func (r *PostgresRepository) ListEventsSince(ctx context.Context, eventID int64) ([]RuleEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT event_id, rule_id, event_type, payload, created_at
		FROM rule_events
		WHERE event_id > $1
		ORDER BY event_id
		LIMIT $2
	`, eventID, r.eventBatch)
	if err != nil {
		return nil, fmt.Errorf("list events since: %w", err)
	}
	defer rows.Close()

	events := make([]RuleEvent, 0)
	for rows.Next() {
		var event RuleEvent
		if err := rows.Scan(
			&event.EventID,
			&event.RuleID,
			&event.EventType,
			&event.Payload,
			&event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events rows: %w", err)
	}

	return events, nil
}

// PublishRuleEvent inserts a rule event and sends a PostgreSQL NOTIFY on the
// configured channel within a single transaction.
func (r *PostgresRepository) PublishRuleEvent(ctx context.Context, event RuleEvent) (RuleEvent, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return RuleEvent{}, fmt.Errorf("begin publish event tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var created RuleEvent
	if err := tx.QueryRow(ctx, `
		INSERT INTO rule_events (rule_id, event_type, payload)
		VALUES ($1, $2, $3)
		RETURNING event_id, rule_id, event_type, payload, created_at
	`,
		event.RuleID,
		event.EventType,
		ensureJSON(event.Payload, "{}"),
	).Scan(
		&created.EventID,
		&created.RuleID,
		&created.EventType,
		&created.Payload,
		&created.CreatedAt,
	); err != nil {
		return RuleEvent{}, fmt.Errorf("insert rule event: %w", err)
	}

	notifyPayload, err := marshalNotifyPayload(created)
	if err != nil {
		return RuleEvent{}, fmt.Errorf("marshal notify payload: %w", err)
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, r.notifyChannel, notifyPayload); err != nil {
		return RuleEvent{}, fmt.Errorf("notify rule event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return RuleEvent{}, fmt.Errorf("commit publish event tx: %w", err)
	}

	return created, nil
}

// SubscribeRuleInvalidation returns a channel that receives a signal whenever
// a rule event notification arrives on the PostgreSQL LISTEN channel. The
// channel is closed if the listener gives up (context cancellation).
func (r *PostgresRepository) SubscribeRuleInvalidation(ctx context.Context) (<-chan struct{}, error) {
	invalidations := make(chan struct{}, 1)

	go r.runRuleInvalidationListener(ctx, invalidations)

	return invalidations, nil
}

func (r *PostgresRepository) runRuleInvalidationListener(ctx context.Context, invalidations chan<- struct{}) {
	defer close(invalidations)

	for {
		err := r.listenForRuleInvalidation(ctx, invalidations)
		if err == nil || ctx.Err() != nil {
			return
		}

		retryTimer := time.NewTimer(time.Second)
		select {
		case <-ctx.Done():
			retryTimer.Stop()
			return
		case <-retryTimer.C:
		}
	}
}

func (r *PostgresRepository) listenForRuleInvalidation(ctx context.Context, invalidations chan<- struct{}) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, listenStatement(r.notifyChannel)); err != nil {
		return fmt.Errorf("listen on %q: %w", r.notifyChannel, err)
	}

	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			return fmt.Errorf("wait for rule event notification: %w", err)
		}

		select {
		case invalidations <- struct{}{}:
		default:
		}
	}
}

func deleteRuleNoRows(commandTag pgconn.CommandTag) error {
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("delete rule: %w", pgx.ErrNoRows)
	}

	return nil
}

func normalizeNotifyChannel(channel string) string {
	if trimmed := strings.TrimSpace(channel); trimmed != "" {
		return trimmed
	}

	return defaultNotifyChannel
}

func ensureJSON(input json.RawMessage, fallback string) json.RawMessage {
	if len(input) == 0 {
		return json.RawMessage(fallback)
	}

	return input
}

func listenStatement(channel string) string {
	return fmt.Sprintf("LISTEN %s", pgx.Identifier{channel}.Sanitize())
}

func generateRandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func marshalNotifyPayload(event RuleEvent) (string, error) {
	serialized, err := json.Marshal(struct {
		RuleID    string `json:"rule_id"`
		EventType string `json:"event_type"`
	}{
		RuleID:    event.RuleID,
		EventType: event.EventType,
	})
	if err != nil {
		return "", err
	}

	return string(serialized), nil
}
