// Package decisio provides client interfaces and domain types for the decisio
// rules engine service.
//
// Use the sub-package to create a transport-specific client:
//
//	import decisiohttp "github.com/formaops/decisio/clients/go/http"
package decisio

import (
	"context"
	"time"
)

// RuleManager covers CRUD and bulk transfer operations on decision rules.
type RuleManager interface {
	CreateRule(ctx context.Context, rule Rule) (Rule, error)
	GetRule(ctx context.Context, id string) (Rule, error)
	ListRules(ctx context.Context) ([]Rule, error)
	UpdateRule(ctx context.Context, rule Rule) (Rule, error)
	DeleteRule(ctx context.Context, id string) error
	ExportRules(ctx context.Context) ([]Rule, error)
	ImportRules(ctx context.Context, rules []Rule) (ImportResult, error)
}

// Evaluator covers rule evaluation for a given application context.
type Evaluator interface {
	Evaluate(ctx context.Context, evalCtx Context) (EvaluationResult, error)
	Simulate(ctx context.Context, evalCtx Context, rules []Rule) (SimulateResult, error)
}

// Streamer delivers real-time rule change events.
// The returned channel is closed when ctx is cancelled or the connection drops.
type Streamer interface {
	Stream(ctx context.Context, lastEventID int64) (<-chan RuleEvent, error)
}

// Context carries the application attributes rules are matched against,
// e.g. {"emirate": "Dubai", "activity_count": 3}.
type Context map[string]any

// Condition is a single field comparison within a rule.
type Condition struct {
	ID       string `json:"id,omitempty"`
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
	Logic    string `json:"logic,omitempty"`
}

// Document describes a document requested by a require_document action.
type Document struct {
	Name        string `json:"name"`
	Category    string `json:"category"`
	Description string `json:"description,omitempty"`
}

// Action is a single effect applied when a rule matches.
type Action struct {
	ID             string     `json:"id,omitempty"`
	Type           string     `json:"type"`
	Target         string     `json:"target,omitempty"`
	Value          any        `json:"value,omitempty"`
	Message        string     `json:"message,omitempty"`
	Documents      []Document `json:"documents,omitempty"`
	ProcessingDays *int       `json:"processingDays,omitempty"`
	Banks          []string   `json:"banks,omitempty"`
	AgentID        string     `json:"agentId,omitempty"`
	AgentName      string     `json:"agentName,omitempty"`
	RiskPoints     *float64   `json:"riskPoints,omitempty"`
}

// Rule is the domain representation of a decision rule.
type Rule struct {
	ID          string
	Name        string
	Type        string
	Description string
	Conditions  []Condition
	Actions     []Action
	Priority    int
	Active      bool
	CreatedAt   time.Time // assigned by the server
	UpdatedAt   time.Time // assigned by the server
}

// RequiredDocument is a document the evaluation determined must be collected.
type RequiredDocument struct {
	Name     string `json:"name"`
	Category string `json:"category"`
}

// Signal is a side-channel effect recorded during evaluation, such as an
// agent assignment or a notification request.
type Signal struct {
	Type      string `json:"type"`
	RuleName  string `json:"rule_name"`
	Target    string `json:"target,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
	AgentName string `json:"agent_name,omitempty"`
}

// EvaluationResult is the aggregate outcome of evaluating all active rules
// against one application context.
type EvaluationResult struct {
	AppliedRuleNames   []string           `json:"applied_rule_names"`
	PriceMultiplier    float64            `json:"price_multiplier"`
	AdditionalFees     float64            `json:"additional_fees"`
	Warnings           []string           `json:"warnings"`
	Blocked            bool               `json:"blocked"`
	BlockMessage       string             `json:"block_message,omitempty"`
	RequiredDocuments  []RequiredDocument `json:"required_documents"`
	ProcessingTimeDays *int               `json:"processing_time_days,omitempty"`
	RecommendedBanks   []string           `json:"recommended_banks"`
	RiskScore          float64            `json:"risk_score"`
	Signals            []Signal           `json:"signals,omitempty"`
}

// RuleTrace reports whether a single rule matched during a simulation.
type RuleTrace struct {
	RuleID   string `json:"rule_id"`
	RuleName string `json:"rule_name"`
	Matched  bool   `json:"matched"`
}

// Diagnostic reports a non-fatal problem the evaluator skipped over, such as
// an unknown operator or a malformed condition value.
type Diagnostic struct {
	RuleID   string `json:"rule_id"`
	RuleName string `json:"rule_name"`
	Kind     string `json:"kind"`
	Detail   string `json:"detail"`
}

// SimulateResult carries the evaluation outcome together with per-rule match
// traces and evaluator diagnostics.
type SimulateResult struct {
	Result      EvaluationResult `json:"result"`
	Traces      []RuleTrace      `json:"traces"`
	Diagnostics []Diagnostic     `json:"diagnostics"`
}

// ImportResult reports the outcome of a bulk rule import.
type ImportResult struct {
	Imported int
	Rules    []Rule
}

// RuleEvent is a real-time notification of a rule change.
type RuleEvent struct {
	Type    string // "update" | "delete" | "error"
	RuleID  string
	Rule    *Rule // nil on error; last known state on delete
	EventID int64
}
