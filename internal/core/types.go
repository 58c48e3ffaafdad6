// Package core implements the decision rules engine: a deterministic
// evaluator that folds a prioritized rule set over a caller-supplied business
// context and accumulates the combined outcome (pricing adjustments, blocks,
// required documents, risk score, bank recommendations, routing signals).
//
// Evaluation is a pure function of (rules, context): the engine holds no
// state between calls, never mutates rule definitions, and never returns an
// error; malformed operators and action payloads degrade to no-ops so one
// bad rule cannot abort the rest of the set.
package core

// Operator compares a resolved context field against a condition value.
type Operator string

const (
	OperatorEquals      Operator = "equals"
	OperatorNotEquals   Operator = "not_equals"
	OperatorContains    Operator = "contains"
	OperatorGreaterThan Operator = "greater_than"
	OperatorLessThan    Operator = "less_than"
	OperatorIn          Operator = "in"
	OperatorNotIn       Operator = "not_in"
)

// Logic joins a condition with the accumulated result of the conditions
// before it. The first condition in a rule seeds the accumulator and its
// Logic field is ignored.
type Logic string

const (
	LogicAnd Logic = "AND"
	LogicOr  Logic = "OR"
)

// ActionType identifies the effect a matched rule applies to the accumulator.
type ActionType string

const (
	ActionBlock               ActionType = "block"
	ActionAllow               ActionType = "allow"
	ActionRequireDocument     ActionType = "require_document"
	ActionSetPrice            ActionType = "set_price"
	ActionMultiplyPrice       ActionType = "multiply_price"
	ActionAddFee              ActionType = "add_fee"
	ActionShowWarning         ActionType = "show_warning"
	ActionSetField            ActionType = "set_field"
	ActionSetProcessingTime   ActionType = "set_processing_time"
	ActionRecommendBank       ActionType = "recommend_bank"
	ActionAssignAgent         ActionType = "assign_agent"
	ActionAddRiskScore        ActionType = "add_risk_score"
	ActionAutoApprove         ActionType = "auto_approve"
	ActionRequireManualReview ActionType = "require_manual_review"
	ActionSkipStep            ActionType = "skip_step"
	ActionShowStep            ActionType = "show_step"
	ActionApplyDiscount       ActionType = "apply_discount"
)

// Document categories used by require_document payloads.
const (
	DocumentMandatory = "mandatory"
	DocumentEDD       = "edd"
	DocumentOptional  = "optional"
)

// Condition is a single field/operator/value test within a rule.
type Condition struct {
	ID       string   `json:"id,omitempty"`
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
	Logic    Logic    `json:"logic,omitempty"`
}

// Document describes a required document attached to a require_document
// action.
type Document struct {
	Name        string `json:"name"`
	Category    string `json:"category"`
	Description string `json:"description,omitempty"`
}

// Action is a single effect applied when a rule's conditions are satisfied.
// Payload fields are action-specific; irrelevant fields stay zero.
type Action struct {
	ID             string     `json:"id,omitempty"`
	Type           ActionType `json:"type"`
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

// Rule is a named, prioritized condition-to-action mapping. Lower priority
// evaluates first; rules with equal priority preserve input order. Type is
// descriptive metadata only; the engine never branches on it.
type Rule struct {
	ID          string      `json:"id"`
	Name        string      `json:"rule_name"`
	Type        string      `json:"rule_type"`
	Description string      `json:"description,omitempty"`
	Conditions  []Condition `json:"conditions"`
	Actions     []Action    `json:"actions"`
	Priority    int         `json:"priority"`
	Active      bool        `json:"is_active"`
}

// Context is the caller-supplied record describing the case under
// evaluation (jurisdiction, emirate, activity risk, plan code, ...). The
// engine treats it as read-only.
type Context map[string]any

// RequiredDocument is a {name, category} pair on the accumulator. Duplicates
// are preserved exactly as rules emit them.
type RequiredDocument struct {
	Name     string `json:"name"`
	Category string `json:"category"`
}

// Signal records a routing-oriented action (assign_agent, auto_approve,
// require_manual_review, skip_step, show_step) emitted by a matched rule.
// Signals never mutate the numeric or document accumulators; acting on them
// is a caller concern.
type Signal struct {
	Type      ActionType `json:"type"`
	RuleName  string     `json:"rule_name"`
	Target    string     `json:"target,omitempty"`
	AgentID   string     `json:"agent_id,omitempty"`
	AgentName string     `json:"agent_name,omitempty"`
}

// EvaluationResult accumulates the effects of all matched rules for one
// evaluation call. It is created fresh per call and returned by value.
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

// RuleTrace reports what the engine decided for one rule during a traced
// evaluation. Skipped inactive rules do not appear.
type RuleTrace struct {
	RuleID   string `json:"rule_id"`
	RuleName string `json:"rule_name"`
	Matched  bool   `json:"matched"`
}

// Diagnostic surfaces a fail-soft degradation (unknown operator, unknown
// action type, non-numeric operand) without changing evaluation outcomes.
type Diagnostic struct {
	RuleID   string `json:"rule_id"`
	RuleName string `json:"rule_name"`
	Kind     string `json:"kind"`
	Detail   string `json:"detail"`
}

// Diagnostic kinds.
const (
	DiagUnknownOperator = "unknown_operator"
	DiagUnknownAction   = "unknown_action"
	DiagNonNumeric      = "non_numeric_value"
)
