package core

import "sort"

const defaultBlockMessage = "Blocked"

// Engine evaluates rule sets. The zero value is not usable; construct with
// NewEngine. An Engine is immutable after construction and safe for
// concurrent use; each Apply call allocates its own accumulator.
type Engine struct {
	resolver    FieldResolver
	diagnostics func(Diagnostic)
}

// Option configures an Engine.
type Option func(*Engine)

// WithResolver injects a custom field resolver, decoupling the engine from
// the default context schema.
func WithResolver(resolver FieldResolver) Option {
	return func(e *Engine) {
		if resolver != nil {
			e.resolver = resolver
		}
	}
}

// WithDiagnostics registers a sink for fail-soft degradation notices
// (unknown operators, unknown action types, non-numeric operands). The sink
// observes but never alters evaluation outcomes.
func WithDiagnostics(sink func(Diagnostic)) Option {
	return func(e *Engine) {
		e.diagnostics = sink
	}
}

// NewEngine creates an engine with the default field resolver.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{resolver: DefaultResolver}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Apply evaluates rules against ctx with a default engine. It is the
// convenience entry point for callers that need no custom resolver or
// diagnostics.
func Apply(rules []Rule, ctx Context) EvaluationResult {
	return NewEngine().Apply(rules, ctx)
}

// Apply filters to active rules, stable-sorts them by ascending priority,
// and folds the actions of every matching rule into a fresh accumulator.
// Rules are never mutated.
func (e *Engine) Apply(rules []Rule, ctx Context) EvaluationResult {
	result, _ := e.run(rules, ctx, false)
	return result
}

// ApplyWithTrace behaves exactly like Apply and additionally reports, per
// active rule in evaluation order, whether it matched. Both methods share one
// evaluation path so simulation reproduces production results bit for bit.
func (e *Engine) ApplyWithTrace(rules []Rule, ctx Context) (EvaluationResult, []RuleTrace) {
	return e.run(rules, ctx, true)
}

func (e *Engine) run(rules []Rule, ctx Context, traced bool) (EvaluationResult, []RuleTrace) {
	active := make([]Rule, 0, len(rules))
	for _, rule := range rules {
		if rule.Active {
			active = append(active, rule)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		return active[i].Priority < active[j].Priority
	})

	result := EvaluationResult{
		AppliedRuleNames:  make([]string, 0, len(active)),
		PriceMultiplier:   1.0,
		Warnings:          make([]string, 0),
		RequiredDocuments: make([]RequiredDocument, 0),
		RecommendedBanks:  make([]string, 0),
	}

	var trace []RuleTrace
	if traced {
		trace = make([]RuleTrace, 0, len(active))
	}

	for _, rule := range active {
		matched := e.matchRule(rule, ctx)
		if traced {
			trace = append(trace, RuleTrace{RuleID: rule.ID, RuleName: rule.Name, Matched: matched})
		}
		if !matched {
			continue
		}

		result.AppliedRuleNames = append(result.AppliedRuleNames, rule.Name)
		for _, action := range rule.Actions {
			e.applyAction(rule, action, &result)
		}
	}

	return result, trace
}

func (e *Engine) applyAction(rule Rule, action Action, result *EvaluationResult) {
	switch action.Type {
	case ActionSetPrice:
		// Historical authoring convention: magnitudes above 1 are flat
		// fees, everything else is a multiplier. Existing rule data
		// depends on this branch.
		value, ok := toFloat(action.Value)
		if !ok {
			e.diagnose(rule, DiagNonNumeric, string(action.Type))
			return
		}
		if value > 1 {
			result.AdditionalFees += value
		} else {
			result.PriceMultiplier *= value
		}

	case ActionMultiplyPrice:
		value, ok := toFloat(action.Value)
		if !ok {
			e.diagnose(rule, DiagNonNumeric, string(action.Type))
			return
		}
		result.PriceMultiplier *= value

	case ActionAddFee:
		value, ok := toFloat(action.Value)
		if !ok {
			e.diagnose(rule, DiagNonNumeric, string(action.Type))
			return
		}
		result.AdditionalFees += value

	case ActionApplyDiscount:
		value, ok := toFloat(action.Value)
		if !ok {
			e.diagnose(rule, DiagNonNumeric, string(action.Type))
			return
		}
		result.PriceMultiplier *= 1 - value/100

	case ActionShowWarning:
		if action.Message != "" {
			result.Warnings = append(result.Warnings, action.Message)
		}

	case ActionBlock:
		result.Blocked = true
		if result.BlockMessage == "" {
			if action.Message != "" {
				result.BlockMessage = action.Message
			} else {
				result.BlockMessage = defaultBlockMessage
			}
		}

	case ActionAllow:
		// Intent marker only; the rule is already recorded as applied.

	case ActionRequireDocument:
		switch {
		case len(action.Documents) > 0:
			for _, doc := range action.Documents {
				result.RequiredDocuments = append(result.RequiredDocuments, RequiredDocument{
					Name:     doc.Name,
					Category: doc.Category,
				})
			}
		case action.Target != "":
			// Legacy single-document form.
			result.RequiredDocuments = append(result.RequiredDocuments, RequiredDocument{
				Name:     action.Target,
				Category: DocumentMandatory,
			})
		}

	case ActionSetProcessingTime:
		days, ok := processingDays(action)
		if !ok {
			e.diagnose(rule, DiagNonNumeric, string(action.Type))
			return
		}
		if result.ProcessingTimeDays == nil || days > *result.ProcessingTimeDays {
			result.ProcessingTimeDays = &days
		}

	case ActionRecommendBank:
		for _, bank := range action.Banks {
			if !containsString(result.RecommendedBanks, bank) {
				result.RecommendedBanks = append(result.RecommendedBanks, bank)
			}
		}

	case ActionAddRiskScore:
		if action.RiskPoints != nil {
			result.RiskScore += *action.RiskPoints
			return
		}
		value, ok := toFloat(action.Value)
		if !ok {
			e.diagnose(rule, DiagNonNumeric, string(action.Type))
			return
		}
		result.RiskScore += value

	case ActionAssignAgent:
		result.Signals = append(result.Signals, Signal{
			Type:      action.Type,
			RuleName:  rule.Name,
			AgentID:   action.AgentID,
			AgentName: action.AgentName,
		})

	case ActionAutoApprove, ActionRequireManualReview, ActionSkipStep, ActionShowStep:
		result.Signals = append(result.Signals, Signal{
			Type:     action.Type,
			RuleName: rule.Name,
			Target:   action.Target,
		})

	case ActionSetField:
		// The accumulator carries no free-form fields; recorded as a
		// no-op to match the reference evaluator.

	default:
		e.diagnose(rule, DiagUnknownAction, string(action.Type))
	}
}

func processingDays(action Action) (int, bool) {
	if action.ProcessingDays != nil {
		return *action.ProcessingDays, true
	}
	value, ok := toFloat(action.Value)
	if !ok {
		return 0, false
	}
	return int(value), true
}

func containsString(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}

func (e *Engine) diagnose(rule Rule, kind, detail string) {
	if e.diagnostics == nil {
		return
	}
	e.diagnostics(Diagnostic{
		RuleID:   rule.ID,
		RuleName: rule.Name,
		Kind:     kind,
		Detail:   detail,
	})
}
