package core

import (
	"strconv"
	"strings"
)

// matchRule reports whether every condition in the rule holds for the
// context, folding the per-condition results left-to-right with each
// condition's own logic operator. A rule with no conditions always matches.
func (e *Engine) matchRule(rule Rule, ctx Context) bool {
	if len(rule.Conditions) == 0 {
		return true
	}

	result := e.evalCondition(rule, rule.Conditions[0], ctx)
	for _, condition := range rule.Conditions[1:] {
		next := e.evalCondition(rule, condition, ctx)
		if condition.Logic == LogicOr {
			result = result || next
		} else {
			result = result && next
		}
	}

	return result
}

func (e *Engine) evalCondition(rule Rule, condition Condition, ctx Context) bool {
	fieldValue := e.resolver.Resolve(ctx, condition.Field)

	switch condition.Operator {
	case OperatorEquals:
		return strings.EqualFold(fieldValue, stringify(condition.Value))
	case OperatorNotEquals:
		return !strings.EqualFold(fieldValue, stringify(condition.Value))
	case OperatorContains:
		return strings.Contains(strings.ToLower(fieldValue), strings.ToLower(stringify(condition.Value)))
	case OperatorGreaterThan:
		left, right, ok := numericOperands(fieldValue, condition.Value)
		if !ok {
			e.diagnose(rule, DiagNonNumeric, condition.Field)
			return false
		}
		return left > right
	case OperatorLessThan:
		left, right, ok := numericOperands(fieldValue, condition.Value)
		if !ok {
			e.diagnose(rule, DiagNonNumeric, condition.Field)
			return false
		}
		return left < right
	case OperatorIn:
		return valueIn(fieldValue, condition.Value)
	case OperatorNotIn:
		return !valueIn(fieldValue, condition.Value)
	default:
		e.diagnose(rule, DiagUnknownOperator, string(condition.Operator))
		return false
	}
}

func numericOperands(fieldValue string, conditionValue any) (float64, float64, bool) {
	left, err := strconv.ParseFloat(strings.TrimSpace(fieldValue), 64)
	if err != nil {
		return 0, 0, false
	}
	right, ok := toFloat(conditionValue)
	if !ok {
		return 0, 0, false
	}
	return left, right, true
}

// valueIn tests case-insensitive membership of fieldValue in the condition
// value, which may be a literal sequence or a comma-separated string.
func valueIn(fieldValue string, conditionValue any) bool {
	for _, member := range membershipList(conditionValue) {
		if strings.EqualFold(fieldValue, member) {
			return true
		}
	}
	return false
}

func membershipList(value any) []string {
	switch v := value.(type) {
	case []string:
		return v
	case []any:
		members := make([]string, 0, len(v))
		for _, item := range v {
			members = append(members, stringify(item))
		}
		return members
	case string:
		parts := strings.Split(v, ",")
		members := make([]string, 0, len(parts))
		for _, part := range parts {
			members = append(members, strings.TrimSpace(part))
		}
		return members
	default:
		return nil
	}
}

// toFloat coerces a rule-authored value to a number. JSON decoding yields
// float64, but editors also send numeric strings.
func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}
