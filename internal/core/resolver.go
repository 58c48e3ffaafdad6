package core

import (
	"strconv"
	"strings"
)

// FieldResolver maps a condition field name to a string value from the
// context. Implementations must return the empty string for fields they
// cannot resolve, never an error.
type FieldResolver interface {
	Resolve(ctx Context, field string) string
}

// ResolverFunc adapts a function to the FieldResolver interface.
type ResolverFunc func(ctx Context, field string) string

func (f ResolverFunc) Resolve(ctx Context, field string) string {
	return f(ctx, field)
}

// fieldAliases maps the canonical dotted field names (and their tolerant
// aliases) to the context keys callers actually send. First present key wins.
var fieldAliases = map[string][]string{
	"jurisdiction.type":    {"locationType", "jurisdiction_type", "jurisdictionType"},
	"jurisdiction_type":    {"locationType", "jurisdiction_type", "jurisdictionType"},
	"jurisdiction.emirate": {"emirate"},
	"emirate":              {"emirate"},
	"activity.risk_level":  {"activityRiskLevel", "risk_level", "activity_risk_level"},
	"risk_level":           {"activityRiskLevel", "risk_level", "activity_risk_level"},
	"plan.code":            {"planCode", "plan_code"},
	"plan_code":            {"planCode", "plan_code"},
}

// MapResolver resolves fields against a flat or nested context map. It knows
// the fixed field schema shared with the rule editors (dotted keys such as
// "jurisdiction.type") and falls back to a direct key lookup, then a
// dotted-path traversal of nested maps. Resolution is case-sensitive.
type MapResolver struct{}

// DefaultResolver is the resolver used by Apply when none is injected.
var DefaultResolver FieldResolver = MapResolver{}

func (MapResolver) Resolve(ctx Context, field string) string {
	if len(ctx) == 0 || field == "" {
		return ""
	}

	if keys, ok := fieldAliases[field]; ok {
		for _, key := range keys {
			if value, ok := ctx[key]; ok {
				return stringify(value)
			}
		}
	}

	if value, ok := ctx[field]; ok {
		return stringify(value)
	}

	return resolvePath(ctx, field)
}

// resolvePath walks dotted segments through nested maps, so a context of
// {"plan": {"code": "pro"}} resolves "plan.code".
func resolvePath(ctx Context, field string) string {
	segments := strings.Split(field, ".")
	var current any = map[string]any(ctx)

	for _, segment := range segments {
		node, ok := current.(map[string]any)
		if !ok {
			return ""
		}
		current, ok = node[segment]
		if !ok {
			return ""
		}
	}

	return stringify(current)
}

// stringify renders a context value for comparison. Unresolvable shapes
// (maps, slices) resolve to the empty string rather than an error.
func stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return ""
	}
}
