package core

import "testing"

func TestMapResolver(t *testing.T) {
	ctx := Context{
		"emirate":           "Dubai",
		"locationType":      "freezone",
		"activityRiskLevel": "high",
		"planCode":          "pro",
		"shareCapital":      150000.0,
		"licensed":          true,
		"plan":              map[string]any{"tier": "gold"},
	}

	tests := []struct {
		field string
		want  string
	}{
		{field: "jurisdiction.type", want: "freezone"},
		{field: "jurisdiction_type", want: "freezone"},
		{field: "jurisdiction.emirate", want: "Dubai"},
		{field: "emirate", want: "Dubai"},
		{field: "activity.risk_level", want: "high"},
		{field: "risk_level", want: "high"},
		{field: "plan.code", want: "pro"},
		{field: "plan_code", want: "pro"},
		{field: "shareCapital", want: "150000"},
		{field: "licensed", want: "true"},
		{field: "plan.tier", want: "gold"},
		{field: "nonexistent", want: ""},
		{field: "plan.tier.deeper", want: ""},
		{field: "", want: ""},
	}

	for _, test := range tests {
		t.Run(test.field, func(t *testing.T) {
			if got := DefaultResolver.Resolve(ctx, test.field); got != test.want {
				t.Fatalf("Resolve(%q) = %q, want %q", test.field, got, test.want)
			}
		})
	}
}

func TestMapResolverSnakeCaseContext(t *testing.T) {
	// The API tolerates both camelCase and snake_case context keys.
	ctx := Context{"jurisdiction_type": "mainland", "risk_level": "low", "plan_code": "basic"}

	if got := DefaultResolver.Resolve(ctx, "jurisdiction.type"); got != "mainland" {
		t.Fatalf("Resolve(jurisdiction.type) = %q, want %q", got, "mainland")
	}
	if got := DefaultResolver.Resolve(ctx, "activity.risk_level"); got != "low" {
		t.Fatalf("Resolve(activity.risk_level) = %q, want %q", got, "low")
	}
	if got := DefaultResolver.Resolve(ctx, "plan.code"); got != "basic" {
		t.Fatalf("Resolve(plan.code) = %q, want %q", got, "basic")
	}
}

func TestMapResolverNilContext(t *testing.T) {
	if got := DefaultResolver.Resolve(nil, "emirate"); got != "" {
		t.Fatalf("Resolve(nil ctx) = %q, want empty", got)
	}
}

func TestResolverFunc(t *testing.T) {
	custom := ResolverFunc(func(ctx Context, field string) string {
		if field == "always" {
			return "yes"
		}
		return ""
	})

	engine := NewEngine(WithResolver(custom))
	rule := Rule{
		Name:   "custom",
		Active: true,
		Conditions: []Condition{
			{Field: "always", Operator: OperatorEquals, Value: "yes"},
		},
	}
	if !engine.matchRule(rule, nil) {
		t.Fatal("matchRule() with custom resolver = false, want true")
	}
}
