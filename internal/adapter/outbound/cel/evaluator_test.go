package cel

import (
	"strings"
	"testing"
)

func testActivation() map[string]any {
	return map[string]any{
		"principal": map[string]any{
			"id":        "user::alice",
			"type":      "user",
			"attr":      map[string]any{"department": "eng"},
			"ancestors": []string{"user::alice", "group::eng"},
		},
		"action":   map[string]any{"id": "action::read", "type": "action", "attr": map[string]any{}, "ancestors": []string{}},
		"resource": map[string]any{"id": "file::/tmp/x", "type": "file", "attr": map[string]any{}, "ancestors": []string{}},
		"context":  map[string]any{"environment": "prod", "port": int64(443)},
	}
}

// TestEvaluateExpressions tests representative guard expressions
// against a populated activation.
func TestEvaluateExpressions(t *testing.T) {
	ev, err := NewEvaluator()
	if err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		expr string
		want bool
	}{
		{`principal.type == "user"`, true},
		{`principal.attr.department == "eng"`, true},
		{`"group::eng" in principal.ancestors`, true},
		{`"group::ops" in principal.ancestors`, false},
		{`context.environment == "prod" && context.port == 443`, true},
		{`resource.id.startsWith("file::/tmp")`, true},
		{`has_attr(principal, "department")`, true},
		{`has_attr(principal, "clearance")`, false},
	}
	for _, tc := range cases {
		prg, err := ev.Compile(tc.expr)
		if err != nil {
			t.Errorf("Compile(%q): %v", tc.expr, err)
			continue
		}
		got, err := ev.Evaluate(prg, testActivation())
		if err != nil {
			t.Errorf("Evaluate(%q): %v", tc.expr, err)
			continue
		}
		if got != tc.want {
			t.Errorf("Evaluate(%q) = %v, want %v", tc.expr, got, tc.want)
		}
	}
}

// TestEvaluateMissingAttributeErrors tests that selecting an absent
// attribute is a runtime error, not false.
func TestEvaluateMissingAttributeErrors(t *testing.T) {
	ev, err := NewEvaluator()
	if err != nil {
		t.Fatal(err)
	}
	prg, err := ev.Compile(`principal.attr.clearance == "secret"`)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ev.Evaluate(prg, testActivation()); err == nil {
		t.Error("missing attribute selection succeeded")
	}
}

// TestValidateExpression tests construction-time rejection.
func TestValidateExpression(t *testing.T) {
	ev, err := NewEvaluator()
	if err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		name string
		expr string
	}{
		{"empty", ""},
		{"syntax error", `principal.type == `},
		{"unknown variable", `subject.id == "x"`},
		{"non-boolean", `1 + 2`},
		{"too long", strings.Repeat("principal.type == \"user\" && ", 100) + "true"},
		{"too deep", strings.Repeat("(", 60) + "true" + strings.Repeat(")", 60)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := ev.ValidateExpression(tc.expr); err == nil {
				t.Errorf("ValidateExpression(%q) accepted", tc.expr)
			}
		})
	}
}
