package cond

import "testing"

type fakeEnv map[string]any

func (f fakeEnv) Get(key string) (any, bool) {
	v, ok := f[key]
	return v, ok
}

func TestEvaluate(t *testing.T) {
	env := fakeEnv{
		"tests_passed": true,
		"loop_state":   "active",
		"errors":       0,
		"semantic_file": "t.yaml",
	}

	cases := []struct {
		cond string
		want bool
	}{
		{"", true},
		{"loop_state = active", true},
		{"loop_state != exhausted", true},
		{"errors = 0", true},
		{"errors > 0", false},
		{"errors <= 0", true},
		{"has semantic_file", true},
		{"has missing_key", false},
		{"has semantic_file and errors = 0", true},
		{"has semantic_file and errors = 0 and has missing_key", false},
		{"has missing_key or errors = 0", true},
		{"(has missing_key or errors = 0) and loop_state = active", true},
		{"missing = foo", false},
	}
	for _, tc := range cases {
		got, err := Evaluate(tc.cond, env)
		if err != nil {
			t.Fatalf("Evaluate(%q) error: %v", tc.cond, err)
		}
		if got != tc.want {
			t.Fatalf("Evaluate(%q)=%v, want %v", tc.cond, got, tc.want)
		}
	}
}

func TestEvaluate_NumericComparison(t *testing.T) {
	env := fakeEnv{"count": 5}
	cases := []struct {
		cond string
		want bool
	}{
		{"count > 3", true},
		{"count >= 5", true},
		{"count < 5", false},
		{"count <= 4", false},
	}
	for _, tc := range cases {
		got, err := Evaluate(tc.cond, env)
		if err != nil {
			t.Fatalf("Evaluate(%q) error: %v", tc.cond, err)
		}
		if got != tc.want {
			t.Fatalf("Evaluate(%q)=%v, want %v", tc.cond, got, tc.want)
		}
	}
}

func TestParse_Invalid(t *testing.T) {
	cases := []string{
		"errors ==",
		"errors = 0 and",
		"(errors = 0",
		"has",
		"errors 0",
	}
	for _, c := range cases {
		if _, err := Parse(c); err == nil {
			t.Fatalf("Parse(%q): expected error, got nil", c)
		}
	}
}

func TestEvaluate_OrPrecedenceLeftToRight(t *testing.T) {
	// and/or share precedence and associate left to right, per spec.md's
	// grammar (no precedence climbing between them).
	env := fakeEnv{"a": 1, "b": 0, "c": 1}
	got, err := Evaluate("a = 1 and b = 1 or c = 1", env)
	if err != nil {
		t.Fatalf("Evaluate error: %v", err)
	}
	// ((a=1 and b=1) or c=1) = (false or true) = true
	if !got {
		t.Fatalf("expected true")
	}
}
