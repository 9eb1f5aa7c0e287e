// Package validator implements the Truth Validator (C9): an optional
// post-run step that cross-checks a set of claim records against the
// run's own span set, the authoritative execution record (spec.md §4.9).
package validator

import (
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/weavergen/engine/internal/spanrecorder"
)

// Verdict is the per-claim outcome.
type Verdict string

const (
	Verified     Verdict = "verified"
	Unverifiable Verdict = "unverifiable"
	Contradicted Verdict = "contradicted"
)

// Claim is a fact a task asserts about its own execution (e.g. "generated
// N files for L languages"), supplied alongside a run for validation.
// RequiredEvidence maps an attribute key to the expected check:
//   - a string or []string is treated as one or more doublestar glob
//     patterns, matched against "code.filepath" attributes on spans whose
//     TaskID equals the claim's TaskID (or any span, if TaskID is empty).
//   - any other value is treated as an expected equality against the
//     span attribute of the same key.
type Claim struct {
	TaskID           string
	Text             string
	RequiredEvidence map[string]any
	EvidenceSchema   *jsonschema.Schema // optional; validates the full attribute set as one payload
}

// Result is one claim's validation outcome.
type Result struct {
	Claim             Claim
	Verdict           Verdict
	SupportingSpanIDs []string
	Reason            string
}

// Validate checks every claim against spans, returning one Result per
// claim in the order given.
func Validate(claims []Claim, spans []*spanrecorder.SpanRecord) []Result {
	out := make([]Result, 0, len(claims))
	for _, c := range claims {
		out = append(out, validateOne(c, relevantSpans(c, spans)))
	}
	return out
}

func relevantSpans(c Claim, spans []*spanrecorder.SpanRecord) []*spanrecorder.SpanRecord {
	if c.TaskID == "" {
		return spans
	}
	var out []*spanrecorder.SpanRecord
	for _, s := range spans {
		if s.TaskID == c.TaskID {
			out = append(out, s)
		}
	}
	return out
}

func validateOne(c Claim, spans []*spanrecorder.SpanRecord) Result {
	if len(spans) == 0 {
		return Result{Claim: c, Verdict: Unverifiable, Reason: "no spans for claimed task"}
	}
	if len(c.RequiredEvidence) == 0 {
		return Result{Claim: c, Verdict: Unverifiable, Reason: "claim declares no required evidence"}
	}

	var supporting []string
	for key, want := range c.RequiredEvidence {
		switch w := want.(type) {
		case string:
			if !matchGlobClaim(spans, []string{w}, &supporting) {
				return contradictedOrUnverifiable(c, spans, key, w)
			}
		case []string:
			if !matchGlobClaim(spans, w, &supporting) {
				return contradictedOrUnverifiable(c, spans, key, w)
			}
		case []any:
			patterns := make([]string, 0, len(w))
			for _, v := range w {
				if s, ok := v.(string); ok {
					patterns = append(patterns, s)
				}
			}
			if !matchGlobClaim(spans, patterns, &supporting) {
				return contradictedOrUnverifiable(c, spans, key, w)
			}
		default:
			id, ok := matchAttrClaim(spans, key, want)
			if !ok {
				return contradictedOrUnverifiable(c, spans, key, want)
			}
			supporting = append(supporting, id)
		}
	}

	if c.EvidenceSchema != nil {
		for _, s := range spans {
			if err := c.EvidenceSchema.Validate(toAnyMap(s.Attributes)); err != nil {
				return Result{
					Claim: c, Verdict: Contradicted, SupportingSpanIDs: supporting,
					Reason: fmt.Sprintf("evidence schema: %v", err),
				}
			}
		}
	}

	return Result{Claim: c, Verdict: Verified, SupportingSpanIDs: dedupe(supporting)}
}

func contradictedOrUnverifiable(c Claim, spans []*spanrecorder.SpanRecord, key string, want any) Result {
	present := false
	for _, s := range spans {
		if _, ok := s.Attributes[key]; ok {
			present = true
			break
		}
	}
	if !present {
		return Result{Claim: c, Verdict: Unverifiable, Reason: fmt.Sprintf("no span carries evidence attribute %q", key)}
	}
	return Result{Claim: c, Verdict: Contradicted, Reason: fmt.Sprintf("evidence %q does not match claimed value %v", key, want)}
}

func matchGlobClaim(spans []*spanrecorder.SpanRecord, patterns []string, supporting *[]string) bool {
	matched := map[string]bool{}
	for _, s := range spans {
		fp, ok := s.Attributes["code.filepath"]
		if !ok {
			continue
		}
		path, ok := fp.(string)
		if !ok {
			continue
		}
		for _, p := range patterns {
			if ok, _ := doublestar.Match(p, path); ok {
				matched[p] = true
				*supporting = append(*supporting, s.SpanID)
			}
		}
	}
	return len(matched) == len(patterns)
}

func matchAttrClaim(spans []*spanrecorder.SpanRecord, key string, want any) (spanID string, ok bool) {
	for _, s := range spans {
		v, present := s.Attributes[key]
		if !present {
			continue
		}
		if equalValue(v, want) {
			return s.SpanID, true
		}
	}
	return "", false
}

func equalValue(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}

func toAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func dedupe(ids []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
