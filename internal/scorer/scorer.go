// Package scorer implements the Quality Scorer (C8): a pure, deterministic
// function from a finished run's span set to a weighted quality score and
// pass/fail verdict (spec.md §4.8).
package scorer

import (
	"sort"

	"github.com/weavergen/engine/internal/registry"
	"github.com/weavergen/engine/internal/spanrecorder"
)

// Budget is the performance dimension's duration budget; task durations are
// scored against it (spec.md §4.8 "performance").
type Budget struct {
	TaskDuration int64 // milliseconds
}

// Result is the scorer's output: the four dimension values plus the
// combined weighted score and verdict.
type Result struct {
	SemanticCompliance float64 `json:"semantic_compliance"`
	ValidSpans         float64 `json:"valid_spans"`
	Coverage           float64 `json:"coverage"`
	Performance        float64 `json:"performance"`
	Score              float64 `json:"score"`
	Passed             bool    `json:"passed"`
}

// Score computes the weighted quality score for spans, taking the
// registry's full category set as the coverage denominator and taskDurations
// (milliseconds, keyed by task id) for the performance dimension. threshold
// is the pass/fail cutoff (spec.md default 0.80). A run with no task spans
// at all scores 1.0 by convention (spec.md §8 "a process with only
// start→end ... score defined as 1.0").
func Score(spans []*spanrecorder.SpanRecord, reg *registry.Registry, taskDurationsMS map[string]int64, budget Budget, threshold float64) Result {
	taskSpans := filterTaskSpans(spans)
	if len(taskSpans) == 0 {
		return Result{SemanticCompliance: 1, ValidSpans: 1, Coverage: 1, Performance: 1, Score: 1, Passed: true}
	}

	semantic := fractionWhere(taskSpans, func(s *spanrecorder.SpanRecord) bool {
		_, hasGroup := s.Attributes["semantic.group.id"]
		_, hasOp := s.Attributes["semantic.operation"]
		return hasGroup && hasOp
	})

	valid := fractionWhere(taskSpans, func(s *spanrecorder.SpanRecord) bool {
		return attrTrue(s, "validation.passed") && attrTrue(s, "execution.success")
	})

	coverage := coverageFraction(taskSpans, reg)

	perf := performanceScore(taskDurationsMS, budget)

	score := 0.30*semantic + 0.30*valid + 0.20*coverage + 0.20*perf
	return Result{
		SemanticCompliance: semantic,
		ValidSpans:         valid,
		Coverage:           coverage,
		Performance:        perf,
		Score:              score,
		Passed:             score >= threshold,
	}
}

func filterTaskSpans(spans []*spanrecorder.SpanRecord) []*spanrecorder.SpanRecord {
	var out []*spanrecorder.SpanRecord
	for _, s := range spans {
		if s.TaskID != "" {
			out = append(out, s)
		}
	}
	return out
}

func fractionWhere(spans []*spanrecorder.SpanRecord, pred func(*spanrecorder.SpanRecord) bool) float64 {
	if len(spans) == 0 {
		return 0
	}
	n := 0
	for _, s := range spans {
		if pred(s) {
			n++
		}
	}
	return float64(n) / float64(len(spans))
}

func attrTrue(s *spanrecorder.SpanRecord, key string) bool {
	v, ok := s.Attributes[key]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

func coverageFraction(spans []*spanrecorder.SpanRecord, reg *registry.Registry) float64 {
	categories := reg.Categories()
	if len(categories) == 0 {
		return 1
	}
	seen := map[string]bool{}
	for _, s := range spans {
		def, err := reg.Lookup(s.TaskID)
		if err != nil {
			continue
		}
		seen[string(def.Category)] = true
	}
	n := 0
	for _, c := range categories {
		if seen[c] {
			n++
		}
	}
	return float64(n) / float64(len(categories))
}

// performanceScore is 1.0 at or under budget, decreasing linearly to 0 at
// 3x budget, evaluated at the 95th-percentile task duration.
func performanceScore(durationsMS map[string]int64, budget Budget) float64 {
	if budget.TaskDuration <= 0 || len(durationsMS) == 0 {
		return 1
	}
	values := make([]int64, 0, len(durationsMS))
	for _, d := range durationsMS {
		values = append(values, d)
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	p95 := percentile(values, 0.95)

	budgetF := float64(budget.TaskDuration)
	if float64(p95) <= budgetF {
		return 1
	}
	ceiling := 3 * budgetF
	if float64(p95) >= ceiling {
		return 0
	}
	return 1 - (float64(p95)-budgetF)/(ceiling-budgetF)
}

func percentile(sorted []int64, p float64) int64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	idx := int(p * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
