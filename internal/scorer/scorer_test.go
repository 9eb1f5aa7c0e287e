package scorer

import (
	"context"
	"testing"

	"github.com/weavergen/engine/internal/registry"
	"github.com/weavergen/engine/internal/runctx"
	"github.com/weavergen/engine/internal/spanrecorder"
)

func testRegistry() *registry.Registry {
	r := registry.New()
	_ = r.Register(&registry.Definition{ID: "load", Category: registry.CategorySemantic, Handler: noop})
	_ = r.Register(&registry.Definition{ID: "gen", Category: registry.CategoryGeneration, Handler: noop})
	return r
}

func noop(ctx context.Context, inputs map[string]any, span spanrecorder.Handle, view *runctx.View) (map[string]any, error) {
	return nil, nil
}

func TestScore_EmptyTraceScoresOne(t *testing.T) {
	res := Score(nil, testRegistry(), nil, Budget{}, 0.80)
	if !res.Passed || res.Score != 1 {
		t.Fatalf("expected score 1/passed for empty trace, got %+v", res)
	}
}

func TestScore_PerfectRun(t *testing.T) {
	spans := []*spanrecorder.SpanRecord{
		{TaskID: "load", Attributes: map[string]any{
			"semantic.group.id": "g", "semantic.operation": "load",
			"validation.passed": true, "execution.success": true,
		}},
		{TaskID: "gen", Attributes: map[string]any{
			"semantic.group.id": "g", "semantic.operation": "gen",
			"validation.passed": true, "execution.success": true,
		}},
	}
	res := Score(spans, testRegistry(), map[string]int64{"load": 10, "gen": 10}, Budget{TaskDuration: 100}, 0.80)
	if res.Score != 1 {
		t.Fatalf("expected perfect score 1, got %v", res)
	}
	if !res.Passed {
		t.Fatalf("expected verdict passed")
	}
}

func TestScore_MockedRunScoresLower(t *testing.T) {
	spans := []*spanrecorder.SpanRecord{
		{TaskID: "load", Attributes: map[string]any{
			"semantic.group.id": "g", "semantic.operation": "load",
			"validation.passed": false, "execution.success": true, "execution.mocked": true,
		}},
	}
	res := Score(spans, testRegistry(), nil, Budget{}, 0.80)
	if res.ValidSpans != 0 {
		t.Fatalf("expected valid_spans=0 for unvalidated mocked span, got %v", res.ValidSpans)
	}
}

func TestScore_PerformanceDegradesLinearly(t *testing.T) {
	durations := map[string]int64{"a": 200}
	res := Score([]*spanrecorder.SpanRecord{{TaskID: "a"}}, testRegistry(), durations, Budget{TaskDuration: 100}, 0.80)
	if res.Performance <= 0 || res.Performance >= 1 {
		t.Fatalf("expected partial performance score in (0,1), got %v", res.Performance)
	}
}
