package validate

import (
	"testing"

	"github.com/weavergen/engine/internal/bpmn/model"
)

func buildLinearGraph() *model.Graph {
	g := model.NewGraph("p1", "test")
	g.AddNode(&model.Node{ID: "start", Kind: model.KindStartEvent, Order: 0})
	g.AddNode(&model.Node{ID: "t1", Kind: model.KindServiceTask, ServiceTaskRef: "load", Order: 1,
		RetryPolicy: model.RetryPolicy{MaxAttempts: 1}})
	g.AddNode(&model.Node{ID: "end", Kind: model.KindEndEvent, Order: 2})
	g.AddEdge(&model.Edge{From: "start", To: "t1", Order: 0})
	g.AddEdge(&model.Edge{From: "t1", To: "end", Order: 1})
	g.Finalize()
	return g
}

func TestValidate_CleanGraphHasNoErrors(t *testing.T) {
	g := buildLinearGraph()
	diags := Validate(g)
	for _, d := range diags {
		if d.Severity == SeverityError {
			t.Fatalf("unexpected error diagnostic: %+v", d)
		}
	}
}

func TestValidate_UnreachableNode(t *testing.T) {
	g := buildLinearGraph()
	g.AddNode(&model.Node{ID: "orphan", Kind: model.KindServiceTask, ServiceTaskRef: "noop", Order: 3})
	g.Finalize()

	diags := Validate(g)
	found := false
	for _, d := range diags {
		if d.Rule == "reachable_from_start" && d.NodeID == "orphan" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected reachable_from_start warning for orphan node, got %+v", diags)
	}
}

func TestValidate_MalformedCondition(t *testing.T) {
	g := buildLinearGraph()
	g.Edges[1].Condition = "has foo and"
	diags := Validate(g)
	found := false
	for _, d := range diags {
		if d.Rule == "condition_syntax" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected condition_syntax error, got %+v", diags)
	}
}

func TestValidate_DuplicateBindingKey(t *testing.T) {
	g := model.NewGraph("p2", "test")
	g.AddNode(&model.Node{ID: "start", Kind: model.KindStartEvent, Order: 0})
	g.AddNode(&model.Node{
		ID: "t1", Kind: model.KindServiceTask, ServiceTaskRef: "load", Order: 1,
		Inputs: []model.DataBinding{{Key: "x"}, {Key: "x"}},
	})
	g.AddNode(&model.Node{ID: "end", Kind: model.KindEndEvent, Order: 2})
	g.AddEdge(&model.Edge{From: "start", To: "t1", Order: 0})
	g.AddEdge(&model.Edge{From: "t1", To: "end", Order: 1})
	g.Finalize()

	diags := Validate(g)
	found := false
	for _, d := range diags {
		if d.Rule == "duplicate_binding_key" && d.NodeID == "t1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected duplicate_binding_key error, got %+v", diags)
	}
}

func TestValidateOrError(t *testing.T) {
	g := buildLinearGraph()
	if err := ValidateOrError(g); err != nil {
		t.Fatalf("ValidateOrError on clean graph: %v", err)
	}

	g.Edges[1].Condition = "bad =="
	if err := ValidateOrError(g); err == nil {
		t.Fatalf("expected ValidateOrError to fail on malformed condition")
	}
}
