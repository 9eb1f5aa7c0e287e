package miner

import (
	"testing"

	"github.com/weavergen/engine/internal/bpmn/model"
)

func TestOptimizer_SuggestsRaiseInitialDelay(t *testing.T) {
	o := New(0.3)
	o.Observe("Flaky", 100, false, true)
	o.Observe("Flaky", 100, false, true)
	o.Observe("Flaky", 100, false, false)
	suggestions := o.Suggestions()
	found := false
	for _, s := range suggestions {
		if s.Kind == "raise_initial_delay" && s.TaskID == "Flaky" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected raise_initial_delay suggestion for Flaky, got %+v", suggestions)
	}
}

func TestOptimizer_NoSuggestionWhenReliable(t *testing.T) {
	o := New(0.3)
	o.Observe("Stable", 50, false, false)
	o.Observe("Stable", 55, false, false)
	if got := o.Suggestions(); len(got) != 0 {
		t.Fatalf("expected no suggestions, got %+v", got)
	}
}

func TestMineProcess_SequentialTrace(t *testing.T) {
	traces := []Trace{
		{"LoadSemantics", "ValidateInput", "GenerateOutput"},
		{"LoadSemantics", "ValidateInput", "GenerateOutput"},
	}
	g, err := MineProcess("Mined", traces)
	if err != nil {
		t.Fatalf("MineProcess: %v", err)
	}
	for _, id := range []string{"start", "end", "LoadSemantics", "ValidateInput", "GenerateOutput"} {
		if _, ok := g.Nodes[id]; !ok {
			t.Fatalf("expected node %q in mined graph", id)
		}
	}
	if len(g.Outgoing("start")) != 1 {
		t.Fatalf("expected exactly one outgoing edge from start")
	}
}

func TestMineProcess_DetectsConcurrentPair(t *testing.T) {
	traces := []Trace{
		{"Start", "A", "B", "End"},
		{"Start", "B", "A", "End"},
	}
	g, err := MineProcess("Mined", traces)
	if err != nil {
		t.Fatalf("MineProcess: %v", err)
	}
	found := false
	for _, n := range g.Nodes {
		if n.Kind == model.KindParallelSplit {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a parallel split for tasks observed in both orders")
	}
}

func TestMineProcess_EmptyArchiveErrors(t *testing.T) {
	if _, err := MineProcess("X", nil); err == nil {
		t.Fatalf("expected error for empty trace archive")
	}
}
