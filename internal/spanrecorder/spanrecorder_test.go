package spanrecorder

import (
	"context"
	"testing"
)

func TestRecorder_BalancedLifecycle(t *testing.T) {
	r := New("run-1")
	root := r.StartSpan(context.Background(), "run", "")
	h := r.StartSpan(root.Context(), "LoadSemantics", "LoadSemantics")
	r.SetAttribute(h, "semantic.group.id", "weaver.loader")
	r.SetAttribute(h, "execution.success", true)
	r.EndSpan(h, StatusOK)
	r.EndSpan(root, StatusOK)

	if err := r.Finish(context.Background()); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	recs := r.Records()
	if len(recs) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(recs))
	}
	var task *SpanRecord
	for _, s := range recs {
		if s.TaskID == "LoadSemantics" {
			task = s
		}
	}
	if task == nil {
		t.Fatalf("expected LoadSemantics span, got %+v", recs)
	}
	if task.Attributes["semantic.group.id"] != "weaver.loader" {
		t.Fatalf("attribute not captured: %+v", task.Attributes)
	}
	if task.Status != StatusOK {
		t.Fatalf("status = %v, want OK", task.Status)
	}
}

func TestRecorder_CancelledStatusSurvivesProjection(t *testing.T) {
	r := New("run-2")
	h := r.StartSpan(context.Background(), "Integration", "Integration")
	r.EndSpan(h, StatusCancelled)
	if err := r.Finish(context.Background()); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	recs := r.Records()
	if len(recs) != 1 || recs[0].Status != StatusCancelled {
		t.Fatalf("expected single CANCELLED span, got %+v", recs)
	}
}

func TestRecorder_ExportFormats(t *testing.T) {
	r := New("run-3")
	h := r.StartSpan(context.Background(), "t", "t")
	r.EndSpan(h, StatusOK)
	if err := r.Finish(context.Background()); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if _, err := r.ExportJSON(); err != nil {
		t.Fatalf("ExportJSON: %v", err)
	}
	if _, err := r.ExportCompact(); err != nil {
		t.Fatalf("ExportCompact: %v", err)
	}
}
