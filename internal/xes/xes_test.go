package xes

import (
	"strings"
	"testing"
	"time"

	"github.com/weavergen/engine/internal/spanrecorder"
)

func TestEncode(t *testing.T) {
	now := time.Now().UTC()
	spans := []*spanrecorder.SpanRecord{
		{TaskID: "LoadSemantics", SpanID: "s1", Status: spanrecorder.StatusOK, EndTime: now,
			Attributes: map[string]any{"semantic.operation": "load"}},
	}
	out, err := Encode("run-1", spans)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	s := string(out)
	if !strings.Contains(s, `value="run-1"`) {
		t.Fatalf("trace concept:name missing: %s", s)
	}
	if !strings.Contains(s, `value="LoadSemantics"`) {
		t.Fatalf("event concept:name missing: %s", s)
	}
}
