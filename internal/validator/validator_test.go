package validator

import (
	"testing"

	"github.com/weavergen/engine/internal/spanrecorder"
)

func TestValidate_VerifiedFileCountClaim(t *testing.T) {
	spans := []*spanrecorder.SpanRecord{
		{TaskID: "GenerateModels", SpanID: "s1", Attributes: map[string]any{"code.filepath": "generated/go/model.go"}},
		{TaskID: "GenerateModels", SpanID: "s2", Attributes: map[string]any{"file_count": 2}},
	}
	claims := []Claim{{
		TaskID: "GenerateModels", Text: "generated files for go",
		RequiredEvidence: map[string]any{
			"code.filepath": []string{"generated/go/*.go"},
			"file_count":    2,
		},
	}}
	res := Validate(claims, spans)
	if len(res) != 1 || res[0].Verdict != Verified {
		t.Fatalf("expected verified, got %+v", res)
	}
}

func TestValidate_ContradictedCount(t *testing.T) {
	spans := []*spanrecorder.SpanRecord{
		{TaskID: "GenerateModels", SpanID: "s1", Attributes: map[string]any{"file_count": 1}},
	}
	claims := []Claim{{TaskID: "GenerateModels", RequiredEvidence: map[string]any{"file_count": 4}}}
	res := Validate(claims, spans)
	if res[0].Verdict != Contradicted {
		t.Fatalf("expected contradicted, got %+v", res[0])
	}
}

func TestValidate_UnverifiableNoSpans(t *testing.T) {
	claims := []Claim{{TaskID: "Missing", RequiredEvidence: map[string]any{"x": 1}}}
	res := Validate(claims, nil)
	if res[0].Verdict != Unverifiable {
		t.Fatalf("expected unverifiable, got %+v", res[0])
	}
}
