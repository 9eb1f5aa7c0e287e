// Package mockmode implements Mock Mode (C11): deterministic, schema-shaped
// stand-ins for service task handlers, used when a run has mock mode enabled
// globally, when a referenced task id has no registered handler, and as the
// Policy fallback path after a task's retries are exhausted with
// fallback_to_mock declared (spec.md §4.11).
//
// Mock outputs are synthesized from a task's declared output keys alone, so
// Dispatch works even for tasks with no OutputSchema. A mocked invocation
// always stamps execution.mocked=true on its span; per spec.md §4.11 this
// never counts as validation.passed=true, so the Quality Scorer penalises
// mocked runs rather than crediting them.
package mockmode

import (
	"context"
	"fmt"

	"github.com/weavergen/engine/internal/registry"
	"github.com/weavergen/engine/internal/runctx"
	"github.com/weavergen/engine/internal/spanrecorder"
)

// Dispatch synthesizes canned outputs for def, matching policy.MockDispatch's
// signature so the engine can wire it in directly at construction time.
func Dispatch(ctx context.Context, def *registry.Definition, inputs map[string]any, span spanrecorder.Handle, view *runctx.View) (map[string]any, error) {
	span.SetAttribute("execution.mocked", true)
	outputs := make(map[string]any, len(def.OutputKeys))
	for _, key := range def.OutputKeys {
		outputs[key] = cannedValue(def.ID, key)
	}
	if err := def.ValidateOutput(outputs); err != nil {
		return nil, fmt.Errorf("mockmode: canned outputs for %q failed validation: %w", def.ID, err)
	}
	return outputs, nil
}

// cannedValue guesses a plausible shape for key from its own name, since the
// registry does not expose a schema-to-example generator. The guess only
// needs to satisfy ValidateOutput's undeclared-key check and whatever type
// constraint, if any, the task's OutputSchema carries for simple cases.
func cannedValue(taskID, key string) any {
	switch suffixClass(key) {
	case classCount:
		return 0
	case classFlag:
		return false
	case classList:
		return []any{}
	case classScore:
		return 0.0
	default:
		return "mock:" + taskID + "." + key
	}
}

type suffix int

const (
	classString suffix = iota
	classCount
	classFlag
	classList
	classScore
)

func suffixClass(key string) suffix {
	switch {
	case hasSuffix(key, "_count") || hasSuffix(key, "_ms") || hasSuffix(key, "_bytes"):
		return classCount
	case hasSuffix(key, "_enabled") || hasSuffix(key, "_ok") || hasSuffix(key, "_passed") || hasPrefix(key, "is_") || hasPrefix(key, "has_"):
		return classFlag
	case hasSuffix(key, "_list") || hasSuffix(key, "_ids") || hasSuffix(key, "s") && len(key) > 1:
		return classList
	case hasSuffix(key, "_score"):
		return classScore
	default:
		return classString
	}
}

func hasSuffix(s, suf string) bool {
	return len(s) >= len(suf) && s[len(s)-len(suf):] == suf
}

func hasPrefix(s, pre string) bool {
	return len(s) >= len(pre) && s[:len(pre)] == pre
}
