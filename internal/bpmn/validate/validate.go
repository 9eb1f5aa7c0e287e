// Package validate runs non-fatal structural lint rules over a parsed
// process graph. The hard invariants that block a process from ever
// running (missing start event, missing default flow, unmatched parallel
// split/join — see spec.md §3/§4.1) are enforced by internal/bpmn/parse at
// parse time and surface as werrors.ErrParseProcess. This package is for
// everything an operator would want to know about a process before
// running it but that doesn't by itself make the process un-runnable:
// unreachable nodes, dead-end branches, malformed conditions caught a
// second time for a friendlier report, duplicate data-binding keys.
package validate

import (
	"fmt"
	"strings"

	"github.com/weavergen/engine/internal/bpmn/model"
	"github.com/weavergen/engine/internal/cond"
)

type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
	SeverityInfo    Severity = "INFO"
)

type Diagnostic struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	NodeID   string   `json:"node_id,omitempty"`
	EdgeFrom string   `json:"edge_from,omitempty"`
	EdgeTo   string   `json:"edge_to,omitempty"`
}

// LintRule lets a caller extend Validate with process-specific checks
// without modifying this package.
type LintRule interface {
	Name() string
	Apply(g *model.Graph) []Diagnostic
}

// Validate runs all built-in lint rules plus any extra rules against g.
func Validate(g *model.Graph, extraRules ...LintRule) []Diagnostic {
	if g == nil {
		return []Diagnostic{{Rule: "graph_nil", Severity: SeverityError, Message: "graph is nil"}}
	}

	var diags []Diagnostic
	diags = append(diags, lintReachableFromStart(g)...)
	diags = append(diags, lintEndReachable(g)...)
	diags = append(diags, lintConditionSyntax(g)...)
	diags = append(diags, lintDuplicateBindingKeys(g)...)
	diags = append(diags, lintBoundaryAttachedToServiceTask(g)...)
	diags = append(diags, lintMockFallbackConsistency(g)...)
	diags = append(diags, lintCompensationHandlerDeclared(g)...)

	for _, rule := range extraRules {
		if rule != nil {
			diags = append(diags, rule.Apply(g)...)
		}
	}
	return diags
}

// ValidateOrError collapses ERROR-severity diagnostics into a single error,
// for callers (e.g. the CLI) that want a pass/fail gate before running.
func ValidateOrError(g *model.Graph, extraRules ...LintRule) error {
	diags := Validate(g, extraRules...)
	var errs []string
	for _, d := range diags {
		if d.Severity == SeverityError {
			errs = append(errs, d.Rule+": "+d.Message)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func lintReachableFromStart(g *model.Graph) []Diagnostic {
	start := g.StartNodeID()
	if start == "" {
		return nil // caught fatally by the parser; nothing more to say here
	}
	reached := reachableSet(g, start)
	var diags []Diagnostic
	for id := range g.Nodes {
		if !reached[id] {
			diags = append(diags, Diagnostic{
				Rule: "reachable_from_start", Severity: SeverityWarning, NodeID: id,
				Message: fmt.Sprintf("node %q is not reachable from the start event", id),
			})
		}
	}
	return diags
}

func lintEndReachable(g *model.Graph) []Diagnostic {
	var diags []Diagnostic
	ends := map[string]bool{}
	for _, id := range g.EndNodeIDs() {
		ends[id] = true
	}
	for id, n := range g.Nodes {
		if n.Kind == model.KindEndEvent || n.Kind == model.KindBoundaryTimer || n.Kind == model.KindBoundaryCompensation {
			continue
		}
		if !canReachAny(g, id, ends) {
			diags = append(diags, Diagnostic{
				Rule: "end_reachable", Severity: SeverityWarning, NodeID: id,
				Message: fmt.Sprintf("node %q cannot reach any end event", id),
			})
		}
	}
	return diags
}

func lintConditionSyntax(g *model.Graph) []Diagnostic {
	var diags []Diagnostic
	for _, e := range g.Edges {
		if e.Condition == "" {
			continue
		}
		if _, err := cond.Parse(e.Condition); err != nil {
			diags = append(diags, Diagnostic{
				Rule: "condition_syntax", Severity: SeverityError,
				EdgeFrom: e.From, EdgeTo: e.To,
				Message: fmt.Sprintf("malformed condition %q: %v", e.Condition, err),
			})
		}
	}
	return diags
}

func lintDuplicateBindingKeys(g *model.Graph) []Diagnostic {
	var diags []Diagnostic
	check := func(nodeID, kind string, bindings []model.DataBinding) {
		seen := map[string]bool{}
		for _, b := range bindings {
			if seen[b.Key] {
				diags = append(diags, Diagnostic{
					Rule: "duplicate_binding_key", Severity: SeverityError, NodeID: nodeID,
					Message: fmt.Sprintf("%s declares key %q more than once", kind, b.Key),
				})
			}
			seen[b.Key] = true
		}
	}
	for id, n := range g.Nodes {
		if n.Kind != model.KindServiceTask {
			continue
		}
		check(id, "inputs", n.Inputs)
		check(id, "outputs", n.Outputs)
	}
	return diags
}

func lintBoundaryAttachedToServiceTask(g *model.Graph) []Diagnostic {
	var diags []Diagnostic
	for id, n := range g.Nodes {
		if n.Kind != model.KindBoundaryTimer && n.Kind != model.KindBoundaryCompensation {
			continue
		}
		target, ok := g.Nodes[n.AttachedToID]
		if !ok {
			continue // caught fatally at parse time
		}
		if target.Kind != model.KindServiceTask {
			diags = append(diags, Diagnostic{
				Rule: "boundary_attached_to_service_task", Severity: SeverityError, NodeID: id,
				Message: fmt.Sprintf("boundary event %q is attached to %q, which is not a serviceTask", id, n.AttachedToID),
			})
		}
	}
	return diags
}

func lintMockFallbackConsistency(g *model.Graph) []Diagnostic {
	var diags []Diagnostic
	for id, n := range g.Nodes {
		if n.Kind != model.KindServiceTask {
			continue
		}
		if n.RetryPolicy.FallbackToMock && !n.Mockable {
			diags = append(diags, Diagnostic{
				Rule: "mock_fallback_consistency", Severity: SeverityWarning, NodeID: id,
				Message: fmt.Sprintf("serviceTask %q declares fallback_to_mock but is not marked mockable", id),
			})
		}
	}
	return diags
}

func lintCompensationHandlerDeclared(g *model.Graph) []Diagnostic {
	var diags []Diagnostic
	for id, n := range g.Nodes {
		if n.Kind != model.KindBoundaryCompensation {
			continue
		}
		target, ok := g.Nodes[n.CompensationFor]
		if !ok {
			diags = append(diags, Diagnostic{
				Rule: "compensation_handler_declared", Severity: SeverityError, NodeID: id,
				Message: fmt.Sprintf("compensation boundary %q references unknown task %q", id, n.CompensationFor),
			})
			continue
		}
		if target.CompensationHandlerID == "" {
			diags = append(diags, Diagnostic{
				Rule: "compensation_handler_declared", Severity: SeverityWarning, NodeID: id,
				Message: fmt.Sprintf("task %q has a compensation boundary but declares no compensation handler id", n.CompensationFor),
			})
		}
	}
	return diags
}

func reachableSet(g *model.Graph, from string) map[string]bool {
	visited := map[string]bool{}
	queue := []string{from}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true
		for _, e := range g.Outgoing(id) {
			queue = append(queue, e.To)
		}
	}
	return visited
}

func canReachAny(g *model.Graph, from string, targets map[string]bool) bool {
	visited := map[string]bool{}
	var walk func(id string) bool
	walk = func(id string) bool {
		if targets[id] {
			return true
		}
		if visited[id] {
			return false
		}
		visited[id] = true
		for _, e := range g.Outgoing(id) {
			if walk(e.To) {
				return true
			}
		}
		return false
	}
	return walk(from)
}
