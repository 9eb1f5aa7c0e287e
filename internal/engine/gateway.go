package engine

import (
	"fmt"

	"github.com/weavergen/engine/internal/bpmn/model"
	"github.com/weavergen/engine/internal/cond"
	"github.com/weavergen/engine/internal/runctx"
	"github.com/weavergen/engine/internal/werrors"
)

// evaluateExclusive resolves an exclusiveGateway's outgoing edges in
// declared order: the first edge whose condition evaluates true is taken;
// if none match, the mandatory default flow is taken (spec.md §4.6, §4.1 —
// parse.Parse already guarantees a gateway has exactly one default flow and
// every non-default flow carries a condition).
func evaluateExclusive(g *model.Graph, node *model.Node, view *runctx.View) (*model.Edge, error) {
	edges := g.Outgoing(node.ID)
	var def *model.Edge
	for _, e := range edges {
		if e.IsDefault {
			def = e
			continue
		}
		matched, err := cond.Evaluate(e.Condition, view)
		if err != nil {
			return nil, fmt.Errorf("exclusiveGateway %q: %w", node.ID, err)
		}
		if matched {
			return e, nil
		}
	}
	if def == nil {
		return nil, fmt.Errorf("%w: exclusiveGateway %q", werrors.ErrGatewayNoMatch, node.ID)
	}
	return def, nil
}
