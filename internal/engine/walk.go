package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/weavergen/engine/internal/bpmn/model"
	"github.com/weavergen/engine/internal/policy"
	"github.com/weavergen/engine/internal/runctx"
	"github.com/weavergen/engine/internal/werrors"
)

// walk advances a single execution path from nodeID until it reaches an end
// event, or — when stopAtJoin is true — the first parallelGatewayJoin node on
// this path, which it returns without firing (the enclosing parallel split
// orchestrator fires the join once every branch has arrived). view is the
// branch's copy-on-write context projection; stack is the branch's LIFO
// compensation stack.
func (r *run) walk(ctx context.Context, nodeID string, view *runctx.View, branchIdx int, stack *policy.Stack, stopAtJoin bool) (string, error) {
	g := r.eng.Graph
	for {
		if r.rc.Canceled() {
			return "", fmt.Errorf("%w: run cancelled", werrors.ErrCancelled)
		}
		node, ok := g.Nodes[nodeID]
		if !ok {
			return "", fmt.Errorf("internal: node %q not found", nodeID)
		}

		switch node.Kind {
		case model.KindStartEvent:
			edge := deterministicEdge(g.Outgoing(nodeID))
			if edge == nil {
				return "", fmt.Errorf("%w: startEvent %q has no outgoing flow", werrors.ErrParseProcess, nodeID)
			}
			nodeID = edge.To

		case model.KindEndEvent:
			return nodeID, nil

		case model.KindServiceTask:
			err := r.dispatchServiceTask(ctx, node, view, stack)
			if err != nil {
				if bt, ok := err.(errBoundaryTimer); ok {
					timerNode := boundaryTimerFor(g, bt.attachedTo)
					edge := deterministicEdge(g.Outgoing(timerNode.ID))
					if edge == nil {
						return "", fmt.Errorf("%w: boundaryTimer %q has no outgoing flow", werrors.ErrParseProcess, timerNode.ID)
					}
					nodeID = edge.To
					continue
				}
				return "", err
			}
			edge := deterministicEdge(g.Outgoing(nodeID))
			if edge == nil {
				return nodeID, nil
			}
			nodeID = edge.To

		case model.KindExclusiveGateway:
			edge, err := evaluateExclusive(g, node, view)
			if err != nil {
				return "", err
			}
			nodeID = edge.To

		case model.KindParallelSplit:
			return r.runParallelSplit(ctx, node, view, stack, stopAtJoin)

		case model.KindParallelJoin:
			if stopAtJoin {
				return nodeID, nil
			}
			edge := deterministicEdge(g.Outgoing(nodeID))
			if edge == nil {
				return nodeID, nil
			}
			nodeID = edge.To

		case model.KindBoundaryTimer, model.KindBoundaryCompensation:
			return "", fmt.Errorf("internal: boundary node %q reached via normal sequence flow", nodeID)

		default:
			return "", fmt.Errorf("internal: unknown node kind %q", node.Kind)
		}
	}
}

type branchResult struct {
	term string
	err  error
}

// runParallelSplit forks one branch per outgoing edge, runs each to its
// first join (or end event), and — once every branch has finished —
// reconciles their context writes into the run's shared Context per the
// declared merge rules (spec.md §4.2, §4.6 "Parallel join").
func (r *run) runParallelSplit(ctx context.Context, node *model.Node, view *runctx.View, stack *policy.Stack, stopAtJoin bool) (string, error) {
	view.Close()
	if err := r.rc.Merge([]*runctx.View{view}, mergeRulesFromGraph(r.eng.Graph), node.ID); err != nil {
		return "", err
	}

	edges := r.eng.Graph.Outgoing(node.ID)
	n := len(edges)
	if n == 0 {
		return "", fmt.Errorf("%w: parallelGatewaySplit %q has no outgoing flows", werrors.ErrParseProcess, node.ID)
	}

	childViews := make([]*runctx.View, n)
	childStacks := make([]*policy.Stack, n)
	results := make([]branchResult, n)

	var wg sync.WaitGroup
	for i, e := range edges {
		childViews[i] = r.rc.Snapshot(i)
		childStacks[i] = &policy.Stack{}
		wg.Add(1)
		go func(i int, target string) {
			defer wg.Done()
			term, err := r.walk(ctx, target, childViews[i], i, childStacks[i], true)
			results[i] = branchResult{term: term, err: err}
		}(i, e.To)
	}
	wg.Wait()

	var firstErr error
	joinID := ""
	for i, res := range results {
		if res.err != nil {
			if firstErr == nil {
				firstErr = res.err
			}
			r.pol.InvokeCompensations(ctx, r.eng.Registry.Lookup, childStacks[i], r.rootSpan, childViews[i], r.rc)
			continue
		}
		childViews[i].Close()
		if joinID == "" {
			joinID = res.term
		} else if joinID != res.term {
			if firstErr == nil {
				firstErr = fmt.Errorf("parallel branches of %q converge on different joins: %q vs %q", node.ID, joinID, res.term)
			}
		}
	}

	if firstErr != nil {
		for i, res := range results {
			if res.err == nil {
				r.pol.InvokeCompensations(ctx, r.eng.Registry.Lookup, childStacks[i], r.rootSpan, childViews[i], r.rc)
			}
		}
		return "", fmt.Errorf("%w: %v", werrors.ErrBranchFailed, firstErr)
	}

	successful := make([]*runctx.View, 0, n)
	for i := range results {
		successful = append(successful, childViews[i])
		stack.Append(childStacks[i])
	}
	if err := r.rc.Merge(successful, mergeRulesFromGraph(r.eng.Graph), joinID); err != nil {
		for i := range results {
			r.pol.InvokeCompensations(ctx, r.eng.Registry.Lookup, childStacks[i], r.rootSpan, childViews[i], r.rc)
		}
		return "", err
	}

	// The join matching this split has already fired (merged above); continue
	// forward from it honoring the caller's own stopAtJoin, which only
	// applies to joins still ahead (relevant for nested parallel regions).
	joinEdge := deterministicEdge(r.eng.Graph.Outgoing(joinID))
	if joinEdge == nil {
		return joinID, nil
	}
	joinView := r.rc.Snapshot(0)
	term, err := r.walk(ctx, joinEdge.To, joinView, 0, stack, stopAtJoin)
	joinView.Close()
	if err == nil {
		err = r.rc.Merge([]*runctx.View{joinView}, mergeRulesFromGraph(r.eng.Graph), joinID)
	}
	return term, err
}
