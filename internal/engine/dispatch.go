package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/weavergen/engine/internal/bpmn/model"
	"github.com/weavergen/engine/internal/policy"
	"github.com/weavergen/engine/internal/registry"
	"github.com/weavergen/engine/internal/runctx"
	"github.com/weavergen/engine/internal/spanrecorder"
	"github.com/weavergen/engine/internal/werrors"
)

// boundaryTimerFor returns the boundaryTimer node attached to nodeID, if any.
// Declaration order picks a single winner when more than one is attached,
// which the parser's structural validation does not forbid but no example
// process exercises.
func boundaryTimerFor(g *model.Graph, nodeID string) *model.Node {
	for _, id := range g.NodesByKind(model.KindBoundaryTimer) {
		if n := g.Nodes[id]; n.AttachedToID == nodeID {
			return n
		}
	}
	return nil
}

// dispatchServiceTask resolves the handler (falling back to Mock Mode for an
// unregistered ref or a globally-mocked run), races it against any attached
// boundary timer, and folds its declared outputs into view.
func (r *run) dispatchServiceTask(ctx context.Context, node *model.Node, view *runctx.View, stack *policy.Stack) error {
	if err := r.bumpVisit(node.ID); err != nil {
		return err
	}
	r.eng.sem <- struct{}{}
	defer func() { <-r.eng.sem }()

	r.eng.Progress.Event(ProgressEvent{Kind: "task_start", NodeID: node.ID, At: time.Now()})

	span := r.rec.StartSpan(r.rootSpan.Context(), node.ID, node.ID)

	inputs := map[string]any{}
	for _, b := range node.Inputs {
		if v, ok := view.Get(b.Key); ok {
			inputs[b.Key] = v
		}
	}

	def, lookupErr := r.eng.Registry.Lookup(node.ServiceTaskRef)
	mocked := r.mockAll
	if lookupErr != nil {
		if node.Mockable {
			mocked = true
			def = &registry.Definition{ID: node.ServiceTaskRef, OutputKeys: outputKeys(node)}
		} else {
			r.rec.SetAttribute(span, "execution.success", false)
			r.rec.EndSpan(span, spanrecorder.StatusError)
			return fmt.Errorf("%w: %v", werrors.ErrUnknownTaskRef, lookupErr)
		}
	}

	taskCtx := ctx
	var cancelTimer context.CancelFunc
	timerFired := make(chan struct{})
	if bt := boundaryTimerFor(r.eng.Graph, node.ID); bt != nil && bt.TimerDuration > 0 {
		var timerCtx context.Context
		timerCtx, cancelTimer = context.WithTimeout(ctx, time.Duration(bt.TimerDuration)*time.Millisecond)
		taskCtx = timerCtx
		go func() {
			<-timerCtx.Done()
			if timerCtx.Err() == context.DeadlineExceeded {
				close(timerFired)
			}
		}()
		defer cancelTimer()
	}

	start := time.Now()
	var res policy.Result
	var err error
	if mocked {
		outputs, mErr := r.pol.MockDispatch(taskCtx, def, inputs, span, view)
		res, err = policy.Result{Outputs: outputs, Mocked: true, Attempts: 1}, mErr
	} else {
		res, err = r.pol.Execute(taskCtx, node, def, inputs, view, span, stack, r.rc)
	}
	r.recordDuration(node.ID, time.Since(start))

	select {
	case <-timerFired:
		r.eng.Progress.Event(ProgressEvent{Kind: "boundary_timer_fired", NodeID: node.ID, At: time.Now()})
		return errBoundaryTimer{attachedTo: node.ID}
	default:
	}

	if err != nil {
		r.recordTrace(node.ID)
		return err
	}

	for _, b := range node.Outputs {
		if v, ok := res.Outputs[b.Key]; ok {
			view.Set(b.Key, v, node.ID)
		}
	}
	r.recordTrace(node.ID)
	r.eng.Progress.Event(ProgressEvent{Kind: "task_end", NodeID: node.ID, At: time.Now(), Detail: map[string]any{"mocked": res.Mocked}})
	return nil
}

func outputKeys(node *model.Node) []string {
	keys := make([]string, len(node.Outputs))
	for i, b := range node.Outputs {
		keys[i] = b.Key
	}
	return keys
}

// errBoundaryTimer signals that an attached timer fired before the task
// completed; the walk loop diverts to the timer's own outgoing edge instead
// of the task's.
type errBoundaryTimer struct{ attachedTo string }

func (e errBoundaryTimer) Error() string {
	return fmt.Sprintf("boundary timer fired for task %q", e.attachedTo)
}
