// Package engine implements the Process Interpreter (C6) and Concurrency
// Scheduler (C7): it walks a *model.Graph as the program, dispatching
// service tasks through the Registry/Policy wrapper, resolving gateway
// semantics, and driving parallel branches to their join (spec.md §4.6-§4.7).
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/weavergen/engine/internal/bpmn/model"
	"github.com/weavergen/engine/internal/config"
	"github.com/weavergen/engine/internal/mockmode"
	"github.com/weavergen/engine/internal/policy"
	"github.com/weavergen/engine/internal/registry"
	"github.com/weavergen/engine/internal/runctx"
	"github.com/weavergen/engine/internal/scorer"
	"github.com/weavergen/engine/internal/spanrecorder"
	"github.com/weavergen/engine/internal/werrors"
)

// NodeState is the interpreter's per-node lifecycle (spec.md §4.6).
type NodeState string

const (
	StatePending     NodeState = "pending"
	StateReady       NodeState = "ready"
	StateRunning     NodeState = "running"
	StateCompleted   NodeState = "completed"
	StateFailed      NodeState = "failed"
	StateCompensated NodeState = "compensated"
	StateSkipped     NodeState = "skipped"
)

// RunResult summarises a finished run (spec.md §3 "Run Result").
type RunResult struct {
	RunID          string                      `json:"run_id"`
	Status         string                      `json:"status"` // completed|failed|cancelled
	Spans          []*spanrecorder.SpanRecord  `json:"spans"`
	Score          float64                     `json:"quality_score"`
	Verdict        bool                        `json:"verdict_passed"`
	ExecutionTrace []string                    `json:"execution_trace"`
	Errors         []string                    `json:"errors,omitempty"`
	Context        map[string]any              `json:"final_context"`
	TaskDurations  map[string]time.Duration    `json:"-"`
}

// Engine ties the registry, policy, span recorder, and a bounded worker pool
// to a single process graph.
type Engine struct {
	Graph    *model.Graph
	Registry *registry.Registry
	Config   config.EngineConfig
	Progress ProgressSink

	sem chan struct{} // bounds concurrent service-task dispatch (parallelism.max_workers)
}

// New builds an Engine for graph, sized per cfg.Parallelism.MaxWorkers.
func New(g *model.Graph, reg *registry.Registry, cfg config.EngineConfig, progress ProgressSink) *Engine {
	if progress == nil {
		progress = NoopSink{}
	}
	workers := cfg.Parallelism.MaxWorkers
	if workers < 1 {
		workers = 1
	}
	return &Engine{Graph: g, Registry: reg, Config: cfg, Progress: progress, sem: make(chan struct{}, workers)}
}

// run carries the per-invocation state threaded through the walk: the
// recorder, the shared context, the policy wrapper, a visit counter guarding
// against stuck cycles, and the ordered trace of fired task ids.
type run struct {
	eng       *Engine
	rec       *spanrecorder.Recorder
	rc        *runctx.Context
	pol       *policy.Policy
	rootSpan  spanrecorder.Handle
	mockAll   bool

	traceMu sync.Mutex
	trace   []string

	errMu sync.Mutex
	errs  []string

	visitMu sync.Mutex
	visits  map[string]int

	durMu sync.Mutex
	durs  map[string]time.Duration
}

const maxVisitsPerNode = 10_000 // stuck-cycle breaker; a correct process never approaches this

// Run executes the graph from its single start event with the given initial
// context values, returning a RunResult. The context's cancellation token
// may be signalled concurrently (e.g. by an operator) to abort the run.
func (e *Engine) Run(ctx context.Context, runID string, initial map[string]any) (*RunResult, error) {
	rec := spanrecorder.New(runID)
	rc := runctx.New(runID, rec.TraceID())
	for k, v := range initial {
		rc.Set(k, v, "__init__")
	}

	if e.Config.RunDeadline() > 0 {
		rc.Deadline = time.Now().Add(e.Config.RunDeadline())
		deadlineCtx, cancel := context.WithDeadline(ctx, rc.Deadline)
		defer cancel()
		go func() {
			<-deadlineCtx.Done()
			if deadlineCtx.Err() == context.DeadlineExceeded {
				rc.Cancel()
			}
		}()
		ctx = deadlineCtx
	}

	runDone := make(chan struct{})
	defer close(runDone)
	go func() {
		select {
		case <-ctx.Done():
			rc.Cancel()
		case <-runDone:
		}
	}()

	rootSpan := rec.StartSpan(context.Background(), "run", "")
	rec.SetAttribute(rootSpan, "run_id", runID)

	mockDispatch := policy.MockDispatch(mockmode.Dispatch)
	r := &run{
		eng:      e,
		rec:      rec,
		rc:       rc,
		rootSpan: rootSpan,
		mockAll:  e.Config.Mock.EnabledGlobally,
		visits:   map[string]int{},
		durs:     map[string]time.Duration{},
	}
	r.pol = &policy.Policy{
		Recorder:     rec,
		RunID:        runID,
		MockDispatch: mockDispatch,
		GracePeriod:  e.Config.GracePeriod(),
	}

	startID := e.Graph.StartNodeID()
	if startID == "" {
		return nil, fmt.Errorf("%w: graph %q has no start event", werrors.ErrParseProcess, e.Graph.ID)
	}

	stack := &policy.Stack{}
	trunkView := rc.Snapshot(0)
	status := "completed"

	term, terr := r.walk(ctx, startID, trunkView, 0, stack, false)
	trunkView.Close()
	if mergeErr := rc.Merge([]*runctx.View{trunkView}, mergeRulesFromGraph(e.Graph), "__trunk__"); mergeErr != nil && terr == nil {
		terr = mergeErr
	}

	if terr != nil {
		status = "failed"
		if werrors.IsCancelled(terr) {
			status = "cancelled"
		}
		r.pol.InvokeCompensations(ctx, e.Registry.Lookup, stack, rootSpan, trunkView, rc)
		r.recordErr(terr)
	} else if term != "" {
		if n, ok := e.Graph.Nodes[term]; ok && n.IsErrorEnd {
			status = "failed"
			r.recordErr(fmt.Errorf("process reached error end event %q", term))
		}
	}

	rec.SetAttribute(rootSpan, "execution.success", status == "completed")
	rootStatus := spanrecorder.StatusOK
	if status == "failed" {
		rootStatus = spanrecorder.StatusError
	} else if status == "cancelled" {
		rootStatus = spanrecorder.StatusCancelled
	}
	rec.EndSpan(rootSpan, rootStatus)

	if err := rec.Finish(ctx); err != nil {
		r.recordErr(err)
	}

	result := &RunResult{
		RunID:          runID,
		Status:         status,
		Spans:          rec.Records(),
		ExecutionTrace: r.traceSnapshot(),
		Errors:         r.errSnapshot(),
		Context:        rc.SnapshotValues(),
		TaskDurations:  r.durs,
	}

	durationsMS := make(map[string]int64, len(r.durs))
	for id, d := range r.durs {
		durationsMS[id] = d.Milliseconds()
	}
	budget := scorer.Budget{TaskDuration: int64(e.Config.Timeout.DefaultTaskMS)}
	sres := scorer.Score(result.Spans, e.Registry, durationsMS, budget, e.Config.Threshold.Quality)
	result.Score = sres.Score
	result.Verdict = sres.Passed

	return result, nil
}

func mergeRulesFromGraph(g *model.Graph) map[string]runctx.MergeRule {
	rules := map[string]runctx.MergeRule{}
	for _, n := range g.Nodes {
		for _, b := range n.Outputs {
			if b.MergeRule != "" {
				rules[b.Key] = runctx.MergeRule(b.MergeRule)
			}
		}
	}
	return rules
}

func (r *run) recordTrace(taskID string) {
	r.traceMu.Lock()
	r.trace = append(r.trace, taskID)
	r.traceMu.Unlock()
}

func (r *run) traceSnapshot() []string {
	r.traceMu.Lock()
	defer r.traceMu.Unlock()
	out := make([]string, len(r.trace))
	copy(out, r.trace)
	return out
}

func (r *run) recordErr(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	r.errs = append(r.errs, err.Error())
	r.errMu.Unlock()
}

func (r *run) errSnapshot() []string {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	out := make([]string, len(r.errs))
	copy(out, r.errs)
	return out
}

func (r *run) recordDuration(taskID string, d time.Duration) {
	r.durMu.Lock()
	r.durs[taskID] = d
	r.durMu.Unlock()
}

// bumpVisit enforces the stuck-cycle breaker: a process that revisits the
// same node unboundedly (malformed loop with no terminating condition) fails
// loudly instead of hanging forever.
func (r *run) bumpVisit(nodeID string) error {
	r.visitMu.Lock()
	defer r.visitMu.Unlock()
	r.visits[nodeID]++
	if r.visits[nodeID] > maxVisitsPerNode {
		return fmt.Errorf("%w: node %q exceeded %d visits, likely a non-terminating cycle", werrors.ErrBranchFailed, nodeID, maxVisitsPerNode)
	}
	return nil
}

// deterministicEdge picks the single outgoing edge to follow from a non-
// gateway node: highest weight first, then lowest target id, with declared
// order deciding only between edges equal on both, for nodes that declare
// more than one unconditional flow (SPEC_FULL.md §12).
func deterministicEdge(edges []*model.Edge) *model.Edge {
	if len(edges) == 0 {
		return nil
	}
	best := edges[0]
	for _, e := range edges[1:] {
		if e.Weight > best.Weight {
			best = e
			continue
		}
		if e.Weight == best.Weight && e.To < best.To {
			best = e
		}
	}
	return best
}
