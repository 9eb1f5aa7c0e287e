// Package miner implements the Adaptive Optimizer / Process Miner (C10):
// per-task EWMA timing/failure tracking feeding optimization suggestions,
// and trace-archive mining into a candidate Process Model (spec.md §4.10).
package miner

import (
	"fmt"
	"sort"

	"github.com/weavergen/engine/internal/bpmn/model"
)

// DefaultAlpha is the EWMA smoothing factor used when Optimizer is built
// with New.
const DefaultAlpha = 0.3

// taskStats is the per-task rolling state.
type taskStats struct {
	observations     int
	ewmaDurationMS   float64
	ewmaFailureRate  float64
	firstAttemptFail int
}

// Optimizer accumulates per-task timing/failure history across runs and
// derives suggestions from it. Not safe for concurrent Observe calls; the
// caller (typically a CLI post-run step) owns serialization.
type Optimizer struct {
	alpha float64
	stats map[string]*taskStats
}

func New(alpha float64) *Optimizer {
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultAlpha
	}
	return &Optimizer{alpha: alpha, stats: map[string]*taskStats{}}
}

// Observe records one task execution's outcome: its duration, whether it
// ultimately failed, and whether its first attempt failed (a signal the
// run's retry attempt counter already carries).
func (o *Optimizer) Observe(taskID string, durationMS int64, failed bool, firstAttemptFailed bool) {
	st, ok := o.stats[taskID]
	if !ok {
		st = &taskStats{ewmaDurationMS: float64(durationMS)}
		o.stats[taskID] = st
	}
	st.observations++
	st.ewmaDurationMS = ewma(st.ewmaDurationMS, float64(durationMS), o.alpha, st.observations == 1)
	failRate := 0.0
	if failed {
		failRate = 1.0
	}
	st.ewmaFailureRate = ewma(st.ewmaFailureRate, failRate, o.alpha, st.observations == 1)
	if firstAttemptFailed {
		st.firstAttemptFail++
	}
}

func ewma(prev, sample, alpha float64, first bool) float64 {
	if first {
		return sample
	}
	return alpha*sample + (1-alpha)*prev
}

// Suggestion is one optimization proposal. Suggestions only produces Kind
// "raise_initial_delay" with TaskID set; PairTaskID is left empty, as no
// pair-based suggestion is produced.
type Suggestion struct {
	Kind       string
	TaskID     string
	PairTaskID string
	Reason     string
}

// firstAttemptFailThreshold is the fraction of observations whose first
// attempt failed at or above which a task is flagged for a longer initial
// delay.
const firstAttemptFailThreshold = 0.5

// Suggestions returns optimization proposals for the current accumulated
// history: one raise_initial_delay proposal per task whose first-attempt
// failure rate reaches firstAttemptFailThreshold. It does not propose
// parallelizing task pairs; concurrency between tasks is detected only by
// MineProcess, from a trace archive.
func (o *Optimizer) Suggestions() []Suggestion {
	var out []Suggestion
	ids := make([]string, 0, len(o.stats))
	for id := range o.stats {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		st := o.stats[id]
		if st.observations == 0 {
			continue
		}
		rate := float64(st.firstAttemptFail) / float64(st.observations)
		if rate >= firstAttemptFailThreshold {
			out = append(out, Suggestion{
				Kind: "raise_initial_delay", TaskID: id,
				Reason: fmt.Sprintf("%.0f%% of observed runs failed %s's first attempt", rate*100, id),
			})
		}
	}
	return out
}

// Stats returns a copy of the current per-task EWMA state, keyed by task
// id, for callers that want to render a report without reaching into
// Optimizer internals.
func (o *Optimizer) Stats() map[string]Stat {
	out := make(map[string]Stat, len(o.stats))
	for id, st := range o.stats {
		out[id] = Stat{
			Observations:    st.observations,
			EWMADurationMS:  st.ewmaDurationMS,
			EWMAFailureRate: st.ewmaFailureRate,
		}
	}
	return out
}

// Stat is the exported projection of a task's rolling statistics.
type Stat struct {
	Observations    int
	EWMADurationMS  float64
	EWMAFailureRate float64
}

// Trace is one completed run's execution trace: the ordered list of task
// ids that fired, as recorded in RunResult.ExecutionTrace.
type Trace []string

// MineProcess synthesizes a candidate Process Model from a trace archive
// by inducing the most frequent directly-follows order and lifting task
// pairs observed in both relative orders across distinct traces into a
// parallel split/join (spec.md §4.10). The returned graph is a proposal;
// callers decide whether to adopt it — MineProcess never mutates a live
// process.
func MineProcess(id string, traces []Trace) (*model.Graph, error) {
	if len(traces) == 0 {
		return nil, fmt.Errorf("miner: no traces supplied")
	}

	follows := map[[2]string]int{}   // a directly-follows b: count
	before := map[[2]string]bool{}   // a appears before b in some trace
	tasks := map[string]bool{}
	starts := map[string]int{}

	for _, tr := range traces {
		if len(tr) == 0 {
			continue
		}
		starts[tr[0]]++
		for i, t := range tr {
			tasks[t] = true
			for j := i + 1; j < len(tr); j++ {
				before[[2]string{t, tr[j]}] = true
			}
			if i+1 < len(tr) {
				follows[[2]string{t, tr[i+1]}]++
			}
		}
	}

	concurrent := map[[2]string]bool{}
	for pair := range before {
		rev := [2]string{pair[1], pair[0]}
		if before[rev] {
			a, b := pair[0], pair[1]
			if a > b {
				a, b = b, a
			}
			concurrent[[2]string{a, b}] = true
		}
	}

	startID := mostFrequentKey(starts)
	if startID == "" {
		return nil, fmt.Errorf("miner: unable to determine a start task")
	}

	ordered := induceOrder(startID, tasks, follows)
	groups := groupConcurrent(ordered, concurrent)

	g := model.NewGraph(id, id+" (mined)")
	order := 0
	g.AddNode(&model.Node{ID: "start", Kind: model.KindStartEvent, Order: order})
	order++

	prevExit := "start"
	for gi, grp := range groups {
		if len(grp) == 1 {
			taskID := grp[0]
			nodeID := taskID
			g.AddNode(&model.Node{ID: nodeID, Kind: model.KindServiceTask, ServiceTaskRef: taskID, Order: order, Mockable: true, RetryPolicy: model.RetryPolicy{MaxAttempts: 1}})
			order++
			g.AddEdge(&model.Edge{From: prevExit, To: nodeID, Order: order})
			order++
			prevExit = nodeID
			continue
		}

		splitID := fmt.Sprintf("split_%d", gi)
		joinID := fmt.Sprintf("join_%d", gi)
		g.AddNode(&model.Node{ID: splitID, Kind: model.KindParallelSplit, Order: order})
		order++
		g.AddEdge(&model.Edge{From: prevExit, To: splitID, Order: order})
		order++
		for _, taskID := range grp {
			g.AddNode(&model.Node{ID: taskID, Kind: model.KindServiceTask, ServiceTaskRef: taskID, Order: order, Mockable: true, RetryPolicy: model.RetryPolicy{MaxAttempts: 1}})
			order++
			g.AddEdge(&model.Edge{From: splitID, To: taskID, Order: order})
			order++
			g.AddEdge(&model.Edge{From: taskID, To: joinID, Order: order})
			order++
		}
		g.AddNode(&model.Node{ID: joinID, Kind: model.KindParallelJoin, Order: order})
		order++
		prevExit = joinID
	}

	g.AddNode(&model.Node{ID: "end", Kind: model.KindEndEvent, Order: order})
	order++
	g.AddEdge(&model.Edge{From: prevExit, To: "end", Order: order})

	g.Finalize()
	return g, nil
}

func mostFrequentKey(counts map[string]int) string {
	best, bestN := "", -1
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if counts[k] > bestN {
			best, bestN = k, counts[k]
		}
	}
	return best
}

// induceOrder walks the directly-follows graph greedily from startID,
// at each step choosing the highest-frequency unvisited successor,
// breaking ties lexically for determinism. Any task never reached this
// way (disconnected in the directly-follows graph, e.g. only ever
// observed out of causal order with start) is appended at the end.
func induceOrder(startID string, tasks map[string]bool, follows map[[2]string]int) []string {
	visited := map[string]bool{startID: true}
	order := []string{startID}
	cur := startID
	for len(order) < len(tasks) {
		nextID, nextN := "", -1
		candidates := make([]string, 0)
		for t := range tasks {
			if visited[t] {
				continue
			}
			if n, ok := follows[[2]string{cur, t}]; ok {
				candidates = append(candidates, t)
				if n > nextN {
					nextN = n
				}
			}
		}
		sort.Strings(candidates)
		for _, t := range candidates {
			if follows[[2]string{cur, t}] == nextN {
				nextID = t
				break
			}
		}
		if nextID == "" {
			remaining := make([]string, 0)
			for t := range tasks {
				if !visited[t] {
					remaining = append(remaining, t)
				}
			}
			sort.Strings(remaining)
			if len(remaining) == 0 {
				break
			}
			nextID = remaining[0]
		}
		visited[nextID] = true
		order = append(order, nextID)
		cur = nextID
	}
	return order
}

// groupConcurrent folds adjacent tasks in ordered into a single group
// when any pair within the run of candidates is flagged concurrent,
// producing the parallel-split candidate groups for MineProcess.
func groupConcurrent(ordered []string, concurrent map[[2]string]bool) [][]string {
	var groups [][]string
	i := 0
	for i < len(ordered) {
		group := []string{ordered[i]}
		j := i + 1
		for j < len(ordered) && isConcurrentWithAny(ordered[j], group, concurrent) {
			group = append(group, ordered[j])
			j++
		}
		groups = append(groups, group)
		i = j
	}
	return groups
}

func isConcurrentWithAny(t string, group []string, concurrent map[[2]string]bool) bool {
	for _, g := range group {
		a, b := t, g
		if a > b {
			a, b = b, a
		}
		if concurrent[[2]string{a, b}] {
			return true
		}
	}
	return false
}
