package engine

import "time"

// ProgressEvent is a lightweight, human-facing notification of interpreter
// activity, distinct from the authoritative span record (spec.md §9
// "Span-as-truth": progress events are for operators watching a run, never
// a test surface).
type ProgressEvent struct {
	Kind   string // task_start|task_end|boundary_timer_fired
	NodeID string
	At     time.Time
	Detail map[string]any
}

// ProgressSink receives progress events as a run executes. The engine
// carries no built-in logger (SPEC_FULL.md's ambient-stack decision: no
// third-party logging library appears in the teacher's dependency graph, so
// this follows its own convention of plain stdlib output at the CLI layer);
// ProgressSink is how a caller wires that up.
type ProgressSink interface {
	Event(ProgressEvent)
}

// NoopSink discards every event; the Engine's default.
type NoopSink struct{}

func (NoopSink) Event(ProgressEvent) {}

// ChannelSink forwards events onto a channel, for a CLI or test to consume
// without blocking the interpreter if the channel has spare capacity.
type ChannelSink chan ProgressEvent

func (s ChannelSink) Event(e ProgressEvent) {
	select {
	case s <- e:
	default:
	}
}
