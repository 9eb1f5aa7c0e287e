// Package spanrecorder is the Span Recorder (C3): a thread-safe,
// append-only buffer of span records, backed by a real OpenTelemetry SDK
// TracerProvider whose SpanProcessor captures every ReadOnlySpan into our
// own SpanRecord shape (spec.md §3 "Span Record", §4.3). Spans are the
// authoritative execution record; everything else (progress events,
// quality score, truth validation) is derived from this buffer.
package spanrecorder

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/weavergen/engine/internal/werrors"
)

// Status is the recorder's own authoritative span status enum. OTel's
// codes.Code has no CANCELLED value, so cancellation is recorded here and
// only lossily projected onto codes.Error + an execution.cancelled
// attribute for SDK interop (see DESIGN.md Open Question resolution).
type Status string

const (
	StatusOK        Status = "OK"
	StatusError     Status = "ERROR"
	StatusCancelled Status = "CANCELLED"
)

// SpanRecord is the append-only, stable-schema record of spec.md §3.
type SpanRecord struct {
	Seq          uint64         `json:"seq"`
	Name         string         `json:"name"`
	TaskID       string         `json:"task_id,omitempty"`
	RunID        string         `json:"run_id"`
	TraceID      string         `json:"trace_id"`
	ParentSpanID string         `json:"parent_span_id,omitempty"`
	SpanID       string         `json:"span_id"`
	StartTime    time.Time      `json:"start_time"`
	EndTime      time.Time      `json:"end_time"`
	Status       Status         `json:"status"`
	Attributes   map[string]any `json:"attributes,omitempty"`

	// pendingStatus carries a CANCELLED status from EndSpan through to
	// OnEnd, since OTel's own status code has no CANCELLED value to read
	// back off the ReadOnlySpan.
	pendingStatus Status
}

// Handle is an opaque reference to an open span, returned by StartSpan and
// consumed by SetAttribute/EndSpan — the (start_span, set_attribute,
// end_span) triple of spec.md §4.3.
type Handle struct {
	ctx    context.Context
	span   trace.Span
	spanID string
}

// Context returns the span-bearing context, for propagating into handler
// invocations and further StartSpan calls as the parent.
func (h Handle) Context() context.Context { return h.ctx }

// SetAttribute lets a handler tag its own span directly (semantic group,
// file paths written, validation outcome, ...), without needing a
// *Recorder reference — handlers only ever see the Handle, per spec.md
// §6's service task contract.
func (h Handle) SetAttribute(key string, value any) {
	h.span.SetAttributes(toAttribute(key, value))
}

// Recorder owns the run's span buffer and the OTel SDK plumbing that feeds
// it.
type Recorder struct {
	mu       sync.Mutex
	open     map[string]bool
	finished []*SpanRecord
	bySpanID map[string]*SpanRecord

	tp     *sdktrace.TracerProvider
	tracer trace.Tracer

	runID   string
	traceID string
}

// New creates a Recorder for a single run, wiring a dedicated
// sdktrace.TracerProvider with a capturing processor — no global OTel
// provider is touched, so concurrent runs in the same process never share
// span buffers.
func New(runID string) *Recorder {
	r := &Recorder{
		open:     map[string]bool{},
		bySpanID: map[string]*SpanRecord{},
		runID:    runID,
		traceID:  ulid.Make().String(),
	}
	proc := &capturingProcessor{rec: r}
	r.tp = sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(proc))
	r.tracer = r.tp.Tracer("github.com/weavergen/engine")
	return r
}

// RunID and TraceID expose the run's identity for callers building
// execution reports without reaching into the span set.
func (r *Recorder) RunID() string   { return r.runID }
func (r *Recorder) TraceID() string { return r.traceID }

// StartSpan begins a new span as a child of parent's context (pass
// context.Background() to start the run's root span).
func (r *Recorder) StartSpan(ctx context.Context, name string, taskID string) Handle {
	spanCtx, span := r.tracer.Start(ctx, name)
	spanID := span.SpanContext().SpanID().String()
	if taskID != "" {
		span.SetAttributes(attribute.String("task_id", taskID))
	}
	r.mu.Lock()
	r.open[spanID] = true
	r.mu.Unlock()
	return Handle{ctx: spanCtx, span: span, spanID: spanID}
}

// SetAttribute records a single key/value on an open span. Values are
// coerced to the OTel attribute kinds it supports; anything else is
// stringified.
func (r *Recorder) SetAttribute(h Handle, key string, value any) {
	h.span.SetAttributes(toAttribute(key, value))
}

// EndSpan closes a span with the given terminal status.
func (r *Recorder) EndSpan(h Handle, status Status) {
	switch status {
	case StatusError:
		h.span.SetStatus(codes.Error, "")
	case StatusCancelled:
		h.span.SetStatus(codes.Error, "cancelled")
		h.span.SetAttributes(attribute.Bool("execution.cancelled", true))
	default:
		h.span.SetStatus(codes.Ok, "")
	}
	// capturingProcessor.OnEnd stamps the final Status from the span's OTel
	// status code; CANCELLED needs to survive the lossy OTel projection, so
	// stash it keyed by span id before ending.
	r.mu.Lock()
	if rec, ok := r.bySpanID[h.spanID]; ok {
		rec.pendingStatus = status
	} else {
		r.bySpanID[h.spanID] = &SpanRecord{SpanID: h.spanID, pendingStatus: status}
	}
	r.mu.Unlock()
	h.span.End()
}

// Records returns a snapshot of every finished span, in the order they
// ended. Callers must call Finish before Records reflects a complete,
// lifecycle-balanced run.
func (r *Recorder) Records() []*SpanRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*SpanRecord, len(r.finished))
	copy(out, r.finished)
	return out
}

// Finish validates span lifecycle balance (every StartSpan matched by
// exactly one EndSpan, spec.md §4.3) and shuts down the TracerProvider,
// flushing any buffered processor state.
func (r *Recorder) Finish(ctx context.Context) error {
	r.mu.Lock()
	var unbalanced []string
	for id, open := range r.open {
		if open {
			unbalanced = append(unbalanced, id)
		}
	}
	r.mu.Unlock()

	_ = r.tp.Shutdown(ctx)

	if len(unbalanced) > 0 {
		return werrors.ErrSpanLifecycle
	}
	return nil
}

func toAttribute(key string, value any) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case bool:
		return attribute.Bool(key, v)
	case int:
		return attribute.Int64(key, int64(v))
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	case float32:
		return attribute.Float64(key, float64(v))
	default:
		return attribute.String(key, fmt.Sprint(v))
	}
}
