package spanrecorder

import (
	"context"
	"sync/atomic"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/codes"
)

// capturingProcessor is the sdktrace.SpanProcessor that turns every ended
// ReadOnlySpan into our own SpanRecord and appends it to the Recorder's
// buffer. This is the "OTel SDK as the spans-are-truth backbone" wiring:
// real tracer, real processor interface, our own durable record shape.
type capturingProcessor struct {
	rec *Recorder
	seq uint64
}

var _ sdktrace.SpanProcessor = (*capturingProcessor)(nil)

func (p *capturingProcessor) OnStart(parent context.Context, s sdktrace.ReadWriteSpan) {}

func (p *capturingProcessor) OnEnd(s sdktrace.ReadOnlySpan) {
	spanID := s.SpanContext().SpanID().String()
	parentID := ""
	if s.Parent().HasSpanID() {
		parentID = s.Parent().SpanID().String()
	}

	attrs := map[string]any{}
	for _, kv := range s.Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}

	status := StatusOK
	switch s.Status().Code {
	case codes.Error:
		status = StatusError
	}

	rec := &SpanRecord{
		Seq:          atomic.AddUint64(&p.seq, 1),
		Name:         s.Name(),
		RunID:        p.rec.runID,
		TraceID:      s.SpanContext().TraceID().String(),
		ParentSpanID: parentID,
		SpanID:       spanID,
		StartTime:    s.StartTime(),
		EndTime:      s.EndTime(),
		Status:       status,
		Attributes:   attrs,
	}
	if taskID, ok := attrs["task_id"]; ok {
		rec.TaskID, _ = taskID.(string)
	}

	p.rec.mu.Lock()
	if pending, ok := p.rec.bySpanID[spanID]; ok && pending.pendingStatus != "" {
		rec.Status = pending.pendingStatus
	}
	p.rec.bySpanID[spanID] = rec
	p.rec.finished = append(p.rec.finished, rec)
	p.rec.open[spanID] = false
	p.rec.mu.Unlock()
}

func (p *capturingProcessor) Shutdown(ctx context.Context) error { return nil }

func (p *capturingProcessor) ForceFlush(ctx context.Context) error { return nil }
