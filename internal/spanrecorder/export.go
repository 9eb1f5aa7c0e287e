package spanrecorder

import (
	"encoding/json"

	"github.com/vmihailenco/msgpack/v5"
)

// ExportJSON renders the span set as the stable-schema JSON array persisted
// to execution_spans.json (spec.md §6).
func (r *Recorder) ExportJSON() ([]byte, error) {
	return json.MarshalIndent(r.Records(), "", "  ")
}

// CompactSummary is the "compact trace summary" export of spec.md §4.3: one
// row per span with only the fields a downstream consumer needs to
// reconstruct timing and outcome, msgpack-encoded for size.
type CompactSummary struct {
	RunID string        `msgpack:"run_id"`
	Spans []CompactSpan `msgpack:"spans"`
}

type CompactSpan struct {
	TaskID   string `msgpack:"task_id,omitempty"`
	Name     string `msgpack:"name"`
	SpanID   string `msgpack:"span_id"`
	ParentID string `msgpack:"parent_id,omitempty"`
	StartMS  int64  `msgpack:"start_ms"`
	DurMS    int64  `msgpack:"dur_ms"`
	Status   string `msgpack:"status"`
}

// ExportCompact encodes a CompactSummary with msgpack.
func (r *Recorder) ExportCompact() ([]byte, error) {
	recs := r.Records()
	summary := CompactSummary{RunID: r.runID, Spans: make([]CompactSpan, 0, len(recs))}
	for _, s := range recs {
		summary.Spans = append(summary.Spans, CompactSpan{
			TaskID:   s.TaskID,
			Name:     s.Name,
			SpanID:   s.SpanID,
			ParentID: s.ParentSpanID,
			StartMS:  s.StartTime.UnixMilli(),
			DurMS:    s.EndTime.Sub(s.StartTime).Milliseconds(),
			Status:   string(s.Status),
		})
	}
	return msgpack.Marshal(summary)
}
