// Package xes renders a run's span set as an XES document (the IEEE
// process-mining interchange format named in spec.md §6), for consumption
// by external process miners. No third-party XES library exists anywhere in the retrieval
// pack's dependency surface, so this is a direct encoding/xml rendering of
// the public XES schema subset spec.md requires — see DESIGN.md for the
// stdlib justification.
package xes

import (
	"encoding/xml"
	"fmt"
	"time"

	"github.com/weavergen/engine/internal/spanrecorder"
)

type xesLog struct {
	XMLName xml.Name  `xml:"log"`
	Traces  []xesTrace `xml:"trace"`
}

type xesTrace struct {
	Strings []xesString `xml:"string"`
	Events  []xesEvent  `xml:"event"`
}

type xesEvent struct {
	Strings []xesString `xml:"string"`
	Dates   []xesDate   `xml:"date"`
}

type xesString struct {
	Key   string `xml:"key,attr"`
	Value string `xml:"value,attr"`
}

type xesDate struct {
	Key   string `xml:"key,attr"`
	Value string `xml:"value,attr"`
}

// Encode renders spans as a single-trace XES document: one trace per run,
// one event per span, in span-sequence order (spec.md §6
// "execution_trace.xes").
func Encode(runID string, spans []*spanrecorder.SpanRecord) ([]byte, error) {
	trace := xesTrace{
		Strings: []xesString{{Key: "concept:name", Value: runID}},
	}
	for _, s := range spans {
		ev := xesEvent{
			Strings: []xesString{
				{Key: "concept:name", Value: taskOrSpanName(s)},
				{Key: "lifecycle:transition", Value: "complete"},
				{Key: "status", Value: string(s.Status)},
			},
			Dates: []xesDate{
				{Key: "time:timestamp", Value: s.EndTime.Format(time.RFC3339Nano)},
			},
		}
		for k, v := range s.Attributes {
			ev.Strings = append(ev.Strings, xesString{Key: k, Value: sprintAttr(v)})
		}
		trace.Events = append(trace.Events, ev)
	}

	doc := xesLog{Traces: []xesTrace{trace}}
	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), out...), nil
}

func taskOrSpanName(s *spanrecorder.SpanRecord) string {
	if s.TaskID != "" {
		return s.TaskID
	}
	return s.Name
}

func sprintAttr(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprint(t)
	}
}
