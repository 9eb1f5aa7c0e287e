// Package serialize renders a *model.Graph back into the BPMN 2.0 document
// subset internal/bpmn/parse accepts. It exists for the Adaptive Optimizer
// (C10): spec.md §6 requires the miner's proposed candidate processes to be
// emitted as BPMN XML, not handed back as an opaque in-memory graph.
//
// Serialize is parse.Parse's mirror image, element for element — every tag
// and attribute name here must match what decodeServiceTask, decodeBoundaryEvent,
// and friends expect, so that parse.Parse(Serialize(g)) reconstructs a graph
// structurally identical to g (spec.md §8 "process model round-trip").
package serialize

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"sort"

	"github.com/weavergen/engine/internal/bpmn/model"
)

// Serialize renders g as a BPMN process document in the supported subset.
// Nodes are written in declaration order (Node.Order) so the output is
// deterministic across calls on the same graph.
func Serialize(g *model.Graph) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	fmt.Fprintf(&buf, "<definitions xmlns=\"https://www.omg.org/spec/BPMN/20100524/MODEL\">\n")
	fmt.Fprintf(&buf, "  <process id=%s name=%s>\n", attr(g.ID), attr(g.Name))

	for _, n := range nodesInOrder(g) {
		if err := writeNode(&buf, n); err != nil {
			return nil, fmt.Errorf("serialize: node %q: %w", n.ID, err)
		}
	}
	for _, e := range edgesInOrder(g) {
		writeEdge(&buf, e)
	}

	buf.WriteString("  </process>\n")
	buf.WriteString("</definitions>\n")
	return buf.Bytes(), nil
}

func nodesInOrder(g *model.Graph) []*model.Node {
	out := make([]*model.Node, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		out = append(out, n)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

func edgesInOrder(g *model.Graph) []*model.Edge {
	out := make([]*model.Edge, len(g.Edges))
	copy(out, g.Edges)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

func writeNode(buf *bytes.Buffer, n *model.Node) error {
	switch n.Kind {
	case model.KindStartEvent:
		fmt.Fprintf(buf, "    <startEvent id=%s name=%s/>\n", attr(n.ID), attr(n.Name))
	case model.KindEndEvent:
		fmt.Fprintf(buf, "    <endEvent id=%s name=%s error=%s/>\n", attr(n.ID), attr(n.Name), attrBool(n.IsErrorEnd))
	case model.KindExclusiveGateway:
		fmt.Fprintf(buf, "    <exclusiveGateway id=%s name=%s/>\n", attr(n.ID), attr(n.Name))
	case model.KindParallelSplit:
		fmt.Fprintf(buf, "    <parallelGateway id=%s name=%s direction=\"split\"/>\n", attr(n.ID), attr(n.Name))
	case model.KindParallelJoin:
		fmt.Fprintf(buf, "    <parallelGateway id=%s name=%s direction=\"join\"/>\n", attr(n.ID), attr(n.Name))
	case model.KindBoundaryTimer:
		fmt.Fprintf(buf, "    <boundaryEvent id=%s name=%s attachedToRef=%s>\n", attr(n.ID), attr(n.Name), attr(n.AttachedToID))
		fmt.Fprintf(buf, "      <timerEventDefinition durationMs=%s/>\n", attr(fmt.Sprint(n.TimerDuration)))
		buf.WriteString("    </boundaryEvent>\n")
	case model.KindBoundaryCompensation:
		fmt.Fprintf(buf, "    <boundaryEvent id=%s name=%s attachedToRef=%s>\n", attr(n.ID), attr(n.Name), attr(n.AttachedToID))
		fmt.Fprintf(buf, "      <compensateEventDefinition for=%s/>\n", attr(n.CompensationFor))
		buf.WriteString("    </boundaryEvent>\n")
	case model.KindServiceTask:
		writeServiceTask(buf, n)
	default:
		return fmt.Errorf("unsupported node kind %q", n.Kind)
	}
	return nil
}

func writeServiceTask(buf *bytes.Buffer, n *model.Node) {
	fmt.Fprintf(buf, "    <serviceTask id=%s name=%s>\n", attr(n.ID), attr(n.Name))
	buf.WriteString("      <extensionElements>\n")
	fmt.Fprintf(buf, "        <serviceTaskRef>%s</serviceTaskRef>\n", xmlEscape(n.ServiceTaskRef))

	if len(n.Inputs) > 0 {
		buf.WriteString("        <inputs>\n")
		for _, in := range n.Inputs {
			fmt.Fprintf(buf, "          <input key=%s/>\n", attr(in.Key))
		}
		buf.WriteString("        </inputs>\n")
	}
	if len(n.Outputs) > 0 {
		buf.WriteString("        <outputs>\n")
		for _, out := range n.Outputs {
			fmt.Fprintf(buf, "          <output key=%s mergeRule=%s/>\n", attr(out.Key), attr(out.MergeRule))
		}
		buf.WriteString("        </outputs>\n")
	}

	rp := n.RetryPolicy
	if rp.MaxAttempts > 1 || rp.Backoff != "" || len(rp.RetryOn) > 0 {
		fmt.Fprintf(buf, "        <retryPolicy maxAttempts=%s backoff=%s initialDelayMs=%s maxDelayMs=%s fallbackToMock=%s>\n",
			attr(fmt.Sprint(rp.MaxAttempts)), attr(rp.Backoff), attr(fmt.Sprint(rp.InitialDelayMS)),
			attr(fmt.Sprint(rp.MaxDelayMS)), attrBool(rp.FallbackToMock))
		for _, class := range rp.RetryOn {
			fmt.Fprintf(buf, "          <retryOn>%s</retryOn>\n", xmlEscape(class))
		}
		buf.WriteString("        </retryPolicy>\n")
	}

	if n.Timeout > 0 {
		fmt.Fprintf(buf, "        <timeout ms=%s/>\n", attr(fmt.Sprint(n.Timeout)))
	}
	if n.CompensationHandlerID != "" {
		fmt.Fprintf(buf, "        <compensation handlerId=%s/>\n", attr(n.CompensationHandlerID))
	}
	if n.Mockable {
		buf.WriteString("        <mockable>true</mockable>\n")
	}

	buf.WriteString("      </extensionElements>\n")
	buf.WriteString("    </serviceTask>\n")
}

func writeEdge(buf *bytes.Buffer, e *model.Edge) {
	fmt.Fprintf(buf, "    <sequenceFlow id=%s sourceRef=%s targetRef=%s", attr(edgeID(e)), attr(e.From), attr(e.To))
	if e.Condition != "" {
		fmt.Fprintf(buf, " condition=%s", attr(e.Condition))
	}
	if e.IsDefault {
		buf.WriteString(" default=\"true\"")
	}
	if e.Weight != 0 {
		fmt.Fprintf(buf, " weight=%s", attr(fmt.Sprint(e.Weight)))
	}
	buf.WriteString("/>\n")
}

// edgeID synthesizes a sequenceFlow id. model.Edge carries no id field of
// its own (only source/target/order), so the serialized id is derived
// rather than round-tripped; parse.Parse never inspects the id attribute's
// value beyond requiring source/targetRef, so this is structurally inert.
func edgeID(e *model.Edge) string {
	return fmt.Sprintf("flow_%s_%s", e.From, e.To)
}

func attr(s string) string {
	return `"` + xmlEscape(s) + `"`
}

func attrBool(b bool) string {
	if b {
		return `"true"`
	}
	return `"false"`
}

func xmlEscape(s string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}
