package parse

import (
	"errors"
	"strings"
	"testing"

	"github.com/weavergen/engine/internal/bpmn/model"
	"github.com/weavergen/engine/internal/werrors"
)

const happyPathXML = `
<definitions>
<process id="Generate" name="Generate">
  <startEvent id="start"/>
  <serviceTask id="LoadSemantics" name="Load Semantics">
    <extensionElements>
      <serviceTaskRef>load_semantics</serviceTaskRef>
      <inputs><input key="semantic_file"/></inputs>
      <outputs><output key="semantic_model" mergeRule="last_writer_wins"/></outputs>
      <retryPolicy maxAttempts="3" backoff="exponential" initialDelayMs="100" maxDelayMs="2000" fallbackToMock="true">
        <retryOn>transient_infra</retryOn>
      </retryPolicy>
      <timeout ms="5000"/>
      <mockable>true</mockable>
    </extensionElements>
  </serviceTask>
  <exclusiveGateway id="gw1"/>
  <endEvent id="endOk"/>
  <endEvent id="endErr" error="true"/>
  <sequenceFlow id="f1" sourceRef="start" targetRef="LoadSemantics"/>
  <sequenceFlow id="f2" sourceRef="LoadSemantics" targetRef="gw1"/>
  <sequenceFlow id="f3" sourceRef="gw1" targetRef="endOk" condition="has semantic_model"/>
  <sequenceFlow id="f4" sourceRef="gw1" targetRef="endErr" default="true"/>
</process>
</definitions>
`

func TestParse_HappyPath(t *testing.T) {
	g, err := Parse([]byte(happyPathXML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if g.ID != "Generate" {
		t.Fatalf("graph id = %q, want Generate", g.ID)
	}
	if g.StartNodeID() != "start" {
		t.Fatalf("start node = %q, want start", g.StartNodeID())
	}
	ends := g.EndNodeIDs()
	if len(ends) != 2 {
		t.Fatalf("end nodes = %v, want 2", ends)
	}
	task := g.Nodes["LoadSemantics"]
	if task == nil || task.ServiceTaskRef != "load_semantics" {
		t.Fatalf("LoadSemantics not parsed correctly: %+v", task)
	}
	if task.RetryPolicy.MaxAttempts != 3 || task.RetryPolicy.Backoff != "exponential" {
		t.Fatalf("retry policy not parsed correctly: %+v", task.RetryPolicy)
	}
	if len(task.Outputs) != 1 || task.Outputs[0].MergeRule != "last_writer_wins" {
		t.Fatalf("outputs not parsed correctly: %+v", task.Outputs)
	}
}

func TestParse_MissingDefaultOnExclusiveGateway(t *testing.T) {
	xml := strings.Replace(happyPathXML, `default="true"`, "", 1)
	_, err := Parse([]byte(xml))
	if err == nil {
		t.Fatalf("expected parse error for missing default flow")
	}
	if !errors.Is(err, werrors.ErrParseProcess) {
		t.Fatalf("expected ErrParseProcess, got %v", err)
	}
}

func TestParse_UnsupportedElement(t *testing.T) {
	xml := `<process id="p"><startEvent id="s"/><endEvent id="e"/><userTask id="u"/></process>`
	_, err := Parse([]byte(xml))
	if err == nil || !errors.Is(err, werrors.ErrParseProcess) {
		t.Fatalf("expected ErrParseProcess for unsupported element, got %v", err)
	}
}

func TestParse_MissingStartEvent(t *testing.T) {
	xml := `<process id="p"><endEvent id="e"/></process>`
	_, err := Parse([]byte(xml))
	if err == nil || !errors.Is(err, werrors.ErrParseProcess) {
		t.Fatalf("expected ErrParseProcess for missing start event, got %v", err)
	}
}

func TestParse_ParallelSplitWithoutJoin(t *testing.T) {
	xml := `
<process id="p">
  <startEvent id="s"/>
  <parallelGateway id="split1" direction="split"/>
  <endEvent id="e"/>
  <sequenceFlow id="f1" sourceRef="s" targetRef="split1"/>
  <sequenceFlow id="f2" sourceRef="split1" targetRef="e"/>
</process>`
	_, err := Parse([]byte(xml))
	if err == nil || !errors.Is(err, werrors.ErrParseProcess) {
		t.Fatalf("expected ErrParseProcess for unmatched parallel split, got %v", err)
	}
}

func TestParse_ParallelSplitWithDeadEndingBranch(t *testing.T) {
	// split1 has two branches: one reaches join1, the other dead-ends at
	// its own endEvent without ever converging. Split/join counts agree
	// (one of each), so only per-branch reachability catches this.
	xml := `
<process id="p">
  <startEvent id="s"/>
  <parallelGateway id="split1" direction="split"/>
  <serviceTask id="a">
    <extensionElements><serviceTaskRef>do_a</serviceTaskRef></extensionElements>
  </serviceTask>
  <serviceTask id="b">
    <extensionElements><serviceTaskRef>do_b</serviceTaskRef></extensionElements>
  </serviceTask>
  <parallelGateway id="join1" direction="join"/>
  <endEvent id="eJoined"/>
  <endEvent id="eDeadEnd"/>
  <sequenceFlow id="f1" sourceRef="s" targetRef="split1"/>
  <sequenceFlow id="f2" sourceRef="split1" targetRef="a"/>
  <sequenceFlow id="f3" sourceRef="split1" targetRef="b"/>
  <sequenceFlow id="f4" sourceRef="a" targetRef="join1"/>
  <sequenceFlow id="f5" sourceRef="b" targetRef="eDeadEnd"/>
  <sequenceFlow id="f6" sourceRef="join1" targetRef="eJoined"/>
</process>`
	_, err := Parse([]byte(xml))
	if err == nil || !errors.Is(err, werrors.ErrParseProcess) {
		t.Fatalf("expected ErrParseProcess for a branch that never reaches the join, got %v", err)
	}
}

func TestParse_BoundaryTimer(t *testing.T) {
	xml := `
<process id="p">
  <startEvent id="s"/>
  <serviceTask id="t1">
    <extensionElements>
      <serviceTaskRef>do_thing</serviceTaskRef>
    </extensionElements>
  </serviceTask>
  <boundaryEvent id="bt1" attachedToRef="t1">
    <timerEventDefinition durationMs="1000"/>
  </boundaryEvent>
  <endEvent id="e1"/>
  <endEvent id="e2"/>
  <sequenceFlow id="f1" sourceRef="s" targetRef="t1"/>
  <sequenceFlow id="f2" sourceRef="t1" targetRef="e1"/>
  <sequenceFlow id="f3" sourceRef="bt1" targetRef="e2"/>
</process>`
	g, err := Parse([]byte(xml))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	bt := g.Nodes["bt1"]
	if bt == nil || bt.Kind != model.KindBoundaryTimer || bt.TimerDuration != 1000 {
		t.Fatalf("boundary timer not parsed correctly: %+v", bt)
	}
}

func TestParse_EmptyStartEndOnly(t *testing.T) {
	xml := `<process id="p"><startEvent id="s"/><endEvent id="e"/><sequenceFlow id="f1" sourceRef="s" targetRef="e"/></process>`
	g, err := Parse([]byte(xml))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(g.NodesByKind(model.KindServiceTask)) != 0 {
		t.Fatalf("expected no service tasks")
	}
}
