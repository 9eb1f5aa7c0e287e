// Package policy implements the Retry/Timeout/Compensation Policy (C5):
// the wrapper every service-task handler invocation runs through (spec.md
// §4.5). It enforces the per-task timeout, retries transient failures per
// the task's RetryPolicy with deterministic jittered backoff, falls back to
// Mock Mode on exhausted retries when declared, and maintains the
// branch-local compensation stack.
package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/weavergen/engine/internal/bpmn/model"
	"github.com/weavergen/engine/internal/registry"
	"github.com/weavergen/engine/internal/runctx"
	"github.com/weavergen/engine/internal/spanrecorder"
	"github.com/weavergen/engine/internal/werrors"
)

// ClassifiedError lets a handler tag its failure with a class, consumed by
// the retry gate ahead of (never instead of) the task's declared retry_on
// allow-list (SPEC_FULL.md §12 "failure-class-aware retry"). Handlers that
// return a plain error are treated as class "unclassified".
type ClassifiedError struct {
	Err   error
	Class string
}

func (e *ClassifiedError) Error() string { return e.Err.Error() }
func (e *ClassifiedError) Unwrap() error { return e.Err }

func classify(err error) string {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	return "unclassified"
}

func retryAllowed(retryOn []string, class string) bool {
	for _, c := range retryOn {
		if c == "*" || c == class {
			return true
		}
	}
	return false
}

// CompensationRecord is pushed onto a branch's Stack on successful
// completion of a compensable task (spec.md §3 "Compensation Record").
type CompensationRecord struct {
	TaskID                string
	CompensatingHandlerID string
	CapturedInputs        map[string]any
}

// Stack is a branch-local LIFO compensation stack.
type Stack struct {
	records []CompensationRecord
}

func (s *Stack) Push(r CompensationRecord) { s.records = append(s.records, r) }

// Append transfers another branch's compensation records onto s, preserving
// relative push order, so a successful parallel join's branches all remain
// compensable from the enclosing scope's stack after the join.
func (s *Stack) Append(other *Stack) { s.records = append(s.records, other.records...) }

// PopAll drains the stack in LIFO order (most recently completed task
// compensates first), per spec.md §4.5 step 5.
func (s *Stack) PopAll() []CompensationRecord {
	out := make([]CompensationRecord, len(s.records))
	for i, r := range s.records {
		out[len(s.records)-1-i] = r
	}
	s.records = nil
	return out
}

// MockDispatch is the Mock Mode (C11) hook, injected by the engine at
// construction to avoid a policy<->mockmode import cycle: Mock Mode needs
// the registry to produce schema-correct canned outputs, and Policy needs
// Mock Mode for the fallback path, so the engine wires the two packages
// together rather than either depending on the other directly.
type MockDispatch func(ctx context.Context, def *registry.Definition, inputs map[string]any, span spanrecorder.Handle, view *runctx.View) (map[string]any, error)

// Policy wraps handler dispatch for a single run.
type Policy struct {
	Recorder     *spanrecorder.Recorder
	RunID        string
	MockDispatch MockDispatch
	GracePeriod  time.Duration
}

// Result is the outcome of a policy-wrapped invocation.
type Result struct {
	Outputs  map[string]any
	Mocked   bool
	Attempts int
}

// Execute runs def.Handler under the node's retry/timeout/compensation
// policy, emitting attempt and retry spans as it goes. parentSpan is the
// node's own span, already open; Execute emits child spans for each
// attempt and any mock fallback.
func (p *Policy) Execute(ctx context.Context, node *model.Node, def *registry.Definition, inputs map[string]any, view *runctx.View, parentSpan spanrecorder.Handle, stack *Stack, runCancel *runctx.Context) (Result, error) {
	rp := node.RetryPolicy
	if rp.MaxAttempts < 1 {
		rp.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= rp.MaxAttempts; attempt++ {
		outputs, err := p.attempt(ctx, node, def, inputs, view, parentSpan, attempt, runCancel)
		if err == nil {
			if node.CompensationHandlerID != "" {
				stack.Push(CompensationRecord{
					TaskID: node.ID, CompensatingHandlerID: node.CompensationHandlerID,
					CapturedInputs: inputs,
				})
			}
			return Result{Outputs: outputs, Attempts: attempt}, nil
		}
		lastErr = err

		if errors.Is(err, werrors.ErrCancelled) {
			return Result{}, err
		}

		class := classify(err)
		if len(rp.RetryOn) == 0 || !retryAllowed(rp.RetryOn, class) {
			break
		}
		if attempt == rp.MaxAttempts {
			break
		}

		delay := DelayForAttempt(attempt, BackoffConfig{
			Kind: rp.Backoff, InitialDelayMS: rp.InitialDelayMS, MaxDelayMS: rp.MaxDelayMS,
		}, JitterSeed(p.RunID, node.ID, attempt))

		retrySpan := p.Recorder.StartSpan(parentSpan.Context(), node.ID+".retry", node.ID)
		p.Recorder.SetAttribute(retrySpan, "attempt", attempt)
		p.Recorder.SetAttribute(retrySpan, "error", err.Error())
		p.Recorder.SetAttribute(retrySpan, "delay_ms", delay.Milliseconds())
		p.Recorder.EndSpan(retrySpan, spanrecorder.StatusOK)

		select {
		case <-time.After(delay):
		case <-runCancel.Done():
			return Result{}, fmt.Errorf("%w: cancelled during retry backoff", werrors.ErrCancelled)
		}
	}

	if rp.FallbackToMock && p.MockDispatch != nil {
		mockSpan := p.Recorder.StartSpan(parentSpan.Context(), node.ID+".mock_fallback", node.ID)
		outputs, mockErr := p.MockDispatch(ctx, def, inputs, mockSpan, view)
		if mockErr == nil {
			p.Recorder.SetAttribute(mockSpan, "execution.fallback", "mock")
			p.Recorder.SetAttribute(mockSpan, "execution.mocked", true)
			p.Recorder.SetAttribute(mockSpan, "execution.success", true)
			p.Recorder.EndSpan(mockSpan, spanrecorder.StatusOK)
			if node.CompensationHandlerID != "" {
				stack.Push(CompensationRecord{TaskID: node.ID, CompensatingHandlerID: node.CompensationHandlerID, CapturedInputs: inputs})
			}
			return Result{Outputs: outputs, Mocked: true, Attempts: rp.MaxAttempts}, nil
		}
		p.Recorder.SetAttribute(mockSpan, "execution.success", false)
		p.Recorder.EndSpan(mockSpan, spanrecorder.StatusError)
		lastErr = mockErr
	}

	return Result{}, fmt.Errorf("%w: %v", werrors.ErrHandlerFailed, lastErr)
}

func (p *Policy) attempt(ctx context.Context, node *model.Node, def *registry.Definition, inputs map[string]any, view *runctx.View, parentSpan spanrecorder.Handle, attempt int, runCancel *runctx.Context) (map[string]any, error) {
	attemptCtx := ctx
	var cancel context.CancelFunc
	if node.Timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, time.Duration(node.Timeout)*time.Millisecond)
		defer cancel()
	}

	span := p.Recorder.StartSpan(parentSpan.Context(), node.ID, node.ID)
	p.Recorder.SetAttribute(span, "attempt", attempt)

	type result struct {
		outputs map[string]any
		err     error
	}
	done := make(chan result, 1)
	go func() {
		outputs, err := def.Handler(attemptCtx, inputs, span, view)
		done <- result{outputs, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			p.Recorder.SetAttribute(span, "execution.success", false)
			p.Recorder.EndSpan(span, spanrecorder.StatusError)
			return nil, fmt.Errorf("%w: %w", werrors.ErrHandlerFailed, r.err)
		}
		if verr := def.ValidateOutput(r.outputs); verr != nil {
			p.Recorder.SetAttribute(span, "execution.success", false)
			p.Recorder.EndSpan(span, spanrecorder.StatusError)
			return nil, fmt.Errorf("%w: %v", werrors.ErrHandlerFailed, verr)
		}
		p.Recorder.SetAttribute(span, "execution.success", true)
		p.Recorder.EndSpan(span, spanrecorder.StatusOK)
		return r.outputs, nil

	case <-attemptCtx.Done():
		p.Recorder.SetAttribute(span, "execution.success", false)
		if runCancel.Canceled() {
			p.Recorder.EndSpan(span, spanrecorder.StatusCancelled)
			return nil, fmt.Errorf("%w", werrors.ErrCancelled)
		}
		p.Recorder.EndSpan(span, spanrecorder.StatusError)
		return nil, fmt.Errorf("%w", werrors.ErrTimeout)

	case <-runCancel.Done():
		p.Recorder.SetAttribute(span, "execution.success", false)
		p.Recorder.EndSpan(span, spanrecorder.StatusCancelled)
		return nil, fmt.Errorf("%w", werrors.ErrCancelled)
	}
}

// InvokeCompensations pops and invokes every record in stack, LIFO, each
// under max_attempts=1/fallback_to_mock=false (spec.md §4.5 step 5).
// Compensation failures are recorded as a compensation.error span
// attribute but never re-raised;
// the original branch error remains the cause.
func (p *Policy) InvokeCompensations(ctx context.Context, registryLookup func(id string) (*registry.Definition, error), stack *Stack, parentSpan spanrecorder.Handle, view *runctx.View, runCancel *runctx.Context) {
	for _, rec := range stack.PopAll() {
		def, err := registryLookup(rec.CompensatingHandlerID)
		span := p.Recorder.StartSpan(parentSpan.Context(), "compensate."+rec.TaskID, rec.TaskID)
		if err != nil {
			p.Recorder.SetAttribute(span, "execution.success", false)
			p.Recorder.SetAttribute(span, "compensation.error", err.Error())
			p.Recorder.EndSpan(span, spanrecorder.StatusError)
			continue
		}
		_, herr := def.Handler(ctx, rec.CapturedInputs, span, view)
		if herr != nil {
			p.Recorder.SetAttribute(span, "execution.success", false)
			p.Recorder.SetAttribute(span, "compensation.error", herr.Error())
			p.Recorder.EndSpan(span, spanrecorder.StatusError)
			continue
		}
		p.Recorder.SetAttribute(span, "execution.success", true)
		p.Recorder.EndSpan(span, spanrecorder.StatusOK)
	}
}
