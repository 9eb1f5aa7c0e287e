// Package werrors collects the engine's sentinel error taxonomy (spec.md
// §7). Callers match with errors.Is/errors.As; messages carry the
// offending id or key so a caller never needs to parse error text.
package werrors

import "errors"

// Sentinel kinds. Wrap with fmt.Errorf("...: %w", ErrX) to attach detail
// while keeping errors.Is(err, ErrX) working.
var (
	// ErrParseProcess: structural or unsupported BPMN input. Fatal at startup.
	ErrParseProcess = errors.New("parse process: invalid or unsupported process definition")

	// ErrDuplicateTaskId: two service task definitions share an id. Fatal at startup.
	ErrDuplicateTaskId = errors.New("registry: duplicate task id")

	// ErrUnknownTaskRef: a non-mockable serviceTask node's registry key has no registration.
	// Detected when the node is dispatched, not at startup; the run fails.
	ErrUnknownTaskRef = errors.New("registry: unknown task reference")

	// ErrHandlerFailed: a handler returned an error. Subject to retry/mock policy.
	ErrHandlerFailed = errors.New("handler failed")

	// ErrTimeout: task or run deadline exceeded.
	ErrTimeout = errors.New("timeout exceeded")

	// ErrCancelled: cooperative cancellation observed; not locally recovered.
	ErrCancelled = errors.New("cancelled")

	// ErrGatewayNoMatch: exclusive gateway with no matching condition and no default. Fatal for the run.
	ErrGatewayNoMatch = errors.New("exclusive gateway: no condition matched and no default flow")

	// ErrBranchFailed: parallel branch failed after exhausted recovery.
	ErrBranchFailed = errors.New("parallel branch failed")

	// ErrContextMergeConflict: unresolved key conflict at parallel join. Fatal for the run.
	ErrContextMergeConflict = errors.New("context merge conflict")

	// ErrSpanLifecycle: unmatched start/end span. Fatal for the run at end-time.
	ErrSpanLifecycle = errors.New("span lifecycle imbalance")

	// ErrValidationClaim: Truth Validator found a contradicted claim. Downgrades verdict.
	ErrValidationClaim = errors.New("validation claim contradicted")
)

// IsCancelled reports whether err is, or wraps, ErrCancelled — used to
// distinguish a cancelled run's terminal status from an ordinary failure.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// ExitCode maps a run-terminal error to the embedding-caller exit codes of
// spec.md §6. Pass nil with verdictPassed to get 0/2.
func ExitCode(err error, verdictPassed bool) int {
	if err == nil {
		if verdictPassed {
			return 0
		}
		return 2
	}
	switch {
	case errors.Is(err, ErrParseProcess), errors.Is(err, ErrDuplicateTaskId), errors.Is(err, ErrUnknownTaskRef):
		return 4
	default:
		return 3
	}
}
