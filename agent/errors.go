package agent

import (
	"context"
	"errors"
	"fmt"

	"wick_core/backend"
)

// Error kinds reported in failed tool results.
const (
	KindValidation        = "validation"
	KindNotFound          = "not_found"
	KindPermissionDenied  = "permission_denied"
	KindAmbiguousMatch    = "ambiguous_match"
	KindUnsupported       = "unsupported"
	KindConflict          = "conflict"
	KindSubAgentFailure   = "subagent_failure"
	KindCompactionFailure = "compaction_failure"
	KindRunTerminated     = "run_terminated"
	KindBackendFault      = "backend_fault"
	KindToolFault         = "tool_fault"
)

var (
	// ErrToolCollision is returned by assembly when two sources register the same tool name.
	ErrToolCollision = errors.New("tool name collision")
	// ErrRunTerminated matches every run that ended on its turn ceiling, timeout or cancellation.
	ErrRunTerminated = errors.New("run terminated")
)

// ToolError is a recoverable tool failure. The loop hands it back to the
// model as an error observation instead of ending the run.
type ToolError struct {
	Kind string
	Msg  string
	Err  error
}

func (e *ToolError) Error() string {
	return e.Kind + ": " + e.Msg
}

func (e *ToolError) Unwrap() error { return e.Err }

// NewToolError builds a ToolError with a formatted message.
func NewToolError(kind, format string, args ...any) *ToolError {
	return &ToolError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Invalidf reports malformed tool arguments.
func Invalidf(format string, args ...any) error {
	return NewToolError(KindValidation, format, args...)
}

// ErrorKind classifies err for a tool result.
func ErrorKind(err error) string {
	var te *ToolError
	if errors.As(err, &te) {
		return te.Kind
	}
	var pe *backend.PathError
	if errors.As(err, &pe) {
		return backend.Kind(err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindRunTerminated
	}
	if k := backend.Kind(err); k != KindBackendFault {
		return k
	}
	return KindToolFault
}

// ErrorMessage returns the text shown to the model for err.
func ErrorMessage(err error) string {
	var te *ToolError
	if errors.As(err, &te) {
		return te.Msg
	}
	return err.Error()
}

// RunError reports why a run ended without completing.
type RunError struct {
	State RunState
	Cause error
}

func (e *RunError) Error() string {
	if e.Cause == nil {
		return "run " + string(e.State)
	}
	return fmt.Sprintf("run %s: %v", e.State, e.Cause)
}

func (e *RunError) Unwrap() error { return e.Cause }

// Is matches ErrRunTerminated for the turn-limit, timeout and cancellation states.
func (e *RunError) Is(target error) bool {
	if target != ErrRunTerminated {
		return false
	}
	switch e.State {
	case StateTurnLimit, StateTimedOut, StateCancelled:
		return true
	}
	return false
}
