package hooks

import (
	"context"

	"go.uber.org/zap"

	"wick_core/agent"
)

// Decision actions returned by an Approver.
const (
	Approve = "approve"
	Reject  = "reject"
	Edit    = "edit"
)

// Decision is a human's answer to a pending tool call.
type Decision struct {
	Action string         `json:"action"`
	Args   map[string]any `json:"args,omitempty"` // replacement arguments for Edit
	Reason string         `json:"reason,omitempty"`
}

// Approver is asked before a gated tool runs.
type Approver interface {
	Approve(ctx context.Context, call agent.ToolCall) (Decision, error)
}

// ApproverFunc adapts a function to Approver.
type ApproverFunc func(ctx context.Context, call agent.ToolCall) (Decision, error)

func (f ApproverFunc) Approve(ctx context.Context, call agent.ToolCall) (Decision, error) {
	return f(ctx, call)
}

// ApprovalHook routes calls to the configured tools through an Approver
// before they reach any inner layer. Registered outermost, it can veto a
// call before the filesystem hook or the backend sees it.
type ApprovalHook struct {
	agent.BaseHook
	gated    map[string]bool
	approver Approver
	logger   *zap.Logger
}

// NewApprovalHook gates the tools named in interruptOn. A nil approver
// rejects every gated call.
func NewApprovalHook(interruptOn []string, approver Approver, logger *zap.Logger) *ApprovalHook {
	if logger == nil {
		logger = zap.NewNop()
	}
	gated := make(map[string]bool, len(interruptOn))
	for _, name := range interruptOn {
		gated[name] = true
	}
	return &ApprovalHook{gated: gated, approver: approver, logger: logger.Named("approval")}
}

func (h *ApprovalHook) Name() string { return agent.MiddlewareApproval }

func (h *ApprovalHook) WrapToolCall(ctx context.Context, call agent.ToolCall, next agent.ToolCallFunc) (*agent.ToolResult, error) {
	if !h.gated[call.Name] {
		return next(ctx, call)
	}
	if h.approver == nil {
		return nil, agent.NewToolError(agent.KindPermissionDenied, "%s requires approval and no approver is configured", call.Name)
	}

	d, err := h.approver.Approve(ctx, call)
	if err != nil {
		return nil, &agent.ToolError{Kind: agent.KindPermissionDenied, Msg: "approval failed: " + err.Error(), Err: err}
	}
	h.logger.Info("tool call reviewed", zap.String("tool", call.Name), zap.String("call_id", call.ID), zap.String("action", d.Action))

	switch d.Action {
	case Approve:
		return next(ctx, call)
	case Edit:
		call.Args = d.Args
		return next(ctx, call)
	default:
		reason := d.Reason
		if reason == "" {
			reason = "rejected by reviewer"
		}
		return nil, agent.NewToolError(agent.KindPermissionDenied, "%s was not run: %s", call.Name, reason)
	}
}
