package agent

import (
	"context"

	"wick_core/llm"
)

// ModelRequest is what one turn sends to the model. Hooks may rewrite it
// before passing it on.
type ModelRequest struct {
	System   string
	Messages []Message // transcript turns after the system turn
	Tools    []llm.ToolSchema
}

// ModelResponse holds the result of a model call.
type ModelResponse struct {
	Content   string
	ToolCalls []ToolCall
	Usage     llm.Usage
}

// ModelCallFunc is the signature for the "next" function in the model call chain.
type ModelCallFunc func(ctx context.Context, req *ModelRequest) (*ModelResponse, error)

// ToolCallFunc is the signature for the "next" function in the tool call chain.
type ToolCallFunc func(ctx context.Context, call ToolCall) (*ToolResult, error)

// Hook is one middleware layer (onion ring pattern). Hooks are composed
// once at assembly: index 0 is the outermost layer, so its "before" code
// runs first and its "after" code runs last.
type Hook interface {
	// Name returns the hook identifier.
	Name() string

	// Tools returns the tools this hook contributes to the agent.
	Tools() []Tool

	// SystemPrompt returns guidance appended to the system prompt.
	SystemPrompt() string

	// BeforeAgent is called once before the first turn of every run.
	BeforeAgent(ctx context.Context, run *Run) error

	// WrapModelCall wraps each model call.
	WrapModelCall(ctx context.Context, req *ModelRequest, next ModelCallFunc) (*ModelResponse, error)

	// WrapToolCall wraps each tool execution. Returning without calling
	// next vetoes the call.
	WrapToolCall(ctx context.Context, call ToolCall, next ToolCallFunc) (*ToolResult, error)

	// AfterTurn is called after each completed turn, in reverse hook order.
	AfterTurn(ctx context.Context, run *Run) error
}

// BaseHook provides no-op defaults for all hook methods.
// Embed this to only override the methods you need.
type BaseHook struct{}

func (BaseHook) Name() string { return "base" }

func (BaseHook) Tools() []Tool { return nil }

func (BaseHook) SystemPrompt() string { return "" }

func (BaseHook) BeforeAgent(ctx context.Context, run *Run) error {
	return nil
}

func (BaseHook) WrapModelCall(ctx context.Context, req *ModelRequest, next ModelCallFunc) (*ModelResponse, error) {
	return next(ctx, req)
}

func (BaseHook) WrapToolCall(ctx context.Context, call ToolCall, next ToolCallFunc) (*ToolResult, error) {
	return next(ctx, call)
}

func (BaseHook) AfterTurn(ctx context.Context, run *Run) error {
	return nil
}
