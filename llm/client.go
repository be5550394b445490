// Package llm is the model-invocation boundary. The agent loop only needs
// one synchronous call per turn; providers adapt their wire format to it.
package llm

import "context"

// Client is the interface for LLM providers.
type Client interface {
	// Call makes a synchronous LLM call and returns the full response.
	Call(ctx context.Context, req Request) (*Response, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, req Request) (*Response, error)

func (f ClientFunc) Call(ctx context.Context, req Request) (*Response, error) { return f(ctx, req) }

// Message represents a chat message for the LLM.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"arguments"`
}

// ToolSchema describes a tool for the LLM.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request is the input to an LLM call.
type Request struct {
	Model        string       `json:"model"`
	SystemPrompt string       `json:"system_prompt,omitempty"`
	Messages     []Message    `json:"messages"`
	Tools        []ToolSchema `json:"tools,omitempty"`
	MaxTokens    int          `json:"max_tokens,omitempty"`
	Temperature  *float64     `json:"temperature,omitempty"`
}

// Response is the full result of an LLM call.
type Response struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

// Usage reports provider token accounting when available.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}
