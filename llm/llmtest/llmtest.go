// Package llmtest provides scripted model clients for tests.
package llmtest

import (
	"context"
	"fmt"
	"sync"

	"wick_core/llm"
)

// Script is a Client that replays queued responses in order and records
// every request it receives. It is safe for concurrent use.
type Script struct {
	mu        sync.Mutex
	responses []*llm.Response
	handler   func(ctx context.Context, req llm.Request) (*llm.Response, error)
	requests  []llm.Request
}

// NewScript returns a client that answers with responses in order. Once
// the queue is empty every further call fails.
func NewScript(responses ...*llm.Response) *Script {
	return &Script{responses: responses}
}

// NewHandler returns a client that answers every call with fn.
func NewHandler(fn func(ctx context.Context, req llm.Request) (*llm.Response, error)) *Script {
	return &Script{handler: fn}
}

// Push queues more responses.
func (s *Script) Push(responses ...*llm.Response) {
	s.mu.Lock()
	s.responses = append(s.responses, responses...)
	s.mu.Unlock()
}

func (s *Script) Call(ctx context.Context, req llm.Request) (*llm.Response, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	if s.handler != nil {
		h := s.handler
		s.mu.Unlock()
		return h(ctx, req)
	}
	if len(s.responses) == 0 {
		s.mu.Unlock()
		return nil, fmt.Errorf("llmtest: no scripted response for call %d", len(s.requests))
	}
	resp := s.responses[0]
	s.responses = s.responses[1:]
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return resp, nil
}

// Requests returns a copy of the requests received so far.
func (s *Script) Requests() []llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]llm.Request(nil), s.requests...)
}

// Text is a final answer with no tool calls.
func Text(content string) *llm.Response {
	return &llm.Response{Content: content}
}

// Calls is a response requesting the given tool calls.
func Calls(calls ...llm.ToolCall) *llm.Response {
	return &llm.Response{ToolCalls: calls}
}

// Call builds a tool call.
func Call(id, name string, args map[string]any) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: name, Args: args}
}
