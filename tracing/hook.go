package tracing

import (
	"context"
	"sync"
	"unicode/utf8"

	"wick_core/agent"
)

// Name is the hook name used by Hook.
const Name = "tracing"

const previewLen = 500

// Hook implements agent.Hook. It wraps model and tool calls with timed
// spans. Traces stay live until Finish moves them into the store, so every
// traced run must be finished by its caller.
type Hook struct {
	agent.BaseHook
	store *Store

	mu   sync.Mutex
	live map[string]*Trace
}

// NewHook creates a tracing hook that keeps finished traces in store.
func NewHook(store *Store) *Hook {
	if store == nil {
		store = NewStore(0)
	}
	return &Hook{store: store, live: make(map[string]*Trace)}
}

func (h *Hook) Name() string { return Name }

// Store returns the store finished traces go to.
func (h *Hook) Store() *Store { return h.store }

func (h *Hook) BeforeAgent(ctx context.Context, run *agent.Run) error {
	h.mu.Lock()
	h.live[run.ID] = newTrace(run)
	h.mu.Unlock()
	return nil
}

func (h *Hook) trace(ctx context.Context) *Trace {
	run := agent.RunFromContext(ctx)
	if run == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.live[run.ID]
}

func (h *Hook) WrapModelCall(ctx context.Context, req *agent.ModelRequest, next agent.ModelCallFunc) (*agent.ModelResponse, error) {
	tr := h.trace(ctx)
	if tr == nil {
		return next(ctx, req)
	}

	s := tr.StartSpan("llm.call")
	s.Set("message_count", len(req.Messages))
	s.Set("tool_count", len(req.Tools))
	resp, err := next(ctx, req)
	if err != nil {
		s.Set("error", err.Error())
	} else {
		s.Set("content", preview(resp.Content))
		s.Set("prompt_tokens", resp.Usage.PromptTokens)
		s.Set("completion_tokens", resp.Usage.CompletionTokens)
		if len(resp.ToolCalls) > 0 {
			names := make([]string, len(resp.ToolCalls))
			for i, tc := range resp.ToolCalls {
				names[i] = tc.Name
			}
			s.Set("tool_calls", names)
		}
	}
	s.End()
	return resp, err
}

func (h *Hook) WrapToolCall(ctx context.Context, call agent.ToolCall, next agent.ToolCallFunc) (*agent.ToolResult, error) {
	tr := h.trace(ctx)
	if tr == nil {
		return next(ctx, call)
	}

	s := tr.StartSpan("tool.call")
	s.Set("tool_name", call.Name)
	s.Set("tool_call_id", call.ID)
	s.Set("tool_args", call.Args)
	result, err := next(ctx, call)
	if err != nil {
		s.Set("error", err.Error())
		if kind := agent.ErrorKind(err); kind != "" {
			s.Set("error_kind", kind)
		}
	} else if result != nil {
		s.Set("output_length", len(result.Output))
		s.Set("output", preview(result.Output))
		if result.IsError {
			s.Set("error_kind", result.ErrorKind)
		}
	}
	s.End()
	return result, err
}

func (h *Hook) AfterTurn(ctx context.Context, run *agent.Run) error {
	if tr := h.trace(ctx); tr != nil {
		tr.RecordEvent("turn", map[string]any{
			"turn":     run.Turn(),
			"messages": run.Transcript.Len(),
		})
	}
	return nil
}

// Finish completes the trace of res's run, stores it and returns it. It
// returns nil when the run was never traced.
func (h *Hook) Finish(res *agent.Result) *Trace {
	if res == nil {
		return nil
	}
	h.mu.Lock()
	tr := h.live[res.RunID]
	delete(h.live, res.RunID)
	h.mu.Unlock()
	if tr == nil {
		return nil
	}
	tr.finish(res)
	h.store.Put(tr)
	return tr
}

func preview(s string) string {
	if len(s) <= previewLen {
		return s
	}
	n := previewLen
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "...(truncated)"
}
