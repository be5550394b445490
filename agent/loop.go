package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"wick_core/llm"
)

// Result is the outcome of one run.
type Result struct {
	RunID      string    `json:"run_id"`
	State      RunState  `json:"state"`
	Final      string    `json:"final,omitempty"`
	Transcript Messages  `json:"transcript"`
	Turns      int       `json:"turns"`
	Usage      llm.Usage `json:"usage"`
	Err        error     `json:"-"`
}

// Run executes the agent on input until the model answers without tool
// calls, the turn ceiling is reached, the timeout expires or ctx is
// cancelled. The returned Result is never nil; the error is a *RunError
// whenever the run did not complete.
func (a *Agent) Run(ctx context.Context, input ...Message) (*Result, error) {
	return a.run(ctx, input, nil)
}

// RunStream executes the agent and streams events to eventCh, which is
// closed when the run ends. The last event is always "done".
func (a *Agent) RunStream(ctx context.Context, eventCh chan<- Event, input ...Message) (*Result, error) {
	defer close(eventCh)

	res, err := a.run(ctx, input, eventCh)
	if err != nil {
		eventCh <- Event{Event: EventError, Data: map[string]string{"error": err.Error()}}
	}
	eventCh <- Event{
		Event: EventDone,
		RunID: res.RunID,
		Data: map[string]any{
			"state": res.State,
			"turns": res.Turns,
		},
	}
	return res, err
}

// Invoke runs instruction as a fresh conversation and returns the final
// answer. It lets an assembled agent serve as a sub-agent.
func (a *Agent) Invoke(ctx context.Context, instruction string) (string, error) {
	res, err := a.Run(ctx, Human(instruction))
	if err != nil {
		return "", err
	}
	return res.Final, nil
}

func (a *Agent) run(ctx context.Context, input []Message, eventCh chan<- Event) (*Result, error) {
	start := time.Now()
	if a.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()
	}

	run := NewRun(a.cfg, NewTranscript(a.system, input...))
	ctx = WithRun(ctx, run)
	log := a.logger.With(zap.String("run_id", run.ID))
	log.Debug("run started", zap.Int("input", len(input)))

	res := &Result{RunID: run.ID, State: StateRunning}
	finish := func(state RunState, cause error) (*Result, error) {
		res.State = state
		res.Transcript = run.Transcript.Messages()
		res.Turns = run.Turn()
		log.Info("run finished",
			zap.String("state", string(state)),
			zap.Int("turns", res.Turns),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(cause))
		if state == StateCompleted {
			return res, nil
		}
		res.Err = &RunError{State: state, Cause: cause}
		return res, res.Err
	}

	if err := Messages(input).Validate(); err != nil {
		return finish(StateFailed, fmt.Errorf("invalid input: %w", err))
	}

	// 1. BeforeAgent hooks
	for _, h := range a.hooks {
		if err := h.BeforeAgent(ctx, run); err != nil {
			return finish(StateFailed, fmt.Errorf("hook %s BeforeAgent: %w", h.Name(), err))
		}
	}

	modelCall := a.buildModelChain()
	toolCall := a.buildToolCallChain()
	schemas := a.tools.Schemas()

	// 2. Model-tool loop
	for {
		if err := ctx.Err(); err != nil {
			return finish(stateForContext(ctx), err)
		}
		if run.Turn() >= a.cfg.MaxTurns {
			return finish(StateTurnLimit, fmt.Errorf("turn ceiling of %d reached", a.cfg.MaxTurns))
		}
		run.turn.Add(1)

		msgs := run.Transcript.Messages()
		req := &ModelRequest{System: msgs[0].Content, Messages: msgs[1:], Tools: schemas}

		emit(eventCh, Event{Event: EventModelStart, Name: a.cfg.Model})
		resp, err := modelCall(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return finish(stateForContext(ctx), err)
			}
			return finish(StateFailed, fmt.Errorf("model call: %w", err))
		}
		emit(eventCh, Event{Event: EventModelEnd, Name: a.cfg.Model})
		res.Usage.PromptTokens += resp.Usage.PromptTokens
		res.Usage.CompletionTokens += resp.Usage.CompletionTokens

		calls := resp.ToolCalls
		for i := range calls {
			if calls[i].ID == "" {
				calls[i].ID = "call_" + uuid.NewString()
			}
		}
		run.Transcript.Append(AI(resp.Content, calls...))

		if len(calls) > 0 {
			results := a.dispatch(ctx, log, toolCall, calls, eventCh)
			for _, r := range results {
				run.Transcript.Append(r.Message())
			}
		}

		// AfterTurn hooks, innermost first.
		for i := len(a.hooks) - 1; i >= 0; i-- {
			if err := a.hooks[i].AfterTurn(ctx, run); err != nil {
				return finish(StateFailed, fmt.Errorf("hook %s AfterTurn: %w", a.hooks[i].Name(), err))
			}
		}

		if len(calls) == 0 {
			res.Final = resp.Content
			return finish(StateCompleted, nil)
		}
	}
}

func stateForContext(ctx context.Context) RunState {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return StateTimedOut
	}
	return StateCancelled
}

func emit(eventCh chan<- Event, ev Event) {
	if eventCh != nil {
		eventCh <- ev
	}
}

// dispatch runs one turn's tool calls concurrently and returns their
// results in the order the calls were issued.
func (a *Agent) dispatch(ctx context.Context, log *zap.Logger, toolCall ToolCallFunc, calls []ToolCall, eventCh chan<- Event) []ToolResult {
	results := make([]ToolResult, len(calls))
	var g errgroup.Group
	for i, tc := range calls {
		g.Go(func() error {
			emit(eventCh, Event{
				Event: EventToolStart,
				Name:  tc.Name,
				RunID: tc.ID,
				Data:  map[string]any{"input": tc.Args},
			})

			var result ToolResult
			wrapped, err := toolCall(ctx, tc)
			switch {
			case err != nil:
				result = errorResult(tc, err)
			case wrapped != nil:
				result = *wrapped
			}
			result.ToolCallID = tc.ID
			result.Name = tc.Name
			if result.IsError {
				log.Warn("tool failed",
					zap.String("tool", tc.Name),
					zap.String("kind", result.ErrorKind),
					zap.String("call_id", tc.ID))
			}
			results[i] = result

			emit(eventCh, Event{
				Event: EventToolEnd,
				Name:  tc.Name,
				RunID: tc.ID,
				Data:  map[string]any{"output": result.Output, "is_error": result.IsError},
			})
			return nil
		})
	}
	// Failures are carried in the results; the group never returns an error.
	_ = g.Wait()
	return results
}

// executeTool is the innermost layer of the tool chain.
func (a *Agent) executeTool(ctx context.Context, tc ToolCall) (res *ToolResult, err error) {
	tool, ok := a.tools.Get(tc.Name)
	if !ok {
		r := errorResult(tc, Invalidf("tool %q not found", tc.Name))
		return &r, nil
	}

	defer func() {
		if p := recover(); p != nil {
			r := errorResult(tc, NewToolError(KindToolFault, "tool panicked: %v", p))
			res, err = &r, nil
		}
	}()

	output, execErr := tool.Execute(ctx, tc.Args)
	if execErr != nil {
		r := errorResult(tc, execErr)
		return &r, nil
	}
	return &ToolResult{ToolCallID: tc.ID, Name: tc.Name, Output: output}, nil
}

func errorResult(tc ToolCall, err error) ToolResult {
	return ToolResult{
		ToolCallID: tc.ID,
		Name:       tc.Name,
		Output:     "Error: " + ErrorMessage(err),
		IsError:    true,
		ErrorKind:  ErrorKind(err),
	}
}

// buildModelChain wraps the model client with every hook's WrapModelCall
// (reverse order so index 0 is outermost).
func (a *Agent) buildModelChain() ModelCallFunc {
	base := func(ctx context.Context, req *ModelRequest) (*ModelResponse, error) {
		resp, err := a.client.Call(ctx, llm.Request{
			Model:        a.cfg.Model,
			SystemPrompt: req.System,
			Messages:     convertMessages(req.Messages),
			Tools:        req.Tools,
			MaxTokens:    a.cfg.MaxTokens,
			Temperature:  a.cfg.Temperature,
		})
		if err != nil {
			return nil, err
		}
		out := &ModelResponse{Content: resp.Content, Usage: resp.Usage}
		for _, tc := range resp.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Name, Args: tc.Args})
		}
		return out, nil
	}

	fn := base
	for i := len(a.hooks) - 1; i >= 0; i-- {
		hook := a.hooks[i]
		next := fn
		fn = func(ctx context.Context, req *ModelRequest) (*ModelResponse, error) {
			return hook.WrapModelCall(ctx, req, next)
		}
	}
	return fn
}

// buildToolCallChain builds an onion-ring chain for tool execution,
// wrapping executeTool with all WrapToolCall hooks.
func (a *Agent) buildToolCallChain() ToolCallFunc {
	fn := ToolCallFunc(a.executeTool)
	for i := len(a.hooks) - 1; i >= 0; i-- {
		hook := a.hooks[i]
		next := fn
		fn = func(ctx context.Context, tc ToolCall) (*ToolResult, error) {
			return hook.WrapToolCall(ctx, tc, next)
		}
	}
	return fn
}

func convertMessages(msgs []Message) []llm.Message {
	out := make([]llm.Message, len(msgs))
	for i, m := range msgs {
		out[i] = llm.Message{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
		for _, tc := range m.ToolCalls {
			out[i].ToolCalls = append(out[i].ToolCalls, llm.ToolCall{ID: tc.ID, Name: tc.Name, Args: tc.Args})
		}
	}
	return out
}
