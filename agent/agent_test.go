package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wick_core/backend"
	"wick_core/llm"
	"wick_core/llm/llmtest"
)

func echoTool(name string) Tool {
	return &FuncTool{
		ToolName: name,
		ToolDesc: "echo " + name,
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			return fmt.Sprintf("%s:%v", name, args["v"]), nil
		},
	}
}

// recordingHook appends its before/after markers to a shared log.
type recordingHook struct {
	BaseHook
	name   string
	tools  []Tool
	prompt string

	mu  *sync.Mutex
	log *[]string
}

func (h *recordingHook) Name() string         { return h.name }
func (h *recordingHook) Tools() []Tool        { return h.tools }
func (h *recordingHook) SystemPrompt() string { return h.prompt }

func (h *recordingHook) record(s string) {
	h.mu.Lock()
	*h.log = append(*h.log, s)
	h.mu.Unlock()
}

func (h *recordingHook) WrapModelCall(ctx context.Context, req *ModelRequest, next ModelCallFunc) (*ModelResponse, error) {
	h.record(h.name + ":model:before")
	resp, err := next(ctx, req)
	h.record(h.name + ":model:after")
	return resp, err
}

func (h *recordingHook) WrapToolCall(ctx context.Context, call ToolCall, next ToolCallFunc) (*ToolResult, error) {
	h.record(h.name + ":tool:before")
	res, err := next(ctx, call)
	h.record(h.name + ":tool:after")
	return res, err
}

func (h *recordingHook) AfterTurn(ctx context.Context, run *Run) error {
	h.record(h.name + ":after_turn")
	return nil
}

func TestNewToolCollision(t *testing.T) {
	var mu sync.Mutex
	var log []string
	a := &recordingHook{name: "a", tools: []Tool{echoTool("x")}, mu: &mu, log: &log}
	b := &recordingHook{name: "b", tools: []Tool{echoTool("x")}, mu: &mu, log: &log}

	_, err := New(AgentConfig{Name: "t"}, llmtest.NewScript(), []Hook{a, b})
	require.ErrorIs(t, err, ErrToolCollision)
	assert.Contains(t, err.Error(), "a and b")

	_, err = New(AgentConfig{Name: "t"}, llmtest.NewScript(), []Hook{a}, WithTools(echoTool("x")))
	require.ErrorIs(t, err, ErrToolCollision)
}

func TestNewRejectsBadAssembly(t *testing.T) {
	_, err := New(AgentConfig{}, nil, nil)
	assert.Error(t, err)

	_, err = New(AgentConfig{}, llmtest.NewScript(), []Hook{nil})
	assert.Error(t, err)

	_, err = New(AgentConfig{MaxTurns: -1}, llmtest.NewScript(), nil)
	assert.Error(t, err)

	_, err = New(AgentConfig{AllowedTools: []string{"nope"}}, llmtest.NewScript(), nil, WithTools(echoTool("x")))
	assert.Error(t, err)
}

func TestSystemPromptAssembly(t *testing.T) {
	var mu sync.Mutex
	var log []string
	hooks := []Hook{
		&recordingHook{name: "first", prompt: "FIRST", mu: &mu, log: &log},
		&recordingHook{name: "silent", mu: &mu, log: &log},
		&recordingHook{name: "second", prompt: "SECOND\n", mu: &mu, log: &log},
	}
	a, err := New(AgentConfig{SystemPrompt: "BASE"}, llmtest.NewScript(), hooks)
	require.NoError(t, err)
	assert.Equal(t, "BASE\n\nFIRST\n\nSECOND", a.SystemPrompt())
	assert.Equal(t, []string{"first", "silent", "second"}, a.HookNames())
}

func TestAllowedToolsFilter(t *testing.T) {
	a, err := New(AgentConfig{AllowedTools: []string{"b"}}, llmtest.NewScript(), nil,
		WithTools(echoTool("a"), echoTool("b"), echoTool("c")))
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, a.ToolNames())
}

func TestHookOrder(t *testing.T) {
	var mu sync.Mutex
	var log []string
	outer := &recordingHook{name: "outer", tools: []Tool{echoTool("echo")}, mu: &mu, log: &log}
	inner := &recordingHook{name: "inner", mu: &mu, log: &log}

	client := llmtest.NewScript(
		llmtest.Calls(llmtest.Call("c1", "echo", map[string]any{"v": 1})),
		llmtest.Text("done"),
	)
	a, err := New(AgentConfig{}, client, []Hook{outer, inner})
	require.NoError(t, err)

	res, err := a.Run(context.Background(), Human("go"))
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, "done", res.Final)

	assert.Equal(t, []string{
		"outer:model:before", "inner:model:before", "inner:model:after", "outer:model:after",
		"outer:tool:before", "inner:tool:before", "inner:tool:after", "outer:tool:after",
		"inner:after_turn", "outer:after_turn",
		"outer:model:before", "inner:model:before", "inner:model:after", "outer:model:after",
		"inner:after_turn", "outer:after_turn",
	}, log)
}

// vetoHook refuses a named tool without calling next.
type vetoHook struct {
	BaseHook
	tool string
}

func (h *vetoHook) Name() string { return "veto" }

func (h *vetoHook) WrapToolCall(ctx context.Context, call ToolCall, next ToolCallFunc) (*ToolResult, error) {
	if call.Name == h.tool {
		return nil, NewToolError(KindPermissionDenied, "%s was rejected", call.Name)
	}
	return next(ctx, call)
}

func TestOuterHookVetoesToolCall(t *testing.T) {
	var called bool
	tool := &FuncTool{ToolName: "rm", Fn: func(ctx context.Context, args map[string]any) (string, error) {
		called = true
		return "removed", nil
	}}
	client := llmtest.NewScript(
		llmtest.Calls(llmtest.Call("c1", "rm", nil)),
		llmtest.Text("ok"),
	)
	a, err := New(AgentConfig{}, client, []Hook{&vetoHook{tool: "rm"}}, WithTools(tool))
	require.NoError(t, err)

	res, err := a.Run(context.Background(), Human("delete it"))
	require.NoError(t, err)
	assert.False(t, called)

	msg := res.Transcript[3]
	assert.Equal(t, RoleTool, msg.Role)
	assert.True(t, msg.IsError)
	assert.Equal(t, KindPermissionDenied, msg.ErrorKind)
	assert.Equal(t, "Error: rm was rejected", msg.Content)
}

func TestToolResultsKeepIssueOrder(t *testing.T) {
	delays := map[string]time.Duration{"a": 60 * time.Millisecond, "b": 0, "c": 30 * time.Millisecond}
	slow := &FuncTool{ToolName: "slow", Fn: func(ctx context.Context, args map[string]any) (string, error) {
		id := args["id"].(string)
		time.Sleep(delays[id])
		return "result-" + id, nil
	}}
	client := llmtest.NewScript(
		llmtest.Calls(
			llmtest.Call("a", "slow", map[string]any{"id": "a"}),
			llmtest.Call("b", "slow", map[string]any{"id": "b"}),
			llmtest.Call("c", "slow", map[string]any{"id": "c"}),
		),
		llmtest.Text("done"),
	)
	a, err := New(AgentConfig{}, client, nil, WithTools(slow))
	require.NoError(t, err)

	res, err := a.Run(context.Background(), Human("go"))
	require.NoError(t, err)

	tools := res.Transcript.ByRole(RoleTool)
	require.Len(t, tools, 3)
	for i, id := range []string{"a", "b", "c"} {
		assert.Equal(t, id, tools[i].ToolCallID)
		assert.Equal(t, "result-"+id, tools[i].Content)
	}
	require.NoError(t, res.Transcript.Validate())
}

func TestToolFailuresAreObservations(t *testing.T) {
	failing := &FuncTool{ToolName: "read", Fn: func(ctx context.Context, args map[string]any) (string, error) {
		return "", &backend.PathError{Op: "read", Path: "/x", Err: backend.ErrNotFound}
	}}
	panicky := &FuncTool{ToolName: "boom", Fn: func(ctx context.Context, args map[string]any) (string, error) {
		panic("kaboom")
	}}
	client := llmtest.NewScript(
		llmtest.Calls(
			llmtest.Call("1", "read", nil),
			llmtest.Call("2", "boom", nil),
			llmtest.Call("3", "missing", nil),
		),
		llmtest.Text("recovered"),
	)
	a, err := New(AgentConfig{}, client, nil, WithTools(failing, panicky))
	require.NoError(t, err)

	res, err := a.Run(context.Background(), Human("go"))
	require.NoError(t, err)
	assert.Equal(t, "recovered", res.Final)

	tools := res.Transcript.ByRole(RoleTool)
	require.Len(t, tools, 3)
	assert.Equal(t, KindNotFound, tools[0].ErrorKind)
	assert.Equal(t, KindToolFault, tools[1].ErrorKind)
	assert.Contains(t, tools[1].Content, "kaboom")
	assert.Equal(t, KindValidation, tools[2].ErrorKind)
}

func TestTurnLimit(t *testing.T) {
	client := llmtest.NewHandler(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		return llmtest.Calls(llmtest.Call("", "echo", nil)), nil
	})
	a, err := New(AgentConfig{MaxTurns: 3}, client, nil, WithTools(echoTool("echo")))
	require.NoError(t, err)

	res, err := a.Run(context.Background(), Human("loop forever"))
	require.ErrorIs(t, err, ErrRunTerminated)
	assert.Equal(t, StateTurnLimit, res.State)
	assert.Equal(t, 3, res.Turns)
	assert.Len(t, client.Requests(), 3)

	// Synthesized call ids keep the transcript well-formed.
	require.NoError(t, res.Transcript.Validate())
}

func TestTimeout(t *testing.T) {
	client := llmtest.NewHandler(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	a, err := New(AgentConfig{Timeout: 50 * time.Millisecond}, client, nil)
	require.NoError(t, err)

	res, err := a.Run(context.Background(), Human("hang"))
	require.ErrorIs(t, err, ErrRunTerminated)
	assert.Equal(t, StateTimedOut, res.State)

	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	assert.ErrorIs(t, runErr, context.DeadlineExceeded)
}

func TestCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	client := llmtest.NewHandler(func(c context.Context, req llm.Request) (*llm.Response, error) {
		cancel()
		return llmtest.Calls(llmtest.Call("c1", "echo", nil)), nil
	})
	a, err := New(AgentConfig{}, client, nil, WithTools(echoTool("echo")))
	require.NoError(t, err)

	res, err := a.Run(ctx, Human("go"))
	require.ErrorIs(t, err, ErrRunTerminated)
	assert.Equal(t, StateCancelled, res.State)
	assert.Equal(t, 1, res.Turns)
}

func TestModelFailure(t *testing.T) {
	client := llmtest.NewScript()
	a, err := New(AgentConfig{}, client, nil)
	require.NoError(t, err)

	res, err := a.Run(context.Background(), Human("go"))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrRunTerminated))
	assert.Equal(t, StateFailed, res.State)
}

func TestRunStream(t *testing.T) {
	client := llmtest.NewScript(
		llmtest.Calls(llmtest.Call("c1", "echo", map[string]any{"v": "x"})),
		llmtest.Text("done"),
	)
	a, err := New(AgentConfig{Model: "m"}, client, nil, WithTools(echoTool("echo")))
	require.NoError(t, err)

	ch := make(chan Event, 64)
	res, err := a.RunStream(context.Background(), ch, Human("go"))
	require.NoError(t, err)

	var names []string
	for ev := range ch {
		names = append(names, ev.Event)
	}
	assert.Equal(t, []string{
		EventModelStart, EventModelEnd, EventToolStart, EventToolEnd,
		EventModelStart, EventModelEnd, EventDone,
	}, names)
	assert.Equal(t, "done", res.Final)
}

func TestRequestCarriesSystemAndTools(t *testing.T) {
	client := llmtest.NewScript(llmtest.Text("hi"))
	a, err := New(AgentConfig{SystemPrompt: "SYS", Model: "m1", MaxTokens: 99}, client, nil, WithTools(echoTool("echo")))
	require.NoError(t, err)

	_, err = a.Run(context.Background(), Human("hello"))
	require.NoError(t, err)

	reqs := client.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "SYS", reqs[0].SystemPrompt)
	assert.Equal(t, "m1", reqs[0].Model)
	assert.Equal(t, 99, reqs[0].MaxTokens)
	require.Len(t, reqs[0].Messages, 1)
	assert.Equal(t, "hello", reqs[0].Messages[0].Content)
	require.Len(t, reqs[0].Tools, 1)
	assert.Equal(t, "echo", reqs[0].Tools[0].Name)
}

func TestRunFromContext(t *testing.T) {
	var seen *Run
	tool := &FuncTool{ToolName: "peek", Fn: func(ctx context.Context, args map[string]any) (string, error) {
		seen = RunFromContext(ctx)
		seen.SetValue("k", 1)
		return "", nil
	}}
	client := llmtest.NewScript(llmtest.Calls(llmtest.Call("c", "peek", nil)), llmtest.Text("ok"))
	a, err := New(AgentConfig{Name: "peeker"}, client, nil, WithTools(tool))
	require.NoError(t, err)

	res, err := a.Run(context.Background(), Human("go"))
	require.NoError(t, err)
	require.NotNil(t, seen)
	assert.Equal(t, res.RunID, seen.ID)
	assert.Equal(t, "peeker", seen.Agent)
	v, ok := seen.Value("k")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestInvoke(t *testing.T) {
	a, err := New(AgentConfig{}, llmtest.NewScript(llmtest.Text("answer")), nil)
	require.NoError(t, err)
	out, err := a.Invoke(context.Background(), "question")
	require.NoError(t, err)
	assert.Equal(t, "answer", out)

	var _ Runner = a
}
