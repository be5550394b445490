package hooks

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wick_core/agent"
	"wick_core/llm"
	"wick_core/llm/llmtest"
)

// chars counts one token per byte, which keeps thresholds easy to reason about.
var chars = TokenCounterFunc(func(s string) int { return len(s) })

func summaryConfig(digest string) agent.AgentConfig {
	return agent.AgentConfig{
		Name:          "summarizer",
		ContextWindow: 1000,
		Summarization: agent.SummarizationConfig{TriggerFraction: 0.5, KeepMessages: 2, Digest: digest},
	}
}

func call(id, name string) agent.ToolCall {
	return agent.ToolCall{ID: id, Name: name, Args: map[string]any{"file_path": "/" + id}}
}

// longRun builds a run whose transcript is well over a 500 token threshold
// and whose naive cut point falls between a tool call and its result.
func longRun(cfg agent.AgentConfig) *agent.Run {
	t := agent.NewTranscript("system prompt",
		agent.Human(strings.Repeat("q", 300)),
		agent.AI("", call("c1", "read_file")),
		agent.ToolMsg("c1", "read_file", strings.Repeat("r", 600)),
		agent.AI("", call("c2", "read_file")),
		agent.ToolMsg("c2", "read_file", "short"),
		agent.AI("all read"),
	)
	return agent.NewRun(cfg.WithDefaults(), t)
}

func TestSummarization_BelowThresholdIsNoop(t *testing.T) {
	cfg := summaryConfig("deterministic")
	h := NewSummarizationHook(nil, cfg, WithTokenCounter(chars))
	assert.Equal(t, 500, h.Threshold())

	run := agent.NewRun(cfg, agent.NewTranscript("sys", agent.Human("hi"), agent.AI("hello")))
	before := run.Transcript.Messages()
	require.NoError(t, h.AfterTurn(context.Background(), run))
	assert.Equal(t, before, run.Transcript.Messages())
	_, ok := run.Transcript.Checkpoint()
	assert.False(t, ok)
}

func TestSummarization_KeepsToolPairsTogether(t *testing.T) {
	cfg := summaryConfig("deterministic")
	h := NewSummarizationHook(nil, cfg, WithTokenCounter(chars))
	run := longRun(cfg)

	require.NoError(t, h.AfterTurn(context.Background(), run))

	msgs := run.Transcript.Messages()
	require.NoError(t, msgs.Validate())
	require.Len(t, msgs, 5)
	assert.Equal(t, "system prompt", msgs[0].Content)
	assert.True(t, msgs[1].Checkpoint)
	assert.True(t, strings.HasPrefix(msgs[1].Content, "[Conversation Summary]\n"))
	assert.Contains(t, msgs[1].Content, "read_file")
	// the call whose result is kept is kept as well
	require.Len(t, msgs[2].ToolCalls, 1)
	assert.Equal(t, "c2", msgs[2].ToolCalls[0].ID)
	assert.Equal(t, "c2", msgs[3].ToolCallID)
	assert.Equal(t, "all read", msgs[4].Content)

	cp, ok := run.Transcript.Checkpoint()
	require.True(t, ok)
	assert.Equal(t, 1, cp.Generation)
	assert.Equal(t, 3, cp.Replaced)
}

func TestSummarization_Idempotent(t *testing.T) {
	cfg := summaryConfig("deterministic")
	h := NewSummarizationHook(nil, cfg, WithTokenCounter(chars))
	run := longRun(cfg)

	require.NoError(t, h.AfterTurn(context.Background(), run))
	once := run.Transcript.Messages()
	require.NoError(t, h.AfterTurn(context.Background(), run))
	assert.Equal(t, once, run.Transcript.Messages())

	cp, ok := run.Transcript.Checkpoint()
	require.True(t, ok)
	assert.Equal(t, 1, cp.Generation)
}

func TestSummarization_ModelDigest(t *testing.T) {
	client := llmtest.NewScript(llmtest.Text("the user read two files"))
	cfg := summaryConfig("model")
	cfg.Model = "gpt-test"
	h := NewSummarizationHook(client, cfg, WithTokenCounter(chars))
	run := longRun(cfg)

	require.NoError(t, h.AfterTurn(context.Background(), run))
	msgs := run.Transcript.Messages()
	assert.Equal(t, "[Conversation Summary]\nthe user read two files", msgs[1].Content)

	reqs := client.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "gpt-test", reqs[0].Model)
	assert.Equal(t, summaryPrompt, reqs[0].SystemPrompt)
	assert.Contains(t, reqs[0].Messages[0].Content, "called read_file")
}

func TestSummarization_FailureKeepsTranscript(t *testing.T) {
	client := llmtest.NewHandler(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		return nil, errors.New("model overloaded")
	})
	cfg := summaryConfig("model")
	h := NewSummarizationHook(client, cfg, WithTokenCounter(chars))
	run := longRun(cfg)
	before := run.Transcript.Messages()

	require.NoError(t, h.AfterTurn(context.Background(), run))
	assert.Equal(t, before, run.Transcript.Messages())
	_, ok := run.Transcript.Checkpoint()
	assert.False(t, ok)
}

func TestSummarization_InAgent(t *testing.T) {
	big := &agent.FuncTool{
		ToolName: "fetch",
		ToolDesc: "fetch a page",
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			return strings.Repeat("p", 600), nil
		},
	}
	client := llmtest.NewScript(
		llmtest.Calls(llmtest.Call("f1", "fetch", nil)),
		llmtest.Calls(llmtest.Call("f2", "fetch", nil)),
		llmtest.Text("summary of pages"),
	)
	cfg := summaryConfig("deterministic")
	a, err := agent.New(cfg, client,
		[]agent.Hook{NewSummarizationHook(nil, cfg, WithTokenCounter(chars))},
		agent.WithTools(big))
	require.NoError(t, err)

	res, err := a.Run(context.Background(), agent.Human("fetch both pages"))
	require.NoError(t, err)
	assert.Equal(t, "summary of pages", res.Final)
	require.NoError(t, res.Transcript.Validate())
	assert.Equal(t, agent.RoleSystem, res.Transcript[0].Role)

	checkpoints := 0
	for _, m := range res.Transcript {
		if m.Checkpoint {
			checkpoints++
		}
	}
	assert.Equal(t, 1, checkpoints)

	// the last model call saw the checkpoint instead of the original request
	reqs := client.Requests()
	require.Len(t, reqs, 3)
	assert.NotEqual(t, "fetch both pages", reqs[2].Messages[0].Content)
	assert.True(t, strings.HasPrefix(reqs[2].Messages[0].Content, "[Conversation Summary]"))
}

func TestDeterministicDigest(t *testing.T) {
	msgs := []agent.Message{
		agent.Human("please list files"),
		agent.AI("", call("c1", "ls")),
		{Role: agent.RoleTool, ToolCallID: "c1", Name: "ls", Content: "Error: not found", IsError: true, ErrorKind: agent.KindNotFound},
		agent.AI("nothing there"),
	}
	assert.Equal(t, strings.Join([]string{
		"- user: please list files",
		"- assistant called ls",
		"- ls failed (not_found): Error: not found",
		"- assistant: nothing there",
	}, "\n"), DeterministicDigest(msgs))
}

func TestTokenCounter(t *testing.T) {
	c := NewTokenCounter()
	assert.Equal(t, 0, c.Count(""))
	n := c.Count("hello world, this is a token counting test")
	assert.Positive(t, n)
	assert.Equal(t, n, c.Count("hello world, this is a token counting test"))

	assert.Equal(t, 3, EstimateTokens("one two three"))
	assert.Equal(t, 0, EstimateTokens(""))

	msgs := []agent.Message{agent.Human("abcd"), agent.AI("", agent.ToolCall{ID: "1", Name: "ls"})}
	assert.Equal(t, 4+4+4+2, CountMessages(chars, msgs))
}
