package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIClientCall(t *testing.T) {
	var got openaiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		io.WriteString(w, `{
			"choices": [{"message": {"role": "assistant", "content": "",
				"tool_calls": [{"id": "c1", "type": "function",
					"function": {"name": "read_file", "arguments": "{\"path\":\"/a.txt\"}"}}]},
				"finish_reason": "tool_calls"}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 3}
		}`)
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL+"/v1/", "sk-test", "gpt-test")
	resp, err := c.Call(context.Background(), Request{
		SystemPrompt: "be brief",
		Messages: []Message{
			{Role: "user", Content: "hi"},
			{Role: "assistant", ToolCalls: []ToolCall{{ID: "c0", Name: "ls", Args: map[string]any{"path": "/"}}}},
			{Role: "tool", Content: "[]", ToolCallID: "c0", Name: "ls"},
		},
		Tools: []ToolSchema{{Name: "read_file", Description: "read"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "gpt-test", got.Model)
	require.Len(t, got.Messages, 4)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, `{"path":"/"}`, got.Messages[2].ToolCalls[0].Function.Arguments)
	require.Len(t, got.Tools, 1)
	assert.Equal(t, "object", got.Tools[0].Function.Parameters["type"])

	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, ToolCall{ID: "c1", Name: "read_file", Args: map[string]any{"path": "/a.txt"}}, resp.ToolCalls[0])
	assert.Equal(t, Usage{PromptTokens: 12, CompletionTokens: 3}, resp.Usage)
}

func TestOpenAIClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewOpenAIClient(srv.URL, "", "m").Call(context.Background(), Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestResolve(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, _, err := Resolve("openai:gpt-4o")
	assert.Error(t, err)

	t.Setenv("OPENAI_API_KEY", "k")
	c, model, err := Resolve("openai:gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", model)
	assert.IsType(t, &OpenAIClient{}, c)

	_, model, err = Resolve("llama3.1:8b")
	require.NoError(t, err)
	assert.Equal(t, "llama3.1:8b", model)

	_, _, err = Resolve("")
	assert.Error(t, err)
}
