package hooks

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wick_core/agent"
	"wick_core/backend"
	"wick_core/llm/llmtest"
)

func TestApprovalHook(t *testing.T) {
	fs := backend.NewStateBackend()
	var reviewed []string
	approver := ApproverFunc(func(ctx context.Context, call agent.ToolCall) (Decision, error) {
		reviewed = append(reviewed, call.ID)
		switch call.ID {
		case "c1":
			return Decision{Action: Approve}, nil
		case "c2":
			return Decision{Action: Reject, Reason: "not in /etc"}, nil
		default:
			args := map[string]any{"file_path": "/edited.txt", "content": call.Args["content"]}
			return Decision{Action: Edit, Args: args}, nil
		}
	})

	client := llmtest.NewScript(
		llmtest.Calls(llmtest.Call("c1", "write_file", map[string]any{"file_path": "/a.txt", "content": "a"})),
		llmtest.Calls(llmtest.Call("c2", "write_file", map[string]any{"file_path": "/etc/x", "content": "x"})),
		llmtest.Calls(llmtest.Call("c3", "write_file", map[string]any{"file_path": "/orig.txt", "content": "c"})),
		llmtest.Calls(llmtest.Call("c4", "read_file", map[string]any{"file_path": "/a.txt"})),
		llmtest.Text("done"),
	)
	hooks := []agent.Hook{
		NewApprovalHook([]string{"write_file"}, approver, nil),
		NewFilesystemHook(fs, nil),
	}
	a, err := agent.New(agent.AgentConfig{Name: "gated", InterruptOn: []string{"write_file"}}, client, hooks)
	require.NoError(t, err)

	res, err := a.Run(context.Background(), agent.Human("write things"))
	require.NoError(t, err)

	// only gated tools reach the approver
	assert.Equal(t, []string{"c1", "c2", "c3"}, reviewed)

	tools := res.Transcript.ByRole(agent.RoleTool)
	require.Len(t, tools, 4)
	assert.False(t, tools[0].IsError)
	assert.True(t, tools[1].IsError)
	assert.Equal(t, agent.KindPermissionDenied, tools[1].ErrorKind)
	assert.Contains(t, tools[1].Content, "not in /etc")
	assert.False(t, tools[2].IsError)
	assert.Equal(t, "a", tools[3].Content)

	files := fs.Files()
	assert.Equal(t, map[string]string{"/a.txt": "a", "/edited.txt": "c"}, files)
}

func TestApprovalHook_NoApprover(t *testing.T) {
	h := NewApprovalHook([]string{"execute"}, nil, nil)
	ran := false
	next := func(ctx context.Context, call agent.ToolCall) (*agent.ToolResult, error) {
		ran = true
		return &agent.ToolResult{Output: "ok"}, nil
	}

	_, err := h.WrapToolCall(context.Background(), agent.ToolCall{ID: "1", Name: "execute"}, next)
	assert.Equal(t, agent.KindPermissionDenied, agent.ErrorKind(err))
	assert.False(t, ran)

	res, err := h.WrapToolCall(context.Background(), agent.ToolCall{ID: "2", Name: "ls"}, next)
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Output)
}

func TestApprovalHook_ApproverError(t *testing.T) {
	failing := ApproverFunc(func(ctx context.Context, call agent.ToolCall) (Decision, error) {
		return Decision{}, errors.New("reviewer unreachable")
	})
	h := NewApprovalHook([]string{"execute"}, failing, nil)
	_, err := h.WrapToolCall(context.Background(), agent.ToolCall{ID: "1", Name: "execute"},
		func(ctx context.Context, call agent.ToolCall) (*agent.ToolResult, error) {
			t.Fatal("gated call ran")
			return nil, nil
		})
	assert.Equal(t, agent.KindPermissionDenied, agent.ErrorKind(err))
	assert.Contains(t, agent.ErrorMessage(err), "reviewer unreachable")
}
