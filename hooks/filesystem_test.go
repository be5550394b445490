package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wick_core/agent"
	"wick_core/backend"
	"wick_core/llm/llmtest"
)

func newSandbox(t *testing.T) *backend.SandboxBackend {
	t.Helper()
	disk, err := backend.NewDiskBackend(t.TempDir(), backend.WithLocalExec(10*time.Second, 0))
	require.NoError(t, err)
	srv := httptest.NewServer(backend.NewDaemonServer(disk, zap.NewNop()))
	t.Cleanup(srv.Close)

	client, err := backend.DialDaemon(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return backend.NewSandboxBackend(client, 5*time.Second)
}

func toolNames(tools []agent.Tool) []string {
	names := make([]string, len(tools))
	for i, tl := range tools {
		names[i] = tl.Name()
	}
	return names
}

func findTool(t *testing.T, tools []agent.Tool, name string) agent.Tool {
	t.Helper()
	for _, tl := range tools {
		if tl.Name() == name {
			return tl
		}
	}
	t.Fatalf("tool %s not found", name)
	return nil
}

func TestFilesystemHook_CapabilityGating(t *testing.T) {
	state := NewFilesystemHook(backend.NewStateBackend(), nil)
	assert.Equal(t, []string{"ls", "read_file", "write_file", "edit_file", "glob", "grep"}, toolNames(state.Tools()))
	assert.NotContains(t, state.SystemPrompt(), "execute")

	sandbox := NewFilesystemHook(newSandbox(t), nil)
	assert.Contains(t, toolNames(sandbox.Tools()), "execute")
	assert.Contains(t, sandbox.SystemPrompt(), "execute")
}

func TestFilesystemHook_FileTools(t *testing.T) {
	fs := backend.NewStateBackend()
	tools := NewFilesystemHook(fs, nil).Tools()
	ctx := context.Background()
	run := func(name string, args map[string]any) string {
		t.Helper()
		out, err := findTool(t, tools, name).Execute(ctx, args)
		require.NoError(t, err)
		return out
	}

	run("write_file", map[string]any{"file_path": "/src/main.go", "content": "package main\n\nfunc main() {}\n"})
	run("write_file", map[string]any{"file_path": "/README.md", "content": "hello\n"})

	assert.Equal(t, "package main\n\nfunc main() {}\n", run("read_file", map[string]any{"file_path": "/src/main.go"}))
	assert.Equal(t, "func main() {}\n", run("read_file", map[string]any{"file_path": "/src/main.go", "offset": float64(2), "limit": float64(1)}))

	assert.Contains(t, run("edit_file", map[string]any{"file_path": "/README.md", "old_string": "hello", "new_string": "bye"}), "1 replacement")
	got, err := fs.Read(ctx, "/README.md", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "bye\n", got)

	var entries []backend.Entry
	require.NoError(t, json.Unmarshal([]byte(run("ls", map[string]any{})), &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "/README.md", entries[0].Path)
	assert.Equal(t, "/src", entries[1].Path)
	assert.True(t, entries[1].IsDir)

	var paths []string
	require.NoError(t, json.Unmarshal([]byte(run("glob", map[string]any{"pattern": "**/*.go"})), &paths))
	assert.Equal(t, []string{"/src/main.go"}, paths)

	var matches []backend.Match
	require.NoError(t, json.Unmarshal([]byte(run("grep", map[string]any{"pattern": "func \\w+", "path": "/src"})), &matches))
	require.Len(t, matches, 1)
	assert.Equal(t, backend.Match{Path: "/src/main.go", Line: 3, Text: "func main() {}"}, matches[0])

	// no matches is an empty list, not null
	assert.Equal(t, "[]", run("glob", map[string]any{"pattern": "*.rs"}))
}

func TestFilesystemHook_Errors(t *testing.T) {
	fs := backend.NewStateBackend()
	tools := NewFilesystemHook(fs, nil).Tools()
	ctx := context.Background()
	require.NoError(t, fs.Write(ctx, "/dup.txt", "a a"))

	tests := []struct {
		name string
		tool string
		args map[string]any
		kind string
	}{
		{"relative path", "read_file", map[string]any{"file_path": "notes.txt"}, agent.KindValidation},
		{"traversal", "write_file", map[string]any{"file_path": "/a/../../etc/passwd", "content": "x"}, agent.KindValidation},
		{"missing path", "read_file", map[string]any{}, agent.KindValidation},
		{"negative offset", "read_file", map[string]any{"file_path": "/dup.txt", "offset": float64(-1)}, agent.KindValidation},
		{"missing content", "write_file", map[string]any{"file_path": "/x.txt"}, agent.KindValidation},
		{"missing new_string", "edit_file", map[string]any{"file_path": "/dup.txt", "old_string": "a"}, agent.KindValidation},
		{"absent file", "read_file", map[string]any{"file_path": "/nope.txt"}, agent.KindNotFound},
		{"ambiguous edit", "edit_file", map[string]any{"file_path": "/dup.txt", "old_string": "a", "new_string": "b"}, agent.KindAmbiguousMatch},
		{"absent edit target", "edit_file", map[string]any{"file_path": "/dup.txt", "old_string": "z", "new_string": "b"}, agent.KindNotFound},
		{"bad regex", "grep", map[string]any{"pattern": "("}, agent.KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := findTool(t, tools, tt.tool).Execute(ctx, tt.args)
			require.Error(t, err)
			assert.Equal(t, tt.kind, agent.ErrorKind(err))
		})
	}

	// a failed edit leaves the file untouched
	got, err := fs.Read(ctx, "/dup.txt", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "a a", got)
}

func TestFilesystemHook_Execute(t *testing.T) {
	sb := newSandbox(t)
	tools := NewFilesystemHook(sb, nil).Tools()
	ctx := context.Background()

	out, err := findTool(t, tools, "execute").Execute(ctx, map[string]any{"command": "echo hi; exit 3"})
	require.NoError(t, err)
	var res backend.ExecResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "hi\n", res.Stdout)
	assert.Equal(t, 3, res.ExitCode)

	_, err = findTool(t, tools, "execute").Execute(ctx, map[string]any{"command": `echo "unterminated`})
	assert.Equal(t, agent.KindValidation, agent.ErrorKind(err))

	_, err = findTool(t, tools, "execute").Execute(ctx, map[string]any{"command": "   "})
	assert.Equal(t, agent.KindValidation, agent.ErrorKind(err))

	shell := []struct{ command, stdout string }{
		{"echo $((1+2))", "3\n"},
		{"test $((2*3)) -eq 6 && echo ok", "ok\n"},
		{"printf 'b\\na\\n' | sort", "a\nb\n"},
		{"(cd / && echo sub)", "sub\n"},
		{"cat <<EOF\nhere\nEOF", "here\n"},
	}
	for _, tt := range shell {
		out, err := findTool(t, tools, "execute").Execute(ctx, map[string]any{"command": tt.command})
		require.NoError(t, err, tt.command)
		var res backend.ExecResult
		require.NoError(t, json.Unmarshal([]byte(out), &res))
		assert.Equal(t, tt.stdout, res.Stdout, tt.command)
		assert.Equal(t, 0, res.ExitCode, tt.command)
	}
}

func TestCheckCommand(t *testing.T) {
	tests := []struct {
		command string
		ok      bool
	}{
		{"ls -la", true},
		{"echo $((1+2))", true},
		{"a | b && c; d", true},
		{`echo "it's fine"`, true},
		{`echo 'a "b' | grep "c`, false},
		{`echo "open`, false},
		{"echo `date", false},
		{`echo trailing\`, false},
		{"(echo $((1+1))) | cat", true},
		{"", false},
		{"\t ", false},
	}
	for _, tt := range tests {
		err := checkCommand(tt.command)
		if tt.ok {
			assert.NoError(t, err, tt.command)
		} else {
			assert.Equal(t, agent.KindValidation, agent.ErrorKind(err), tt.command)
		}
	}
}

func TestFilesystemHook_ReadIsBounded(t *testing.T) {
	fs := backend.NewStateBackend()
	read := findTool(t, NewFilesystemHook(fs, nil).Tools(), "read_file")
	ctx := context.Background()

	var sb strings.Builder
	for i := range maxReadLimit + 500 {
		fmt.Fprintf(&sb, "line %d\n", i)
	}
	require.NoError(t, fs.Write(ctx, "/long.txt", sb.String()))

	out, err := read.Execute(ctx, map[string]any{"file_path": "/long.txt"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "line 0\n"))
	assert.Equal(t, maxReadLimit, strings.Count(out, "\n"))
	assert.Contains(t, out, fmt.Sprintf("line %d\n", maxReadLimit-1))
	assert.NotContains(t, out, fmt.Sprintf("line %d\n", maxReadLimit))
	assert.Contains(t, out, fmt.Sprintf("continue with offset=%d", maxReadLimit))

	// larger limits are clamped
	clamped, err := read.Execute(ctx, map[string]any{"file_path": "/long.txt", "limit": float64(50_000)})
	require.NoError(t, err)
	assert.Equal(t, out, clamped)

	tail, err := read.Execute(ctx, map[string]any{"file_path": "/long.txt", "offset": float64(maxReadLimit)})
	require.NoError(t, err)
	assert.Equal(t, 500, strings.Count(tail, "\n"))
	assert.NotContains(t, tail, "more remain")

	// a file of exactly the limit has nothing more
	var exact strings.Builder
	for range maxReadLimit {
		exact.WriteString("x\n")
	}
	require.NoError(t, fs.Write(ctx, "/exact.txt", exact.String()))
	got, err := read.Execute(ctx, map[string]any{"file_path": "/exact.txt"})
	require.NoError(t, err)
	assert.Equal(t, exact.String(), got)

	// one huge line is cut by size
	require.NoError(t, fs.Write(ctx, "/wide.txt", strings.Repeat("é", maxResultChars)))
	wide, err := read.Execute(ctx, map[string]any{"file_path": "/wide.txt"})
	require.NoError(t, err)
	assert.Less(t, len(wide), maxResultChars+200)
	assert.True(t, utf8.ValidString(wide))
	assert.Contains(t, wide, "more remain")
}

func TestRuneSafeCuts(t *testing.T) {
	s := "aé✓b" // 1 + 2 + 3 + 1 bytes
	assert.Equal(t, "a", headRunes(s, 2))
	assert.Equal(t, "aé", headRunes(s, 4))
	assert.Equal(t, "b", tailRunes(s, 2))
	assert.Equal(t, "✓b", tailRunes(s, 4))
	assert.Equal(t, s, headRunes(s, 100))
	assert.Equal(t, "aé... [truncated]", truncate(s, 5))
}

func TestFilesystemHook_Eviction(t *testing.T) {
	fs := backend.NewStateBackend()
	h := NewFilesystemHook(fs, nil)
	ctx := context.Background()
	big := strings.Repeat("x", maxResultChars) + "tail"

	next := func(ctx context.Context, call agent.ToolCall) (*agent.ToolResult, error) {
		return &agent.ToolResult{ToolCallID: call.ID, Name: call.Name, Output: big}, nil
	}

	res, err := h.WrapToolCall(ctx, agent.ToolCall{ID: "call/1", Name: "fetch"}, next)
	require.NoError(t, err)
	assert.Less(t, len(res.Output), 3000)
	assert.Contains(t, res.Output, "/large_tool_results/call_1")

	saved, err := fs.Read(ctx, "/large_tool_results/call_1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, big, saved)

	// file tools are never evicted
	res, err = h.WrapToolCall(ctx, agent.ToolCall{ID: "call_2", Name: "read_file"}, next)
	require.NoError(t, err)
	assert.Equal(t, big, res.Output)

	wide := strings.Repeat("é", maxResultChars)
	wideNext := func(ctx context.Context, call agent.ToolCall) (*agent.ToolResult, error) {
		return &agent.ToolResult{ToolCallID: call.ID, Name: call.Name, Output: "a" + wide}, nil
	}
	res, err = h.WrapToolCall(ctx, agent.ToolCall{ID: "call_3", Name: "fetch"}, wideNext)
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(res.Output))
}

func TestFilesystemHook_InAgent(t *testing.T) {
	fs := backend.NewStateBackend()
	client := llmtest.NewScript(
		llmtest.Calls(
			llmtest.Call("c1", "write_file", map[string]any{"file_path": "/notes.md", "content": "remember\n"}),
			llmtest.Call("c2", "read_file", map[string]any{"file_path": "/missing.md"}),
		),
		llmtest.Text("done"),
	)
	a, err := agent.New(agent.AgentConfig{Name: "fs"}, client, []agent.Hook{NewFilesystemHook(fs, nil)})
	require.NoError(t, err)

	res, err := a.Run(context.Background(), agent.Human("write a note"))
	require.NoError(t, err)
	assert.Equal(t, "done", res.Final)

	tools := res.Transcript.ByRole(agent.RoleTool)
	require.Len(t, tools, 2)
	assert.False(t, tools[0].IsError)
	assert.True(t, tools[1].IsError)
	assert.Equal(t, agent.KindNotFound, tools[1].ErrorKind)

	got, err := fs.Read(context.Background(), "/notes.md", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "remember\n", got)
}
