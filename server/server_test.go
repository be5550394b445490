package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wick_core/agent"
	"wick_core/backend"
	"wick_core/deep"
	"wick_core/llm"
	"wick_core/llm/llmtest"
	"wick_core/tracing"
)

type fixture struct {
	srv    *httptest.Server
	fs     *backend.StateBackend
	script *llmtest.Script
}

func newFixture(t *testing.T, responses ...*llm.Response) *fixture {
	t.Helper()
	f := &fixture{fs: backend.NewStateBackend(), script: llmtest.NewScript(responses...)}
	tracer := tracing.NewHook(tracing.NewStore(8))
	build := func(ctx context.Context, name string) (*agent.Agent, error) {
		cfg := agent.AgentConfig{Name: name, Backend: f.fs, Middleware: []string{agent.MiddlewareFilesystem}}
		return deep.New(cfg, f.script, deep.WithHooks(tracer))
	}
	f.srv = httptest.NewServer(New(Deps{
		Agents: func() []string { return []string{"writer"} },
		Build:  build,
		Tracer: tracer,
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(f.srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *fixture) get(t *testing.T, path string, v any) int {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func writeScript() []*llm.Response {
	return []*llm.Response{
		llmtest.Calls(llmtest.Call("c1", "write_file", map[string]any{"file_path": "/a.txt", "content": "hello"})),
		llmtest.Text("saved"),
	}
}

func TestInvoke(t *testing.T) {
	f := newFixture(t, writeScript()...)

	resp := f.post(t, "/agents/writer/invoke", `{"input":"save hello"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		RunID   string `json:"run_id"`
		State   string `json:"state"`
		Final   string `json:"final"`
		TraceID string `json:"trace_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "completed", out.State)
	assert.Equal(t, "saved", out.Final)
	assert.Equal(t, out.RunID, out.TraceID)

	var tr tracing.Trace
	assert.Equal(t, http.StatusOK, f.get(t, "/traces/"+out.TraceID, &tr))
	assert.Equal(t, "writer", tr.Agent)
	assert.NotEmpty(t, tr.Spans)

	var traces struct {
		Traces []tracing.Trace `json:"traces"`
	}
	assert.Equal(t, http.StatusOK, f.get(t, "/traces", &traces))
	assert.Len(t, traces.Traces, 1)

	var files struct {
		Entries []backend.Entry `json:"entries"`
	}
	assert.Equal(t, http.StatusOK, f.get(t, "/agents/writer/files", &files))
	require.Len(t, files.Entries, 1)
	assert.Equal(t, "/a.txt", files.Entries[0].Path)

	var file struct {
		Content string `json:"content"`
	}
	assert.Equal(t, http.StatusOK, f.get(t, "/agents/writer/files/read?path=/a.txt", &file))
	assert.Equal(t, "hello", file.Content)

	var fail struct {
		Kind string `json:"kind"`
	}
	assert.Equal(t, http.StatusNotFound, f.get(t, "/agents/writer/files/read?path=/missing", &fail))
	assert.Equal(t, "not_found", fail.Kind)
}

func TestStream(t *testing.T) {
	f := newFixture(t, writeScript()...)

	resp := f.post(t, "/agents/writer/stream", `{"messages":[{"role":"user","content":"save hello"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var names []string
	var last string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			names = append(names, name)
		}
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			last = data
		}
	}
	assert.Equal(t, []string{
		agent.EventModelStart, agent.EventModelEnd,
		agent.EventToolStart, agent.EventToolEnd,
		agent.EventModelStart, agent.EventModelEnd,
		agent.EventDone,
	}, names)

	var done struct {
		State string `json:"state"`
		Final string `json:"final"`
	}
	require.NoError(t, json.Unmarshal([]byte(last), &done))
	assert.Equal(t, "completed", done.State)
	assert.Equal(t, "saved", done.Final)
}

func TestBadRequests(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name, path, body string
		status           int
	}{
		{"unknown agent", "/agents/nobody/invoke", `{"input":"x"}`, http.StatusNotFound},
		{"not json", "/agents/writer/invoke", `{`, http.StatusBadRequest},
		{"empty", "/agents/writer/invoke", `{}`, http.StatusBadRequest},
		{"tool role", "/agents/writer/invoke", `{"messages":[{"role":"tool","content":"x"}]}`, http.StatusBadRequest},
		{"empty user turn", "/agents/writer/stream", `{"messages":[{"role":"user","content":""}]}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.post(t, tt.path, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
	assert.Empty(t, f.script.Requests())
}
