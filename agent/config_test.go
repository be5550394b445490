package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"wick_core/backend"
)

func TestDeriveInheritsAndOverrides(t *testing.T) {
	parentFS := backend.NewStateBackend()
	childFS := backend.NewStateBackend()
	parent := AgentConfig{
		Name:            "parent",
		Model:           "big",
		SystemPrompt:    "parent prompt",
		MaxTurns:        40,
		Timeout:         time.Minute,
		SubAgentTimeout: 10 * time.Second,
		SubAgents:       []SubAgentSpec{{Name: "researcher"}},
		Backend:         parentFS,
	}

	child := parent.Derive(SubAgentSpec{Name: "researcher"})
	assert.Equal(t, "researcher", child.Name)
	assert.Equal(t, "big", child.Model)
	assert.Equal(t, "parent prompt", child.SystemPrompt)
	assert.Equal(t, 40, child.MaxTurns)
	assert.Equal(t, 10*time.Second, child.Timeout)
	assert.Same(t, parentFS, child.Backend)
	assert.Empty(t, child.SubAgents)
	assert.NotContains(t, child.Middleware, MiddlewareSubAgents)
	assert.Contains(t, child.Middleware, MiddlewareFilesystem)

	child = parent.Derive(SubAgentSpec{
		Name:         "coder",
		SystemPrompt: "write code",
		Model:        "small",
		Tools:        []string{"read_file", "task"},
		Timeout:      time.Second,
		Backend:      childFS,
	})
	assert.Equal(t, "small", child.Model)
	assert.Equal(t, "write code", child.SystemPrompt)
	assert.Equal(t, time.Second, child.Timeout)
	assert.Equal(t, []string{"read_file"}, child.AllowedTools)
	assert.Same(t, childFS, child.Backend)

	// The parent is untouched.
	assert.Equal(t, "parent", parent.Name)
	assert.Len(t, parent.SubAgents, 1)
}

func TestResolvedMiddleware(t *testing.T) {
	assert.Equal(t, []string{"todolist", "filesystem", "subagents", "summarization"}, AgentConfig{}.ResolvedMiddleware())
	assert.Equal(t, "approval", AgentConfig{InterruptOn: []string{"execute"}}.ResolvedMiddleware()[0])
	assert.Equal(t, []string{"filesystem"}, AgentConfig{Middleware: []string{"filesystem"}}.ResolvedMiddleware())
	assert.Equal(t, MiddlewareWeb, AgentConfig{Web: WebConfig{Enabled: true}}.ResolvedMiddleware()[4])
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  AgentConfig
	}{
		{"negative turns", AgentConfig{MaxTurns: -1}},
		{"negative timeout", AgentConfig{Timeout: -time.Second}},
		{"duplicate middleware", AgentConfig{Middleware: []string{"filesystem", "filesystem"}}},
		{"unnamed subagent", AgentConfig{SubAgents: []SubAgentSpec{{}}}},
		{"duplicate subagent", AgentConfig{SubAgents: []SubAgentSpec{{Name: "a"}, {Name: "a"}}}},
		{"bad digest", AgentConfig{Summarization: SummarizationConfig{Digest: "magic"}}},
		{"bad fraction", AgentConfig{Summarization: SummarizationConfig{TriggerFraction: 2}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.cfg.Validate())
		})
	}
	assert.NoError(t, AgentConfig{}.Validate())
}

func TestConfigYAML(t *testing.T) {
	src := `
name: coder
model: openai:gpt-4o
max_turns: 10
timeout: 2m
middleware: [filesystem, summarization]
summarization:
  keep_messages: 4
subagents:
  - name: reviewer
    description: reviews diffs
    tools: [read_file, grep]
    timeout: 30s
`
	var cfg AgentConfig
	require.NoError(t, yaml.Unmarshal([]byte(src), &cfg))
	assert.Equal(t, 2*time.Minute, cfg.Timeout)
	assert.Equal(t, 4, cfg.Summarization.KeepMessages)
	require.Len(t, cfg.SubAgents, 1)
	assert.Equal(t, 30*time.Second, cfg.SubAgents[0].Timeout)
	assert.Equal(t, []string{"read_file", "grep"}, cfg.SubAgents[0].Tools)

	cfg = cfg.WithDefaults()
	assert.Equal(t, 0.85, cfg.Summarization.TriggerFraction)
	assert.Equal(t, DefaultContextWindow, cfg.ContextWindow)
}

func TestSubAgentRegistry(t *testing.T) {
	r, err := NewSubAgentRegistry(SubAgentSpec{Name: "b"}, SubAgentSpec{Name: "a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, r.Names())
	assert.True(t, r.Has("a"))
	assert.Error(t, r.Register(SubAgentSpec{Name: "a"}))
	assert.Error(t, r.Register(SubAgentSpec{}))

	_, ok := r.Get("missing")
	assert.False(t, ok)
	assert.Len(t, r.Specs(), 2)
}

func TestArgHelpers(t *testing.T) {
	args := map[string]any{"s": "x", "empty": "", "n": float64(3), "f": 1.5, "neg": float64(-1), "b": true, "num": 7}

	s, err := StringArg(args, "s", true)
	require.NoError(t, err)
	assert.Equal(t, "x", s)
	_, err = StringArg(args, "empty", true)
	assert.Equal(t, KindValidation, ErrorKind(err))
	_, err = StringArg(args, "n", false)
	assert.Error(t, err)
	s, err = StringArg(args, "missing", false)
	assert.NoError(t, err)
	assert.Empty(t, s)

	n, err := IntArg(args, "n", 0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = IntArg(args, "num", 0)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	_, err = IntArg(args, "f", 0)
	assert.Error(t, err)
	_, err = IntArg(args, "neg", 0)
	assert.Error(t, err)
	n, _ = IntArg(args, "missing", 5)
	assert.Equal(t, 5, n)

	b, err := BoolArg(args, "b")
	require.NoError(t, err)
	assert.True(t, b)
}
