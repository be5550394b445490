package agent

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"wick_core/llm"
)

// Agent is an assembled agent: a fixed hook chain, tool set and system
// prompt over one model client. An Agent may run many times, concurrently;
// each run owns its transcript.
type Agent struct {
	cfg    AgentConfig
	client llm.Client
	hooks  []Hook
	tools  *ToolRegistry
	system string
	logger *zap.Logger
	extra  []Tool
}

// Option configures an Agent.
type Option func(*Agent)

// WithLogger sets the logger used for run lifecycle and tool failures.
func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// WithTools registers tools that do not belong to any hook.
func WithTools(tools ...Tool) Option {
	return func(a *Agent) { a.extra = append(a.extra, tools...) }
}

// New assembles an agent from cfg and the ordered hook chain. Tool name
// collisions and unknown allowed tools are construction errors.
func New(cfg AgentConfig, client llm.Client, hooks []Hook, opts ...Option) (*Agent, error) {
	if client == nil {
		return nil, fmt.Errorf("agent %q: model client is required", cfg.Name)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("agent %q: %w", cfg.Name, err)
	}
	a := &Agent{
		cfg:    cfg.WithDefaults(),
		client: client,
		hooks:  append([]Hook(nil), hooks...),
		tools:  NewToolRegistry(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With(zap.String("agent", a.cfg.Name))

	for _, t := range a.extra {
		if err := a.tools.Register("agent", t); err != nil {
			return nil, fmt.Errorf("agent %q: %w", cfg.Name, err)
		}
	}
	seen := make(map[string]bool, len(a.hooks))
	for i, h := range a.hooks {
		if h == nil {
			return nil, fmt.Errorf("agent %q: hook %d is nil", cfg.Name, i)
		}
		if seen[h.Name()] {
			return nil, fmt.Errorf("agent %q: hook %q registered twice", cfg.Name, h.Name())
		}
		seen[h.Name()] = true
		for _, t := range h.Tools() {
			if err := a.tools.Register(h.Name(), t); err != nil {
				return nil, fmt.Errorf("agent %q: %w", cfg.Name, err)
			}
		}
	}
	if len(a.cfg.AllowedTools) > 0 {
		if err := a.tools.Retain(a.cfg.AllowedTools); err != nil {
			return nil, fmt.Errorf("agent %q: %w", cfg.Name, err)
		}
	}

	a.system = a.buildSystemPrompt()
	return a, nil
}

// buildSystemPrompt appends each hook's guidance in registration order.
func (a *Agent) buildSystemPrompt() string {
	parts := []string{a.cfg.SystemPrompt}
	for _, h := range a.hooks {
		if p := strings.TrimSpace(h.SystemPrompt()); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "\n\n")
}

// Name returns the configured agent name.
func (a *Agent) Name() string { return a.cfg.Name }

// Config returns a copy of the resolved configuration.
func (a *Agent) Config() AgentConfig { return a.cfg.Clone() }

// SystemPrompt returns the assembled system prompt.
func (a *Agent) SystemPrompt() string { return a.system }

// ToolNames returns the assembled tool names in registration order.
func (a *Agent) ToolNames() []string { return a.tools.Names() }

// HookNames returns the hook chain, outermost first.
func (a *Agent) HookNames() []string {
	names := make([]string, len(a.hooks))
	for i, h := range a.hooks {
		names[i] = h.Name()
	}
	return names
}
