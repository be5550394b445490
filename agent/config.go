package agent

import (
	"context"
	"fmt"
	"slices"
	"time"

	"wick_core/backend"
)

// Middleware names understood by the default assembly.
const (
	MiddlewareApproval      = "approval"
	MiddlewareTodoList      = "todolist"
	MiddlewareFilesystem    = "filesystem"
	MiddlewareSubAgents     = "subagents"
	MiddlewareSummarization = "summarization"
	MiddlewareMemory        = "memory"
	MiddlewareWeb           = "web"
)

const (
	DefaultMaxTurns      = 25
	DefaultContextWindow = 128_000
	DefaultSystemPrompt  = "You are a helpful assistant. Use the available tools to complete the user's task."
)

// AgentConfig is resolved once per agent instance. The assembly keeps its
// own copy, so later changes by the caller have no effect on a built agent.
type AgentConfig struct {
	Name          string        `yaml:"name" json:"name"`
	Model         string        `yaml:"model" json:"model"`
	SystemPrompt  string        `yaml:"system_prompt" json:"system_prompt"`
	MaxTurns      int           `yaml:"max_turns" json:"max_turns"`
	Timeout       time.Duration `yaml:"timeout" json:"timeout"`
	MaxTokens     int           `yaml:"max_tokens" json:"max_tokens"`
	Temperature   *float64      `yaml:"temperature" json:"temperature,omitempty"`
	ContextWindow int           `yaml:"context_window" json:"context_window"`

	// Middleware lists hook names outermost first. Empty selects DefaultMiddleware.
	Middleware []string `yaml:"middleware" json:"middleware"`
	// AllowedTools restricts the assembled tool set. Empty keeps every tool.
	AllowedTools []string `yaml:"tools" json:"tools"`
	// InterruptOn names tools that require approval before they run.
	InterruptOn []string `yaml:"interrupt_on" json:"interrupt_on"`
	// Memory lists backend paths loaded into the system prompt of every run.
	Memory []string `yaml:"memory" json:"memory"`
	// HTTPTools are remote tools added to the agent and inherited by its sub-agents.
	HTTPTools []HTTPToolSpec `yaml:"http_tools" json:"http_tools,omitempty"`
	// Web configures the web middleware (http_request, fetch_url, searches).
	Web WebConfig `yaml:"web" json:"web"`

	SubAgents          []SubAgentSpec      `yaml:"subagents" json:"subagents"`
	MaxConcurrentTasks int                 `yaml:"max_concurrent_tasks" json:"max_concurrent_tasks"`
	SubAgentTimeout    time.Duration       `yaml:"subagent_timeout" json:"subagent_timeout"`
	Summarization      SummarizationConfig `yaml:"summarization" json:"summarization"`

	Backend backend.Backend `yaml:"-" json:"-"`
}

// SummarizationConfig controls when and how the transcript is compacted.
type SummarizationConfig struct {
	// TriggerFraction of ContextWindow at which compaction starts (default 0.85).
	TriggerFraction float64 `yaml:"trigger_fraction" json:"trigger_fraction"`
	// KeepMessages is the trailing window never summarized (default 6).
	KeepMessages int `yaml:"keep_messages" json:"keep_messages"`
	// Digest is "model" (default) or "deterministic".
	Digest string `yaml:"digest" json:"digest"`
}

// WebConfig controls the web tools. web_search is offered only with a
// Tavily key.
type WebConfig struct {
	Enabled      bool          `yaml:"enabled" json:"enabled"`
	TavilyAPIKey string        `yaml:"tavily_api_key" json:"-"`
	Timeout      time.Duration `yaml:"timeout" json:"timeout"`
	// MaxChars caps the text returned by one call (default 50,000).
	MaxChars int `yaml:"max_chars" json:"max_chars"`
}

// Runner runs a delegated instruction to completion and returns the final answer.
type Runner interface {
	Invoke(ctx context.Context, instruction string) (string, error)
}

// SubAgentSpec describes a sub-agent the task tool can spawn.
type SubAgentSpec struct {
	Name         string        `yaml:"name" json:"name"`
	Description  string        `yaml:"description" json:"description"`
	SystemPrompt string        `yaml:"system_prompt" json:"system_prompt"`
	Tools        []string      `yaml:"tools" json:"tools"`
	Model        string        `yaml:"model" json:"model"`
	Timeout      time.Duration `yaml:"timeout" json:"timeout"`
	// BackendName references a named backend in the agents file.
	BackendName string `yaml:"backend" json:"backend,omitempty"`

	Backend backend.Backend `yaml:"-" json:"-"`
	// Runner, when set, is run instead of a freshly assembled agent.
	Runner Runner `yaml:"-" json:"-"`
}

// DefaultMiddleware returns the default hook order. The approval gate is
// outermost when any tool requires approval.
func DefaultMiddleware(interrupt bool) []string {
	names := []string{MiddlewareTodoList, MiddlewareFilesystem, MiddlewareSubAgents, MiddlewareSummarization}
	if interrupt {
		names = append([]string{MiddlewareApproval}, names...)
	}
	return names
}

// ResolvedMiddleware returns the configured hook order, or the default one.
func (c AgentConfig) ResolvedMiddleware() []string {
	if len(c.Middleware) > 0 {
		return slices.Clone(c.Middleware)
	}
	names := DefaultMiddleware(len(c.InterruptOn) > 0)
	if len(c.Memory) > 0 {
		names = append(names, MiddlewareMemory)
	}
	if c.Web.Enabled {
		names = append(names, MiddlewareWeb)
	}
	return names
}

// WithDefaults fills unset limits.
func (c AgentConfig) WithDefaults() AgentConfig {
	c = c.Clone()
	if c.MaxTurns == 0 {
		c.MaxTurns = DefaultMaxTurns
	}
	if c.ContextWindow == 0 {
		c.ContextWindow = DefaultContextWindow
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = DefaultSystemPrompt
	}
	if c.MaxConcurrentTasks == 0 {
		c.MaxConcurrentTasks = 4
	}
	if c.Summarization.TriggerFraction == 0 {
		c.Summarization.TriggerFraction = 0.85
	}
	if c.Summarization.KeepMessages == 0 {
		c.Summarization.KeepMessages = 6
	}
	if c.Summarization.Digest == "" {
		c.Summarization.Digest = "model"
	}
	return c
}

// Validate rejects configurations that cannot be assembled.
func (c AgentConfig) Validate() error {
	switch {
	case c.MaxTurns < 0:
		return fmt.Errorf("max_turns must not be negative")
	case c.Timeout < 0 || c.SubAgentTimeout < 0:
		return fmt.Errorf("timeouts must not be negative")
	case c.MaxConcurrentTasks < 0:
		return fmt.Errorf("max_concurrent_tasks must not be negative")
	case c.Web.Timeout < 0 || c.Web.MaxChars < 0:
		return fmt.Errorf("web: timeout and max_chars must not be negative")
	case c.Summarization.TriggerFraction < 0 || c.Summarization.TriggerFraction > 1:
		return fmt.Errorf("summarization.trigger_fraction must be within [0, 1]")
	}
	switch c.Summarization.Digest {
	case "", "model", "deterministic":
	default:
		return fmt.Errorf("summarization.digest: unknown policy %q", c.Summarization.Digest)
	}

	seen := make(map[string]bool)
	for _, name := range c.Middleware {
		if seen[name] {
			return fmt.Errorf("middleware %q listed twice", name)
		}
		seen[name] = true
	}
	names := make(map[string]bool)
	for i, s := range c.SubAgents {
		if s.Name == "" {
			return fmt.Errorf("subagents[%d]: name is required", i)
		}
		if names[s.Name] {
			return fmt.Errorf("subagents[%d]: duplicate name %q", i, s.Name)
		}
		names[s.Name] = true
	}
	return nil
}

// Clone returns a deep copy of the slices in c. Backends and runners are shared references.
func (c AgentConfig) Clone() AgentConfig {
	c.Middleware = slices.Clone(c.Middleware)
	c.AllowedTools = slices.Clone(c.AllowedTools)
	c.InterruptOn = slices.Clone(c.InterruptOn)
	c.Memory = slices.Clone(c.Memory)
	c.HTTPTools = slices.Clone(c.HTTPTools)
	if c.Temperature != nil {
		t := *c.Temperature
		c.Temperature = &t
	}
	if c.SubAgents != nil {
		subs := make([]SubAgentSpec, len(c.SubAgents))
		for i, s := range c.SubAgents {
			s.Tools = slices.Clone(s.Tools)
			subs[i] = s
		}
		c.SubAgents = subs
	}
	return c
}

// Derive builds the configuration of a sub-agent spawned from c. The child
// inherits model, backend and limits unless spec overrides them, has no
// sub-agents of its own and never gets the subagents middleware.
func (c AgentConfig) Derive(spec SubAgentSpec) AgentConfig {
	child := c.Clone()
	child.Name = spec.Name
	if spec.SystemPrompt != "" {
		child.SystemPrompt = spec.SystemPrompt
	}
	if spec.Model != "" {
		child.Model = spec.Model
	}
	if spec.Backend != nil {
		child.Backend = spec.Backend
	}
	if spec.Tools != nil {
		child.AllowedTools = slices.Clone(spec.Tools)
	}
	child.Timeout = c.SubAgentTimeout
	if spec.Timeout > 0 {
		child.Timeout = spec.Timeout
	}
	child.Middleware = slices.DeleteFunc(c.ResolvedMiddleware(), func(name string) bool {
		return name == MiddlewareSubAgents
	})
	child.AllowedTools = slices.DeleteFunc(child.AllowedTools, func(name string) bool {
		return name == "task"
	})
	child.SubAgents = nil
	return child
}
