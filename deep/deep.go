// Package deep assembles the default deep agent: a model client, a backend
// and the standard middleware stack (planning, filesystem, sub-agents,
// summarization, and the approval gate when tools require review). Memory
// and web tools are added when configured.
package deep

import (
	"fmt"
	"slices"

	"go.uber.org/zap"

	"wick_core/agent"
	"wick_core/backend"
	"wick_core/hooks"
	"wick_core/llm"
)

// ClientResolver returns a client for a model spec. It is consulted when a
// sub-agent overrides the parent's model.
type ClientResolver func(model string) (llm.Client, error)

// ResolveModel is the ClientResolver backed by llm.Resolve.
func ResolveModel(model string) (llm.Client, error) {
	c, _, err := llm.Resolve(model)
	return c, err
}

type options struct {
	logger   *zap.Logger
	tools    []agent.Tool
	approver hooks.Approver
	resolve  ClientResolver
	counter  hooks.TokenCounter
	outer    []agent.Hook
	web      []hooks.WebOption
}

// Option configures New.
type Option func(*options)

// WithLogger sets the logger shared by the agent and its middleware.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTools adds caller tools. Sub-agents built by the task tool get them too.
func WithTools(tools ...agent.Tool) Option {
	return func(o *options) { o.tools = append(o.tools, tools...) }
}

// WithApprover sets the reviewer consulted for InterruptOn tools.
func WithApprover(a hooks.Approver) Option {
	return func(o *options) { o.approver = a }
}

// WithClientResolver sets how sub-agents with their own model get a client.
// Without one, a model override is an assembly error for that sub-agent.
func WithClientResolver(r ClientResolver) Option {
	return func(o *options) { o.resolve = r }
}

// WithTokenCounter replaces the summarization token counter.
func WithTokenCounter(c hooks.TokenCounter) Option {
	return func(o *options) { o.counter = c }
}

// WithHooks adds caller hooks outside the standard stack, so they see every
// model and tool call first. Sub-agents do not inherit them.
func WithHooks(h ...agent.Hook) Option {
	return func(o *options) { o.outer = append(o.outer, h...) }
}

// WithWebOptions configures the web middleware, e.g. its HTTP client or
// search endpoints.
func WithWebOptions(w ...hooks.WebOption) Option {
	return func(o *options) { o.web = append(o.web, w...) }
}

// New assembles a deep agent from cfg. A nil cfg.Backend selects a fresh
// ephemeral StateBackend owned by this agent and shared with its sub-agents.
func New(cfg agent.AgentConfig, client llm.Client, opts ...Option) (*agent.Agent, error) {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if client == nil {
		return nil, fmt.Errorf("deep agent %q: model client is required", cfg.Name)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("deep agent %q: %w", cfg.Name, err)
	}
	cfg = cfg.WithDefaults()
	if cfg.Backend == nil {
		cfg.Backend = backend.NewStateBackend()
	}

	chain, err := buildHooks(cfg, client, o, opts)
	if err != nil {
		return nil, fmt.Errorf("deep agent %q: %w", cfg.Name, err)
	}
	tools := slices.Clone(o.tools)
	for _, spec := range cfg.HTTPTools {
		t, err := agent.NewHTTPTool(spec)
		if err != nil {
			return nil, fmt.Errorf("deep agent %q: %w", cfg.Name, err)
		}
		tools = append(tools, t)
	}
	return agent.New(cfg, client, chain, agent.WithLogger(o.logger), agent.WithTools(tools...))
}

// buildHooks instantiates the configured middleware, outermost first.
func buildHooks(cfg agent.AgentConfig, client llm.Client, o options, opts []Option) ([]agent.Hook, error) {
	chain := slices.Clone(o.outer)
	for _, name := range cfg.ResolvedMiddleware() {
		var h agent.Hook
		switch name {
		case agent.MiddlewareApproval:
			h = hooks.NewApprovalHook(cfg.InterruptOn, o.approver, o.logger)
		case agent.MiddlewareTodoList:
			h = hooks.NewTodoListHook()
		case agent.MiddlewareFilesystem:
			h = hooks.NewFilesystemHook(cfg.Backend, o.logger)
		case agent.MiddlewareSubAgents:
			sub, err := hooks.NewSubAgentsHook(cfg, subAgentBuilder(cfg, client, o, opts), o.logger)
			if err != nil {
				return nil, err
			}
			h = sub
		case agent.MiddlewareSummarization:
			sumOpts := []hooks.SummarizationOption{hooks.WithSummarizationLogger(o.logger)}
			if o.counter != nil {
				sumOpts = append(sumOpts, hooks.WithTokenCounter(o.counter))
			}
			h = hooks.NewSummarizationHook(client, cfg, sumOpts...)
		case agent.MiddlewareMemory:
			h = hooks.NewMemoryHook(cfg.Backend, cfg.Memory, o.logger)
		case agent.MiddlewareWeb:
			h = hooks.NewWebHook(cfg.Web, append([]hooks.WebOption{hooks.WithWebLogger(o.logger)}, o.web...)...)
		default:
			return nil, fmt.Errorf("unknown middleware %q", name)
		}
		chain = append(chain, h)
	}
	return chain, nil
}

// subAgentBuilder assembles sub-agents with the parent's options. A child
// on the parent's model reuses the parent's client.
func subAgentBuilder(parent agent.AgentConfig, client llm.Client, o options, opts []Option) hooks.SubAgentBuilder {
	return func(child agent.AgentConfig) (agent.Runner, error) {
		c := client
		if child.Model != parent.Model {
			if o.resolve == nil {
				return nil, fmt.Errorf("model %q needs a client resolver", child.Model)
			}
			var err error
			if c, err = o.resolve(child.Model); err != nil {
				return nil, err
			}
		}
		childOpts := append(slices.Clone(opts), func(co *options) { co.outer = nil })
		a, err := New(child, c, childOpts...)
		if err != nil {
			return nil, err
		}
		return a, nil
	}
}
