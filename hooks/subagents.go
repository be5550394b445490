package hooks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"wick_core/agent"
)

// GeneralPurpose is the sub-agent registered when the caller does not provide one.
const GeneralPurpose = "general-purpose"

const generalPurposeDescription = "General-purpose agent for researching complex questions, searching for files and content, " +
	"and executing multi-step tasks. It has the same tools as you."

// SubAgentBuilder assembles a runnable sub-agent from its derived configuration.
type SubAgentBuilder func(cfg agent.AgentConfig) (agent.Runner, error)

// SubAgentsHook contributes the task tool. Each task call runs a sub-agent
// in a fresh transcript seeded only with the instruction, and returns its
// final answer as the tool result. At most MaxConcurrentTasks sub-agents of
// one parent run execute at a time; the rest wait for a slot. Each run gets
// its own bound, so concurrent runs of the same agent do not queue behind
// each other.
type SubAgentsHook struct {
	agent.BaseHook
	parent   agent.AgentConfig
	registry *agent.SubAgentRegistry
	build    SubAgentBuilder
	sem      *semaphore.Weighted // task calls made outside a run
	logger   *zap.Logger
	tool     agent.Tool
}

// NewSubAgentsHook creates the hook for parent. build is used for every
// spec without a Runner of its own.
func NewSubAgentsHook(parent agent.AgentConfig, build SubAgentBuilder, logger *zap.Logger) (*SubAgentsHook, error) {
	if build == nil {
		return nil, fmt.Errorf("subagents: builder is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	parent = parent.WithDefaults()
	registry, err := agent.NewSubAgentRegistry(parent.SubAgents...)
	if err != nil {
		return nil, fmt.Errorf("subagents: %w", err)
	}
	if !registry.Has(GeneralPurpose) {
		if err := registry.Register(agent.SubAgentSpec{
			Name:        GeneralPurpose,
			Description: generalPurposeDescription,
		}); err != nil {
			return nil, err
		}
	}

	h := &SubAgentsHook{
		parent:   parent,
		registry: registry,
		build:    build,
		sem:      semaphore.NewWeighted(int64(parent.MaxConcurrentTasks)),
		logger:   logger.Named("subagents"),
	}
	h.tool = &agent.FuncTool{
		ToolName: "task",
		ToolDesc: "Launch a sub-agent to handle a complex, multi-step task in an isolated context. " +
			"The sub-agent sees only your instruction and returns a single final report. " +
			"Issue several task calls in one turn to run them in parallel.",
		ToolParams: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"subagent_name": map[string]any{
					"type":        "string",
					"description": "Sub-agent to use",
					"enum":        registry.Names(),
				},
				"instruction": map[string]any{
					"type":        "string",
					"description": "Complete, self-contained description of the task and what to report back",
				},
			},
			"required": []string{"subagent_name", "instruction"},
		},
		Fn: h.task,
	}
	return h, nil
}

const taskSlotsKey = "subagents.slots"

func (h *SubAgentsHook) Name() string { return agent.MiddlewareSubAgents }

func (h *SubAgentsHook) BeforeAgent(ctx context.Context, run *agent.Run) error {
	run.SetValue(taskSlotsKey, semaphore.NewWeighted(int64(h.parent.MaxConcurrentTasks)))
	return nil
}

func (h *SubAgentsHook) slots(ctx context.Context) *semaphore.Weighted {
	if run := agent.RunFromContext(ctx); run != nil {
		if v, ok := run.Value(taskSlotsKey); ok {
			return v.(*semaphore.Weighted)
		}
	}
	return h.sem
}

func (h *SubAgentsHook) Tools() []agent.Tool { return []agent.Tool{h.tool} }

// Registry returns the registered sub-agent specs.
func (h *SubAgentsHook) Registry() *agent.SubAgentRegistry { return h.registry }

func (h *SubAgentsHook) SystemPrompt() string {
	var sb strings.Builder
	sb.WriteString("## Sub-agents\n\n")
	sb.WriteString("Use the task tool to delegate isolated, multi-step work. Each sub-agent starts with no knowledge of this ")
	sb.WriteString("conversation, so the instruction must contain everything it needs. Available sub-agents:\n")
	for _, s := range h.registry.Specs() {
		desc := s.Description
		if desc == "" {
			desc = "(no description)"
		}
		fmt.Fprintf(&sb, "- %s: %s\n", s.Name, desc)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (h *SubAgentsHook) task(ctx context.Context, args map[string]any) (string, error) {
	name, err := agent.StringArg(args, "subagent_name", true)
	if err != nil {
		return "", err
	}
	instruction, err := agent.StringArg(args, "instruction", true)
	if err != nil {
		return "", err
	}
	spec, ok := h.registry.Get(name)
	if !ok {
		return "", agent.Invalidf("unknown subagent %q; available: %s", name, strings.Join(h.registry.Names(), ", "))
	}

	sem := h.slots(ctx)
	if err := sem.Acquire(ctx, 1); err != nil {
		return "", &agent.ToolError{Kind: agent.KindSubAgentFailure, Msg: fmt.Sprintf("subagent %s cancelled while queued", name), Err: err}
	}
	defer sem.Release(1)

	runner := spec.Runner
	cfg := h.parent.Derive(spec)
	if runner == nil {
		runner, err = h.build(cfg)
		if err != nil {
			return "", &agent.ToolError{Kind: agent.KindSubAgentFailure, Msg: fmt.Sprintf("subagent %s: %v", name, err), Err: err}
		}
	}

	runCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	h.logger.Debug("subagent started", zap.String("subagent", name))
	answer, err := runner.Invoke(runCtx, instruction)
	state := subAgentState(runCtx, err)
	h.logger.Info("subagent finished",
		zap.String("subagent", name),
		zap.String("state", string(state)),
		zap.Duration("elapsed", time.Since(start)))
	if err != nil {
		return "", &agent.ToolError{
			Kind: agent.KindSubAgentFailure,
			Msg:  fmt.Sprintf("subagent %s ended %s: %v", name, state, err),
			Err:  err,
		}
	}
	return answer, nil
}

func subAgentState(ctx context.Context, err error) agent.RunState {
	var runErr *agent.RunError
	switch {
	case err == nil:
		return agent.StateCompleted
	case errors.As(err, &runErr):
		return runErr.State
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return agent.StateTimedOut
	case ctx.Err() != nil:
		return agent.StateCancelled
	default:
		return agent.StateFailed
	}
}
