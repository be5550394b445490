package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"wick_core/agent"
	"wick_core/deep"
	"wick_core/hooks"
	"wick_core/tracing"
)

type runFlags struct {
	agent   string
	model   string
	trace   string
	events  bool
	approve bool
}

func newRunCmd(c *cli) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run [instruction]",
		Short: "Run an agent on one instruction and print its final answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return c.run(ctx, cmd, f, strings.Join(args, " "))
		},
	}
	cmd.Flags().StringVar(&f.agent, "agent", envOr("WICK_AGENT", ""), "agent to run")
	cmd.Flags().StringVar(&f.model, "model", "", "model spec, overrides the agent's (e.g. openai:gpt-4o)")
	cmd.Flags().StringVar(&f.trace, "trace", "", "write the run's trace as JSON to this file")
	cmd.Flags().BoolVar(&f.events, "events", false, "write run events to stderr as JSON lines")
	cmd.Flags().BoolVarP(&f.approve, "yes", "y", false, "approve every gated tool call without asking")
	return cmd
}

func (c *cli) run(ctx context.Context, cmd *cobra.Command, f runFlags, instruction string) error {
	var approver hooks.Approver = newTerminalApprover(cmd.InOrStdin(), cmd.ErrOrStderr())
	if f.approve {
		approver = hooks.ApproverFunc(func(context.Context, agent.ToolCall) (hooks.Decision, error) {
			return hooks.Decision{Action: hooks.Approve}, nil
		})
	}
	opts := []deep.Option{deep.WithApprover(approver)}
	var tracer *tracing.Hook
	if f.trace != "" {
		tracer = tracing.NewHook(tracing.NewStore(1))
		opts = append(opts, deep.WithHooks(tracer))
	}
	a, err := c.buildAgent(ctx, f.agent, f.model, opts...)
	if err != nil {
		return err
	}

	var res *agent.Result
	if f.events {
		events := make(chan agent.Event, 16)
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			enc := json.NewEncoder(cmd.ErrOrStderr())
			for ev := range events {
				_ = enc.Encode(ev)
			}
		}()
		res, err = a.RunStream(ctx, events, agent.Human(instruction))
		wg.Wait()
	} else {
		res, err = a.Run(ctx, agent.Human(instruction))
	}
	if tracer != nil {
		if werr := writeTrace(f.trace, tracer.Finish(res)); werr != nil {
			c.logger.Warn("trace not written", zap.String("path", f.trace), zap.Error(werr))
		}
	}
	if err != nil {
		return fmt.Errorf("run %s ended %s after %d turns: %w", res.RunID, res.State, res.Turns, err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), res.Final)
	return nil
}

// buildAgent assembles the named agent. model overrides the agent's model;
// WICK_MODEL fills it when neither is set, TAVILY_API_KEY the web search key.
func (c *cli) buildAgent(ctx context.Context, name, model string, opts ...deep.Option) (*agent.Agent, error) {
	cfg, err := c.agentConfig(ctx, name)
	if err != nil {
		return nil, err
	}
	if model != "" {
		cfg.Model = model
	}
	if cfg.Model == "" {
		cfg.Model = envOr("WICK_MODEL", "")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("agent %q has no model (set --model or WICK_MODEL)", cfg.Name)
	}
	if cfg.Web.Enabled && cfg.Web.TavilyAPIKey == "" {
		cfg.Web.TavilyAPIKey = envOr("TAVILY_API_KEY", "")
	}
	client, err := deep.ResolveModel(cfg.Model)
	if err != nil {
		return nil, err
	}
	opts = append([]deep.Option{
		deep.WithLogger(c.logger),
		deep.WithClientResolver(deep.ResolveModel),
	}, opts...)
	a, err := deep.New(cfg, client, opts...)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("agent assembled",
		zap.String("agent", a.Name()),
		zap.Strings("middleware", a.HookNames()),
		zap.Strings("tools", a.ToolNames()))
	return a, nil
}

func writeTrace(path string, tr *tracing.Trace) error {
	if tr == nil {
		return nil
	}
	data, err := json.MarshalIndent(tr, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// agentConfig resolves the named agent from the agents file. Without a
// file it returns a bare agent on an ephemeral backend.
func (c *cli) agentConfig(ctx context.Context, name string) (agent.AgentConfig, error) {
	if c.file == nil {
		if name == "" {
			name = "wick"
		}
		return agent.AgentConfig{Name: name}, nil
	}
	if name == "" {
		names := c.file.AgentNames()
		if len(names) != 1 {
			return agent.AgentConfig{}, fmt.Errorf("--agent is required (configured: %v)", names)
		}
		name = names[0]
	}
	return c.file.Resolve(ctx, name, c.backends)
}

// terminalApprover asks on the terminal before a gated tool runs.
// Stdin is read by one goroutine so a prompt can give up when the run's
// context ends; a line typed after that answers the next prompt.
type terminalApprover struct {
	mu    sync.Mutex
	in    *bufio.Reader
	out   io.Writer
	once  sync.Once
	lines chan inputLine
}

type inputLine struct {
	text string
	err  error
}

func newTerminalApprover(in io.Reader, out io.Writer) *terminalApprover {
	return &terminalApprover{in: bufio.NewReader(in), out: out, lines: make(chan inputLine)}
}

func (t *terminalApprover) readLine(ctx context.Context) (string, error) {
	t.once.Do(func() {
		go func() {
			defer close(t.lines)
			for {
				line, err := t.in.ReadString('\n')
				if line != "" || err != nil {
					t.lines <- inputLine{line, err}
				}
				if err != nil {
					return
				}
			}
		}()
	})
	select {
	case <-ctx.Done():
		fmt.Fprintln(t.out)
		return "", ctx.Err()
	case l, ok := <-t.lines:
		if !ok {
			return "", io.EOF
		}
		if l.err != nil && l.text == "" {
			return "", l.err
		}
		return l.text, nil
	}
}

func (t *terminalApprover) Approve(ctx context.Context, call agent.ToolCall) (hooks.Decision, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	args, _ := json.Marshal(call.Args)
	fmt.Fprintf(t.out, "%s %s\napprove? [y/N/e=edit args] ", call.Name, args)
	line, err := t.readLine(ctx)
	if err != nil {
		return hooks.Decision{}, fmt.Errorf("reading approval: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return hooks.Decision{Action: hooks.Approve}, nil
	case "e", "edit":
		fmt.Fprint(t.out, "new args (JSON): ")
		raw, err := t.readLine(ctx)
		if err != nil {
			return hooks.Decision{}, fmt.Errorf("reading args: %w", err)
		}
		var edited map[string]any
		if err := json.Unmarshal([]byte(raw), &edited); err != nil {
			return hooks.Decision{Action: hooks.Reject, Reason: "edited arguments were not valid JSON"}, nil
		}
		return hooks.Decision{Action: hooks.Edit, Args: edited}, nil
	default:
		return hooks.Decision{Action: hooks.Reject, Reason: "rejected by operator"}, nil
	}
}
