package hooks

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"wick_core/agent"
	"wick_core/llm"
)

const summaryPrompt = "Summarize the following conversation context concisely. " +
	"Preserve key decisions, file paths, tool results, open tasks, and important details. " +
	"Keep the summary under 2000 words."

// SummarizationHook compacts the transcript after a turn once it exceeds a
// fraction (default 85%) of the model's context window. The most recent
// turns are kept verbatim; everything between the system turn and that
// window becomes one summary checkpoint.
type SummarizationHook struct {
	agent.BaseHook
	client        llm.Client
	model         string
	counter       TokenCounter
	contextWindow int
	fraction      float64
	keep          int
	digest        string
	logger        *zap.Logger
}

// SummarizationOption configures a SummarizationHook.
type SummarizationOption func(*SummarizationHook)

// WithTokenCounter replaces the default tiktoken counter.
func WithTokenCounter(c TokenCounter) SummarizationOption {
	return func(h *SummarizationHook) { h.counter = c }
}

// WithSummarizationLogger sets the logger.
func WithSummarizationLogger(l *zap.Logger) SummarizationOption {
	return func(h *SummarizationHook) { h.logger = l }
}

// NewSummarizationHook creates a summarization hook for cfg. client may be
// nil when cfg selects the deterministic digest.
func NewSummarizationHook(client llm.Client, cfg agent.AgentConfig, opts ...SummarizationOption) *SummarizationHook {
	cfg = cfg.WithDefaults()
	h := &SummarizationHook{
		client:        client,
		model:         cfg.Model,
		contextWindow: cfg.ContextWindow,
		fraction:      cfg.Summarization.TriggerFraction,
		keep:          cfg.Summarization.KeepMessages,
		digest:        cfg.Summarization.Digest,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.counter == nil {
		h.counter = NewTokenCounter()
	}
	h.logger = h.logger.Named("summarization")
	return h
}

func (h *SummarizationHook) Name() string { return agent.MiddlewareSummarization }

// Threshold returns the token count above which compaction starts.
func (h *SummarizationHook) Threshold() int {
	return int(float64(h.contextWindow) * h.fraction)
}

// AfterTurn compacts the run's transcript when it is over the threshold.
// A failed digest leaves the transcript untouched.
func (h *SummarizationHook) AfterTurn(ctx context.Context, run *agent.Run) error {
	msgs := run.Transcript.Messages()
	before := CountMessages(h.counter, msgs)
	if before <= h.Threshold() {
		return nil
	}

	cut := len(msgs) - h.keep
	for cut > 1 && !agent.SafeCut(msgs, cut) {
		cut--
	}
	// Nothing older than the kept window, or only the current checkpoint.
	if cut < 2 || (cut == 2 && msgs[1].Checkpoint) {
		return nil
	}

	digest, err := h.summarize(ctx, msgs[1:cut])
	if err != nil {
		h.logger.Warn("compaction failed, keeping full transcript",
			zap.String("run_id", run.ID),
			zap.String("kind", agent.KindCompactionFailure),
			zap.Error(err))
		return nil
	}

	cp, err := run.Transcript.Compact(cut, "[Conversation Summary]\n"+digest)
	if err != nil {
		h.logger.Warn("compaction rejected", zap.String("run_id", run.ID), zap.Error(err))
		return nil
	}
	h.logger.Info("transcript compacted",
		zap.String("run_id", run.ID),
		zap.Int("generation", cp.Generation),
		zap.Int("replaced", cp.Replaced),
		zap.Int("tokens_before", before),
		zap.Int("tokens_after", CountMessages(h.counter, run.Transcript.Messages())))
	return nil
}

func (h *SummarizationHook) summarize(ctx context.Context, msgs []agent.Message) (string, error) {
	if h.digest == "deterministic" || h.client == nil {
		return DeterministicDigest(msgs), nil
	}

	var sb strings.Builder
	for _, m := range msgs {
		content := m.Content
		// Large file bodies add little to a summary.
		if m.Name == "write_file" || m.Name == "edit_file" || m.Name == "read_file" {
			content = truncate(content, 2000)
		}
		fmt.Fprintf(&sb, "[%s] %s\n", m.Role, content)
		for _, tc := range m.ToolCalls {
			fmt.Fprintf(&sb, "  called %s %s\n", tc.Name, truncate(argsText(tc.Args), 500))
		}
		sb.WriteString("\n")
	}

	resp, err := h.client.Call(ctx, llm.Request{
		Model:        h.model,
		SystemPrompt: summaryPrompt,
		Messages:     []llm.Message{{Role: agent.RoleUser, Content: sb.String()}},
		MaxTokens:    2000,
	})
	if err != nil {
		return "", fmt.Errorf("summary call: %w", err)
	}
	if strings.TrimSpace(resp.Content) == "" {
		return "", fmt.Errorf("summary call returned no content")
	}
	return resp.Content, nil
}

// DeterministicDigest condenses turns without a model call: one line per
// turn, tool calls by name, long content cut short.
func DeterministicDigest(msgs []agent.Message) string {
	var sb strings.Builder
	for _, m := range msgs {
		switch {
		case m.Checkpoint:
			sb.WriteString(strings.TrimPrefix(m.Content, "[Conversation Summary]\n"))
		case m.Role == agent.RoleTool && m.IsError:
			fmt.Fprintf(&sb, "- %s failed (%s): %s", m.Name, m.ErrorKind, truncate(m.Content, 200))
		case m.Role == agent.RoleTool:
			fmt.Fprintf(&sb, "- %s returned: %s", m.Name, truncate(m.Content, 200))
		case len(m.ToolCalls) > 0:
			names := make([]string, len(m.ToolCalls))
			for i, tc := range m.ToolCalls {
				names[i] = tc.Name
			}
			fmt.Fprintf(&sb, "- %s called %s", m.Role, strings.Join(names, ", "))
		default:
			fmt.Fprintf(&sb, "- %s: %s", m.Role, truncate(m.Content, 200))
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}
