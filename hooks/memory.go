package hooks

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"wick_core/agent"
	"wick_core/backend"
)

const memoryKey = "memory"

// MemoryHook loads AGENTS.md style files from the backend at the start of
// each run and injects their content, wrapped in <agent_memory> tags, into
// the system prompt of every model call. Paired with a durable backend the
// memory outlives the run.
type MemoryHook struct {
	agent.BaseHook
	fs     backend.Backend
	paths  []string
	logger *zap.Logger
}

// NewMemoryHook creates a memory hook that loads from the given paths.
func NewMemoryHook(b backend.Backend, paths []string, logger *zap.Logger) *MemoryHook {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryHook{fs: b, paths: paths, logger: logger.Named("memory")}
}

func (h *MemoryHook) Name() string { return agent.MiddlewareMemory }

// BeforeAgent loads memory content from the configured paths. Missing
// files are skipped.
func (h *MemoryHook) BeforeAgent(ctx context.Context, run *agent.Run) error {
	var parts []string
	for _, p := range h.paths {
		content, err := h.fs.Read(ctx, p, 0, 0)
		switch {
		case errors.Is(err, backend.ErrNotFound):
			continue
		case err != nil:
			h.logger.Warn("memory file unreadable", zap.String("path", p), zap.Error(err))
			continue
		}
		if strings.TrimSpace(content) != "" {
			parts = append(parts, content)
		}
	}
	if len(parts) > 0 {
		run.SetValue(memoryKey, strings.Join(parts, "\n\n---\n\n"))
	}
	return nil
}

// WrapModelCall injects memory content into the system prompt.
func (h *MemoryHook) WrapModelCall(ctx context.Context, req *agent.ModelRequest, next agent.ModelCallFunc) (*agent.ModelResponse, error) {
	run := agent.RunFromContext(ctx)
	if run == nil {
		return next(ctx, req)
	}
	v, _ := run.Value(memoryKey)
	memory, _ := v.(string)
	if memory == "" {
		return next(ctx, req)
	}

	injected := *req
	injected.System = req.System + fmt.Sprintf(`

<agent_memory>
%s
</agent_memory>

Guidelines for agent memory:
- This memory persists across conversations
- You can update it by using edit_file on %s
- Use it to track important context, decisions, and patterns
- Keep entries concise and organized`, memory, strings.Join(h.paths, ", "))
	return next(ctx, &injected)
}
