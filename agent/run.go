package agent

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// RunState is the lifecycle state of a run.
type RunState string

const (
	StateRunning   RunState = "running"
	StateCompleted RunState = "completed"
	StateTurnLimit RunState = "turn_limit"
	StateTimedOut  RunState = "timed_out"
	StateCancelled RunState = "cancelled"
	StateFailed    RunState = "failed"
)

// Run is the mutable state of one agent run. It is owned by the loop;
// hooks and tools reach it through the context.
type Run struct {
	ID         string
	Agent      string
	Transcript *Transcript
	Config     AgentConfig

	turn atomic.Int32

	mu     sync.Mutex
	values map[string]any
}

// NewRun creates the state of a run of the agent configured by cfg.
func NewRun(cfg AgentConfig, t *Transcript) *Run {
	return &Run{
		ID:         uuid.NewString(),
		Agent:      cfg.Name,
		Transcript: t,
		Config:     cfg,
		values:     make(map[string]any),
	}
}

// Turn returns the number of model turns started so far.
func (r *Run) Turn() int { return int(r.turn.Load()) }

// Value returns run-scoped state stored by a hook or tool.
func (r *Run) Value(key string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.values[key]
	return v, ok
}

// SetValue stores run-scoped state.
func (r *Run) SetValue(key string, v any) {
	r.mu.Lock()
	r.values[key] = v
	r.mu.Unlock()
}

type runKey struct{}

// WithRun returns a context carrying run.
func WithRun(ctx context.Context, run *Run) context.Context {
	return context.WithValue(ctx, runKey{}, run)
}

// RunFromContext returns the run executing the current tool, or nil.
func RunFromContext(ctx context.Context) *Run {
	r, _ := ctx.Value(runKey{}).(*Run)
	return r
}
