// Package tracing records timed spans for agent runs: every model call and
// tool call, plus one event per completed turn.
package tracing

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"wick_core/agent"
	"wick_core/llm"
)

// Span is a single timed operation within a trace.
type Span struct {
	Name       string         `json:"name"`
	StartTime  time.Time      `json:"start_time"`
	EndTime    time.Time      `json:"end_time"`
	DurationMs float64        `json:"duration_ms"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Trace collects the spans of one run. Its ID is the run ID.
type Trace struct {
	mu         sync.Mutex
	TraceID    string         `json:"trace_id"`
	Agent      string         `json:"agent"`
	Model      string         `json:"model"`
	State      agent.RunState `json:"state,omitempty"`
	Turns      int            `json:"turns"`
	Usage      llm.Usage      `json:"usage"`
	StartTime  time.Time      `json:"start_time"`
	EndTime    time.Time      `json:"end_time"`
	DurationMs float64        `json:"duration_ms"`
	Spans      []Span         `json:"spans"`
	Error      string         `json:"error,omitempty"`
}

func newTrace(run *agent.Run) *Trace {
	return &Trace{
		TraceID:   run.ID,
		Agent:     run.Agent,
		Model:     run.Config.Model,
		StartTime: time.Now(),
		Spans:     []Span{},
	}
}

// SpanRecorder builds one span; End appends it to the trace.
type SpanRecorder struct {
	trace *Trace
	span  Span
}

// StartSpan begins recording a timed span.
func (t *Trace) StartSpan(name string) *SpanRecorder {
	return &SpanRecorder{
		trace: t,
		span:  Span{Name: name, StartTime: time.Now(), Metadata: map[string]any{}},
	}
}

// RecordEvent records an instantaneous event.
func (t *Trace) RecordEvent(name string, metadata map[string]any) {
	now := time.Now()
	t.addSpan(Span{Name: name, StartTime: now, EndTime: now, Metadata: metadata})
}

// Set adds a metadata key-value pair.
func (sr *SpanRecorder) Set(key string, value any) *SpanRecorder {
	sr.span.Metadata[key] = value
	return sr
}

// End finalizes the span.
func (sr *SpanRecorder) End() {
	sr.span.EndTime = time.Now()
	sr.span.DurationMs = float64(sr.span.EndTime.Sub(sr.span.StartTime)) / float64(time.Millisecond)
	sr.trace.addSpan(sr.span)
}

func (t *Trace) addSpan(s Span) {
	t.mu.Lock()
	t.Spans = append(t.Spans, s)
	t.mu.Unlock()
}

func (t *Trace) finish(res *agent.Result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.EndTime = time.Now()
	t.DurationMs = float64(t.EndTime.Sub(t.StartTime)) / float64(time.Millisecond)
	t.State = res.State
	t.Turns = res.Turns
	t.Usage = res.Usage
	if res.Err != nil {
		t.Error = res.Err.Error()
	}
}

// Store holds the most recently finished traces.
type Store struct {
	cache *lru.Cache[string, *Trace]
}

// NewStore creates a store that retains up to size traces.
func NewStore(size int) *Store {
	if size <= 0 {
		size = 100
	}
	cache, _ := lru.New[string, *Trace](size)
	return &Store{cache: cache}
}

// Put stores a trace, evicting the least recently used one at capacity.
func (s *Store) Put(t *Trace) { s.cache.Add(t.TraceID, t) }

// Get returns a trace by ID, or nil.
func (s *Store) Get(traceID string) *Trace {
	t, _ := s.cache.Get(traceID)
	return t
}

// List returns up to limit traces, most recently stored first.
func (s *Store) List(limit int) []*Trace {
	keys := s.cache.Keys() // oldest first
	out := make([]*Trace, 0, min(limit, len(keys)))
	for i := len(keys) - 1; i >= 0 && len(out) < limit; i-- {
		if t, ok := s.cache.Peek(keys[i]); ok {
			out = append(out, t)
		}
	}
	return out
}
