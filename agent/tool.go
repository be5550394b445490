package agent

import (
	"context"
	"fmt"
	"math"

	"wick_core/llm"
)

// Tool defines the interface for agent tools.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any // JSON Schema
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// FuncTool wraps a plain function as a Tool.
type FuncTool struct {
	ToolName   string
	ToolDesc   string
	ToolParams map[string]any
	Fn         func(ctx context.Context, args map[string]any) (string, error)
}

func (t *FuncTool) Name() string               { return t.ToolName }
func (t *FuncTool) Description() string        { return t.ToolDesc }
func (t *FuncTool) Parameters() map[string]any { return t.ToolParams }
func (t *FuncTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	return t.Fn(ctx, args)
}

// ToolRegistry is the ordered tool set of one assembled agent. Every name
// is owned by exactly one source.
type ToolRegistry struct {
	order []string
	tools map[string]Tool
	owner map[string]string
}

// NewToolRegistry creates an empty tool registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]Tool),
		owner: make(map[string]string),
	}
}

// Register adds a tool contributed by owner. A name that is already taken
// is an ErrToolCollision.
func (r *ToolRegistry) Register(owner string, t Tool) error {
	name := t.Name()
	if name == "" {
		return fmt.Errorf("%s: tool with empty name", owner)
	}
	if prev, ok := r.owner[name]; ok {
		return fmt.Errorf("%w: %q registered by both %s and %s", ErrToolCollision, name, prev, owner)
	}
	r.order = append(r.order, name)
	r.tools[name] = t
	r.owner[name] = owner
	return nil
}

// Get returns a tool by name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns tool names in registration order.
func (r *ToolRegistry) Names() []string {
	return append([]string(nil), r.order...)
}

// Retain drops every tool not in allowed. Unknown names in allowed are an error.
func (r *ToolRegistry) Retain(allowed []string) error {
	keep := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		if _, ok := r.tools[name]; !ok {
			return fmt.Errorf("allowed tool %q is not provided by any middleware", name)
		}
		keep[name] = true
	}
	order := r.order[:0]
	for _, name := range r.order {
		if keep[name] {
			order = append(order, name)
			continue
		}
		delete(r.tools, name)
		delete(r.owner, name)
	}
	r.order = order
	return nil
}

// Schemas returns the tool descriptions sent to the model, in registration order.
func (r *ToolRegistry) Schemas() []llm.ToolSchema {
	schemas := make([]llm.ToolSchema, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		schemas = append(schemas, llm.ToolSchema{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return schemas
}

// --- Argument helpers ---

// StringArg returns args[name] as a string. Missing or empty required
// arguments are validation errors.
func StringArg(args map[string]any, name string, required bool) (string, error) {
	v, ok := args[name]
	if !ok || v == nil {
		if required {
			return "", Invalidf("%s is required", name)
		}
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", Invalidf("%s must be a string, got %T", name, v)
	}
	if required && s == "" {
		return "", Invalidf("%s must not be empty", name)
	}
	return s, nil
}

// IntArg returns args[name] as a non-negative integer, or def when absent.
func IntArg(args map[string]any, name string, def int) (int, error) {
	v, ok := args[name]
	if !ok || v == nil {
		return def, nil
	}
	var n int
	switch x := v.(type) {
	case int:
		n = x
	case int64:
		n = int(x)
	case float64:
		if x != math.Trunc(x) {
			return 0, Invalidf("%s must be an integer", name)
		}
		n = int(x)
	default:
		return 0, Invalidf("%s must be an integer, got %T", name, v)
	}
	if n < 0 {
		return 0, Invalidf("%s must not be negative", name)
	}
	return n, nil
}

// BoolArg returns args[name] as a bool, false when absent.
func BoolArg(args map[string]any, name string) (bool, error) {
	v, ok := args[name]
	if !ok || v == nil {
		return false, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, Invalidf("%s must be a boolean, got %T", name, v)
	}
	return b, nil
}
