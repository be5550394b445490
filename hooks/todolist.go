package hooks

import (
	"context"
	"encoding/json"
	"fmt"

	"wick_core/agent"
)

const todosKey = "todos"

// Todo is one item of the run's plan.
type Todo struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Status string `json:"status"` // "pending", "in_progress", "done"
}

// TodoListHook tracks task progress via a write_todos tool. The list lives
// in run-scoped state, so concurrent runs keep separate plans.
type TodoListHook struct {
	agent.BaseHook
	tool agent.Tool
}

// NewTodoListHook creates a todo list hook.
func NewTodoListHook() *TodoListHook {
	return &TodoListHook{tool: &agent.FuncTool{
		ToolName: "write_todos",
		ToolDesc: "Update the task tracking list. Pass the complete list of todos with their current status.",
		ToolParams: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"todos": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"id":     map[string]any{"type": "string"},
							"title":  map[string]any{"type": "string"},
							"status": map[string]any{"type": "string", "enum": []string{"pending", "in_progress", "done"}},
						},
					},
				},
			},
			"required": []string{"todos"},
		},
		Fn: writeTodos,
	}}
}

func (h *TodoListHook) Name() string { return agent.MiddlewareTodoList }

func (h *TodoListHook) Tools() []agent.Tool { return []agent.Tool{h.tool} }

func (h *TodoListHook) SystemPrompt() string {
	return "## Planning\n\nFor tasks with several steps, keep a plan with write_todos and update statuses as you work."
}

// BeforeAgent initializes the todo state.
func (h *TodoListHook) BeforeAgent(ctx context.Context, run *agent.Run) error {
	run.SetValue(todosKey, []Todo{})
	return nil
}

func writeTodos(ctx context.Context, args map[string]any) (string, error) {
	todosRaw, ok := args["todos"]
	if !ok {
		return "", agent.Invalidf("'todos' field is required")
	}

	// Convert via JSON round-trip for type safety
	data, _ := json.Marshal(todosRaw)
	var todos []Todo
	if err := json.Unmarshal(data, &todos); err != nil {
		return "", agent.Invalidf("parsing todos: %v", err)
	}
	for i, t := range todos {
		switch t.Status {
		case "pending", "in_progress", "done":
		default:
			return "", agent.Invalidf("todos[%d]: unknown status %q", i, t.Status)
		}
	}

	run := agent.RunFromContext(ctx)
	if run == nil {
		return "", agent.NewToolError(agent.KindUnsupported, "write_todos called outside a run")
	}
	run.SetValue(todosKey, todos)
	return fmt.Sprintf("Updated %d todo(s)", len(todos)), nil
}

// Todos returns the plan stored on run.
func Todos(run *agent.Run) []Todo {
	v, _ := run.Value(todosKey)
	todos, _ := v.([]Todo)
	return todos
}
