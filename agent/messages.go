package agent

import (
	"fmt"
	"strings"
)

// --- Core message types ---

// Message represents one turn in a transcript.
type Message struct {
	Role       string     `json:"role"` // "system", "user", "assistant", "tool"
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // set when Role == "tool"
	Name       string     `json:"name,omitempty"`         // tool name when Role == "tool"
	IsError    bool       `json:"is_error,omitempty"`
	ErrorKind  string     `json:"error_kind,omitempty"`
	Checkpoint bool       `json:"checkpoint,omitempty"` // summary turn produced by compaction
}

// ToolCall represents a model's request to invoke a tool.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ToolResult holds the output of a tool execution.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Output     string `json:"output"`
	IsError    bool   `json:"is_error,omitempty"`
	ErrorKind  string `json:"error_kind,omitempty"`
}

// Message converts the result into its transcript turn.
func (r ToolResult) Message() Message {
	m := ToolMsg(r.ToolCallID, r.Name, r.Output)
	m.IsError = r.IsError
	m.ErrorKind = r.ErrorKind
	return m
}

// --- Role constants ---

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ValidRole returns true if r is a known message role.
func ValidRole(r string) bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// --- Constructors ---

// Human creates a user message.
//
//	Human("hello") → Message{Role:"user", Content:"hello"}
func Human(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// System creates a system message.
func System(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// AI creates an assistant message with optional tool calls.
//
//	AI("Sure, I can help.")                      → plain response
//	AI("", tc1, tc2)                             → tool-calling response
func AI(content string, toolCalls ...ToolCall) Message {
	return Message{Role: RoleAssistant, Content: content, ToolCalls: toolCalls}
}

// ToolMsg creates a tool result message.
//
//	ToolMsg("call_123", "read_file", "hello")
func ToolMsg(toolCallID, name, output string) Message {
	return Message{Role: RoleTool, Content: output, ToolCallID: toolCallID, Name: name}
}

// --- Messages chain type ---

// Messages is an ordered list of messages with builder methods for chain construction.
//
//	chain := NewMessages().
//	    Human("What is in /notes.txt?").
//	    AI("", readCall).
//	    Tool("call_1", "read_file", "buy milk")
type Messages []Message

// NewMessages creates a message chain.
func NewMessages(msgs ...Message) Messages {
	return Messages(msgs)
}

// Human appends a user message and returns the chain.
func (m Messages) Human(content string) Messages {
	return append(m, Human(content))
}

// AI appends an assistant message and returns the chain.
func (m Messages) AI(content string, toolCalls ...ToolCall) Messages {
	return append(m, AI(content, toolCalls...))
}

// Tool appends a tool result message and returns the chain.
func (m Messages) Tool(toolCallID, name, output string) Messages {
	return append(m, ToolMsg(toolCallID, name, output))
}

// ByRole returns messages with the given role.
func (m Messages) ByRole(role string) Messages {
	var out Messages
	for _, msg := range m {
		if msg.Role == role {
			out = append(out, msg)
		}
	}
	return out
}

// --- Validation ---

// Validate checks that the message chain is well-formed:
//   - All roles are valid
//   - Tool messages answer a call issued by an earlier assistant message
//   - Assistant messages with ToolCalls have non-empty call IDs
//   - No empty content (except assistant messages with tool calls)
func (m Messages) Validate() error {
	issued := make(map[string]bool)
	for i, msg := range m {
		if !ValidRole(msg.Role) {
			return fmt.Errorf("message[%d]: unknown role %q", i, msg.Role)
		}

		switch msg.Role {
		case RoleTool:
			if msg.ToolCallID == "" {
				return fmt.Errorf("message[%d]: tool message missing tool_call_id", i)
			}
			if msg.Name == "" {
				return fmt.Errorf("message[%d]: tool message missing name", i)
			}
			if !issued[msg.ToolCallID] {
				return fmt.Errorf("message[%d]: tool result %q has no matching call", i, msg.ToolCallID)
			}

		case RoleAssistant:
			if msg.Content == "" && len(msg.ToolCalls) == 0 {
				return fmt.Errorf("message[%d]: assistant message has no content and no tool calls", i)
			}
			for j, tc := range msg.ToolCalls {
				if tc.ID == "" {
					return fmt.Errorf("message[%d].tool_calls[%d]: missing ID", i, j)
				}
				if tc.Name == "" {
					return fmt.Errorf("message[%d].tool_calls[%d]: missing name", i, j)
				}
				issued[tc.ID] = true
			}

		case RoleUser:
			if msg.Content == "" {
				return fmt.Errorf("message[%d]: user message has empty content", i)
			}
		}
	}
	return nil
}

// --- Display ---

// PrettyPrint returns a human-readable representation of the message chain.
func (m Messages) PrettyPrint() string {
	var sb strings.Builder
	for _, msg := range m {
		sb.WriteString(prettyMessage(msg))
		sb.WriteString("\n")
	}
	return sb.String()
}

func (m Messages) String() string {
	return m.PrettyPrint()
}

func prettyMessage(msg Message) string {
	var sb strings.Builder
	label := roleLabel(msg.Role)
	if msg.Checkpoint {
		label = "Summary"
	}

	switch {
	case msg.Role == RoleTool && msg.IsError:
		sb.WriteString(fmt.Sprintf("[%s: %s (call_id=%s, error=%s)]\n", label, msg.Name, msg.ToolCallID, msg.ErrorKind))
	case msg.Role == RoleTool:
		sb.WriteString(fmt.Sprintf("[%s: %s (call_id=%s)]\n", label, msg.Name, msg.ToolCallID))
	default:
		sb.WriteString(fmt.Sprintf("[%s]\n", label))
	}

	if msg.Content != "" {
		sb.WriteString(msg.Content)
		sb.WriteString("\n")
	}

	for _, tc := range msg.ToolCalls {
		sb.WriteString(fmt.Sprintf("  → tool_call: %s(id=%s, args=%v)\n", tc.Name, tc.ID, tc.Args))
	}

	return sb.String()
}

func roleLabel(role string) string {
	switch role {
	case RoleSystem:
		return "System"
	case RoleUser:
		return "Human"
	case RoleAssistant:
		return "AI"
	case RoleTool:
		return "Tool"
	default:
		return role
	}
}
