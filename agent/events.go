package agent

// Event names emitted by RunStream.
const (
	EventModelStart = "on_chat_model_start"
	EventModelEnd   = "on_chat_model_end"
	EventToolStart  = "on_tool_start"
	EventToolEnd    = "on_tool_end"
	EventError      = "error"
	EventDone       = "done"
)

// Event is sent from the agent loop to a stream consumer.
type Event struct {
	Event string `json:"event"`
	Name  string `json:"name,omitempty"`   // tool name or model name
	RunID string `json:"run_id,omitempty"` // tool call id for tool events
	Data  any    `json:"data,omitempty"`
}
