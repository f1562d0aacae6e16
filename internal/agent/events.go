// Package agent implements the channel to the inner agent process and the
// parser for its newline-delimited event stream.
package agent

// Event is one parsed record from the agent's stdout stream.
type Event interface {
	isEvent()
}

// SystemInit carries the agent's opaque initialization record.
type SystemInit struct {
	Data map[string]any
}

// ToolUse is one tool invocation within an assistant turn.
type ToolUse struct {
	ID    string
	Name  string
	Input map[string]any
}

// AssistantMessage is one model turn. Text concatenates all text segments
// in content order; ToolUses preserves content order.
type AssistantMessage struct {
	Text     string
	ToolUses []ToolUse
}

// ToolResult is the outcome of a prior tool invocation, extracted from a
// user record carrying tool_use_result.
type ToolResult struct {
	ToolUseID string
	Stdout    string
	Stderr    string
	IsError   bool
}

// MessageStop marks the end of one agent turn.
type MessageStop struct{}

// Opaque is a well-formed record of a type the parser does not interpret.
type Opaque struct {
	Kind string
	Data map[string]any
}

// RawOutput is a stdout line that did not parse as a structured record.
type RawOutput struct {
	Line string
}

func (SystemInit) isEvent()       {}
func (AssistantMessage) isEvent() {}
func (ToolResult) isEvent()       {}
func (MessageStop) isEvent()      {}
func (Opaque) isEvent()           {}
func (RawOutput) isEvent()        {}
