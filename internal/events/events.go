// Package events defines the event types published on the bus.
package events

// Task lifecycle events.
const (
	TaskCreated = "task.created"
	TaskUpdated = "task.updated"
	TaskDeleted = "task.deleted"
)

// Session events published by supervisors, consumed by UI subscribers.
const (
	SessionStatus  = "session.status"  // data: status
	SessionStarted = "session.started" // data: execution_session_id
	SessionEnded   = "session.ended"   // data: execution_session_id, session_status
	AgentText      = "session.agent_text"
	AgentToolUse   = "session.tool_use"
	AgentToolDone  = "session.tool_result"
	AgentDone      = "session.agent_done"
	AgentError     = "session.agent_error"
)
