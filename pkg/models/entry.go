// Package models provides the domain types shared across the Tether
// orchestrator: transcript entries, tool calls, turn events, and the
// session export format.
package models

import (
	"encoding/json"
)

// Role indicates the transcript entry author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall represents a model's request to execute a tool.
// Arguments holds the raw JSON arguments exactly as the model emitted them.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Entry is a single item in a session's ordered transcript. The Role tag
// determines which fields are meaningful:
//
//   - RoleUser / RoleSystem: Content only
//   - RoleAssistant: Content, and ToolCalls when the model requested tools
//   - RoleTool: ToolCallID plus Content carrying the tool output
//
// The shape mirrors the model-facing chat message format so exports can be
// replayed directly as a transcript snapshot.
type Entry struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// UserEntry builds a user text entry.
func UserEntry(text string) Entry {
	return Entry{Role: RoleUser, Content: text}
}

// AssistantEntry builds an assistant text entry.
func AssistantEntry(text string) Entry {
	return Entry{Role: RoleAssistant, Content: text}
}

// ToolRequestEntry builds an assistant entry carrying one batch of tool
// calls. Text the model streamed before requesting tools rides along as
// Content.
func ToolRequestEntry(text string, calls []ToolCall) Entry {
	return Entry{Role: RoleAssistant, Content: text, ToolCalls: calls}
}

// ToolResultEntry builds a tool output entry matched to a request by id.
func ToolResultEntry(callID, output string) Entry {
	return Entry{Role: RoleTool, ToolCallID: callID, Content: output}
}

// IsToolRequest reports whether the entry carries tool calls.
func (e Entry) IsToolRequest() bool {
	return e.Role == RoleAssistant && len(e.ToolCalls) > 0
}

// SessionExport is the immutable snapshot handed to export sinks. Messages
// exclude the system entry, which is attached at snapshot time rather than
// stored, so a reloaded export reproduces the original history exactly.
type SessionExport struct {
	SessionID string  `json:"session_id"`
	Timestamp string  `json:"timestamp"` // RFC 3339
	Messages  []Entry `json:"messages"`
}
