package models

import (
	"encoding/json"
	"time"
)

// TurnEventType identifies the kind of turn event.
type TurnEventType string

const (
	// TurnStart is emitted once when a turn begins, before the first
	// model call.
	TurnStart TurnEventType = "start"

	// TurnToken carries one streamed text delta, forwarded verbatim.
	TurnToken TurnEventType = "token"

	// TurnToolInvoked is emitted immediately before a tool executes.
	TurnToolInvoked TurnEventType = "tool_invoked"

	// TurnToolResult carries the output of a completed tool execution.
	TurnToolResult TurnEventType = "tool_result"

	// TurnError reports a turn-level failure. At most one is emitted
	// per turn; the session remains usable afterwards.
	TurnError TurnEventType = "error"

	// TurnEnd is emitted once when the turn completes with terminal text.
	TurnEnd TurnEventType = "end"
)

// TurnEvent is one observable step of a running turn. The transport layer
// delivers events to the end user in emission order.
type TurnEvent struct {
	Type TurnEventType `json:"type"`
	Time time.Time     `json:"time"`

	// Token is the text delta for token events.
	Token string `json:"token,omitempty"`

	// Tool and Args describe the call for tool_invoked events.
	Tool string          `json:"tool,omitempty"`
	Args json.RawMessage `json:"args,omitempty"`

	// Output is the tool output for tool_result events.
	Output string `json:"output,omitempty"`

	// Message is the human-readable description for error events.
	Message string `json:"message,omitempty"`

	// Text is the final assistant text for end events.
	Text string `json:"text,omitempty"`
}
