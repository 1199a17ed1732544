// Package llm defines the streaming model capability consumed by the
// orchestrator and implements it for OpenAI and Anthropic backends.
package llm

import (
	"context"
	"encoding/json"

	"github.com/tetherlabs/tether/pkg/models"
)

// ToolDef describes one tool offered to the model: a name, a natural
// language description, and a JSON Schema for its parameters.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

// Request contains all parameters for one streamed completion.
type Request struct {
	// Model selects the backend model. Empty uses the provider default.
	Model string `json:"model"`

	// System is the system prompt, handled separately from Messages.
	System string `json:"system,omitempty"`

	// Messages is the transcript snapshot in chronological order.
	Messages []models.Entry `json:"messages"`

	// Tools lists the tools the model may call.
	Tools []ToolDef `json:"tools,omitempty"`

	// MaxTokens bounds the response length. Zero uses the provider default.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// ToolCallDelta is one incremental piece of a streamed tool call. The model
// may deliver the id, name, and argument text split across many deltas;
// fragments sharing an Index belong to the same call and must be
// concatenated in arrival order by the consumer.
type ToolCallDelta struct {
	Index             int    `json:"index"`
	ID                string `json:"id,omitempty"`
	Name              string `json:"name,omitempty"`
	ArgumentsFragment string `json:"arguments_fragment,omitempty"`
}

// Fragment is one incremental piece of a streamed model response. Exactly
// one of Text, ToolDelta, Done, or Err is meaningful per fragment.
type Fragment struct {
	// Text is a streamed text delta.
	Text string

	// ToolDelta is a streamed piece of a tool call.
	ToolDelta *ToolCallDelta

	// Done marks the end of a successful stream.
	Done bool

	// Err terminates the stream with a model-call failure.
	Err error
}

// Provider is the streaming model capability. A stream is finite and not
// restartable: every model invocation, including recursive ones within a
// turn, requires a fresh Stream call.
//
// Implementations must be safe for concurrent use; each Stream call owns an
// independent goroutine and channel, and the channel is always closed when
// the stream ends.
type Provider interface {
	// Stream sends the request and returns a channel of response fragments.
	Stream(ctx context.Context, req *Request) (<-chan Fragment, error)

	// Name returns the provider identifier used for routing and logging.
	Name() string
}
