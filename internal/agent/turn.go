// Package agent implements the model call loop: it drives streamed model
// completions against a session transcript, reassembles and resolves tool
// calls, and emits turn events for the transport layer.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tetherlabs/tether/internal/llm"
	"github.com/tetherlabs/tether/internal/tools"
	"github.com/tetherlabs/tether/internal/transcript"
	"github.com/tetherlabs/tether/pkg/models"
)

// DefaultMaxDepth bounds how many consecutive model calls one turn may
// make while resolving tool requests.
const DefaultMaxDepth = 5

const depthExceededMessage = "I hit the tool call limit for this turn and stopped. Ask me to continue if you want me to keep going."

// Orchestrator runs turns: one user input through however many model calls
// and tool executions it takes to reach terminal assistant text.
type Orchestrator struct {
	provider  llm.Provider
	registry  *tools.Registry
	logger    *slog.Logger
	model     string
	maxTokens int
	maxDepth  int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithModel overrides the provider's default model.
func WithModel(model string) Option {
	return func(o *Orchestrator) { o.model = model }
}

// WithMaxTokens bounds response length per model call.
func WithMaxTokens(n int) Option {
	return func(o *Orchestrator) { o.maxTokens = n }
}

// WithMaxDepth overrides the per-turn model call bound.
func WithMaxDepth(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxDepth = n
		}
	}
}

// New creates an orchestrator over the given provider and tool registry.
func New(provider llm.Provider, registry *tools.Registry, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		provider: provider,
		registry: registry,
		logger:   logger,
		maxDepth: DefaultMaxDepth,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RunTurn appends userText to the transcript and drives model calls until
// the model answers without requesting tools, the depth bound is reached,
// or the model call fails. It returns the terminal assistant text.
//
// Model failures and depth exhaustion are reported through a single error
// event and a nil returned error; the transcript is left consistent and
// the session stays usable. A non-nil error means the transcript itself
// rejected an append, which indicates a bug or a corrupted session.
func (o *Orchestrator) RunTurn(ctx context.Context, store *transcript.Store, target, userText string, sink EventSink) (string, error) {
	if sink == nil {
		sink = NullSink
	}

	store.AppendUser(userText)
	sink.Emit(event(models.TurnStart))

	for depth := 0; depth < o.maxDepth; depth++ {
		text, calls, err := o.streamOnce(ctx, store, sink)
		if err != nil {
			o.logger.Warn("model call failed", "depth", depth, "error", err)
			return o.failTurn(sink, fmt.Sprintf("model call failed: %v", err)), nil
		}

		if len(calls) == 0 {
			if text != "" {
				store.AppendAssistantText(text)
			}
			ev := event(models.TurnEnd)
			ev.Text = text
			sink.Emit(ev)
			return text, nil
		}

		if err := store.AppendToolRequests(text, calls); err != nil {
			return "", fmt.Errorf("agent: record tool requests: %w", err)
		}
		if err := o.resolveTools(ctx, store, target, calls, sink); err != nil {
			return "", err
		}
	}

	o.logger.Warn("turn exceeded max depth", "max_depth", o.maxDepth)
	store.AppendAssistantText(depthExceededMessage)
	return o.failTurn(sink, depthExceededMessage), nil
}

// streamOnce performs one model call over the current transcript snapshot,
// forwarding text deltas as token events and folding tool call deltas into
// complete calls.
func (o *Orchestrator) streamOnce(ctx context.Context, store *transcript.Store, sink EventSink) (string, []models.ToolCall, error) {
	req := &llm.Request{
		Model:     o.model,
		System:    store.System(),
		Messages:  store.Entries(),
		Tools:     o.registry.Descriptors(),
		MaxTokens: o.maxTokens,
	}

	frags, err := o.provider.Stream(ctx, req)
	if err != nil {
		return "", nil, err
	}

	var text strings.Builder
	acc := newToolCallAccumulator()
	for frag := range frags {
		switch {
		case frag.Err != nil:
			return "", nil, frag.Err
		case frag.ToolDelta != nil:
			acc.Add(frag.ToolDelta)
		case frag.Text != "":
			text.WriteString(frag.Text)
			ev := event(models.TurnToken)
			ev.Token = frag.Text
			sink.Emit(ev)
		case frag.Done:
			return text.String(), acc.Finish(), nil
		}
	}
	// Channel closed without a Done marker; treat as a truncated stream.
	return "", nil, fmt.Errorf("agent: model stream ended without completion")
}

// resolveTools executes the buffered calls strictly in order. A failing
// tool becomes result text for the model to react to; every call gets a
// result regardless of earlier failures.
func (o *Orchestrator) resolveTools(ctx context.Context, store *transcript.Store, target string, calls []models.ToolCall, sink EventSink) error {
	for _, call := range calls {
		ev := event(models.TurnToolInvoked)
		ev.Tool = call.Name
		ev.Args = call.Arguments
		sink.Emit(ev)

		output, err := o.registry.Dispatch(ctx, call.Name, call.Arguments, target)
		if err != nil {
			o.logger.Info("tool call failed", "tool", call.Name, "error", err)
			// Keep whatever the backend captured before failing; for
			// non-zero exits that is the command's own stderr.
			if output != "" {
				output = fmt.Sprintf("Error: %v\n%s", err, output)
			} else {
				output = fmt.Sprintf("Error: %v", err)
			}
		}

		rev := event(models.TurnToolResult)
		rev.Tool = call.Name
		rev.Output = output
		sink.Emit(rev)

		if err := store.AppendToolResult(call.ID, output); err != nil {
			return fmt.Errorf("agent: record tool result: %w", err)
		}
	}
	return nil
}

// failTurn emits the turn's single error event, which is terminal: no end
// event follows a failure. The message doubles as the turn's result text.
func (o *Orchestrator) failTurn(sink EventSink, message string) string {
	ev := event(models.TurnError)
	ev.Message = message
	sink.Emit(ev)
	return message
}
