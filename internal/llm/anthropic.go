package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/tetherlabs/tether/pkg/models"
)

// AnthropicProvider implements Provider for Anthropic's Messages API.
//
// Anthropic streams tool calls as content blocks: a content_block_start
// event carries the call id and tool name, then input_json_delta events
// carry the argument JSON in fragments. The provider maps each to a
// ToolCallDelta keyed by the block index and leaves reassembly to the
// caller, matching the OpenAI provider's contract.
type AnthropicProvider struct {
	client     anthropic.Client
	model      string
	maxRetries int
	retryDelay time.Duration
}

// NewAnthropicProvider creates an Anthropic provider with the given API key
// and default model.
func NewAnthropicProvider(apiKey, model string) *AnthropicProvider {
	return &AnthropicProvider{
		client:     anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:      model,
		maxRetries: 3,
		retryDelay: time.Second,
	}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

// Stream sends the request and returns a channel of raw response fragments.
// Stream creation is retried with exponential backoff on transient failures.
func (p *AnthropicProvider) Stream(ctx context.Context, req *Request) (<-chan Fragment, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	out := make(chan Fragment)
	go func() {
		defer close(out)

		var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
		var lastErr error
		for attempt := 0; attempt <= p.maxRetries; attempt++ {
			stream = p.client.Messages.NewStreaming(ctx, params)
			lastErr = stream.Err()
			if lastErr == nil {
				break
			}
			if !isRetryableAnthropicError(lastErr) || attempt == p.maxRetries {
				out <- Fragment{Err: fmt.Errorf("anthropic: %w", lastErr)}
				return
			}
			backoff := p.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				out <- Fragment{Err: ctx.Err()}
				return
			case <-time.After(backoff):
			}
		}

		p.processStream(stream, out)
	}()
	return out, nil
}

func (p *AnthropicProvider) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], out chan<- Fragment) {
	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "content_block_start":
			start := event.AsContentBlockStart()
			if start.ContentBlock.Type == "tool_use" {
				toolUse := start.ContentBlock.AsToolUse()
				out <- Fragment{ToolDelta: &ToolCallDelta{
					Index: int(start.Index),
					ID:    toolUse.ID,
					Name:  toolUse.Name,
				}}
			}

		case "content_block_delta":
			blockDelta := event.AsContentBlockDelta()
			switch blockDelta.Delta.Type {
			case "text_delta":
				if blockDelta.Delta.Text != "" {
					out <- Fragment{Text: blockDelta.Delta.Text}
				}
			case "input_json_delta":
				if blockDelta.Delta.PartialJSON != "" {
					out <- Fragment{ToolDelta: &ToolCallDelta{
						Index:             int(blockDelta.Index),
						ArgumentsFragment: blockDelta.Delta.PartialJSON,
					}}
				}
			}

		case "message_stop":
			out <- Fragment{Done: true}
			return

		case "error":
			out <- Fragment{Err: errors.New("anthropic: stream error")}
			return
		}
	}

	if err := stream.Err(); err != nil {
		out <- Fragment{Err: fmt.Errorf("anthropic: %w", err)}
		return
	}
	out <- Fragment{Done: true}
}

func (p *AnthropicProvider) buildParams(req *Request) (anthropic.MessageNewParams, error) {
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	model := req.Model
	if model == "" {
		model = p.model
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	return params, nil
}

// convertAnthropicMessages maps transcript entries to Anthropic's message
// format. Tool result entries become tool_result blocks on a user message;
// consecutive results are coalesced into one message because the API expects
// all results for a batch directly after the assistant's tool_use turn.
func convertAnthropicMessages(entries []models.Entry) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	var pendingResults []anthropic.ContentBlockParamUnion

	flushResults := func() {
		if len(pendingResults) > 0 {
			result = append(result, anthropic.NewUserMessage(pendingResults...))
			pendingResults = nil
		}
	}

	for _, e := range entries {
		switch e.Role {
		case models.RoleSystem:
			// Handled separately via params.System.
			continue

		case models.RoleTool:
			pendingResults = append(pendingResults, anthropic.NewToolResultBlock(e.ToolCallID, e.Content, false))
			continue
		}

		flushResults()

		var content []anthropic.ContentBlockParamUnion
		if e.Content != "" {
			content = append(content, anthropic.NewTextBlock(e.Content))
		}
		for _, tc := range e.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(tc.Arguments, &input); err != nil {
				return nil, fmt.Errorf("anthropic: invalid tool call arguments: %w", err)
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(content) == 0 {
			continue
		}

		if e.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	flushResults()

	return result, nil
}

func convertAnthropicTools(tools []ToolDef) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, t := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(t.Schema, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: invalid schema for tool %s: %w", t.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("anthropic: invalid tool definition for %s", t.Name)
		}
		param.OfTool.Description = anthropic.String(t.Description)
		result = append(result, param)
	}
	return result, nil
}

func isRetryableAnthropicError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429, 500, 502, 503, 504:
			return true
		}
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused")
}
