// Package tools holds the registry of capabilities the model may invoke
// and the dispatcher that validates and routes its calls.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/tetherlabs/tether/internal/llm"
)

var (
	ErrUnknownTool        = errors.New("tools: unknown tool")
	ErrDuplicateTool      = errors.New("tools: tool already registered")
	ErrMalformedArguments = errors.New("tools: malformed arguments")
)

// Param describes one parameter of a tool's argument object.
type Param struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"-"`
}

// Descriptor declares a tool's name, purpose, and argument shape. The
// description is written for the model, not for humans.
type Descriptor struct {
	Name        string
	Description string
	Params      map[string]Param
}

// Schema renders the descriptor's parameters as a JSON schema object.
func (d Descriptor) Schema() map[string]any {
	props := make(map[string]any, len(d.Params))
	var required []string
	for name, p := range d.Params {
		prop := map[string]any{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		props[name] = prop
		if p.Required {
			required = append(required, name)
		}
	}
	sort.Strings(required)

	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// Handler executes a tool call against the given sandbox target. A non-nil
// error describes a backend failure; it is reported to the model as result
// text, not surfaced as a turn failure.
type Handler func(ctx context.Context, target string, args map[string]any) (string, error)

type registration struct {
	desc      Descriptor
	rawSchema json.RawMessage
	schema    *jsonschema.Schema
	handler   Handler
}

// Registry maps tool names to handlers and validates call arguments
// against each tool's declared schema before dispatch.
type Registry struct {
	mu     sync.RWMutex
	logger *slog.Logger
	tools  map[string]registration
	order  []string
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger: logger,
		tools:  map[string]registration{},
	}
}

// Register adds a tool. The descriptor's schema is compiled once here so
// dispatch-time validation cannot fail on schema errors.
func (r *Registry) Register(desc Descriptor, handler Handler) error {
	if desc.Name == "" {
		return fmt.Errorf("tools: descriptor missing name")
	}
	if handler == nil {
		return fmt.Errorf("tools: nil handler for %q", desc.Name)
	}

	raw, err := json.Marshal(desc.Schema())
	if err != nil {
		return fmt.Errorf("tools: marshal schema for %q: %w", desc.Name, err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(desc.Name+".json", bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("tools: add schema for %q: %w", desc.Name, err)
	}
	schema, err := compiler.Compile(desc.Name + ".json")
	if err != nil {
		return fmt.Errorf("tools: compile schema for %q: %w", desc.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[desc.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, desc.Name)
	}
	r.tools[desc.Name] = registration{desc: desc, rawSchema: raw, schema: schema, handler: handler}
	r.order = append(r.order, desc.Name)
	return nil
}

// Descriptors returns tool definitions for the model request, in
// registration order.
func (r *Registry) Descriptors() []llm.ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]llm.ToolDef, 0, len(r.order))
	for _, name := range r.order {
		reg := r.tools[name]
		defs = append(defs, llm.ToolDef{
			Name:        reg.desc.Name,
			Description: reg.desc.Description,
			Schema:      reg.rawSchema,
		})
	}
	return defs
}

// Dispatch validates rawArgs against the named tool's schema and runs its
// handler. ErrUnknownTool and ErrMalformedArguments are returned without
// touching any handler; handler errors pass through for the caller to fold
// into result text.
func (r *Registry) Dispatch(ctx context.Context, name string, rawArgs json.RawMessage, target string) (string, error) {
	r.mu.RLock()
	reg, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	if len(rawArgs) == 0 {
		rawArgs = json.RawMessage(`{}`)
	}
	var args map[string]any
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrMalformedArguments, name, err)
	}
	if err := reg.schema.Validate(args); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrMalformedArguments, name, err)
	}

	r.logger.Debug("dispatching tool", "tool", name, "target", target)
	return reg.handler(ctx, target, args)
}
