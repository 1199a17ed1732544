package agent

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/tetherlabs/tether/internal/transcript"
	"github.com/tetherlabs/tether/pkg/models"
)

// ToolUse records one tool execution observed during a quick call or
// subagent run.
type ToolUse struct {
	Tool   string          `json:"tool"`
	Args   json.RawMessage `json:"args,omitempty"`
	Output string          `json:"output,omitempty"`
}

// Report is the outcome of a subagent run: the terminal text plus a log of
// the tool calls made along the way.
type Report struct {
	Text    string    `json:"text"`
	ToolLog []ToolUse `json:"tool_log,omitempty"`
}

// QuickCall runs a single turn on a throwaway transcript, outside any
// session. The model still gets the full tool surface against the given
// target; nothing is persisted.
func (o *Orchestrator) QuickCall(ctx context.Context, target, system, prompt string) (Report, error) {
	collector := newToolLogSink()
	store := transcript.New()
	store.SetSystem(system)

	text, err := o.RunTurn(ctx, store, target, prompt, collector)
	if err != nil {
		return Report{}, err
	}
	return Report{Text: text, ToolLog: collector.Log()}, nil
}

// Subagent runs delegated tasks on their own throwaway transcripts,
// sharing the parent's provider, tools, and sandbox target.
type Subagent struct {
	orch   *Orchestrator
	target string
	system string
}

// NewSubagent creates a subagent bound to a sandbox target with its own
// system instructions.
func NewSubagent(orch *Orchestrator, target, system string) *Subagent {
	return &Subagent{orch: orch, target: target, system: system}
}

// Run executes one task and returns its report. Each run starts from a
// fresh transcript; subagents carry no memory between tasks.
func (s *Subagent) Run(ctx context.Context, task string) (Report, error) {
	return s.orch.QuickCall(ctx, s.target, s.system, task)
}

// toolLogSink collects tool events, pairing each result with the
// invocation that preceded it.
type toolLogSink struct {
	mu  sync.Mutex
	log []ToolUse
}

func newToolLogSink() *toolLogSink {
	return &toolLogSink{}
}

func (s *toolLogSink) Emit(ev models.TurnEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch ev.Type {
	case models.TurnToolInvoked:
		s.log = append(s.log, ToolUse{Tool: ev.Tool, Args: ev.Args})
	case models.TurnToolResult:
		if n := len(s.log); n > 0 && s.log[n-1].Output == "" {
			s.log[n-1].Output = ev.Output
		}
	}
}

func (s *toolLogSink) Log() []ToolUse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ToolUse(nil), s.log...)
}
