package agent

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/tetherlabs/tether/internal/llm"
	"github.com/tetherlabs/tether/pkg/models"
)

// toolCallAccumulator reassembles streamed tool calls from raw deltas.
// Providers deliver the id, name, and argument JSON for one call split
// across many fragments sharing a call index; fragments for a given index
// always arrive in order, but calls at different indexes may interleave.
type toolCallAccumulator struct {
	pending map[int]*pendingCall
	order   []int
}

type pendingCall struct {
	id   string
	name string
	args []byte
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{pending: map[int]*pendingCall{}}
}

// Add folds one delta into the call at its index, creating it on first
// sight. Id and name fragments concatenate just like argument fragments;
// some backends split those across deltas too.
func (a *toolCallAccumulator) Add(delta *llm.ToolCallDelta) {
	call, ok := a.pending[delta.Index]
	if !ok {
		call = &pendingCall{}
		a.pending[delta.Index] = call
		a.order = append(a.order, delta.Index)
	}
	call.id += delta.ID
	call.name += delta.Name
	call.args = append(call.args, delta.ArgumentsFragment...)
}

// Finish returns the completed calls in first-seen index order. Calls with
// no streamed id get a generated one so downstream pairing always has a
// key. Empty argument buffers normalize to an empty JSON object.
func (a *toolCallAccumulator) Finish() []models.ToolCall {
	calls := make([]models.ToolCall, 0, len(a.order))
	for _, idx := range a.order {
		p := a.pending[idx]
		id := p.id
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		args := p.args
		if len(args) == 0 {
			args = []byte(`{}`)
		}
		calls = append(calls, models.ToolCall{
			ID:        id,
			Name:      p.name,
			Arguments: json.RawMessage(args),
		})
	}
	return calls
}
