package agent

import (
	"time"

	"github.com/tetherlabs/tether/pkg/models"
)

// EventSink receives turn events in emission order. Emit must not block
// for long; slow transports should buffer on their side.
type EventSink interface {
	Emit(event models.TurnEvent)
}

// SinkFunc adapts a function to the EventSink interface.
type SinkFunc func(models.TurnEvent)

func (f SinkFunc) Emit(event models.TurnEvent) { f(event) }

// NullSink discards all events. Used by subagents and one-shot calls that
// have no transport.
var NullSink EventSink = SinkFunc(func(models.TurnEvent) {})

func event(t models.TurnEventType) models.TurnEvent {
	return models.TurnEvent{Type: t, Time: time.Now().UTC()}
}
